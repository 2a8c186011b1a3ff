// Package realsshdialer dials SSH servers over the network.
package realsshdialer

import (
	"golang.org/x/crypto/ssh"

	"github.com/acolita/hiburn/internal/ports"
)

// Dialer implements ports.SSHDialer with ssh.Dial.
type Dialer struct{}

// New returns a Dialer.
func New() *Dialer {
	return &Dialer{}
}

// Dial connects to addr and performs the SSH handshake.
func (d *Dialer) Dial(network, addr string, config *ssh.ClientConfig) (*ssh.Client, error) {
	return ssh.Dial(network, addr, config)
}

var _ ports.SSHDialer = (*Dialer)(nil)
