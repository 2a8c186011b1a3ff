// Package fakesshdialer records SSH dials and can fail them on demand.
package fakesshdialer

import (
	"sync"

	"golang.org/x/crypto/ssh"
)

// Call is one recorded Dial.
type Call struct {
	Network string
	Addr    string
	User    string
}

// Dialer records each Dial. With Err set every dial fails; otherwise it
// dials for real, which works against an in-process server.
type Dialer struct {
	mu    sync.Mutex
	Err   error
	calls []Call
}

// New returns a pass-through Dialer.
func New() *Dialer {
	return &Dialer{}
}

// Failing returns a Dialer whose dials fail with err.
func Failing(err error) *Dialer {
	return &Dialer{Err: err}
}

// Dial implements ports.SSHDialer.
func (d *Dialer) Dial(network, addr string, config *ssh.ClientConfig) (*ssh.Client, error) {
	d.mu.Lock()
	d.calls = append(d.calls, Call{Network: network, Addr: addr, User: config.User})
	err := d.Err
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return ssh.Dial(network, addr, config)
}

// Calls returns the recorded dials.
func (d *Dialer) Calls() []Call {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Call(nil), d.calls...)
}
