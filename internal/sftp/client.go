// Package sftp fetches files over an SSH connection.
package sftp

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// ErrClosed is returned by every method after Close.
var ErrClosed = errors.New("sftp client is closed")

// Client wraps an SFTP session on an existing SSH connection. The session
// is opened on first use.
type Client struct {
	mu      sync.Mutex
	sshConn *ssh.Client
	sftp    *sftp.Client
	closed  bool
}

// NewClient returns a client that will use sshConn.
func NewClient(sshConn *ssh.Client) *Client {
	return &Client{sshConn: sshConn}
}

func (c *Client) session() (*sftp.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}
	if c.sftp != nil {
		return c.sftp, nil
	}
	if c.sshConn == nil {
		return nil, errors.New("ssh connection is nil")
	}
	s, err := sftp.NewClient(c.sshConn)
	if err != nil {
		return nil, fmt.Errorf("start sftp: %w", err)
	}
	c.sftp = s
	return s, nil
}

// IsConnected reports whether the SFTP session is open.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sftp != nil && !c.closed
}

// Stat returns information about a remote file.
func (c *Client) Stat(path string) (os.FileInfo, error) {
	s, err := c.session()
	if err != nil {
		return nil, err
	}
	return s.Stat(path)
}

// Glob returns the remote paths matching pattern.
func (c *Client) Glob(pattern string) ([]string, error) {
	s, err := c.session()
	if err != nil {
		return nil, err
	}
	return s.Glob(pattern)
}

// Fetch copies a regular remote file into w and returns the byte count.
func (c *Client) Fetch(path string, w io.Writer) (int64, error) {
	s, err := c.session()
	if err != nil {
		return 0, err
	}
	f, err := s.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		return 0, fmt.Errorf("%s is not a regular file", path)
	}
	n, err := f.WriteTo(w)
	if err != nil {
		return n, fmt.Errorf("read %s: %w", path, err)
	}
	return n, nil
}

// Close ends the SFTP session. The SSH connection stays open.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	if c.sftp != nil {
		err := c.sftp.Close()
		c.sftp = nil
		return err
	}
	return nil
}
