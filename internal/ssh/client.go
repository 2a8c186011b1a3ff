// Package ssh reaches bootloader consoles exposed by a remote host, such as
// a board farm controller running picocom, and opens SFTP sessions to
// fetch images from it.
package ssh

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/acolita/hiburn/internal/adapters/realclock"
	"github.com/acolita/hiburn/internal/adapters/realsshdialer"
	"github.com/acolita/hiburn/internal/ports"
	"github.com/acolita/hiburn/internal/sftp"
)

// DefaultPort is the SSH port used when none is configured.
const DefaultPort = 22

// ErrNotConnected is returned before Connect and after Close.
var ErrNotConnected = errors.New("not connected")

// Client is one SSH connection.
type Client struct {
	mu     sync.Mutex
	conn   *ssh.Client
	config *ssh.ClientConfig
	host   string
	port   int

	keepaliveInterval time.Duration
	keepaliveStop     chan struct{}

	sftpClient *sftp.Client

	clock  ports.Clock
	dialer ports.SSHDialer
}

// ClientOptions configures a Client.
type ClientOptions struct {
	Host              string
	Port              int
	User              string
	AuthMethods       []ssh.AuthMethod
	HostKeyCallback   ssh.HostKeyCallback
	Timeout           time.Duration
	KeepaliveInterval time.Duration
	Clock             ports.Clock
	Dialer            ports.SSHDialer
}

// NewClient validates opts and returns an unconnected client.
func NewClient(opts ClientOptions) (*Client, error) {
	if opts.Host == "" {
		return nil, errors.New("host is required")
	}
	if opts.User == "" {
		return nil, errors.New("user is required")
	}
	if len(opts.AuthMethods) == 0 {
		return nil, errors.New("at least one auth method is required")
	}
	if opts.Port == 0 {
		opts.Port = DefaultPort
	}
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.KeepaliveInterval == 0 {
		opts.KeepaliveInterval = 30 * time.Second
	}
	if opts.HostKeyCallback == nil {
		opts.HostKeyCallback = ssh.InsecureIgnoreHostKey()
	}
	if opts.Clock == nil {
		opts.Clock = realclock.New()
	}
	if opts.Dialer == nil {
		opts.Dialer = realsshdialer.New()
	}

	return &Client{
		config: &ssh.ClientConfig{
			User:            opts.User,
			Auth:            opts.AuthMethods,
			HostKeyCallback: opts.HostKeyCallback,
			Timeout:         opts.Timeout,
		},
		host:              opts.Host,
		port:              opts.Port,
		keepaliveInterval: opts.KeepaliveInterval,
		clock:             opts.Clock,
		dialer:            opts.Dialer,
	}, nil
}

// Addr returns host:port.
func (c *Client) Addr() string {
	return net.JoinHostPort(c.host, strconv.Itoa(c.port))
}

// Connect dials the server. It is a no-op when already connected.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return nil
	}
	conn, err := c.dialer.Dial("tcp", c.Addr(), c.config)
	if err != nil {
		return fmt.Errorf("ssh dial %s: %w", c.Addr(), err)
	}
	c.conn = conn
	c.keepaliveStop = make(chan struct{})
	go c.keepalive(conn, c.keepaliveStop)
	return nil
}

// keepalive pings the server so idle consoles are not dropped while the
// device boots.
func (c *Client) keepalive(conn *ssh.Client, stop <-chan struct{}) {
	ticker := c.clock.NewTicker(c.keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C():
			_, _, _ = conn.SendRequest("keepalive@openssh.com", true, nil)
		}
	}
}

// IsConnected reports whether Connect succeeded and Close was not called.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// NewSession opens a session channel.
func (c *Client) NewSession() (*ssh.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil, ErrNotConnected
	}
	s, err := c.conn.NewSession()
	if err != nil {
		return nil, fmt.Errorf("new session: %w", err)
	}
	return s, nil
}

// SFTPClient returns the connection's SFTP client, creating it on first use.
func (c *Client) SFTPClient() (*sftp.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil, ErrNotConnected
	}
	if c.sftpClient == nil {
		c.sftpClient = sftp.NewClient(c.conn)
	}
	return c.sftpClient, nil
}

// Close closes the SFTP client and the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.keepaliveStop != nil {
		close(c.keepaliveStop)
		c.keepaliveStop = nil
	}
	if c.sftpClient != nil {
		_ = c.sftpClient.Close()
		c.sftpClient = nil
	}
	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}
