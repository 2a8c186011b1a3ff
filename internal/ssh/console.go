package ssh

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/acolita/hiburn/internal/adapters/realfs"
	"github.com/acolita/hiburn/internal/config"
	"github.com/acolita/hiburn/internal/ports"
	"github.com/acolita/hiburn/internal/transport"
)

// PasswordStore looks up saved SSH passwords.
type PasswordStore interface {
	GetSSHPassword(host, user string) (string, error)
}

// DialOptions carries the dependencies of Dial and DialConsole.
type DialOptions struct {
	FS       ports.FileSystem
	Keyring  PasswordStore // consulted when UseKeyring is set
	Dialer   ports.SSHDialer
	Clock    ports.Clock
	Logger   *slog.Logger
	HostKey  ssh.HostKeyCallback // overrides KnownHosts
	Timeout  time.Duration
	TermType string
}

func (o *DialOptions) defaults() {
	if o.FS == nil {
		o.FS = realfs.New()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.TermType == "" {
		o.TermType = "vt100"
	}
}

// Password resolves the password for cfg: the PasswordEnv variable first,
// then the keyring when UseKeyring is set.
func Password(cfg config.SSHConfig, opts DialOptions) (string, error) {
	opts.defaults()
	if cfg.PasswordEnv != "" {
		if p := opts.FS.Getenv(cfg.PasswordEnv); p != "" {
			return p, nil
		}
	}
	if cfg.UseKeyring && opts.Keyring != nil {
		p, err := opts.Keyring.GetSSHPassword(cfg.Host, cfg.User)
		if err != nil {
			return "", fmt.Errorf("keyring: %w", err)
		}
		return p, nil
	}
	return "", nil
}

// Dial connects to the server described by cfg.
func Dial(cfg config.SSHConfig, opts DialOptions) (*Client, error) {
	opts.defaults()
	password, err := Password(cfg, opts)
	if err != nil {
		return nil, err
	}
	methods, err := BuildAuthMethods(AuthConfig{
		KeyPath:  cfg.KeyPath,
		UseAgent: cfg.KeyPath == "",
		Password: password,
		Host:     cfg.Host,
		FS:       opts.FS,
	})
	if err != nil {
		return nil, err
	}
	hostKey := opts.HostKey
	if hostKey == nil {
		hostKey, err = HostKeyCallback(opts.FS, cfg.KnownHosts, opts.Logger)
		if err != nil {
			return nil, err
		}
	}
	user := cfg.User
	if user == "" {
		user = opts.FS.Getenv("USER")
	}
	client, err := NewClient(ClientOptions{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            user,
		AuthMethods:     methods,
		HostKeyCallback: hostKey,
		Timeout:         opts.Timeout,
		Clock:           opts.Clock,
		Dialer:          opts.Dialer,
	})
	if err != nil {
		return nil, err
	}
	if err := client.Connect(); err != nil {
		return nil, err
	}
	return client, nil
}

// OpenConsole starts command (or a login shell when command is empty) on a
// pseudo-terminal with local echo off and returns it as a Transport.
// Closing the transport ends the session but leaves the client open.
func OpenConsole(client *Client, command, term string, opts ...transport.Option) (*transport.Conn, error) {
	session, err := client.NewSession()
	if err != nil {
		return nil, err
	}
	modes := ssh.TerminalModes{
		ssh.ECHO:          0,
		ssh.TTY_OP_ISPEED: 115200,
		ssh.TTY_OP_OSPEED: 115200,
	}
	if err := session.RequestPty(term, 24, 80, modes); err != nil {
		session.Close()
		return nil, fmt.Errorf("request pty: %w", err)
	}
	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if command != "" {
		err = session.Start(command)
	} else {
		err = session.Shell()
	}
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("start console: %w", err)
	}
	name := "ssh://" + client.Addr()
	if command != "" {
		name += " " + command
	}
	return transport.NewStream(name, stdout, stdin, sessionCloser{session}, opts...), nil
}

type sessionCloser struct {
	s *ssh.Session
}

func (c sessionCloser) Close() error {
	err := c.s.Close()
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// DialConsole connects, opens the console and ties the connection's life
// to the returned transport.
func DialConsole(cfg config.SSHConfig, opts DialOptions, topts ...transport.Option) (transport.Transport, error) {
	opts.defaults()
	client, err := Dial(cfg, opts)
	if err != nil {
		return nil, err
	}
	conn, err := OpenConsole(client, cfg.Command, opts.TermType, append([]transport.Option{transport.WithLogger(opts.Logger)}, topts...)...)
	if err != nil {
		client.Close()
		return nil, err
	}
	opts.Logger.Info("ssh console opened", slog.String("addr", client.Addr()), slog.String("command", cfg.Command))
	return &ownedConsole{Conn: conn, client: client}, nil
}

// ownedConsole is a console transport that also owns its SSH connection.
type ownedConsole struct {
	*transport.Conn
	client *Client
}

// Close ends the session and then the connection.
func (o *ownedConsole) Close() error {
	return errors.Join(o.Conn.Close(), o.client.Close())
}
