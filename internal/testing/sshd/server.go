// Package sshd runs an in-process SSH server for tests. Sessions are served
// by a console handler and the sftp subsystem is backed by the local disk.
package sshd

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// Handler serves one console session. command is "" for a shell request.
// The session ends when the handler returns.
type Handler func(rw io.ReadWriter, command string)

// Server is a test SSH server listening on 127.0.0.1.
type Server struct {
	listener net.Listener
	config   *ssh.ServerConfig
	handler  Handler
	users    map[string]string
	keys     map[string]ssh.PublicKey
	hostKey  ssh.Signer

	mu       sync.Mutex
	commands []string
	ptys     int

	done chan struct{}
	wg   sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithUser adds a user/password pair.
func WithUser(user, password string) Option {
	return func(s *Server) {
		s.users[user] = password
	}
}

// WithAuthorizedKey lets user log in with key.
func WithAuthorizedKey(user string, key ssh.PublicKey) Option {
	return func(s *Server) {
		s.keys[user] = key
	}
}

// WithHandler sets the console handler. The default echoes input.
func WithHandler(h Handler) Option {
	return func(s *Server) {
		s.handler = h
	}
}

// Echo copies input back to the client.
func Echo(rw io.ReadWriter, _ string) {
	_, _ = io.Copy(rw, rw)
}

// New starts a server. Close it when done.
func New(opts ...Option) (*Server, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate host key: %w", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		return nil, fmt.Errorf("host key signer: %w", err)
	}

	s := &Server{
		handler: Echo,
		users:   map[string]string{"test": "test"},
		keys:    map[string]ssh.PublicKey{},
		hostKey: signer,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.config = &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if want, ok := s.users[c.User()]; ok && want == string(password) {
				return nil, nil
			}
			return nil, fmt.Errorf("password rejected for %q", c.User())
		},
		PublicKeyCallback: func(c ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if want, ok := s.keys[c.User()]; ok && string(want.Marshal()) == string(key.Marshal()) {
				return nil, nil
			}
			return nil, fmt.Errorf("key rejected for %q", c.User())
		},
	}
	s.config.AddHostKey(signer)

	s.listener, err = net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}
	s.wg.Add(1)
	go s.acceptLoop()
	return s, nil
}

// Host returns the listening host.
func (s *Server) Host() string {
	host, _, _ := net.SplitHostPort(s.listener.Addr().String())
	return host
}

// Port returns the listening port.
func (s *Server) Port() int {
	_, port, _ := net.SplitHostPort(s.listener.Addr().String())
	n, _ := strconv.Atoi(port)
	return n
}

// HostKey returns the server's public host key.
func (s *Server) HostKey() ssh.PublicKey {
	return s.hostKey.PublicKey()
}

// Commands returns the exec commands received so far.
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// PTYRequests returns how many pty-req requests were accepted.
func (s *Server) PTYRequests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ptys
}

// Close stops the server and waits for its goroutines.
func (s *Server) Close() error {
	close(s.done)
	err := s.listener.Close()
	s.wg.Wait()
	return err
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				slog.Debug("sshd accept", slog.String("error", err.Error()))
				continue
			}
		}
		s.wg.Add(1)
		go s.serveConn(conn)
	}
}

func (s *Server) serveConn(netConn net.Conn) {
	defer s.wg.Done()
	defer netConn.Close()

	go func() {
		<-s.done
		netConn.Close()
	}()

	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, s.config)
	if err != nil {
		slog.Debug("sshd handshake", slog.String("error", err.Error()))
		return
	}
	defer sshConn.Close()
	go ssh.DiscardRequests(reqs)

	for nc := range chans {
		if nc.ChannelType() != "session" {
			_ = nc.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		ch, requests, err := nc.Accept()
		if err != nil {
			continue
		}
		s.wg.Add(1)
		go s.serveSession(ch, requests)
	}
}

func (s *Server) serveSession(ch ssh.Channel, requests <-chan *ssh.Request) {
	defer s.wg.Done()
	defer ch.Close()

	started := false
	finished := make(chan struct{})
	for {
		select {
		case req, ok := <-requests:
			if !ok {
				return
			}
			switch req.Type {
			case "pty-req", "window-change", "env":
				if req.Type == "pty-req" {
					s.mu.Lock()
					s.ptys++
					s.mu.Unlock()
				}
				_ = req.Reply(true, nil)
			case "shell", "exec":
				if started {
					_ = req.Reply(false, nil)
					continue
				}
				started = true
				command := ""
				if req.Type == "exec" {
					command = parseString(req.Payload)
					s.mu.Lock()
					s.commands = append(s.commands, command)
					s.mu.Unlock()
				}
				_ = req.Reply(true, nil)
				go func() {
					s.handler(ch, command)
					close(finished)
				}()
			case "subsystem":
				if started || parseString(req.Payload) != "sftp" {
					_ = req.Reply(false, nil)
					continue
				}
				started = true
				_ = req.Reply(true, nil)
				go func() {
					if srv, err := sftp.NewServer(ch); err == nil {
						_ = srv.Serve()
					}
					close(finished)
				}()
			default:
				_ = req.Reply(false, nil)
			}
		case <-finished:
			sendExitStatus(ch, 0)
			return
		case <-s.done:
			return
		}
	}
}

func sendExitStatus(ch ssh.Channel, code uint32) {
	_ = ch.CloseWrite()
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, code)
	_, _ = ch.SendRequest("exit-status", false, payload)
}

// parseString decodes an SSH string: a uint32 length and the bytes.
func parseString(payload []byte) string {
	if len(payload) < 4 {
		return ""
	}
	n := binary.BigEndian.Uint32(payload)
	if uint32(len(payload)-4) < n {
		return ""
	}
	return string(payload[4 : 4+n])
}
