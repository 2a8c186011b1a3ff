// Package tftp serves files to the bootloader's tftp command and moves
// images between host files and device memory through it.
package tftp

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"net"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pin/tftp/v3"

	"github.com/acolita/hiburn/internal/ports"
)

// DefaultPort is the well-known TFTP port.
const DefaultPort = 69

// Server is a TFTP server rooted at one directory, running on its own
// goroutine.
type Server struct {
	root   string
	fsys   ports.FileSystem
	srv    *tftp.Server
	conn   *net.UDPConn
	done   chan error
	logger *slog.Logger

	mu     sync.Mutex
	stored map[string]chan struct{}
}

// StartServer binds listenIP:port and starts serving root. Port 0 picks a
// free port.
func StartServer(fsys ports.FileSystem, root, listenIP string, port int, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(listenIP, strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("resolve tftp address: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen tftp: %w", err)
	}

	s := &Server{
		root:   root,
		fsys:   fsys,
		conn:   conn,
		done:   make(chan error, 1),
		logger: logger.With(slog.String("component", "tftp")),
		stored: map[string]chan struct{}{},
	}
	s.srv = tftp.NewServer(s.readHandler, s.writeHandler)
	s.srv.SetTimeout(5 * time.Second)
	rc := &readyConn{UDPConn: conn, ready: make(chan struct{})}
	go func() {
		s.done <- s.srv.Serve(rc)
	}()
	// Shutdown is only safe once Serve has taken the connection.
	select {
	case <-rc.ready:
	case err := <-s.done:
		return nil, fmt.Errorf("serve tftp: %w", err)
	case <-time.After(2 * time.Second):
		conn.Close()
		return nil, fmt.Errorf("serve tftp: server did not start")
	}
	s.logger.Info("tftp server started", slog.String("addr", s.Addr().String()), slog.String("root", root))
	return s, nil
}

// Addr returns the bound address.
func (s *Server) Addr() *net.UDPAddr {
	return s.conn.LocalAddr().(*net.UDPAddr)
}

// Port returns the bound port.
func (s *Server) Port() int {
	return s.Addr().Port
}

// Close stops the server and waits for its goroutine.
func (s *Server) Close() error {
	s.srv.Shutdown()
	if err := <-s.done; err != nil {
		s.logger.Debug("tftp serve loop ended", slog.Any("error", err))
	}
	s.logger.Info("tftp server stopped")
	return nil
}

// resolve maps a requested name to a file directly inside root.
func (s *Server) resolve(name string) (string, error) {
	clean := path.Base(path.Clean("/" + strings.ReplaceAll(name, `\`, "/")))
	if clean == "/" || clean == "." || clean == ".." {
		return "", fmt.Errorf("tftp: invalid file name %q", name)
	}
	return filepath.Join(s.root, clean), nil
}

func (s *Server) readHandler(name string, rf io.ReaderFrom) error {
	p, err := s.resolve(name)
	if err != nil {
		return err
	}
	data, err := s.fsys.ReadFile(p)
	if err != nil {
		s.logger.Warn("tftp read refused", slog.String("file", name), slog.Any("error", err))
		return err
	}
	if t, ok := rf.(tftp.OutgoingTransfer); ok {
		t.SetSize(int64(len(data)))
	}
	n, err := rf.ReadFrom(bytes.NewReader(data))
	s.logger.Debug("tftp sent file", slog.String("file", name), slog.Int64("bytes", n))
	return err
}

func (s *Server) writeHandler(name string, wt io.WriterTo) error {
	p, err := s.resolve(name)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	n, err := wt.WriteTo(&buf)
	if err != nil {
		return err
	}
	s.logger.Debug("tftp received file", slog.String("file", name), slog.Int64("bytes", n))
	if err := s.fsys.WriteFile(p, buf.Bytes(), 0o644); err != nil {
		return err
	}
	ch := s.storedChan(filepath.Base(p))
	select {
	case <-ch:
	default:
		close(ch)
	}
	return nil
}

func (s *Server) storedChan(name string) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.stored[name]
	if !ok {
		ch = make(chan struct{})
		s.stored[name] = ch
	}
	return ch
}

// WaitStored waits until a file uploaded by a client under name has been
// written to the root. Clients see the transfer end before the server has
// stored it.
func (s *Server) WaitStored(name string, timeout time.Duration) error {
	select {
	case <-s.storedChan(name):
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("tftp: %s was not stored within %s", name, timeout)
	}
}

// readyConn reports the first read of the serve loop.
type readyConn struct {
	*net.UDPConn
	once  sync.Once
	ready chan struct{}
}

func (c *readyConn) ReadFrom(p []byte) (int, net.Addr, error) {
	c.once.Do(func() { close(c.ready) })
	return c.UDPConn.ReadFrom(p)
}
