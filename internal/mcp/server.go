// Package mcp exposes hiburn's actions as MCP tools on stdio.
package mcp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/mark3labs/mcp-go/server"

	"github.com/acolita/hiburn/internal/actions"
	"github.com/acolita/hiburn/internal/adapters/realdialog"
	"github.com/acolita/hiburn/internal/adapters/realfs"
	"github.com/acolita/hiburn/internal/config"
	"github.com/acolita/hiburn/internal/ports"
	"github.com/acolita/hiburn/internal/prompt"
	"github.com/acolita/hiburn/internal/tftp"
	"github.com/acolita/hiburn/internal/transport"
	"github.com/acolita/hiburn/internal/uboot"
)

// Opener opens the device console described by cfg.
type Opener func(ctx context.Context, cfg *config.Config) (transport.Transport, error)

// Server wraps the MCP server and the one console session it drives.
type Server struct {
	mcpServer *server.MCPServer
	open      Opener
	fs        ports.FileSystem
	dialog    ports.Dialog
	logger    *slog.Logger
	tftpOpts  []tftp.Option
	version   string

	// mu serializes tool calls; the device has a single console.
	mu     sync.Mutex
	config *config.Config
	conn   transport.Transport
	runner *actions.Runner
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithFileSystem sets the filesystem used for images and dumps.
func WithFileSystem(fs ports.FileSystem) ServerOption {
	return func(s *Server) {
		s.fs = fs
	}
}

// WithDialog replaces the unattended power-cycle dialog.
func WithDialog(d ports.Dialog) ServerOption {
	return func(s *Server) {
		s.dialog = d
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = l
	}
}

// WithTFTPOptions adds options for every TFTP transfer.
func WithTFTPOptions(opts ...tftp.Option) ServerOption {
	return func(s *Server) {
		s.tftpOpts = append(s.tftpOpts, opts...)
	}
}

// WithVersion sets the version reported to clients.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// NewServer creates an MCP server for the device configured by cfg. The
// console is opened on the first tool call.
func NewServer(cfg *config.Config, open Opener, opts ...ServerOption) *Server {
	s := &Server{
		open:    open,
		config:  cfg,
		fs:      realfs.New(),
		logger:  slog.Default(),
		version: "dev",
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.dialog == nil {
		s.dialog = realdialog.Unattended{Answer: true, Logger: s.logger}
	}

	s.mcpServer = server.NewMCPServer(
		"hiburn",
		s.version,
		server.WithToolCapabilities(false),
		server.WithLogging(),
	)
	s.registerTools()
	return s
}

// Run serves MCP on stdio until the client goes away.
func (s *Server) Run() error {
	s.logger.Info("starting MCP server on stdio transport")
	return server.ServeStdio(s.mcpServer)
}

// UpdateConfig applies a new configuration. Network, memory and YMODEM
// settings apply to the next tool call; transport settings apply once the
// current console is closed.
func (s *Server) UpdateConfig(cfg *config.Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.config = cfg
	if s.runner != nil {
		s.runner.Config = cfg
	}
	s.logger.Info("configuration reloaded")
}

// Close releases the console.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeSession()
}

func (s *Server) closeSession() error {
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn, s.runner = nil, nil
	return err
}

// session returns the runner, opening the console if needed. s.mu must be held.
func (s *Server) session(ctx context.Context) (*actions.Runner, error) {
	if s.runner != nil {
		return s.runner, nil
	}
	prompts, err := prompt.NewSet(s.config.Prompts...)
	if err != nil {
		return nil, err
	}
	conn, err := s.open(ctx, s.config)
	if err != nil {
		return nil, fmt.Errorf("open console: %w", err)
	}
	client, err := uboot.New(conn, uboot.WithPrompts(prompts), uboot.WithLogger(s.logger))
	if err != nil {
		conn.Close()
		return nil, err
	}
	s.conn = conn
	s.runner = actions.New(client, s.config,
		actions.WithDialog(s.dialog),
		actions.WithFileSystem(s.fs),
		actions.WithLogger(s.logger),
		actions.WithTFTPOptions(s.tftpOpts...),
	)
	s.logger.Info("console opened", slog.String("transport", fmt.Sprint(conn)))
	return s.runner, nil
}

// run executes fn with the session's output captured.
func (s *Server) run(ctx context.Context, fn func(r *actions.Runner) error) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.session(ctx)
	if err != nil {
		return "", err
	}
	var out bytes.Buffer
	r.Out = &out
	err = fn(r)
	if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
		// Reopen on the next call.
		_ = s.closeSession()
	}
	return out.String(), err
}
