package tftp

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/acolita/hiburn/internal/adapters/realfs"
	"github.com/acolita/hiburn/internal/ports"
	"github.com/acolita/hiburn/internal/prompt"
	"github.com/acolita/hiburn/internal/size"
	"github.com/acolita/hiburn/internal/uboot"
)

const storeTimeout = 5 * time.Second

// Direction says which way a request moves data.
type Direction int

const (
	// Upload copies a host file into device memory.
	Upload Direction = iota
	// Download copies device memory into a host file.
	Download
)

func (d Direction) String() string {
	if d == Download {
		return "download"
	}
	return "upload"
}

// Request is one file transfer.
type Request struct {
	Dir  Direction
	Path string // source for uploads, destination for downloads
	Addr uint64
	Size uint64 // downloads only
}

// Device is the part of the console session the orchestrator needs.
type Device interface {
	SetEnv(vars ...uboot.Var) error
	TFTPFetch(addr uint64, name string) ([]string, error)
	TFTPSend(addr uint64, name string, n uint64) ([]string, error)
}

// Orchestrator runs transfers through a temporary TFTP server.
type Orchestrator struct {
	dev      Device
	listenIP string
	port     int
	fsys     ports.FileSystem
	tempDir  string
	logger   *slog.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithPort sets the server port. 0 picks a free port.
func WithPort(port int) Option {
	return func(o *Orchestrator) { o.port = port }
}

// WithFileSystem replaces the host filesystem.
func WithFileSystem(fsys ports.FileSystem) Option {
	return func(o *Orchestrator) { o.fsys = fsys }
}

// WithTempDir sets where the server's scratch directory is created.
func WithTempDir(dir string) Option {
	return func(o *Orchestrator) { o.tempDir = dir }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// New creates an orchestrator serving on listenIP, the host address the
// device can reach.
func New(dev Device, listenIP string, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		dev:      dev,
		listenIP: listenIP,
		port:     DefaultPort,
		fsys:     realfs.New(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Upload copies src into device memory at addr.
func (o *Orchestrator) Upload(ctx context.Context, src string, addr uint64) error {
	return o.Run(ctx, Request{Dir: Upload, Path: src, Addr: addr})
}

// Download copies n bytes of device memory at addr into dst.
func (o *Orchestrator) Download(ctx context.Context, dst string, addr, n uint64) error {
	return o.Run(ctx, Request{Dir: Download, Path: dst, Addr: addr, Size: n})
}

// Run performs the requests in order with one server. The server and its
// directory are gone when Run returns.
func (o *Orchestrator) Run(ctx context.Context, reqs ...Request) (err error) {
	dir, err := o.fsys.MkdirTemp(o.tempDir, "hiburn-tftp-*")
	if err != nil {
		return fmt.Errorf("create tftp root: %w", err)
	}
	defer func() {
		if rerr := o.fsys.RemoveAll(dir); rerr != nil {
			o.logger.Warn("failed to remove tftp root", slog.String("dir", dir), slog.Any("error", rerr))
		}
	}()

	srv, err := StartServer(o.fsys, dir, o.listenIP, o.port, o.logger)
	if err != nil {
		return err
	}
	defer srv.Close()

	if port := srv.Port(); port != DefaultPort {
		if err := o.dev.SetEnv(uboot.Var{Name: "tftpdstp", Value: strconv.Itoa(port)}); err != nil {
			return err
		}
	}

	for _, req := range reqs {
		if err := ctx.Err(); err != nil {
			return err
		}
		name := uuid.NewString()
		o.logger.Info("tftp transfer",
			slog.String("direction", req.Dir.String()),
			slog.String("path", req.Path),
			slog.String("addr", size.Hex(req.Addr)),
		)
		switch req.Dir {
		case Upload:
			err = o.upload(dir, name, req)
		case Download:
			err = o.download(srv, dir, name, req)
		default:
			err = fmt.Errorf("unknown transfer direction %d", req.Dir)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) upload(dir, name string, req Request) error {
	data, err := o.fsys.ReadFile(req.Path)
	if err != nil {
		return err
	}
	if err := o.fsys.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
		return err
	}
	lines, err := o.dev.TFTPFetch(req.Addr, name)
	if err != nil {
		return err
	}
	return checkTransferred(lines, uint64(len(data)), req)
}

func (o *Orchestrator) download(srv *Server, dir, name string, req Request) error {
	lines, err := o.dev.TFTPSend(req.Addr, name, req.Size)
	if err != nil {
		return err
	}
	if err := checkTransferred(lines, req.Size, req); err != nil {
		return err
	}
	if err := srv.WaitStored(name, storeTimeout); err != nil {
		return err
	}
	data, err := o.fsys.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return err
	}
	return o.fsys.WriteFile(req.Path, data, 0o644)
}

func checkTransferred(lines []string, want uint64, req Request) error {
	got, ok := prompt.TransferredBytes(lines)
	if !ok {
		return fmt.Errorf("tftp %s of %s failed: %v", req.Dir, req.Path, lastLine(lines))
	}
	if got != want {
		return fmt.Errorf("tftp %s of %s: device transferred %d bytes, want %d", req.Dir, req.Path, got, want)
	}
	return nil
}

func lastLine(lines []string) string {
	if len(lines) == 0 {
		return "no output"
	}
	return lines[len(lines)-1]
}
