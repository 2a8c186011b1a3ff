// Package imagesrc turns image references given on the command line into
// local files: plain paths, glob patterns and sftp:// URLs.
package imagesrc

import (
	"bytes"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/acolita/hiburn/internal/adapters/realfs"
	"github.com/acolita/hiburn/internal/config"
	"github.com/acolita/hiburn/internal/errs"
	"github.com/acolita/hiburn/internal/ports"
	"github.com/acolita/hiburn/internal/ssh"
)

// Image is a resolved reference. Close removes any temporary copy.
type Image struct {
	Ref  string
	Path string
	Size int64

	cleanup func() error
}

// Close releases the image.
func (i *Image) Close() error {
	if i.cleanup == nil {
		return nil
	}
	err := i.cleanup()
	i.cleanup = nil
	return err
}

// Resolver resolves references.
type Resolver struct {
	fsys   ports.FileSystem
	ssh    config.SSHConfig
	dial   ssh.DialOptions
	logger *slog.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithFileSystem sets the file system used for temporary copies and stats.
func WithFileSystem(fsys ports.FileSystem) Option {
	return func(r *Resolver) {
		r.fsys = fsys
	}
}

// WithSSH sets the credentials used for sftp:// references. Host, port and
// user from the URL take precedence.
func WithSSH(cfg config.SSHConfig, opts ssh.DialOptions) Option {
	return func(r *Resolver) {
		r.ssh = cfg
		r.dial = opts
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// NewResolver returns a Resolver.
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{
		fsys:   realfs.New(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.dial.FS == nil {
		r.dial.FS = r.fsys
	}
	return r
}

// Resolve returns a local file for ref.
func (r *Resolver) Resolve(ref string) (*Image, error) {
	if strings.HasPrefix(ref, "sftp://") {
		return r.fetch(ref)
	}
	p := ref
	if hasMeta(ref) {
		matches, err := doublestar.FilepathGlob(ref, doublestar.WithFilesOnly())
		if err != nil {
			return nil, errs.New(errs.InvalidConfig, "resolve image", "bad pattern %q: %v", ref, err)
		}
		if len(matches) != 1 {
			return nil, errs.New(errs.InvalidConfig, "resolve image", "pattern %q matches %d files, want exactly one", ref, len(matches))
		}
		p = matches[0]
	}
	info, err := r.fsys.Stat(p)
	if err != nil {
		return nil, fmt.Errorf("resolve image: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("resolve image: %s is a directory", p)
	}
	return &Image{Ref: ref, Path: p, Size: info.Size()}, nil
}

func hasMeta(s string) bool {
	return strings.ContainsAny(s, "*?[{")
}

// remote holds the parts of sftp://[user@]host[:port]/path.
type remote struct {
	user, host string
	port       int
	path       string
}

func parseRemote(ref string) (remote, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return remote{}, errs.New(errs.InvalidConfig, "resolve image", "bad url %q: %v", ref, err)
	}
	rm := remote{host: u.Hostname(), path: u.Path}
	if u.User != nil {
		rm.user = u.User.Username()
	}
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n <= 0 || n > 65535 {
			return remote{}, errs.New(errs.InvalidConfig, "resolve image", "bad port in %q", ref)
		}
		rm.port = n
	}
	if rm.host == "" {
		return remote{}, errs.New(errs.InvalidConfig, "resolve image", "%q has no host", ref)
	}
	if rm.path == "" || rm.path == "/" {
		return remote{}, errs.New(errs.InvalidConfig, "resolve image", "%q has no path", ref)
	}
	return rm, nil
}

func (r *Resolver) fetch(ref string) (*Image, error) {
	rm, err := parseRemote(ref)
	if err != nil {
		return nil, err
	}

	cfg := r.ssh
	cfg.Host = rm.host
	cfg.Command = ""
	if rm.port != 0 {
		cfg.Port = rm.port
	}
	if rm.user != "" {
		cfg.User = rm.user
	}

	client, err := ssh.Dial(cfg, r.dial)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", ref, err)
	}
	defer client.Close()
	sc, err := client.SFTPClient()
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", ref, err)
	}

	remotePath := rm.path
	if hasMeta(remotePath) {
		matches, err := sc.Glob(remotePath)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", ref, err)
		}
		if len(matches) != 1 {
			return nil, errs.New(errs.InvalidConfig, "resolve image", "pattern %q matches %d remote files, want exactly one", ref, len(matches))
		}
		remotePath = matches[0]
	}

	var buf bytes.Buffer
	n, err := sc.Fetch(remotePath, &buf)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", ref, err)
	}

	dir, err := r.fsys.MkdirTemp("", "hiburn-image-*")
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", ref, err)
	}
	local := filepath.Join(dir, path.Base(remotePath))
	if err := r.fsys.WriteFile(local, buf.Bytes(), 0o600); err != nil {
		_ = r.fsys.RemoveAll(dir)
		return nil, fmt.Errorf("resolve %s: %w", ref, err)
	}
	r.logger.Info("fetched image", slog.String("ref", ref), slog.String("path", local), slog.Int64("bytes", n))
	return &Image{
		Ref:     ref,
		Path:    local,
		Size:    n,
		cleanup: func() error { return r.fsys.RemoveAll(dir) },
	}, nil
}
