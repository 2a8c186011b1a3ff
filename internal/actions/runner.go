// Package actions implements hiburn's verbs on top of a console session:
// reading the environment, checking the network, moving images in and out
// of device memory and booting them.
package actions

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/acolita/hiburn/internal/adapters/realdialog"
	"github.com/acolita/hiburn/internal/adapters/realfs"
	"github.com/acolita/hiburn/internal/config"
	"github.com/acolita/hiburn/internal/imagesrc"
	"github.com/acolita/hiburn/internal/ports"
	"github.com/acolita/hiburn/internal/tftp"
	"github.com/acolita/hiburn/internal/uboot"
)

// ErrAborted is returned when the operator declines to power-cycle.
var ErrAborted = errors.New("aborted by operator")

// Runner runs actions against one device.
type Runner struct {
	Client *uboot.Client
	Config *config.Config
	Dialog ports.Dialog
	FS     ports.FileSystem
	Images *imagesrc.Resolver
	Out    io.Writer
	Logger *slog.Logger

	tftpOpts []tftp.Option
	noPrompt bool
}

// Option configures a Runner.
type Option func(*Runner)

// WithDialog sets how the operator is asked to power-cycle the device.
func WithDialog(d ports.Dialog) Option {
	return func(r *Runner) {
		r.Dialog = d
	}
}

// WithFileSystem sets the file system for images and dumps.
func WithFileSystem(fsys ports.FileSystem) Option {
	return func(r *Runner) {
		r.FS = fsys
	}
}

// WithImages sets the resolver for image references.
func WithImages(res *imagesrc.Resolver) Option {
	return func(r *Runner) {
		r.Images = res
	}
}

// WithOutput sets where results are printed. The default is stdout.
func WithOutput(w io.Writer) Option {
	return func(r *Runner) {
		r.Out = w
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) {
		r.Logger = l
	}
}

// WithTFTPOptions adds options for every TFTP orchestrator the runner creates.
func WithTFTPOptions(opts ...tftp.Option) Option {
	return func(r *Runner) {
		r.tftpOpts = append(r.tftpOpts, opts...)
	}
}

// WithNoPrompt skips the power-cycle question.
func WithNoPrompt(skip bool) Option {
	return func(r *Runner) {
		r.noPrompt = skip
	}
}

// New returns a Runner for client configured by cfg.
func New(client *uboot.Client, cfg *config.Config, opts ...Option) *Runner {
	r := &Runner{
		Client: client,
		Config: cfg,
		Dialog: realdialog.New(),
		FS:     realfs.New(),
		Out:    os.Stdout,
		Logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.Images == nil {
		r.Images = imagesrc.NewResolver(imagesrc.WithFileSystem(r.FS), imagesrc.WithLogger(r.Logger))
	}
	return r
}

// Connect asks the operator to switch the device off, then waits for it
// to come back and takes over its console.
func (r *Runner) Connect(ctx context.Context) error {
	if r.Client.State() == uboot.Ready {
		return nil
	}
	if !r.noPrompt {
		ok, err := r.Dialog.Confirm("Switch the device's power OFF",
			"Confirm once it is off, then switch the power back ON.")
		if err != nil {
			return fmt.Errorf("power cycle: %w", err)
		}
		if !ok {
			return ErrAborted
		}
		r.Logger.Info("waiting for the device to power on")
	}
	if err := r.Client.FetchConsole(ctx); err != nil {
		return fmt.Errorf("fetch console: %w", err)
	}
	r.Logger.Info("console ready")
	return nil
}

// ConfigureNetwork points the device at the host: ipaddr is the target,
// netmask and serverip come from the host interface.
func (r *Runner) ConfigureNetwork() error {
	ip, mask, err := r.Config.Net.HostInterface()
	if err != nil {
		return err
	}
	return r.Client.SetEnv(
		uboot.Var{Name: "ipaddr", Value: r.Config.Net.Target},
		uboot.Var{Name: "netmask", Value: mask},
		uboot.Var{Name: "serverip", Value: ip},
	)
}

func (r *Runner) orchestrator() (*tftp.Orchestrator, error) {
	ip, _, err := r.Config.Net.HostInterface()
	if err != nil {
		return nil, err
	}
	opts := []tftp.Option{
		tftp.WithPort(r.Config.Net.TFTPPort),
		tftp.WithFileSystem(r.FS),
		tftp.WithLogger(r.Logger),
	}
	return tftp.New(r.Client, ip, append(opts, r.tftpOpts...)...), nil
}

func (r *Runner) println(s string) {
	fmt.Fprintln(r.Out, s)
}
