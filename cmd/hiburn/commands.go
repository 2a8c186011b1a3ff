package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"

	"github.com/acolita/hiburn/internal/actions"
	"github.com/acolita/hiburn/internal/adapters/realdialog"
	"github.com/acolita/hiburn/internal/adapters/realfs"
	"github.com/acolita/hiburn/internal/config"
	"github.com/acolita/hiburn/internal/imagesrc"
	"github.com/acolita/hiburn/internal/mcp"
	"github.com/acolita/hiburn/internal/ports"
	"github.com/acolita/hiburn/internal/prompt"
	"github.com/acolita/hiburn/internal/security"
	"github.com/acolita/hiburn/internal/size"
	"github.com/acolita/hiburn/internal/transport"
	"github.com/acolita/hiburn/internal/uboot"
)

var errUsage = errors.New("usage")

func usageErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errUsage, fmt.Sprintf(format, args...))
}

// app carries what every action needs.
type app struct {
	globals
	config *config.Config
	logger *slog.Logger
	stdout io.Writer
	stderr io.Writer
}

type verb struct {
	name string
	help string
	run  func(a *app, ctx context.Context, args []string) error
}

var verbs []verb

func init() {
	verbs = []verb{
		{"printenv", "print the U-Boot environment", (*app).printenv},
		{"exec", "run one U-Boot command", (*app).exec},
		{"ping", "configure the network and ping the host", (*app).ping},
		{"upload", "copy an image into RAM over TFTP", (*app).upload},
		{"download", "copy RAM into a file over TFTP", (*app).download},
		{"loady", "copy an image into RAM over the console (YMODEM)", (*app).loady},
		{"boot", "load a kernel and rootfs and boot them", (*app).boot},
		{"flash-read", "dump SPI flash into a file", (*app).flashRead},
		{"console", "attach the terminal to the device console", (*app).console},
		{"ports", "list serial ports", (*app).ports},
		{"serve", "serve the actions as MCP tools on stdio", (*app).serve},
		{"keyring", "store or delete the SSH password (set|delete)", (*app).keyring},
	}
}

func (a *app) dispatch(ctx context.Context, name string, args []string) error {
	for _, v := range verbs {
		if v.name == name {
			return v.run(a, ctx, args)
		}
	}
	return usageErr("unknown action %q", name)
}

// sizeFlag is a flag.Value holding a size or address literal.
type sizeFlag struct {
	value uint64
	set   bool
}

func (f *sizeFlag) String() string {
	if !f.set {
		return ""
	}
	return size.Hex(f.value)
}

func (f *sizeFlag) Set(s string) error {
	n, err := size.Parse(s)
	if err != nil {
		return err
	}
	f.value, f.set = n, true
	return nil
}

func (a *app) flags(name string) *flag.FlagSet {
	fs := flag.NewFlagSet("hiburn "+name, flag.ContinueOnError)
	fs.SetOutput(a.stderr)
	return fs
}

func parse(fs *flag.FlagSet, args []string, required ...string) error {
	if err := fs.Parse(args); err != nil {
		return usageErr("%v", err)
	}
	seen := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { seen[f.Name] = true })
	for _, name := range required {
		if !seen[name] {
			return usageErr("%s: --%s is required", fs.Name(), name)
		}
	}
	return nil
}

func (a *app) dialog() ports.Dialog {
	if a.noPrompt {
		return realdialog.Unattended{Answer: true, Logger: a.logger}
	}
	return realdialog.New(realdialog.WithAccessible(a.accessible))
}

// runner opens the console and returns a runner for it and its closer.
func (a *app) runner(ctx context.Context) (*actions.Runner, func(), error) {
	prompts, err := prompt.NewSet(a.config.Prompts...)
	if err != nil {
		return nil, nil, err
	}
	conn, err := openTransport(ctx, a.config, a.logger)
	if err != nil {
		return nil, nil, err
	}
	client, err := uboot.New(conn, uboot.WithPrompts(prompts), uboot.WithLogger(a.logger))
	if err != nil {
		conn.Close()
		return nil, nil, err
	}

	fsys := realfs.New()
	var sshCfg config.SSHConfig
	if a.config.Transport.SSH != nil {
		sshCfg = *a.config.Transport.SSH
	}
	images := imagesrc.NewResolver(
		imagesrc.WithFileSystem(fsys),
		imagesrc.WithSSH(sshCfg, dialOptions(a.logger)),
		imagesrc.WithLogger(a.logger),
	)
	r := actions.New(client, a.config,
		actions.WithDialog(a.dialog()),
		actions.WithFileSystem(fsys),
		actions.WithImages(images),
		actions.WithOutput(a.stdout),
		actions.WithLogger(a.logger),
		actions.WithNoPrompt(a.noPrompt),
	)
	closer := func() {
		if err := conn.Close(); err != nil {
			a.logger.Debug("close console", slog.String("error", err.Error()))
		}
	}
	return r, closer, nil
}

// withRunner runs fn on a freshly opened console.
func (a *app) withRunner(ctx context.Context, fn func(r *actions.Runner) error) error {
	r, closeConn, err := a.runner(ctx)
	if err != nil {
		return err
	}
	defer closeConn()
	return fn(r)
}

func (a *app) printenv(ctx context.Context, args []string) error {
	if err := parse(a.flags("printenv"), args); err != nil {
		return err
	}
	return a.withRunner(ctx, func(r *actions.Runner) error {
		return r.PrintEnv(ctx)
	})
}

func (a *app) exec(ctx context.Context, args []string) error {
	fs := a.flags("exec")
	if err := parse(fs, args); err != nil {
		return err
	}
	cmd := strings.Join(fs.Args(), " ")
	if cmd == "" {
		return usageErr("exec: a command is required")
	}
	return a.withRunner(ctx, func(r *actions.Runner) error {
		return r.Exec(ctx, cmd)
	})
}

func (a *app) ping(ctx context.Context, args []string) error {
	if err := parse(a.flags("ping"), args); err != nil {
		return err
	}
	return a.withRunner(ctx, func(r *actions.Runner) error {
		return r.Ping(ctx)
	})
}

func (a *app) upload(ctx context.Context, args []string) error {
	fs := a.flags("upload")
	src := fs.String("src", "", "image path, glob or sftp:// reference")
	var addr sizeFlag
	fs.Var(&addr, "addr", "load address")
	if err := parse(fs, args, "src", "addr"); err != nil {
		return err
	}
	return a.withRunner(ctx, func(r *actions.Runner) error {
		return r.Upload(ctx, *src, addr.value)
	})
}

func (a *app) loady(ctx context.Context, args []string) error {
	fs := a.flags("loady")
	src := fs.String("src", "", "image path, glob or sftp:// reference")
	var addr sizeFlag
	fs.Var(&addr, "addr", "load address")
	if err := parse(fs, args, "src", "addr"); err != nil {
		return err
	}
	return a.withRunner(ctx, func(r *actions.Runner) error {
		return r.Loady(ctx, *src, addr.value)
	})
}

func (a *app) download(ctx context.Context, args []string) error {
	fs := a.flags("download")
	dst := fs.String("dst", "", "file to write")
	var addr, n sizeFlag
	fs.Var(&addr, "addr", "memory address")
	fs.Var(&n, "size", "number of bytes")
	if err := parse(fs, args, "dst", "addr", "size"); err != nil {
		return err
	}
	return a.withRunner(ctx, func(r *actions.Runner) error {
		return r.Download(ctx, *dst, addr.value, n.value)
	})
}

func (a *app) flashRead(ctx context.Context, args []string) error {
	fs := a.flags("flash-read")
	dst := fs.String("dst", "", "file to write")
	var offset, n, addr sizeFlag
	fs.Var(&offset, "offset", "flash offset")
	fs.Var(&n, "size", "number of bytes")
	fs.Var(&addr, "addr", "RAM staging address (default: start of the memory window)")
	if err := parse(fs, args, "dst", "offset", "size"); err != nil {
		return err
	}
	staging := addr.value
	if !addr.set {
		staging = uint64(a.config.Mem.StartAddr)
	}
	return a.withRunner(ctx, func(r *actions.Runner) error {
		return r.FlashRead(ctx, offset.value, n.value, staging, *dst)
	})
}

func (a *app) boot(ctx context.Context, args []string) error {
	fs := a.flags("boot")
	var opts actions.BootOptions
	fs.StringVar(&opts.UImage, "uimage", "", "kernel image")
	fs.StringVar(&opts.Rootfs, "rootfs", "", "root filesystem image")
	var uploadAddr sizeFlag
	fs.Var(&uploadAddr, "upload-addr", "place images at or above this address")
	fs.BoolVar(&opts.SerialTransfer, "serial-transfer", false, "upload with YMODEM instead of TFTP")
	fs.BoolVar(&opts.NoWait, "no-wait", false, "do not read kernel output after bootm")
	expect := fs.String("expect", "", "wait for kernel output matching this regular expression")
	fs.DurationVar(&opts.ExpectTimeout, "expect-timeout", actions.DefaultExpectTimeout, "how long to wait for --expect")
	if err := parse(fs, args, "uimage", "rootfs"); err != nil {
		return err
	}
	opts.UploadAddr, opts.HasUploadAddr = uploadAddr.value, uploadAddr.set
	if *expect != "" {
		re, err := regexp.Compile(*expect)
		if err != nil {
			return usageErr("boot: --expect: %v", err)
		}
		opts.Expect = re
	}
	return a.withRunner(ctx, func(r *actions.Runner) error {
		return r.Boot(ctx, opts)
	})
}

func (a *app) console(ctx context.Context, args []string) error {
	if err := parse(a.flags("console"), args); err != nil {
		return err
	}
	return a.withRunner(ctx, func(r *actions.Runner) error {
		if err := r.Connect(ctx); err != nil {
			return err
		}
		restore, err := actions.RawTerminal(os.Stdin)
		if err != nil {
			return err
		}
		defer restore()
		fmt.Fprint(a.stderr, "connected, press Ctrl-] to quit\r\n")
		return r.Console(ctx, os.Stdin, a.stdout)
	})
}

func (a *app) ports(_ context.Context, args []string) error {
	if err := parse(a.flags("ports"), args); err != nil {
		return err
	}
	return actions.ListPorts(a.stdout)
}

func (a *app) serve(ctx context.Context, args []string) error {
	if err := parse(a.flags("serve"), args); err != nil {
		return err
	}
	open := func(ctx context.Context, cfg *config.Config) (transport.Transport, error) {
		return openTransport(ctx, cfg, a.logger)
	}
	srv := mcp.NewServer(a.config, open, mcp.WithLogger(a.logger), mcp.WithVersion(Version))
	defer srv.Close()

	watcher, err := config.NewWatcher(a.configPath, func(cfg *config.Config) {
		applyOverrides(cfg, a.globals)
		srv.UpdateConfig(cfg)
	}, a.logger)
	if err != nil {
		a.logger.Warn("config hot-reload disabled", slog.String("error", err.Error()))
	} else {
		a.logger.Info("config hot-reload enabled", slog.String("path", a.configPath))
		defer watcher.Close()
	}

	done := make(chan error, 1)
	go func() { done <- srv.Run() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		a.logger.Info("received shutdown signal")
		return nil
	}
}

func (a *app) keyring(_ context.Context, args []string) error {
	fs := a.flags("keyring")
	if err := parse(fs, args); err != nil {
		return err
	}
	s := a.config.Transport.SSH
	if s == nil {
		return usageErr("keyring: no transport.ssh in the configuration")
	}
	user := s.User
	if user == "" {
		user = os.Getenv("USER")
	}
	store := security.NewKeyringStore()
	if !store.IsEnabled() {
		return security.ErrUnavailable
	}

	switch fs.Arg(0) {
	case "set":
		pw, err := a.dialog().Password(fmt.Sprintf("SSH password for %s@%s", user, s.Host))
		if err != nil {
			return err
		}
		if err := store.StoreSSHPassword(s.Host, user, pw); err != nil {
			return err
		}
		fmt.Fprintf(a.stdout, "stored password for %s@%s\n", user, s.Host)
	case "delete":
		if err := store.DeleteSSHPassword(s.Host, user); err != nil {
			return err
		}
		fmt.Fprintf(a.stdout, "deleted password for %s@%s\n", user, s.Host)
	default:
		return usageErr("keyring: want set or delete, got %q", fs.Arg(0))
	}
	return nil
}
