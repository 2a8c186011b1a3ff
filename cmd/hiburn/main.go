// hiburn provisions boards running U-Boot over their console: it reads
// the environment, moves images in and out of RAM and boots them.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/acolita/hiburn/internal/config"
	"github.com/acolita/hiburn/internal/errs"
	"github.com/acolita/hiburn/internal/logging"
)

// Version information - set at build time.
var (
	Version   = "0.3.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// Exit codes.
const (
	exitOK     = 0
	exitFailed = 1
	exitUsage  = 2
)

// globals are the flags accepted before the action.
type globals struct {
	configPath  string
	port        string
	telnet      string
	debug       bool
	noPrompt    bool
	accessible  bool
	showVersion bool
	sets        setFlags
}

// setFlags collects repeated --set path=value overrides.
type setFlags []string

func (s *setFlags) String() string { return strings.Join(*s, ",") }

func (s *setFlags) Set(v string) error {
	if !strings.Contains(v, "=") {
		return fmt.Errorf("%q is not path=value", v)
	}
	*s = append(*s, v)
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	var g globals
	fs := flag.NewFlagSet("hiburn", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&g.configPath, "config", config.DefaultConfigPath(), "Path to configuration file")
	fs.StringVar(&g.port, "port", "", "Serial port, as port[:baud[:8N1]] (overrides config)")
	fs.StringVar(&g.telnet, "telnet", "", "Telnet console endpoint, as [host:]port (overrides config)")
	fs.BoolVar(&g.debug, "debug", false, "Log console traffic")
	fs.BoolVar(&g.noPrompt, "no-prompt", false, "Do not ask to power-cycle the device")
	fs.BoolVar(&g.accessible, "accessible", false, "Use line based prompts")
	fs.BoolVar(&g.showVersion, "version", false, "Show version information")
	fs.Var(&g.sets, "set", "Override a config value, as path=value (repeatable)")
	fs.Usage = func() { usage(fs) }

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}

	if g.showVersion {
		fmt.Fprintf(stdout, "hiburn version %s\n", Version)
		fmt.Fprintf(stdout, "  Build time: %s\n", BuildTime)
		fmt.Fprintf(stdout, "  Git commit: %s\n", GitCommit)
		return exitOK
	}

	rest := fs.Args()
	if len(rest) == 0 {
		usage(fs)
		return exitUsage
	}

	cfg, err := loadConfig(g)
	if err != nil {
		return report(stderr, err)
	}
	logging.Setup(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Sanitize)
	slog.Debug("starting hiburn",
		slog.String("version", Version),
		slog.String("action", rest[0]),
	)

	app := &app{globals: g, config: cfg, logger: slog.Default(), stdout: stdout, stderr: stderr}
	return report(stderr, app.dispatch(ctx, rest[0], rest[1:]))
}

// loadConfig reads the file, applies command line overrides and validates.
func loadConfig(g globals) (*config.Config, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, err
	}
	applyOverrides(cfg, g)
	for _, kv := range g.sets {
		k, v, _ := strings.Cut(kv, "=")
		if err := cfg.Set(k, v); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyOverrides(cfg *config.Config, g globals) {
	if g.port != "" {
		cfg.Transport = config.TransportConfig{Serial: g.port, ReadTimeout: cfg.Transport.ReadTimeout, Record: cfg.Transport.Record}
	}
	if g.telnet != "" {
		cfg.Transport = config.TransportConfig{Telnet: g.telnet, ReadTimeout: cfg.Transport.ReadTimeout, Record: cfg.Transport.Record}
	}
	if g.debug {
		cfg.Logging.Level = "debug"
		cfg.Logging.Format = "text"
	}
}

// report prints err and maps it to an exit code.
func report(stderr io.Writer, err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, errUsage):
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitUsage
	case errs.Is(err, errs.InvalidConfig):
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitUsage
	case errors.Is(err, context.Canceled):
		fmt.Fprintln(stderr, "Error: interrupted")
		return exitFailed
	default:
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitFailed
	}
}

func usage(fs *flag.FlagSet) {
	out := fs.Output()
	fmt.Fprintln(out, "usage: hiburn [flags] <action> [action flags]")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "actions:")
	for _, v := range verbs {
		fmt.Fprintf(out, "  %-11s %s\n", v.name, v.help)
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out, "flags:")
	fs.PrintDefaults()
}
