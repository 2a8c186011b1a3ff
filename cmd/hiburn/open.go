package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/acolita/hiburn/internal/adapters/realclock"
	"github.com/acolita/hiburn/internal/adapters/realsshdialer"
	"github.com/acolita/hiburn/internal/config"
	"github.com/acolita/hiburn/internal/recording"
	"github.com/acolita/hiburn/internal/security"
	"github.com/acolita/hiburn/internal/ssh"
	"github.com/acolita/hiburn/internal/transport"
)

// dialOptions are the SSH dependencies shared by console and image access.
func dialOptions(logger *slog.Logger) ssh.DialOptions {
	return ssh.DialOptions{
		Keyring: security.NewKeyringStore(),
		Dialer:  realsshdialer.New(),
		Clock:   realclock.New(),
		Logger:  logger,
	}
}

// openTransport opens the console selected by cfg, recording it when
// transport.record is set.
func openTransport(_ context.Context, cfg *config.Config, logger *slog.Logger) (transport.Transport, error) {
	kind, err := cfg.Transport.Kind()
	if err != nil {
		return nil, err
	}
	topts := []transport.Option{transport.WithLogger(logger)}
	if cfg.Transport.ReadTimeout > 0 {
		topts = append(topts, transport.WithReadTimeout(cfg.Transport.ReadTimeout))
	}

	var t transport.Transport
	switch kind {
	case "serial":
		conn, err := transport.OpenSerial(cfg.Transport.SerialSpec(), topts...)
		if err != nil {
			return nil, err
		}
		t = conn
	case "telnet":
		conn, err := transport.DialTelnet(cfg.Transport.Telnet, topts...)
		if err != nil {
			return nil, err
		}
		t = conn
	case "ssh":
		t, err = ssh.DialConsole(*cfg.Transport.SSH, dialOptions(logger), topts...)
		if err != nil {
			return nil, err
		}
	case "exec":
		conn, err := transport.StartExec(cfg.Transport.Exec.Command, topts...)
		if err != nil {
			return nil, err
		}
		t = conn
	default:
		return nil, fmt.Errorf("unknown transport %q", kind)
	}
	logger.Info("console open", slog.String("transport", kind), slog.String("name", fmt.Sprint(t)))

	if cfg.Transport.Record == "" {
		return t, nil
	}
	rec, err := recording.Create(cfg.Transport.Record, kind, realclock.New())
	if err != nil {
		t.Close()
		return nil, err
	}
	logger.Info("recording console", slog.String("path", rec.Path()))
	return recording.Wrap(t, rec, logger), nil
}
