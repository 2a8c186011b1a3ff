package actions

import (
	"context"
	"errors"
	"strings"

	"github.com/acolita/hiburn/internal/prompt"
)

// ErrNetworkUnavailable is returned when the device cannot ping the host.
var ErrNetworkUnavailable = errors.New("network is unavailable")

// PrintEnv prints the device environment.
func (r *Runner) PrintEnv(ctx context.Context) error {
	if err := r.Connect(ctx); err != nil {
		return err
	}
	lines, err := r.Client.PrintEnv()
	if err != nil {
		return err
	}
	r.println(strings.Join(lines, "\n"))
	return nil
}

// Ping configures the network and pings the host from the device.
func (r *Runner) Ping(ctx context.Context) error {
	if err := r.Connect(ctx); err != nil {
		return err
	}
	if err := r.ConfigureNetwork(); err != nil {
		return err
	}
	ip, _, err := r.Config.Net.HostInterface()
	if err != nil {
		return err
	}
	lines, err := r.Client.Ping(ip)
	if err != nil {
		return err
	}
	if len(lines) == 0 || !prompt.HostAlive.Match(lines[len(lines)-1]) {
		return ErrNetworkUnavailable
	}
	r.println(lines[len(lines)-1])
	return nil
}

// Exec runs one command and prints its output.
func (r *Runner) Exec(ctx context.Context, cmd string) error {
	if err := r.Connect(ctx); err != nil {
		return err
	}
	lines, err := r.Client.Exec(cmd)
	if err != nil {
		return err
	}
	if len(lines) > 0 {
		r.println(strings.Join(lines, "\n"))
	}
	return nil
}
