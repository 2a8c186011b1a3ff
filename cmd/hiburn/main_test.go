package main

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/acolita/hiburn/internal/errs"
)

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	cfg := filepath.Join(t.TempDir(), "missing.yaml")
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), append([]string{"--config", cfg}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestVersion(t *testing.T) {
	code, out, _ := runCLI(t, "--version")
	if code != exitOK {
		t.Errorf("exit = %d, want %d", code, exitOK)
	}
	if !strings.Contains(out, "hiburn version "+Version) {
		t.Errorf("stdout = %q", out)
	}
}

func TestUsageErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"no action", nil, "usage: hiburn"},
		{"unknown action", []string{"frobnicate"}, `unknown action "frobnicate"`},
		{"missing flag", []string{"upload", "--src", "/tmp/x"}, "--addr is required"},
		{"bad size", []string{"download", "--dst", "x", "--addr", "lots", "--size", "1"}, "not a number"},
		{"bad set", []string{"--set", "net.target=nope", "ping"}, "net.target"},
		{"exec without command", []string{"exec"}, "a command is required"},
		{"bad regexp", []string{"boot", "--uimage", "a", "--rootfs", "b", "--expect", "("}, "--expect"},
		{"keyring without ssh", []string{"keyring", "set"}, "no transport.ssh"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _, stderr := runCLI(t, tt.args...)
			if code != exitUsage {
				t.Errorf("exit = %d, want %d (stderr %q)", code, exitUsage, stderr)
			}
			if !strings.Contains(stderr, tt.want) {
				t.Errorf("stderr = %q, want it to contain %q", stderr, tt.want)
			}
		})
	}
}

func TestOverrides(t *testing.T) {
	cfg, err := loadConfig(globals{
		configPath: filepath.Join(t.TempDir(), "none.yaml"),
		telnet:     "localhost:4000",
		debug:      true,
		sets:       setFlags{"net.target=192.168.10.50", "mem.alignment=4k"},
	})
	if err != nil {
		t.Fatalf("loadConfig error: %v", err)
	}
	if kind, _ := cfg.Transport.Kind(); kind != "telnet" {
		t.Errorf("transport = %q, want telnet", kind)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("level = %q, want debug", cfg.Logging.Level)
	}
	if cfg.Net.Target != "192.168.10.50" {
		t.Errorf("target = %q", cfg.Net.Target)
	}
	if cfg.Mem.Alignment != 4096 {
		t.Errorf("alignment = %d, want 4096", cfg.Mem.Alignment)
	}
}

func TestReport(t *testing.T) {
	var buf bytes.Buffer
	if got := report(&buf, nil); got != exitOK {
		t.Errorf("report(nil) = %d", got)
	}
	if got := report(&buf, errs.New(errs.InvalidConfig, "x", "bad")); got != exitUsage {
		t.Errorf("report(InvalidConfig) = %d, want %d", got, exitUsage)
	}
	if got := report(&buf, errors.New("device gone")); got != exitFailed {
		t.Errorf("report(other) = %d, want %d", got, exitFailed)
	}
	if !strings.Contains(buf.String(), "Error: device gone") {
		t.Errorf("output = %q", buf.String())
	}
}

func TestSizeFlag(t *testing.T) {
	var f sizeFlag
	if f.String() != "" {
		t.Errorf("unset String() = %q", f.String())
	}
	if err := f.Set("64k"); err != nil {
		t.Fatal(err)
	}
	if !f.set || f.value != 64<<10 || f.String() != "0x10000" {
		t.Errorf("sizeFlag = %+v %q", f, f.String())
	}
	if err := f.Set("huge"); err == nil {
		t.Error("expected error for garbage")
	}
}

func TestSetFlagsRejectsMissingEquals(t *testing.T) {
	var s setFlags
	if err := s.Set("net.target"); err == nil {
		t.Error("expected error without '='")
	}
}
