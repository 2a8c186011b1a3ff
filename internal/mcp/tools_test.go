package mcp

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/acolita/hiburn/internal/config"
	"github.com/acolita/hiburn/internal/testing/fakes/fakefs"
	"github.com/acolita/hiburn/internal/testing/fakes/fakeuboot"
	"github.com/acolita/hiburn/internal/tftp"
	"github.com/acolita/hiburn/internal/transport"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func makeRequest(args map[string]any) mcpgo.CallToolRequest {
	return mcpgo.CallToolRequest{
		Params: mcpgo.CallToolParams{
			Arguments: args,
		},
	}
}

func resultText(t *testing.T, res *mcpgo.CallToolResult) string {
	t.Helper()
	if len(res.Content) == 0 {
		t.Fatal("empty result")
	}
	text, ok := res.Content[0].(mcpgo.TextContent)
	if !ok {
		t.Fatalf("content = %T, want TextContent", res.Content[0])
	}
	return text.Text
}

type fixture struct {
	server *Server
	dev    *fakeuboot.Device
	fs     *fakefs.FS
	opens  int
}

func setup(t *testing.T, opts ...fakeuboot.Option) *fixture {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Net.Host = "127.0.0.1/8"
	cfg.Net.Target = "127.0.0.2"

	f := &fixture{dev: fakeuboot.New(opts...), fs: fakefs.New()}
	open := func(context.Context, *config.Config) (transport.Transport, error) {
		f.opens++
		return f.dev, nil
	}
	f.server = NewServer(cfg, open,
		WithFileSystem(f.fs),
		WithLogger(quiet),
		WithTFTPOptions(tftp.WithPort(0)),
	)
	t.Cleanup(func() { f.server.Close() })
	return f
}

func TestSessionIsReused(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		res, err := f.server.handleExec(ctx, makeRequest(map[string]any{"command": "version"}))
		if err != nil {
			t.Fatal(err)
		}
		if res.IsError {
			t.Fatalf("exec failed: %s", resultText(t, res))
		}
		if !strings.Contains(resultText(t, res), "U-Boot 2010.06") {
			t.Errorf("output = %q", resultText(t, res))
		}
	}
	if f.opens != 1 {
		t.Errorf("console opened %d times, want 1", f.opens)
	}
}

func TestExecRequiresCommand(t *testing.T) {
	f := setup(t)
	res, _ := f.server.handleExec(context.Background(), makeRequest(map[string]any{"command": "  "}))
	if !res.IsError {
		t.Error("expected an error result")
	}
	if f.opens != 0 {
		t.Error("console opened for an invalid request")
	}
}

func TestOpenFailure(t *testing.T) {
	cfg := config.DefaultConfig()
	s := NewServer(cfg, func(context.Context, *config.Config) (transport.Transport, error) {
		return nil, errors.New("no such port")
	}, WithLogger(quiet))
	res, err := s.handlePrintEnv(context.Background(), makeRequest(nil))
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsError || !strings.Contains(resultText(t, res), "no such port") {
		t.Errorf("result = %+v, want open error", res)
	}
}

func TestPrintEnvAndPing(t *testing.T) {
	f := setup(t, fakeuboot.WithEnv(map[string]string{"bootcmd": "bootm"}))
	ctx := context.Background()

	res, _ := f.server.handlePrintEnv(ctx, makeRequest(nil))
	if res.IsError || !strings.Contains(resultText(t, res), "bootcmd=bootm") {
		t.Errorf("printenv = %q", resultText(t, res))
	}
	res, _ = f.server.handlePing(ctx, makeRequest(nil))
	if res.IsError || !strings.Contains(resultText(t, res), "is alive") {
		t.Errorf("ping = %q", resultText(t, res))
	}
}

func TestPingUnreachable(t *testing.T) {
	f := setup(t, fakeuboot.WithUnreachable("127.0.0.1"))
	res, _ := f.server.handlePing(context.Background(), makeRequest(nil))
	if !res.IsError || !strings.Contains(resultText(t, res), "network is unavailable") {
		t.Errorf("ping = %q, want network is unavailable", resultText(t, res))
	}
}

func TestUploadDownload(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	image := bytes.Repeat([]byte("hiburn"), 700)
	f.fs.AddFile("/img/uImage", image, 0o644)
	f.fs.AddDir("/out")

	res, _ := f.server.handleUpload(ctx, makeRequest(map[string]any{"src": "/img/uImage", "addr": "0x82000000"}))
	if res.IsError {
		t.Fatalf("upload failed: %s", resultText(t, res))
	}
	if got := f.dev.Memory(0x82000000, uint64(len(image))); !bytes.Equal(got, image) {
		t.Error("device memory does not hold the image")
	}

	res, _ = f.server.handleDownload(ctx, makeRequest(map[string]any{
		"dst": "/out/dump", "addr": float64(0x82000000), "size": "4200",
	}))
	if res.IsError {
		t.Fatalf("download failed: %s", resultText(t, res))
	}
	dump, err := f.fs.ReadFile("/out/dump")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(dump, image) {
		t.Error("dump differs from the image")
	}
}

func TestUploadBadAddr(t *testing.T) {
	f := setup(t)
	res, _ := f.server.handleUpload(context.Background(), makeRequest(map[string]any{"src": "/x", "addr": "nowhere"}))
	if !res.IsError || !strings.Contains(resultText(t, res), "addr") {
		t.Errorf("upload = %q, want addr error", resultText(t, res))
	}
}

func TestBoot(t *testing.T) {
	f := setup(t)
	f.fs.AddFile("/img/uImage", bytes.Repeat([]byte{0x27}, 3000), 0o644)
	f.fs.AddFile("/img/rootfs", bytes.Repeat([]byte{0x55}, 4000), 0o644)

	res, _ := f.server.handleBoot(context.Background(), makeRequest(map[string]any{
		"uimage":      "/img/uImage",
		"rootfs":      "/img/rootfs",
		"upload_addr": "0x82000000",
		"expect":      "Booting Linux",
	}))
	if res.IsError {
		t.Fatalf("boot failed: %s", resultText(t, res))
	}
	out := resultText(t, res)
	if !strings.Contains(out, "bootargs=mem=256M") {
		t.Errorf("output = %q, want bootargs", out)
	}
	if addr, booted := f.dev.Booted(); !booted || addr != 0x82000000 {
		t.Errorf("Booted() = %#x, %v", addr, booted)
	}
}

func TestBootValidation(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	res, _ := f.server.handleBoot(ctx, makeRequest(map[string]any{"uimage": "/a"}))
	if !res.IsError {
		t.Error("expected error without rootfs")
	}
	res, _ = f.server.handleBoot(ctx, makeRequest(map[string]any{"uimage": "/a", "rootfs": "/b", "expect": "("}))
	if !res.IsError || !strings.Contains(resultText(t, res), "expect") {
		t.Errorf("boot = %q, want expect error", resultText(t, res))
	}
}

func TestUpdateConfig(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	if res, _ := f.server.handlePing(ctx, makeRequest(nil)); res.IsError {
		t.Fatalf("ping failed: %s", resultText(t, res))
	}
	cfg := config.DefaultConfig()
	cfg.Net.Host = "127.0.0.1/8"
	cfg.Net.Target = "127.0.0.9"
	f.server.UpdateConfig(cfg)
	if res, _ := f.server.handlePing(ctx, makeRequest(nil)); res.IsError {
		t.Fatalf("ping failed: %s", resultText(t, res))
	}
	if got := f.dev.Env()["ipaddr"]; got != "127.0.0.9" {
		t.Errorf("ipaddr = %q, want 127.0.0.9", got)
	}
	if f.opens != 1 {
		t.Errorf("console opened %d times, want 1", f.opens)
	}
}

func TestParseNumber(t *testing.T) {
	tests := []struct {
		v       any
		want    uint64
		wantErr bool
	}{
		{"0x1000", 0x1000, false},
		{"4k", 4096, false},
		{float64(512), 512, false},
		{float64(-1), 0, true},
		{true, 0, true},
	}
	for _, tt := range tests {
		got, err := parseNumber(makeRequest(map[string]any{"n": tt.v}), "n")
		if (err != nil) != tt.wantErr {
			t.Errorf("parseNumber(%v) error = %v, wantErr %v", tt.v, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("parseNumber(%v) = %d, want %d", tt.v, got, tt.want)
		}
	}
	if _, err := parseNumber(makeRequest(nil), "n"); err == nil {
		t.Error("expected error for a missing argument")
	}
}
