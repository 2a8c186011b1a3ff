package actions

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/acolita/hiburn/internal/prompt"
	"github.com/acolita/hiburn/internal/size"
	"github.com/acolita/hiburn/internal/ymodem"
)

// Upload copies the image ref into device memory at addr over TFTP.
func (r *Runner) Upload(ctx context.Context, ref string, addr uint64) error {
	img, err := r.Images.Resolve(ref)
	if err != nil {
		return err
	}
	defer img.Close()

	if err := r.Connect(ctx); err != nil {
		return err
	}
	if err := r.ConfigureNetwork(); err != nil {
		return err
	}
	orch, err := r.orchestrator()
	if err != nil {
		return err
	}
	if err := orch.Upload(ctx, img.Path, addr); err != nil {
		return err
	}
	r.println(fmt.Sprintf("uploaded %s (%s) to %s", ref, size.Format(uint64(img.Size)), size.Hex(addr)))
	return nil
}

// Download copies n bytes of device memory at addr into dst over TFTP.
func (r *Runner) Download(ctx context.Context, dst string, addr, n uint64) error {
	if err := r.Connect(ctx); err != nil {
		return err
	}
	if err := r.ConfigureNetwork(); err != nil {
		return err
	}
	orch, err := r.orchestrator()
	if err != nil {
		return err
	}
	if err := orch.Download(ctx, dst, addr, n); err != nil {
		return err
	}
	r.println(fmt.Sprintf("downloaded %s from %s to %s", size.Format(n), size.Hex(addr), dst))
	return nil
}

var totalSize = regexp.MustCompile(`Total Size\s*=\s*0x[0-9a-fA-F]+\s*=\s*(\d+) Bytes`)

// Loady copies the image ref into device memory at addr over the console
// with YMODEM. No network is needed.
func (r *Runner) Loady(ctx context.Context, ref string, addr uint64) error {
	img, err := r.Images.Resolve(ref)
	if err != nil {
		return err
	}
	defer img.Close()

	if err := r.Connect(ctx); err != nil {
		return err
	}
	if err := r.sendSerial(img.Path, addr); err != nil {
		return err
	}
	r.println(fmt.Sprintf("loaded %s (%s) to %s", ref, size.Format(uint64(img.Size)), size.Hex(addr)))
	return nil
}

func (r *Runner) sendSerial(path string, addr uint64) error {
	data, err := r.FS.ReadFile(path)
	if err != nil {
		return err
	}
	if _, err := r.Client.Loady(addr); err != nil {
		return err
	}

	yc := r.Config.YModem
	last := -10
	engine := ymodem.New(r.Client.Transport(),
		ymodem.WithCRC(yc.CRC),
		ymodem.WithLongFrames(yc.LongFrames),
		ymodem.WithMaxRetries(yc.MaxRetries),
		ymodem.WithHandshakeTimeout(yc.HandshakeTimeout),
		ymodem.WithLogger(r.Logger),
		ymodem.WithProgress(func(p ymodem.Progress) {
			if p.Percent/10 != last/10 {
				r.Logger.Info("ymodem progress", slog.String("file", p.Name), slog.Int("percent", p.Percent))
			}
			last = p.Percent
		}),
	)
	if err := engine.Transmit(filepath.Base(path), data); err != nil {
		return fmt.Errorf("loady %s: %w", path, err)
	}

	lines, err := r.Client.ReadResponse()
	if err != nil {
		return err
	}
	for _, line := range lines {
		if m := totalSize.FindStringSubmatch(line); m != nil {
			n, _ := strconv.Atoi(m[1])
			if n != len(data) {
				return fmt.Errorf("loady %s: device received %d bytes, want %d", path, n, len(data))
			}
			return nil
		}
	}
	return fmt.Errorf("loady %s: no transfer summary in %q", path, lines)
}

// FlashRead copies n bytes of SPI flash at offset into dst, staging them in
// RAM at addr.
func (r *Runner) FlashRead(ctx context.Context, offset, n, addr uint64, dst string) error {
	if err := r.Connect(ctx); err != nil {
		return err
	}
	lines, err := r.Client.SFProbe("0")
	if err != nil {
		return err
	}
	if failed(lines) {
		return fmt.Errorf("sf probe: %s", lastLine(lines))
	}
	lines, err = r.Client.SFRead(addr, offset, n)
	if err != nil {
		return err
	}
	if failed(lines) || !strings.Contains(lastLine(lines), "OK") {
		return fmt.Errorf("sf read: %s", lastLine(lines))
	}
	return r.Download(ctx, dst, addr, n)
}

func failed(lines []string) bool {
	for _, l := range lines {
		if strings.Contains(l, "ERROR") || prompt.UnknownCommand.Match(l) {
			return true
		}
	}
	return false
}

func lastLine(lines []string) string {
	if len(lines) == 0 {
		return "no output"
	}
	return lines[len(lines)-1]
}
