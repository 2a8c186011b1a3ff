package uboot

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/acolita/hiburn/internal/errs"
	"github.com/acolita/hiburn/internal/prompt"
	"github.com/acolita/hiburn/internal/size"
)

// Var is one environment assignment.
type Var struct {
	Name  string
	Value string
}

func (v Var) String() string {
	return v.Name + "=" + v.Value
}

// PrintEnv returns the device environment, one "name=value" line each.
func (c *Client) PrintEnv() ([]string, error) {
	return c.Exec("printenv")
}

// Env parses PrintEnv output into a map.
func (c *Client) Env() (map[string]string, error) {
	lines, err := c.PrintEnv()
	if err != nil {
		return nil, err
	}
	env := make(map[string]string, len(lines))
	for _, line := range lines {
		name, value, ok := strings.Cut(line, "=")
		if !ok || name == "" || strings.ContainsAny(name, " \t") {
			continue
		}
		env[name] = value
	}
	return env, nil
}

// SetEnv assigns each variable in turn. Semicolons are escaped so the
// shell does not split the value.
func (c *Client) SetEnv(vars ...Var) error {
	for _, v := range vars {
		if v.Name == "" || strings.ContainsAny(v.Name, " \t=;") {
			return errs.New(errs.InvalidConfig, "setenv", "invalid variable name %q", v.Name)
		}
		value := strings.ReplaceAll(v.Value, ";", `\;`)
		if _, err := c.Exec(fmt.Sprintf("setenv %s %s", v.Name, value)); err != nil {
			return err
		}
	}
	return nil
}

// Ping pings addr from the device.
func (c *Client) Ping(addr string) ([]string, error) {
	return c.Exec("ping " + addr)
}

// TFTPFetch loads name from the TFTP server into memory at addr.
func (c *Client) TFTPFetch(addr uint64, name string) ([]string, error) {
	return c.Exec(fmt.Sprintf("tftp %s %s", size.Hex(addr), name))
}

// TFTPSend stores size bytes at addr on the TFTP server as name.
func (c *Client) TFTPSend(addr uint64, name string, n uint64) ([]string, error) {
	return c.Exec(fmt.Sprintf("tftp %s %s %s", size.Hex(addr), name, size.Hex(n)))
}

// SFProbe initializes the SPI flash. args may be empty.
func (c *Client) SFProbe(args string) ([]string, error) {
	cmd := "sf probe"
	if args = strings.TrimSpace(args); args != "" {
		cmd += " " + args
	}
	return c.Exec(cmd)
}

// SFRead copies n bytes of flash at offset into memory at dst.
func (c *Client) SFRead(dst, offset, n uint64) ([]string, error) {
	return c.Exec(fmt.Sprintf("sf read %s %s %s", size.Hex(dst), size.Hex(offset), size.Hex(n)))
}

// Bootm boots the image at addr. With wait the kernel output is collected
// until the line stays quiet for BootmTimeout; otherwise only the echo is
// checked.
func (c *Client) Bootm(addr uint64, wait bool) ([]string, error) {
	if err := c.WriteCommand("bootm " + size.Hex(addr)); err != nil {
		return nil, err
	}
	if !wait {
		return nil, nil
	}
	return c.ReadResponseTimeout(BootmTimeout)
}

// Loady starts a YMODEM receive into addr. On return the line belongs to
// the YMODEM sender until the transfer ends, after which ReadResponse
// collects the summary.
func (c *Client) Loady(addr uint64) ([]string, error) {
	if err := c.WriteCommand("loady " + size.Hex(addr)); err != nil {
		return nil, err
	}
	var lines []string
	for i := 0; i < 4; i++ {
		line, err := c.readLine()
		if err != nil {
			return lines, err
		}
		if line == "" {
			break
		}
		lines = append(lines, line)
		if strings.Contains(line, "Ready for binary") {
			c.logger.Debug("device ready for ymodem", slog.String("line", line))
			return lines, nil
		}
		if prompt.UnknownCommand.Match(line) {
			return lines, fmt.Errorf("loady: device does not support ymodem: %s", line)
		}
	}
	return lines, nil
}

// WaitFor reads lines until one matches re or timeout passes.
func (c *Client) WaitFor(re *regexp.Regexp, timeout time.Duration) ([]string, error) {
	deadline := time.Now().Add(timeout)
	var lines []string
	for time.Now().Before(deadline) {
		line, err := c.readLine()
		if err != nil {
			return lines, err
		}
		if line == "" {
			continue
		}
		lines = append(lines, line)
		if re.MatchString(line) {
			return lines, nil
		}
	}
	return lines, fmt.Errorf("wait for %q: no match within %s", re, timeout)
}
