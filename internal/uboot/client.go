// Package uboot drives a U-Boot style console: it seizes the shell after
// power-on and runs commands one at a time.
package uboot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"github.com/acolita/hiburn/internal/errs"
	"github.com/acolita/hiburn/internal/prompt"
	"github.com/acolita/hiburn/internal/transport"
)

// DefaultReadTimeout is the short timeout used between the host and the shell.
const DefaultReadTimeout = 500 * time.Millisecond

// BootmTimeout bounds the wait for kernel output after bootm.
const BootmTimeout = 5 * time.Second

// ctrlC interrupts autoboot.
const ctrlC = 0x03

// State is the console synchronization state.
type State int

const (
	Unsynchronized State = iota
	HuntingForOutput
	HuntingForPrompt
	Ready
)

func (s State) String() string {
	switch s {
	case Unsynchronized:
		return "unsynchronized"
	case HuntingForOutput:
		return "hunting for output"
	case HuntingForPrompt:
		return "hunting for prompt"
	case Ready:
		return "ready"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Client is a console session. It owns its transport and is not safe for
// concurrent use.
type Client struct {
	t       transport.Transport
	prompts *prompt.Set
	timeout time.Duration
	state   State
	logger  *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithPrompts sets the prompts to synchronize on. The default is prompt.Default().
func WithPrompts(s *prompt.Set) Option {
	return func(c *Client) { c.prompts = s }
}

// WithReadTimeout sets the default read timeout.
func WithReadTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a client on t and sets t's read timeout to the default.
func New(t transport.Transport, opts ...Option) (*Client, error) {
	c := &Client{
		t:       t,
		prompts: prompt.Default(),
		timeout: DefaultReadTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := t.SetReadTimeout(c.timeout); err != nil {
		return nil, fmt.Errorf("set read timeout: %w", err)
	}
	c.logger.Debug("u-boot client constructed", slog.String("transport", fmt.Sprint(t)))
	return c, nil
}

// State returns the synchronization state.
func (c *Client) State() State {
	return c.state
}

// Transport returns the underlying transport, for protocols that take over
// the line, such as YMODEM.
func (c *Client) Transport() transport.Transport {
	return c.t
}

// Prompts returns the prompt set.
func (c *Client) Prompts() *prompt.Set {
	return c.prompts
}

// FetchConsole waits for a freshly powered device to print something,
// interrupts autoboot and waits for a clean prompt. With a silent device it
// blocks until ctx is done or the transport fails.
func (c *Client) FetchConsole(ctx context.Context) error {
	c.state = Unsynchronized
	if err := c.t.DiscardPendingInput(); err != nil {
		return fmt.Errorf("discard input: %w", err)
	}

	c.state = HuntingForOutput
	c.logger.Debug("waiting for printable u-boot output")
	if err := c.t.SetReadTimeout(transport.NoTimeout); err != nil {
		return fmt.Errorf("set read timeout: %w", err)
	}
	for {
		if err := ctx.Err(); err != nil {
			c.restoreTimeout()
			return err
		}
		line, err := c.readLine()
		if err != nil {
			c.restoreTimeout()
			return err
		}
		if isPrintable(line) {
			break
		}
	}
	if err := c.restoreTimeout(); err != nil {
		return err
	}

	c.state = HuntingForPrompt
	c.logger.Debug("interrupting autoboot")
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.write([]byte{ctrlC}); err != nil {
			return err
		}
		line, err := c.readLine()
		if err != nil {
			return err
		}
		if c.prompts.MatchesPrefix(line) {
			break
		}
	}
	c.logger.Debug("prompt received")

	// Ask for a fresh prompt and skip the replies to earlier interrupts.
	// Only ask again once the line has gone quiet.
	send := true
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if send {
			if err := c.write([]byte("\n")); err != nil {
				return err
			}
		}
		raw, err := c.t.ReadLine()
		if err != nil {
			return fmt.Errorf("read line: %w", err)
		}
		send = len(raw) == 0
		if c.prompts.Matches(decodeLine(raw)) {
			break
		}
	}

	c.state = Ready
	c.logger.Info("u-boot console is fetched")
	return nil
}

// WriteCommand sends cmd and checks the echo.
func (c *Client) WriteCommand(cmd string) error {
	if strings.ContainsAny(cmd, "\r\n") {
		return errs.New(errs.InvalidConfig, "write command", "command %q contains a line break", cmd)
	}
	if err := c.write([]byte(cmd + "\n")); err != nil {
		return err
	}
	echoed, err := c.readLine()
	if err != nil {
		return err
	}
	if !strings.HasSuffix(echoed, cmd) {
		return errs.New(errs.EchoMismatch, "write command", "echoed data %q doesn't match input %q", echoed, cmd)
	}
	return nil
}

// ReadResponse reads lines until the prompt. Reads that time out with
// nothing are skipped.
func (c *Client) ReadResponse() ([]string, error) {
	return c.readResponse(0)
}

// ReadResponseTimeout reads lines until the prompt or until a read returns
// nothing within timeout. The default timeout is restored afterwards.
func (c *Client) ReadResponseTimeout(timeout time.Duration) ([]string, error) {
	if timeout <= 0 {
		return c.readResponse(0)
	}
	return c.readResponse(timeout)
}

func (c *Client) readResponse(timeout time.Duration) (lines []string, err error) {
	if timeout > 0 {
		c.logger.Debug("read response", slog.Duration("timeout", timeout))
		if err := c.t.SetReadTimeout(timeout); err != nil {
			return nil, fmt.Errorf("set read timeout: %w", err)
		}
	}
	defer func() {
		if rerr := c.restoreTimeout(); rerr != nil && err == nil {
			err = rerr
		}
	}()

	for {
		raw, err := c.t.ReadLine()
		if err != nil {
			return lines, fmt.Errorf("read response: %w", err)
		}
		if len(raw) == 0 {
			if timeout > 0 {
				return lines, nil
			}
			continue
		}
		line := decodeLine(raw)
		if c.prompts.Matches(line) {
			return lines, nil
		}
		lines = append(lines, line)
	}
}

// Exec runs cmd and returns its output.
func (c *Client) Exec(cmd string) ([]string, error) {
	if err := c.WriteCommand(cmd); err != nil {
		return nil, err
	}
	return c.ReadResponse()
}

func (c *Client) readLine() (string, error) {
	raw, err := c.t.ReadLine()
	if err != nil {
		return "", fmt.Errorf("read line: %w", err)
	}
	return decodeLine(raw), nil
}

func (c *Client) write(p []byte) error {
	if _, err := c.t.Write(p); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

func (c *Client) restoreTimeout() error {
	if err := c.t.SetReadTimeout(c.timeout); err != nil {
		return fmt.Errorf("restore read timeout: %w", err)
	}
	return nil
}

// decodeLine maps bytes outside ASCII to U+FFFD and drops the line terminator.
func decodeLine(raw []byte) string {
	var sb strings.Builder
	sb.Grow(len(raw))
	for _, b := range raw {
		if b < 0x80 {
			sb.WriteByte(b)
		} else {
			sb.WriteRune(unicode.ReplacementChar)
		}
	}
	return strings.TrimRight(sb.String(), "\r\n")
}

// isPrintable reports whether line has no control characters.
func isPrintable(line string) bool {
	for _, r := range line {
		if !unicode.IsPrint(r) {
			return false
		}
	}
	return true
}
