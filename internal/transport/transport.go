// Package transport provides byte channels to a bootloader console with
// per-read timeouts and line framing.
package transport

import (
	"bytes"
	"io"
	"log/slog"
	"time"

	"github.com/acolita/hiburn/internal/logging"
)

// NoTimeout makes reads block until data arrives.
const NoTimeout time.Duration = -1

// Transport is a duplex byte channel to a console.
//
// A read that times out returns whatever was accumulated (possibly nothing)
// and a nil error. Timeouts are set by callers, who restore the previous
// value; the transport never changes it on its own. A Transport has a single
// owner and is not safe for concurrent use.
type Transport interface {
	io.ReadWriteCloser

	// ReadLine returns bytes up to and including '\n', or the partial line
	// accumulated when the read timeout elapses.
	ReadLine() ([]byte, error)

	// DiscardPendingInput drops buffered and pending input without blocking.
	DiscardPendingInput() error

	// ReadTimeout returns the current read timeout.
	ReadTimeout() time.Duration

	// SetReadTimeout sets the read timeout used by Read and ReadLine.
	SetReadTimeout(d time.Duration) error
}

// source is the device specific part of a Conn.
type source interface {
	io.Writer
	io.Closer

	// fill reads what arrives within d into p. It returns 0, nil on timeout.
	fill(p []byte, d time.Duration) (int, error)

	// flush drops input held by the OS or the remote end.
	flush() error
}

// Conn implements Transport over a source.
type Conn struct {
	name    string
	src     source
	timeout time.Duration
	pending []byte
	chunk   []byte
	logger  *slog.Logger
}

// Option configures a Conn.
type Option func(*Conn)

// WithLogger sets the logger used for wire traces.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Conn) {
		c.logger = logger
	}
}

// WithReadTimeout sets the initial read timeout. The default is NoTimeout.
func WithReadTimeout(d time.Duration) Option {
	return func(c *Conn) {
		c.timeout = d
	}
}

func newConn(name string, src source, opts ...Option) *Conn {
	c := &Conn{
		name:    name,
		src:     src,
		timeout: NoTimeout,
		chunk:   make([]byte, 4096),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(slog.String("transport", name))
	return c
}

// Name describes the endpoint, e.g. "/dev/ttyUSB0@115200".
func (c *Conn) Name() string {
	return c.name
}

func (c *Conn) String() string {
	return c.name
}

// ReadTimeout implements Transport.
func (c *Conn) ReadTimeout() time.Duration {
	return c.timeout
}

// SetReadTimeout implements Transport.
func (c *Conn) SetReadTimeout(d time.Duration) error {
	if d < 0 {
		d = NoTimeout
	}
	c.timeout = d
	return nil
}

// ReadLine implements Transport. The timeout bounds the whole line, not
// each chunk.
func (c *Conn) ReadLine() ([]byte, error) {
	var deadline time.Time
	if c.timeout != NoTimeout {
		deadline = time.Now().Add(c.timeout)
	}
	for {
		if i := bytes.IndexByte(c.pending, '\n'); i >= 0 {
			line := bytes.Clone(c.pending[:i+1])
			c.pending = c.pending[i+1:]
			return line, nil
		}

		wait := NoTimeout
		if !deadline.IsZero() {
			wait = time.Until(deadline)
			if wait <= 0 {
				return c.takePending(), nil
			}
		}

		n, err := c.src.fill(c.chunk, wait)
		if n > 0 {
			logging.Wire(c.logger, "<<", c.chunk[:n])
			c.pending = append(c.pending, c.chunk[:n]...)
		}
		if err != nil {
			return c.takePending(), err
		}
	}
}

func (c *Conn) takePending() []byte {
	if len(c.pending) == 0 {
		return nil
	}
	line := bytes.Clone(c.pending)
	c.pending = c.pending[:0]
	return line
}

// Read implements io.Reader with the current read timeout.
func (c *Conn) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if len(c.pending) > 0 {
		n := copy(p, c.pending)
		c.pending = c.pending[n:]
		return n, nil
	}
	n, err := c.src.fill(p, c.timeout)
	if n > 0 {
		logging.Wire(c.logger, "<<", p[:n])
	}
	return n, err
}

// Write implements io.Writer.
func (c *Conn) Write(p []byte) (int, error) {
	logging.Wire(c.logger, ">>", p)
	return c.src.Write(p)
}

// DiscardPendingInput implements Transport.
func (c *Conn) DiscardPendingInput() error {
	c.pending = c.pending[:0]
	return c.src.flush()
}

// Close implements io.Closer.
func (c *Conn) Close() error {
	return c.src.Close()
}

var _ Transport = (*Conn)(nil)
