package ymodem

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/acolita/hiburn/internal/adapters/realclock"
	"github.com/acolita/hiburn/internal/errs"
	"github.com/acolita/hiburn/internal/ports"
)

// Defaults.
const (
	DefaultMaxRetries  = 50
	DefaultReadTimeout = time.Second
)

// Port is the part of a transport the engine needs.
type Port interface {
	io.ReadWriter
	ReadTimeout() time.Duration
	SetReadTimeout(d time.Duration) error
}

// Progress is reported each time the whole percentage of sent data grows.
type Progress struct {
	Name    string
	Sent    int
	Total   int
	Percent int
}

// Engine sends files over a Port. The sequence counter belongs to the
// engine and restarts with every Transmit.
type Engine struct {
	port Port
	seq  byte

	crc              bool
	longFrames       bool
	endBatch         bool
	maxRetries       int
	readTimeout      time.Duration
	handshakeTimeout time.Duration
	onProgress       func(Progress)
	clock            ports.Clock
	logger           *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithCRC controls whether a 'C' handshake selects CRC-16 trailers. When
// disabled the engine waits for NAK and always uses the one byte sum.
func WithCRC(enabled bool) Option {
	return func(e *Engine) { e.crc = enabled }
}

// WithLongFrames sends 1024 byte frames instead of 128 byte frames.
func WithLongFrames(enabled bool) Option {
	return func(e *Engine) { e.longFrames = enabled }
}

// WithBatchEnd controls whether the empty header that closes a YMODEM batch
// is sent after EOT. U-Boot's loady waits for it.
func WithBatchEnd(enabled bool) Option {
	return func(e *Engine) { e.endBatch = enabled }
}

// WithMaxRetries sets how many times one frame is sent before giving up.
func WithMaxRetries(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxRetries = n
		}
	}
}

// WithReadTimeout sets how long to wait for each reply byte.
func WithReadTimeout(d time.Duration) Option {
	return func(e *Engine) { e.readTimeout = d }
}

// WithHandshakeTimeout bounds the wait for the receiver. Zero waits forever.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(e *Engine) { e.handshakeTimeout = d }
}

// WithProgress sets the progress callback.
func WithProgress(fn func(Progress)) Option {
	return func(e *Engine) { e.onProgress = fn }
}

// WithClock sets the clock used for the handshake timeout.
func WithClock(c ports.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// New creates an engine on port.
func New(port Port, opts ...Option) *Engine {
	e := &Engine{
		port:        port,
		crc:         true,
		endBatch:    true,
		maxRetries:  DefaultMaxRetries,
		readTimeout: DefaultReadTimeout,
		clock:       realclock.New(),
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Transmit sends data as a file called name. The receiver must already be
// in receive mode. The port's read timeout is restored before returning.
func (e *Engine) Transmit(name string, data []byte) (err error) {
	prev := e.port.ReadTimeout()
	if err := e.port.SetReadTimeout(e.readTimeout); err != nil {
		return fmt.Errorf("set read timeout: %w", err)
	}
	defer func() {
		if rerr := e.port.SetReadTimeout(prev); rerr != nil && err == nil {
			err = fmt.Errorf("restore read timeout: %w", rerr)
		}
	}()

	e.seq = 0
	size := ShortSize
	if e.longFrames {
		size = LongSize
	}
	header := HeaderPayload(name, len(data))
	headerSize := size
	if len(header) > headerSize {
		headerSize = LongSize
	}
	if len(header) > headerSize {
		return errs.New(errs.InvalidConfig, "ymodem transmit", "file name %q is too long", name)
	}

	e.logger.Info("ymodem waits for handshake")
	sum, err := e.handshake()
	if err != nil {
		return err
	}
	e.logger.Info("ymodem handshake received, start transmission",
		slog.String("checksum", sum.String()),
		slog.String("file", name),
		slog.Int("size", len(data)),
	)

	if err := e.sendFrame(header, headerSize, sum); err != nil {
		return err
	}

	sent, percent := 0, 0
	for off := 0; off < len(data); off += size {
		chunk := data[off:min(off+size, len(data))]
		if err := e.sendFrame(chunk, size, sum); err != nil {
			return err
		}
		sent += len(chunk)
		if p := sent * 100 / len(data); p > percent {
			percent = p
			e.logger.Info("ymodem progress", slog.Int("sent", sent), slog.Int("total", len(data)), slog.Int("percent", p))
			if e.onProgress != nil {
				e.onProgress(Progress{Name: name, Sent: sent, Total: len(data), Percent: p})
			}
		}
	}

	if err := e.finish(); err != nil {
		return err
	}

	if e.endBatch {
		sum, err := e.handshake()
		if err != nil {
			return err
		}
		e.seq = 0
		if err := e.sendFrame(nil, ShortSize, sum); err != nil {
			return err
		}
	}

	e.logger.Info("ymodem finished", slog.String("file", name))
	return nil
}

func (e *Engine) handshake() (Checksum, error) {
	var deadline time.Time
	if e.handshakeTimeout > 0 {
		deadline = e.clock.Now().Add(e.handshakeTimeout)
	}
	cans := 0
	for {
		b, ok, err := e.readByte()
		if err != nil {
			return Sum, fmt.Errorf("read handshake: %w", err)
		}
		if ok {
			switch {
			case b == NAK:
				return Sum, nil
			case b == CRC && e.crc:
				return CRC16, nil
			case b == CAN:
				cans++
				if cans >= 2 {
					return Sum, errs.New(errs.Cancelled, "ymodem handshake", "receiver cancelled")
				}
				continue
			}
			cans = 0
		}
		if !deadline.IsZero() && !e.clock.Now().Before(deadline) {
			return Sum, errs.New(errs.HandshakeTimeout, "ymodem handshake", "no request from receiver within %s", e.handshakeTimeout)
		}
	}
}

// sendFrame writes one frame until it is acknowledged.
func (e *Engine) sendFrame(payload []byte, size int, sum Checksum) error {
	seq := e.seq
	frame := EncodeFrame(seq, payload, size, sum)
	for attempt := 1; attempt <= e.maxRetries; attempt++ {
		if _, err := e.port.Write(frame); err != nil {
			return fmt.Errorf("write frame %d: %w", seq, err)
		}
		reply, err := e.readReply()
		if err != nil {
			return err
		}
		if reply == ACK {
			e.logger.Debug("ymodem frame acknowledged", slog.Int("seq", int(seq)))
			e.seq++
			return nil
		}
		e.logger.Debug("ymodem resending frame", slog.Int("seq", int(seq)), slog.Int("attempt", attempt))
	}
	return errs.New(errs.FrameRetriesExhausted, "ymodem send frame",
		"frame %d not acknowledged after %d attempts", seq, e.maxRetries)
}

// finish sends EOT until it is acknowledged.
func (e *Engine) finish() error {
	for attempt := 1; attempt <= e.maxRetries; attempt++ {
		if _, err := e.port.Write([]byte{EOT}); err != nil {
			return fmt.Errorf("write EOT: %w", err)
		}
		reply, err := e.readReply()
		if err != nil {
			return err
		}
		if reply == ACK {
			return nil
		}
	}
	return errs.New(errs.FrameRetriesExhausted, "ymodem finish", "EOT not acknowledged after %d attempts", e.maxRetries)
}

// readReply reads one reply byte. It returns 0 when nothing arrived and
// fails when two CAN bytes arrive in a row. A 'C' is skipped: receivers
// repeat it after acknowledging the header.
func (e *Engine) readReply() (byte, error) {
	b, ok, err := e.readByte()
	for ok && b == CRC && err == nil {
		b, ok, err = e.readByte()
	}
	if err != nil {
		return 0, fmt.Errorf("read reply: %w", err)
	}
	if !ok {
		return 0, nil
	}
	if b != CAN {
		return b, nil
	}
	b, ok, err = e.readByte()
	if err != nil {
		return 0, fmt.Errorf("read reply: %w", err)
	}
	if ok && b == CAN {
		return 0, errs.New(errs.Cancelled, "ymodem transmit", "receiver cancelled")
	}
	return 0, nil
}

func (e *Engine) readByte() (byte, bool, error) {
	var buf [1]byte
	n, err := e.port.Read(buf[:])
	if n == 1 {
		return buf[0], true, nil
	}
	return 0, false, err
}
