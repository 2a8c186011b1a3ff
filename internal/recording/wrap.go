package recording

import (
	"errors"
	"log/slog"

	"github.com/acolita/hiburn/internal/transport"
)

// recorded is a Transport whose traffic is recorded.
type recorded struct {
	transport.Transport
	rec    *Recorder
	logger *slog.Logger
}

// Wrap returns t with reads recorded as output events and writes as input
// events. Closing the result closes both. Recording failures are logged and
// never fail console I/O.
func Wrap(t transport.Transport, rec *Recorder, logger *slog.Logger) transport.Transport {
	if logger == nil {
		logger = slog.Default()
	}
	return &recorded{Transport: t, rec: rec, logger: logger}
}

func (r *recorded) note(err error) {
	if err != nil {
		r.logger.Warn("recording failed", slog.String("error", err.Error()))
	}
}

func (r *recorded) Read(p []byte) (int, error) {
	n, err := r.Transport.Read(p)
	r.note(r.rec.Output(p[:n]))
	return n, err
}

func (r *recorded) ReadLine() ([]byte, error) {
	line, err := r.Transport.ReadLine()
	r.note(r.rec.Output(line))
	return line, err
}

func (r *recorded) Write(p []byte) (int, error) {
	n, err := r.Transport.Write(p)
	r.note(r.rec.Input(p[:n]))
	return n, err
}

func (r *recorded) Close() error {
	return errors.Join(r.Transport.Close(), r.rec.Close())
}
