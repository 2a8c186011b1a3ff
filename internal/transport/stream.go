package transport

import (
	"io"
	"sync"
	"time"
)

// pumpSource turns a blocking reader into a source with timeouts by reading
// on a background goroutine.
type pumpSource struct {
	w      io.Writer
	closer io.Closer

	data chan []byte
	done chan struct{}
	once sync.Once
	err  error // set before data is closed
	rest []byte
}

func newPumpSource(r io.Reader, w io.Writer, closer io.Closer) *pumpSource {
	p := &pumpSource{
		w:      w,
		closer: closer,
		data:   make(chan []byte, 64),
		done:   make(chan struct{}),
	}
	go p.pump(r)
	return p
}

func (p *pumpSource) pump(r io.Reader) {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case p.data <- chunk:
			case <-p.done:
				return
			}
		}
		if err != nil {
			p.err = err
			close(p.data)
			return
		}
	}
}

func (p *pumpSource) fill(b []byte, d time.Duration) (int, error) {
	if len(p.rest) > 0 {
		n := copy(b, p.rest)
		p.rest = p.rest[n:]
		return n, nil
	}

	var timeout <-chan time.Time
	if d != NoTimeout {
		timer := time.NewTimer(d)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case chunk, ok := <-p.data:
		if !ok {
			return 0, p.err
		}
		n := copy(b, chunk)
		p.rest = chunk[n:]
		return n, nil
	case <-timeout:
		return 0, nil
	}
}

func (p *pumpSource) Write(b []byte) (int, error) {
	return p.w.Write(b)
}

func (p *pumpSource) flush() error {
	p.rest = nil
	for {
		select {
		case _, ok := <-p.data:
			if !ok {
				return nil
			}
		default:
			return nil
		}
	}
}

func (p *pumpSource) Close() error {
	p.once.Do(func() { close(p.done) })
	if p.closer != nil {
		return p.closer.Close()
	}
	return nil
}

// NewStream wraps a blocking reader/writer pair, such as an SSH session's
// pipes, as a Transport. closer is called on Close and should unblock r.
func NewStream(name string, r io.Reader, w io.Writer, closer io.Closer, opts ...Option) *Conn {
	return newConn(name, newPumpSource(r, w, closer), opts...)
}
