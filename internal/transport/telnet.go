package transport

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/ziutek/telnet"
)

// DialTimeout bounds connecting to a telnet console server.
const DialTimeout = 10 * time.Second

// drainWindow is how long DiscardPendingInput waits for data already in flight.
const drainWindow = 20 * time.Millisecond

// maxDrain bounds DiscardPendingInput when the console never goes quiet.
const maxDrain = 200 * time.Millisecond

type telnetSource struct {
	conn *telnet.Conn
}

// DialTelnet connects to a serial line exported over telnet at "[host:]port".
func DialTelnet(endpoint string, opts ...Option) (*Conn, error) {
	addr, err := ParseEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	conn, err := telnet.DialTimeout("tcp", addr, DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial telnet %s: %w", addr, err)
	}
	return newConn("telnet://"+addr, &telnetSource{conn: conn}, opts...), nil
}

func (s *telnetSource) fill(p []byte, d time.Duration) (int, error) {
	var deadline time.Time
	if d != NoTimeout {
		deadline = time.Now().Add(d)
	}
	if err := s.conn.SetReadDeadline(deadline); err != nil {
		return 0, fmt.Errorf("set telnet read deadline: %w", err)
	}
	n, err := s.conn.Read(p)
	if isTimeout(err) {
		return n, nil
	}
	return n, err
}

func (s *telnetSource) Write(p []byte) (int, error) {
	return s.conn.Write(p)
}

func (s *telnetSource) flush() error {
	buf := make([]byte, 1024)
	stop := time.Now().Add(maxDrain)
	for {
		left := time.Until(stop)
		if left <= 0 {
			return nil
		}
		n, err := s.fill(buf, min(drainWindow, left))
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
	}
}

func (s *telnetSource) Close() error {
	return s.conn.Close()
}

func isTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
