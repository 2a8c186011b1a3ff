package transport

import (
	"fmt"
	"time"

	"go.bug.st/serial"
)

type serialSource struct {
	port    serial.Port
	timeout time.Duration
	armed   bool
}

// OpenSerial opens a local serial line described by spec
// ("port[:baudrate[:DataParityStop]]").
func OpenSerial(spec string, opts ...Option) (*Conn, error) {
	s, err := ParseSerialSpec(spec)
	if err != nil {
		return nil, err
	}
	port, err := serial.Open(s.Port, s.Mode())
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", s.Port, err)
	}
	return newConn(s.String(), &serialSource{port: port}, opts...), nil
}

func (s *serialSource) fill(p []byte, d time.Duration) (int, error) {
	if !s.armed || d != s.timeout {
		t := d
		if d == NoTimeout {
			t = serial.NoTimeout
		}
		if err := s.port.SetReadTimeout(t); err != nil {
			return 0, fmt.Errorf("set serial read timeout: %w", err)
		}
		s.timeout, s.armed = d, true
	}
	return s.port.Read(p)
}

func (s *serialSource) Write(p []byte) (int, error) {
	return s.port.Write(p)
}

func (s *serialSource) flush() error {
	return s.port.ResetInputBuffer()
}

func (s *serialSource) Close() error {
	return s.port.Close()
}
