package transport

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"go.bug.st/serial"

	"github.com/acolita/hiburn/internal/errs"
)

// Default serial line settings.
const (
	DefaultBaudRate = 115200
	DefaultFraming  = "8N1"
	DefaultHost     = "localhost"
)

// SerialSpec describes a local serial line.
type SerialSpec struct {
	Port     string
	BaudRate int
	DataBits int
	Parity   serial.Parity
	StopBits serial.StopBits
}

func (s SerialSpec) String() string {
	return fmt.Sprintf("%s@%d", s.Port, s.BaudRate)
}

// Mode returns the serial.Mode for s.
func (s SerialSpec) Mode() *serial.Mode {
	return &serial.Mode{
		BaudRate: s.BaudRate,
		DataBits: s.DataBits,
		Parity:   s.Parity,
		StopBits: s.StopBits,
	}
}

var parities = map[byte]serial.Parity{
	'N': serial.NoParity,
	'E': serial.EvenParity,
	'O': serial.OddParity,
	'M': serial.MarkParity,
	'S': serial.SpaceParity,
}

var stopBits = map[string]serial.StopBits{
	"1":   serial.OneStopBit,
	"1.5": serial.OnePointFiveStopBits,
	"2":   serial.TwoStopBits,
}

// ParseSerialSpec parses "port[:baudrate[:DataParityStop]]", for example
// "/dev/ttyUSB0:115200:8N1". Missing fields default to 115200 8N1.
func ParseSerialSpec(spec string) (SerialSpec, error) {
	fail := func(format string, args ...any) (SerialSpec, error) {
		return SerialSpec{}, errs.New(errs.InvalidConfig, "parse serial spec", "%q: %s", spec, fmt.Sprintf(format, args...))
	}

	parts := strings.Split(spec, ":")
	if len(parts) > 3 {
		return fail("too many fields")
	}
	s := SerialSpec{
		Port:     parts[0],
		BaudRate: DefaultBaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	if s.Port == "" {
		return fail("port is empty")
	}
	if len(parts) > 1 {
		baud, err := strconv.Atoi(parts[1])
		if err != nil || baud <= 0 {
			return fail("bad baud rate %q", parts[1])
		}
		s.BaudRate = baud
	}
	if len(parts) > 2 {
		f := strings.ToUpper(parts[2])
		if len(f) < 3 {
			return fail("bad framing %q", parts[2])
		}
		bits := int(f[0] - '0')
		if bits < 5 || bits > 8 {
			return fail("bad data bits in %q", parts[2])
		}
		parity, ok := parities[f[1]]
		if !ok {
			return fail("bad parity in %q", parts[2])
		}
		stop, ok := stopBits[f[2:]]
		if !ok {
			return fail("bad stop bits in %q", parts[2])
		}
		s.DataBits, s.Parity, s.StopBits = bits, parity, stop
	}
	return s, nil
}

// ParseEndpoint parses "[host:]port" and returns "host:port". The host
// defaults to localhost.
func ParseEndpoint(spec string) (string, error) {
	host, port := DefaultHost, spec
	if i := strings.LastIndex(spec, ":"); i >= 0 {
		host, port = spec[:i], spec[i+1:]
		host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
		if host == "" {
			host = DefaultHost
		}
	}
	n, err := strconv.Atoi(port)
	if err != nil || n <= 0 || n > 65535 {
		return "", errs.New(errs.InvalidConfig, "parse endpoint", "%q: bad port %q", spec, port)
	}
	return net.JoinHostPort(host, port), nil
}
