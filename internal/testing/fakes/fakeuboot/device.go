// Package fakeuboot simulates a U-Boot console behind a transport so the
// console client, TFTP and action code can be tested without hardware.
//
// The device answers synchronously: every Write is handled before it
// returns, and a read that finds no output returns at once as if the read
// timeout had elapsed.
package fakeuboot

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pin/tftp/v3"

	"github.com/acolita/hiburn/internal/transport"
	"github.com/acolita/hiburn/internal/ymodem"
)

// ErrSilent is returned by a blocking read when the device has nothing to
// say and never will until it is written to.
var ErrSilent = errors.New("fakeuboot: blocking read on a silent device")

// DefaultPrompt is the shell prompt, printed without a newline.
const DefaultPrompt = "hisilicon # "

// DefaultBootScript is printed after power-on, one chunk per read.
var DefaultBootScript = []string{
	"\r\n",
	"U-Boot 2010.06 (Aug 11 2018 - 11:42:32)\r\n",
	"\r\n",
	"Check Flash Memory Controller v100 ... Found\r\n",
	"SPI Nor(cs 0) ID: 0xef 0x40 0x18\r\n",
	"In:    serial\r\nOut:   serial\r\nErr:   serial\r\n",
	"Hit any key to stop autoboot:  1 ",
}

type mode int

const (
	modeBooting mode = iota
	modeConsole
	modeLoady
	modeBooted
)

// Device is a simulated board. It implements transport.Transport.
type Device struct {
	mu      sync.Mutex
	prompt  string
	mode    mode
	out     []byte
	boot    []string
	input   []byte
	timeout time.Duration
	closed  bool

	env         map[string]string
	mem         map[uint64][]byte
	flash       []byte
	unreachable map[string]bool
	commands    []string
	written     []byte
	booted      uint64

	rx       receiver
	nakFirst int
}

// Option configures a Device.
type Option func(*Device)

// WithPrompt sets the shell prompt.
func WithPrompt(p string) Option {
	return func(d *Device) { d.prompt = p }
}

// WithBootScript replaces the power-on output.
func WithBootScript(chunks ...string) Option {
	return func(d *Device) { d.boot = append([]string(nil), chunks...) }
}

// WithGarbage puts stale bytes in the input buffer before power-on.
func WithGarbage(b []byte) Option {
	return func(d *Device) { d.out = append(d.out, b...) }
}

// WithConsole starts the device at an idle prompt.
func WithConsole() Option {
	return func(d *Device) {
		d.mode = modeConsole
		d.boot = nil
		d.out = append(d.out, d.prompt...)
	}
}

// WithEnv sets initial environment variables.
func WithEnv(env map[string]string) Option {
	return func(d *Device) {
		for k, v := range env {
			d.env[k] = v
		}
	}
}

// WithFlash sets the SPI flash contents.
func WithFlash(data []byte) Option {
	return func(d *Device) { d.flash = bytes.Clone(data) }
}

// WithUnreachable makes pings to the given addresses fail.
func WithUnreachable(addrs ...string) Option {
	return func(d *Device) {
		for _, a := range addrs {
			d.unreachable[a] = true
		}
	}
}

// WithNakFirst makes loady reject the first n frames it receives.
func WithNakFirst(n int) Option {
	return func(d *Device) { d.nakFirst = n }
}

// New powers on a device.
func New(opts ...Option) *Device {
	d := &Device{
		prompt:      DefaultPrompt,
		boot:        append([]string(nil), DefaultBootScript...),
		timeout:     transport.NoTimeout,
		env:         map[string]string{"bootdelay": "1", "baudrate": "115200", "ethaddr": "00:00:23:34:45:66"},
		mem:         map[uint64][]byte{},
		unreachable: map[string]bool{},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Read implements io.Reader.
func (d *Device) Read(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, io.ErrClosedPipe
	}
	if len(d.out) == 0 {
		d.advanceBoot()
	}
	if len(d.out) == 0 {
		if d.timeout == transport.NoTimeout {
			return 0, ErrSilent
		}
		return 0, nil
	}
	n := copy(p, d.out)
	d.out = d.out[n:]
	return n, nil
}

// ReadLine implements transport.Transport.
func (d *Device) ReadLine() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, io.ErrClosedPipe
	}
	for {
		if i := bytes.IndexByte(d.out, '\n'); i >= 0 {
			line := bytes.Clone(d.out[:i+1])
			d.out = d.out[i+1:]
			return line, nil
		}
		if !d.advanceBoot() {
			break
		}
	}
	line := bytes.Clone(d.out)
	d.out = d.out[:0]
	if d.timeout == transport.NoTimeout && len(line) == 0 {
		return nil, ErrSilent
	}
	if len(line) == 0 {
		return nil, nil
	}
	return line, nil
}

func (d *Device) advanceBoot() bool {
	if d.mode != modeBooting || len(d.boot) == 0 {
		return false
	}
	d.out = append(d.out, d.boot[0]...)
	d.boot = d.boot[1:]
	return true
}

// Write implements io.Writer.
func (d *Device) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, io.ErrClosedPipe
	}
	d.written = append(d.written, p...)
	for i := 0; i < len(p); i++ {
		switch d.mode {
		case modeBooting:
			if p[i] == 0x03 {
				for _, chunk := range d.boot {
					d.out = append(d.out, chunk...)
				}
				d.boot = nil
				d.mode = modeConsole
				d.printf("\r\n%s", d.prompt)
			}
		case modeConsole:
			d.key(p[i])
		case modeLoady:
			d.rx.buf = append(d.rx.buf, p[i])
			d.receive()
		case modeBooted:
		}
	}
	return len(p), nil
}

func (d *Device) key(b byte) {
	switch {
	case b == 0x03:
		d.input = d.input[:0]
		d.printf("<INTERRUPT>\r\n%s", d.prompt)
	case b == '\n' || b == '\r':
		d.printf("\r\n")
		line := string(d.input)
		d.input = d.input[:0]
		d.exec(line)
		if d.mode == modeConsole {
			d.printf("%s", d.prompt)
		}
	case b >= 0x20 && b < 0x7f:
		d.input = append(d.input, b)
		d.out = append(d.out, b)
	}
}

func (d *Device) printf(format string, args ...any) {
	d.out = fmt.Appendf(d.out, format, args...)
}

func (d *Device) println(format string, args ...any) {
	d.printf(format+"\r\n", args...)
}

// DiscardPendingInput drops output already produced. Power-on output not
// yet printed is kept.
func (d *Device) DiscardPendingInput() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.out = d.out[:0]
	return nil
}

// ReadTimeout implements transport.Transport.
func (d *Device) ReadTimeout() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.timeout
}

// SetReadTimeout implements transport.Transport.
func (d *Device) SetReadTimeout(t time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t < 0 {
		t = transport.NoTimeout
	}
	d.timeout = t
	return nil
}

// Close implements io.Closer.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func (d *Device) String() string {
	return "fakeuboot"
}

// Commands returns the command lines the shell executed.
func (d *Device) Commands() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.commands...)
}

// Written returns every byte written to the device.
func (d *Device) Written() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return bytes.Clone(d.written)
}

// Env returns a copy of the environment.
func (d *Device) Env() map[string]string {
	d.mu.Lock()
	defer d.mu.Unlock()
	env := make(map[string]string, len(d.env))
	for k, v := range d.env {
		env[k] = v
	}
	return env
}

// Load places data in memory at addr.
func (d *Device) Load(addr uint64, data []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mem[addr] = bytes.Clone(data)
}

// Memory returns n bytes at addr, or nil if no loaded segment covers them.
func (d *Device) Memory(addr, n uint64) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return bytes.Clone(d.memory(addr, n))
}

func (d *Device) memory(addr, n uint64) []byte {
	for base, seg := range d.mem {
		if addr >= base && addr+n <= base+uint64(len(seg)) {
			return seg[addr-base : addr-base+n]
		}
	}
	return nil
}

// Booted returns the address passed to bootm, and whether bootm ran.
func (d *Device) Booted() (uint64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.booted, d.mode == modeBooted
}

func (d *Device) exec(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	d.commands = append(d.commands, line)
	args := strings.Fields(line)
	switch args[0] {
	case "printenv":
		d.printenv()
	case "setenv":
		d.setenv(line, args)
	case "ping":
		d.ping(args)
	case "tftp", "tftpboot":
		d.tftp(args)
	case "sf":
		d.sf(args)
	case "bootm":
		d.bootm(args)
	case "loady":
		d.loady(args)
	case "version":
		d.println("U-Boot 2010.06 (Aug 11 2018 - 11:42:32)")
	default:
		d.println("Unknown command '%s' - try 'help'", args[0])
	}
}

func (d *Device) printenv() {
	names := make([]string, 0, len(d.env))
	for k := range d.env {
		names = append(names, k)
	}
	sort.Strings(names)
	total := 0
	for _, k := range names {
		d.println("%s=%s", k, d.env[k])
		total += len(k) + len(d.env[k]) + 2
	}
	d.println("")
	d.println("Environment size: %d/65532 bytes", total)
}

func (d *Device) setenv(line string, args []string) {
	if len(args) < 2 {
		d.println("Usage:\r\nsetenv name value ...")
		return
	}
	name := args[1]
	if len(args) == 2 {
		delete(d.env, name)
		return
	}
	rest := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(strings.TrimPrefix(line, "setenv")), name))
	d.env[name] = strings.ReplaceAll(rest, `\;`, ";")
}

func (d *Device) ping(args []string) {
	if len(args) != 2 {
		d.println("Usage:\r\nping pingAddress")
		return
	}
	if _, ok := d.env["ipaddr"]; !ok {
		d.println("*** ERROR: `ipaddr' not set")
		d.println("ping failed; host %s is not alive", args[1])
		return
	}
	if d.unreachable[args[1]] {
		d.println("ping failed; host %s is not alive", args[1])
		return
	}
	d.println("host %s is alive", args[1])
}

func parseNum(s string) (uint64, error) {
	return strconv.ParseUint(strings.TrimPrefix(strings.ToLower(s), "0x"), 16, 64)
}

func (d *Device) serverAddr() (string, error) {
	ip, ok := d.env["serverip"]
	if !ok {
		return "", errors.New("serverip not set")
	}
	port := "69"
	if p, ok := d.env["tftpdstp"]; ok {
		port = p
	}
	return net.JoinHostPort(ip, port), nil
}

func (d *Device) tftp(args []string) {
	if len(args) < 3 {
		d.println("Usage:\r\ntftp [loadAddress] [[hostIPaddr:]bootfilename]")
		return
	}
	addr, err := parseNum(args[1])
	if err != nil {
		d.println("Bad address %s", args[1])
		return
	}
	name := args[2]
	server, err := d.serverAddr()
	if err != nil {
		d.println("*** ERROR: `serverip' not set")
		return
	}
	client, err := tftp.NewClient(server)
	if err != nil {
		d.println("TFTP error: %v", err)
		return
	}
	client.SetTimeout(2 * time.Second)
	d.println("Using eth0 device")

	if len(args) >= 4 {
		n, err := parseNum(args[3])
		if err != nil {
			d.println("Bad size %s", args[3])
			return
		}
		data := d.memory(addr, n)
		if data == nil {
			data = make([]byte, n)
		}
		d.println("TFTP to server %s; our IP address is %s", d.env["serverip"], d.env["ipaddr"])
		d.println("Filename '%s'.", name)
		d.println("Save address: %#x", addr)
		d.println("Save size:    %#x", n)
		rf, err := client.Send(name, "octet")
		if err != nil {
			d.println("TFTP error: %v", err)
			return
		}
		sent, err := rf.ReadFrom(bytes.NewReader(data))
		if err != nil {
			d.println("TFTP error: %v", err)
			return
		}
		d.println("Saving: ##")
		d.println("done")
		d.println("Bytes transferred = %d (%x hex)", sent, sent)
		return
	}

	d.println("TFTP from server %s; our IP address is %s", d.env["serverip"], d.env["ipaddr"])
	d.println("Filename '%s'.", name)
	d.println("Load address: %#x", addr)
	wt, err := client.Receive(name, "octet")
	if err != nil {
		d.println("TFTP error: '%v'", err)
		d.println("Not retrying...")
		return
	}
	var buf bytes.Buffer
	got, err := wt.WriteTo(&buf)
	if err != nil {
		d.println("TFTP error: '%v'", err)
		return
	}
	d.mem[addr] = buf.Bytes()
	d.env["filesize"] = fmt.Sprintf("%x", got)
	d.println("Loading: #################")
	d.println("done")
	d.println("Bytes transferred = %d (%x hex)", got, got)
}

func (d *Device) sf(args []string) {
	if len(args) < 2 {
		d.println("Usage:\r\nsf probe|read|write|erase")
		return
	}
	switch args[1] {
	case "probe":
		d.println("16384 KiB hi_fmc at 0:0 is now current device")
	case "read":
		if len(args) != 5 {
			d.println("Usage:\r\nsf read addr offset len")
			return
		}
		addr, err1 := parseNum(args[2])
		off, err2 := parseNum(args[3])
		n, err3 := parseNum(args[4])
		if err := errors.Join(err1, err2, err3); err != nil {
			d.println("Bad argument")
			return
		}
		if off+n > uint64(len(d.flash)) {
			d.println("ERROR: attempting read past flash size (%#x)", len(d.flash))
			return
		}
		d.mem[addr] = bytes.Clone(d.flash[off : off+n])
		d.println("SF: %d bytes @ %#x Read: OK", n, off)
	default:
		d.println("Unknown sf subcommand '%s'", args[1])
	}
}

func (d *Device) bootm(args []string) {
	addr := uint64(0x82000000)
	if len(args) > 1 {
		a, err := parseNum(args[1])
		if err != nil {
			d.println("Bad address %s", args[1])
			return
		}
		addr = a
	}
	if d.memory(addr, 1) == nil {
		d.println("## Booting kernel from Legacy Image at %08x ...", addr)
		d.println("Wrong Image Format for bootm command")
		d.println("ERROR: can't get kernel image!")
		return
	}
	d.println("## Booting kernel from Legacy Image at %08x ...", addr)
	d.println("   Verifying Checksum ... OK")
	d.println("")
	d.println("Starting kernel ...")
	d.println("")
	d.println("Booting Linux on physical CPU 0x0")
	d.booted = addr
	d.mode = modeBooted
}

func (d *Device) loady(args []string) {
	addr := uint64(0x82000000)
	if len(args) > 1 {
		a, err := parseNum(args[1])
		if err != nil {
			d.println("Bad address %s", args[1])
			return
		}
		addr = a
	}
	d.println("## Ready for binary (ymodem) download to 0x%08X at 115200 bps...", addr)
	d.rx = receiver{addr: addr, header: true}
	d.mode = modeLoady
	d.out = append(d.out, ymodem.CRC)
}

type receiver struct {
	addr    uint64
	buf     []byte
	header  bool
	name    string
	length  int
	next    byte
	data    []byte
	total   int
	cancels int
}

func (d *Device) receive() {
	rx := &d.rx
	for len(rx.buf) > 0 {
		switch rx.buf[0] {
		case ymodem.EOT:
			rx.buf = rx.buf[1:]
			if rx.length < len(rx.data) {
				rx.data = rx.data[:rx.length]
			}
			d.mem[rx.addr+uint64(rx.total)] = rx.data
			rx.total += len(rx.data)
			rx.data, rx.header = nil, true
			d.out = append(d.out, ymodem.ACK, ymodem.CRC)
		case ymodem.CAN:
			rx.buf = rx.buf[1:]
			rx.cancels++
			if rx.cancels >= 2 {
				d.mode = modeConsole
				d.println("")
				d.println("## Binary (ymodem) download aborted")
				d.printf("%s", d.prompt)
				return
			}
		case ymodem.SOH, ymodem.STX:
			n := ymodem.FrameLen(rx.buf[0], ymodem.CRC16)
			if len(rx.buf) < n {
				return
			}
			frame := rx.buf[:n]
			rx.buf = rx.buf[n:]
			d.frame(frame)
			if d.mode != modeLoady {
				return
			}
		default:
			rx.buf = rx.buf[1:]
		}
	}
}

func (d *Device) frame(frame []byte) {
	rx := &d.rx
	if d.nakFirst > 0 {
		d.nakFirst--
		d.out = append(d.out, ymodem.NAK)
		return
	}
	seq, payload, err := ymodem.DecodeFrame(frame, ymodem.CRC16)
	if err != nil {
		d.out = append(d.out, ymodem.NAK)
		return
	}
	if rx.header {
		if seq != 0 {
			d.out = append(d.out, ymodem.NAK)
			return
		}
		name, length, err := ymodem.ParseHeader(payload)
		if err != nil {
			d.out = append(d.out, ymodem.NAK)
			return
		}
		d.out = append(d.out, ymodem.ACK)
		if name == "" {
			d.mode = modeConsole
			d.env["filesize"] = fmt.Sprintf("%x", rx.total)
			d.println("## Total Size      = 0x%08x = %d Bytes", rx.total, rx.total)
			d.printf("%s", d.prompt)
			return
		}
		rx.name, rx.length = name, length
		rx.header, rx.next = false, 1
		d.out = append(d.out, ymodem.CRC)
		return
	}
	switch seq {
	case rx.next:
		rx.data = append(rx.data, payload...)
		rx.next++
		d.out = append(d.out, ymodem.ACK)
	case rx.next - 1:
		d.out = append(d.out, ymodem.ACK)
	default:
		d.out = append(d.out, ymodem.NAK)
	}
}

var _ transport.Transport = (*Device)(nil)
