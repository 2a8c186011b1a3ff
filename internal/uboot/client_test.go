package uboot

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"regexp"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/acolita/hiburn/internal/errs"
	"github.com/acolita/hiburn/internal/prompt"
	"github.com/acolita/hiburn/internal/testing/fakes/fakeuboot"
	"github.com/acolita/hiburn/internal/transport"
	"github.com/acolita/hiburn/internal/ymodem"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

// lineTransport replays canned lines; an empty entry is a read that timed out.
type lineTransport struct {
	lines    []string
	written  bytes.Buffer
	timeout  time.Duration
	timeouts []time.Duration
}

func (l *lineTransport) ReadLine() ([]byte, error) {
	if len(l.lines) == 0 {
		return nil, io.EOF
	}
	line := l.lines[0]
	l.lines = l.lines[1:]
	if line == "" {
		return nil, nil
	}
	return []byte(line), nil
}

func (l *lineTransport) Read(p []byte) (int, error)  { return 0, io.EOF }
func (l *lineTransport) Write(p []byte) (int, error) { return l.written.Write(p) }
func (l *lineTransport) Close() error                { return nil }
func (l *lineTransport) DiscardPendingInput() error  { return nil }
func (l *lineTransport) ReadTimeout() time.Duration  { return l.timeout }
func (l *lineTransport) SetReadTimeout(d time.Duration) error {
	l.timeout = d
	l.timeouts = append(l.timeouts, d)
	return nil
}

func newClient(t *testing.T, tr transport.Transport, opts ...Option) *Client {
	t.Helper()
	c, err := New(tr, append([]Option{WithLogger(quiet)}, opts...)...)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	return c
}

func TestNewSetsDefaultTimeout(t *testing.T) {
	lt := &lineTransport{timeout: transport.NoTimeout}
	newClient(t, lt)
	if lt.timeout != DefaultReadTimeout {
		t.Errorf("timeout = %v, want %v", lt.timeout, DefaultReadTimeout)
	}
}

func TestFetchConsole(t *testing.T) {
	dev := fakeuboot.New(fakeuboot.WithGarbage([]byte("\x00\x1b[0mstale \xff output\r\n")))
	c := newClient(t, dev)
	if c.State() != Unsynchronized {
		t.Errorf("initial state = %v", c.State())
	}
	if err := c.FetchConsole(context.Background()); err != nil {
		t.Fatalf("FetchConsole error: %v", err)
	}
	if c.State() != Ready {
		t.Errorf("state = %v, want %v", c.State(), Ready)
	}
	lines, err := c.PrintEnv()
	if err != nil {
		t.Fatalf("PrintEnv error: %v", err)
	}
	if !slices.Contains(lines, "baudrate=115200") {
		t.Errorf("printenv = %q, want baudrate line", lines)
	}
}

func TestFetchConsoleSkipsUnprintableOutput(t *testing.T) {
	dev := fakeuboot.New(fakeuboot.WithBootScript(
		"\x00\x01\x02\r\n",
		"\x1b\x1b\r\n",
		"U-Boot 2016.11\r\n",
		"Hit any key to stop autoboot:  2 ",
	))
	c := newClient(t, dev)
	if err := c.FetchConsole(context.Background()); err != nil {
		t.Fatalf("FetchConsole error: %v", err)
	}
	if _, err := c.Exec("version"); err != nil {
		t.Errorf("Exec after sync error: %v", err)
	}
}

func TestFetchConsoleSynchronizesAfterAnyGarbage(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	noise := func(n int) string {
		b := make([]byte, n)
		for i := range b {
			b[i] = byte(rng.Intn(0x20))
			if b[i] == '\n' {
				b[i] = 0
			}
		}
		return string(b)
	}
	set, err := prompt.NewSet("ready #")
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 50; i++ {
		var garbage []byte
		for n := rng.Intn(200); n > 0; n-- {
			garbage = append(garbage, byte(rng.Intn(256)))
		}
		script := []string{}
		for n := rng.Intn(5); n > 0; n-- {
			script = append(script, noise(rng.Intn(30)+1)+"\r\n")
		}
		script = append(script, "U-Boot\r\n", "Hit any key to stop autoboot:  3 ")

		dev := fakeuboot.New(
			fakeuboot.WithPrompt("ready # "),
			fakeuboot.WithGarbage(garbage),
			fakeuboot.WithBootScript(script...),
		)
		c := newClient(t, dev, WithPrompts(set))
		if err := c.FetchConsole(context.Background()); err != nil {
			t.Fatalf("case %d: FetchConsole error: %v", i, err)
		}
		if err := c.WriteCommand("version"); err != nil {
			t.Fatalf("case %d: first command after sync: %v", i, err)
		}
	}
}

func TestNoInterruptOnceReady(t *testing.T) {
	dev := fakeuboot.New(fakeuboot.WithEnv(map[string]string{"ipaddr": "192.168.1.10"}))
	c := newClient(t, dev)
	if err := c.FetchConsole(context.Background()); err != nil {
		t.Fatalf("FetchConsole error: %v", err)
	}

	fetched := dev.Written()
	last := bytes.LastIndexByte(fetched, ctrlC)
	if last < 0 {
		t.Fatal("FetchConsole never interrupted autoboot")
	}
	if tail := fetched[last+1:]; len(bytes.Trim(tail, "\n")) != 0 {
		t.Errorf("written after the last CTRL-C = %q, want only newlines", tail)
	}

	if _, err := c.Exec("version"); err != nil {
		t.Fatalf("Exec error: %v", err)
	}
	if _, err := c.PrintEnv(); err != nil {
		t.Fatalf("PrintEnv error: %v", err)
	}
	if err := c.SetEnv(Var{"bootargs", "mem=64M"}); err != nil {
		t.Fatalf("SetEnv error: %v", err)
	}
	if _, err := c.Ping("192.168.1.2"); err != nil {
		t.Fatalf("Ping error: %v", err)
	}
	if c.State() != Ready {
		t.Errorf("state = %v, want %v", c.State(), Ready)
	}
	if after := dev.Written()[len(fetched):]; bytes.IndexByte(after, ctrlC) >= 0 {
		t.Errorf("commands after Ready wrote CTRL-C: %q", after)
	}
}

func TestFetchConsoleResendsNewlineOnlyWhenQuiet(t *testing.T) {
	lt := &lineTransport{lines: []string{
		"U-Boot 2016.11\r\n",
		"hisilicon # ",
		// replies to earlier interrupts, then silence, then the fresh prompt
		"hisilicon # <INTERRUPT>\r\n",
		"hisilicon # <INTERRUPT>\r\n",
		"",
		"hisilicon # ",
	}}
	c := newClient(t, lt)
	if err := c.FetchConsole(context.Background()); err != nil {
		t.Fatalf("FetchConsole error: %v", err)
	}
	if got, want := lt.written.String(), "\x03\n\n"; got != want {
		t.Errorf("written = %q, want %q", got, want)
	}
}

func TestFetchConsoleCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c := newClient(t, fakeuboot.New())
	if err := c.FetchConsole(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
	if c.State() == Ready {
		t.Error("cancelled client must not be ready")
	}
}

func TestFetchConsoleSilentDevice(t *testing.T) {
	c := newClient(t, fakeuboot.New(fakeuboot.WithConsole()))
	if err := c.FetchConsole(context.Background()); !errors.Is(err, fakeuboot.ErrSilent) {
		t.Errorf("error = %v, want ErrSilent", err)
	}
}

func TestWriteCommandRejectsLineBreaks(t *testing.T) {
	c := newClient(t, &lineTransport{})
	for _, cmd := range []string{"a\nb", "a\r"} {
		if err := c.WriteCommand(cmd); !errs.Is(err, errs.InvalidConfig) {
			t.Errorf("WriteCommand(%q) = %v, want InvalidConfig", cmd, err)
		}
	}
}

func TestWriteCommandEcho(t *testing.T) {
	lt := &lineTransport{lines: []string{"hisilicon # printenv\r\n"}}
	c := newClient(t, lt)
	if err := c.WriteCommand("printenv"); err != nil {
		t.Errorf("WriteCommand error: %v", err)
	}
	if lt.written.String() != "printenv\n" {
		t.Errorf("written = %q", lt.written.String())
	}

	lt = &lineTransport{lines: []string{"hisilicon # prinenv\r\n"}}
	c = newClient(t, lt)
	if err := c.WriteCommand("printenv"); !errs.Is(err, errs.EchoMismatch) {
		t.Errorf("mismatched echo error = %v, want EchoMismatch", err)
	}
}

func TestReadResponseSkipsQuietReads(t *testing.T) {
	lt := &lineTransport{lines: []string{"", "a\r\n", "", "", "b\r\n", "hisilicon # "}}
	c := newClient(t, lt)
	lines, err := c.ReadResponse()
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(lines, []string{"a", "b"}) {
		t.Errorf("lines = %q, want [a b]", lines)
	}
}

func TestReadResponseTimeoutStopsWhenQuiet(t *testing.T) {
	lt := &lineTransport{lines: []string{"Starting kernel ...\r\n", "", "never read\r\n"}}
	c := newClient(t, lt)
	lines, err := c.ReadResponseTimeout(5 * time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(lines, []string{"Starting kernel ..."}) {
		t.Errorf("lines = %q", lines)
	}
	want := []time.Duration{DefaultReadTimeout, 5 * time.Second, DefaultReadTimeout}
	if !slices.Equal(lt.timeouts, want) {
		t.Errorf("timeouts = %v, want %v", lt.timeouts, want)
	}
}

func TestReadResponseMapsNonASCII(t *testing.T) {
	lt := &lineTransport{lines: []string{"caf\xe9\r\n", "hisilicon # "}}
	lines, err := newClient(t, lt).ReadResponse()
	if err != nil {
		t.Fatal(err)
	}
	if len(lines) != 1 || lines[0] != "caf\uFFFD" {
		t.Errorf("lines = %q", lines)
	}
}

func consoleClient(t *testing.T, opts ...fakeuboot.Option) (*Client, *fakeuboot.Device) {
	t.Helper()
	dev := fakeuboot.New(append([]fakeuboot.Option{fakeuboot.WithConsole()}, opts...)...)
	return newClient(t, dev), dev
}

func TestSetEnvEscapesSemicolons(t *testing.T) {
	c, dev := consoleClient(t)
	err := c.SetEnv(Var{"bootargs", "mem=64M; root=/dev/ram0"}, Var{"ipaddr", "192.168.1.10"})
	if err != nil {
		t.Fatalf("SetEnv error: %v", err)
	}
	cmds := dev.Commands()
	if cmds[0] != `setenv bootargs mem=64M\; root=/dev/ram0` {
		t.Errorf("command = %q", cmds[0])
	}
	env := dev.Env()
	if env["bootargs"] != "mem=64M; root=/dev/ram0" || env["ipaddr"] != "192.168.1.10" {
		t.Errorf("env = %v", env)
	}
}

func TestSetEnvRejectsBadNames(t *testing.T) {
	c, _ := consoleClient(t)
	for _, name := range []string{"", "a b", "a=b"} {
		if err := c.SetEnv(Var{name, "x"}); !errs.Is(err, errs.InvalidConfig) {
			t.Errorf("SetEnv(%q) = %v, want InvalidConfig", name, err)
		}
	}
}

func TestEnv(t *testing.T) {
	c, _ := consoleClient(t, fakeuboot.WithEnv(map[string]string{"bootcmd": "sf probe 0; bootm"}))
	env, err := c.Env()
	if err != nil {
		t.Fatal(err)
	}
	if env["bootcmd"] != "sf probe 0; bootm" {
		t.Errorf("bootcmd = %q", env["bootcmd"])
	}
	if _, ok := env["Environment size: 80/65532 bytes"]; ok {
		t.Error("summary line parsed as a variable")
	}
}

func TestPing(t *testing.T) {
	c, _ := consoleClient(t,
		fakeuboot.WithEnv(map[string]string{"ipaddr": "192.168.1.10"}),
		fakeuboot.WithUnreachable("10.0.0.1"),
	)
	lines, err := c.Ping("192.168.1.1")
	if err != nil {
		t.Fatal(err)
	}
	if !prompt.HostAlive.Match(lines[len(lines)-1]) {
		t.Errorf("ping output = %q, want alive", lines)
	}
	lines, _ = c.Ping("10.0.0.1")
	if prompt.HostAlive.Match(lines[len(lines)-1]) {
		t.Errorf("ping output = %q, want not alive", lines)
	}
}

func TestSFReadAndBootm(t *testing.T) {
	flash := bytes.Repeat([]byte{0xa5}, 0x2000)
	c, dev := consoleClient(t, fakeuboot.WithFlash(flash))
	if _, err := c.SFProbe("0"); err != nil {
		t.Fatal(err)
	}
	if _, err := c.SFRead(0x82000000, 0x1000, 0x1000); err != nil {
		t.Fatal(err)
	}
	if got := dev.Memory(0x82000000, 0x1000); !bytes.Equal(got, flash[:0x1000]) {
		t.Error("sf read did not fill memory")
	}
	if cmds := dev.Commands(); cmds[0] != "sf probe 0" || cmds[1] != "sf read 0x82000000 0x1000 0x1000" {
		t.Errorf("commands = %q", cmds)
	}

	lines, err := c.Bootm(0x82000000, true)
	if err != nil {
		t.Fatalf("Bootm error: %v", err)
	}
	if _, ok := prompt.StartingKernel.FindLast(lines); !ok {
		t.Errorf("bootm output = %q, want Starting kernel", lines)
	}
	if addr, ok := dev.Booted(); !ok || addr != 0x82000000 {
		t.Errorf("Booted() = %#x, %v", addr, ok)
	}
}

func TestUnknownCommand(t *testing.T) {
	c, _ := consoleClient(t)
	lines, err := c.Exec("frobnicate now")
	if err != nil {
		t.Fatal(err)
	}
	if len(lines) != 1 || !prompt.UnknownCommand.Match(lines[0]) {
		t.Errorf("lines = %q", lines)
	}
}

func TestLoadyTransfer(t *testing.T) {
	for _, nak := range []int{0, 3} {
		c, dev := consoleClient(t, fakeuboot.WithNakFirst(nak))
		data := make([]byte, 1000)
		rand.New(rand.NewSource(int64(nak))).Read(data)

		lines, err := c.Loady(0x82000000)
		if err != nil {
			t.Fatalf("Loady error: %v", err)
		}
		if len(lines) == 0 || !strings.Contains(lines[len(lines)-1], "Ready for binary") {
			t.Fatalf("loady lines = %q", lines)
		}
		engine := ymodem.New(c.Transport(), ymodem.WithLogger(quiet))
		if err := engine.Transmit("uImage", data); err != nil {
			t.Fatalf("Transmit error: %v", err)
		}
		summary, err := c.ReadResponse()
		if err != nil {
			t.Fatal(err)
		}
		if len(summary) == 0 || !strings.Contains(summary[0], "= 1000 Bytes") {
			t.Errorf("summary = %q", summary)
		}
		if got := dev.Memory(0x82000000, 1000); !bytes.Equal(got, data) {
			t.Errorf("nak=%d: memory does not hold the image", nak)
		}
	}
}

func TestWaitFor(t *testing.T) {
	lt := &lineTransport{lines: []string{"Uncompressing Linux...\r\n", "", "login: \r\n"}}
	c := newClient(t, lt)
	lines, err := c.WaitFor(regexp.MustCompile(`login:`), time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if len(lines) != 2 {
		t.Errorf("lines = %q", lines)
	}
}

func TestStateString(t *testing.T) {
	if Ready.String() != "ready" || State(9).String() != "state(9)" {
		t.Errorf("String() = %q, %q", Ready.String(), State(9).String())
	}
}
