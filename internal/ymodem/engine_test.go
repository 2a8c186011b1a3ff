package ymodem

import (
	"bytes"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/acolita/hiburn/internal/errs"
	"github.com/acolita/hiburn/internal/testing/fakes/fakeclock"
	"github.com/acolita/hiburn/internal/testing/fakes/fakeport"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func repeat(b byte, n int) []byte {
	return bytes.Repeat([]byte{b}, n)
}

func concat(parts ...[]byte) []byte {
	return bytes.Join(parts, nil)
}

func TestTransmitLegacyHandshake(t *testing.T) {
	//                    C               NAK               ACK
	port := fakeport.New(concat(repeat(CRC, 10), []byte{NAK}, repeat(ACK, 3)))
	e := New(port, WithCRC(false), WithBatchEnd(false), WithLogger(quiet))

	if err := e.Transmit("/my/data/path", []byte("hello serial")); err != nil {
		t.Fatalf("Transmit error: %v", err)
	}
	if port.Unread() != 0 {
		t.Errorf("unread bytes = %d, want 0", port.Unread())
	}

	writes := port.Writes()
	if len(writes) != 3 {
		t.Fatalf("writes = %d, want 3", len(writes))
	}
	wantHeader := concat([]byte("\x01\x00\xff/my/data/path\x0012"), repeat(0, 112), []byte{0x1d})
	if !bytes.Equal(writes[0], wantHeader) {
		t.Errorf("header frame = %x\nwant           %x", writes[0], wantHeader)
	}
	wantData := concat([]byte("\x01\x01\xfehello serial"), repeat(0, 116), []byte{0xb4})
	if !bytes.Equal(writes[1], wantData) {
		t.Errorf("data frame = %x\nwant         %x", writes[1], wantData)
	}
	if !bytes.Equal(writes[2], []byte{EOT}) {
		t.Errorf("last write = %x, want EOT", writes[2])
	}
}

func TestHandshakeSelectsChecksum(t *testing.T) {
	tests := []struct {
		handshake byte
		want      Checksum
	}{
		{CRC, CRC16},
		{NAK, Sum},
	}
	for _, tt := range tests {
		port := fakeport.New(concat([]byte{tt.handshake}, repeat(ACK, 3)))
		e := New(port, WithBatchEnd(false), WithLogger(quiet))
		if err := e.Transmit("f", []byte("data")); err != nil {
			t.Fatalf("handshake %#x: Transmit error: %v", tt.handshake, err)
		}
		frame := port.Writes()[1]
		wantLen := 3 + ShortSize + tt.want.TrailerLen()
		if len(frame) != wantLen {
			t.Errorf("handshake %#x: frame len = %d, want %d", tt.handshake, len(frame), wantLen)
		}
		if _, _, err := DecodeFrame(frame, tt.want); err != nil {
			t.Errorf("handshake %#x: DecodeFrame(%v) error: %v", tt.handshake, tt.want, err)
		}
	}
}

func TestRetryBound(t *testing.T) {
	port := fakeport.New([]byte{NAK})
	e := New(port, WithLogger(quiet))

	err := e.Transmit("f", []byte("data"))
	if !errs.Is(err, errs.FrameRetriesExhausted) {
		t.Fatalf("Transmit error = %v, want FrameRetriesExhausted", err)
	}
	if got := len(port.Writes()); got != DefaultMaxRetries {
		t.Errorf("write attempts = %d, want %d", got, DefaultMaxRetries)
	}
}

func TestResendIdenticalFrame(t *testing.T) {
	port := fakeport.New([]byte{NAK, NAK, 0x00, ACK, ACK, ACK})
	e := New(port, WithBatchEnd(false), WithLogger(quiet))
	if err := e.Transmit("f", []byte("x")); err != nil {
		t.Fatalf("Transmit error: %v", err)
	}
	w := port.Writes()
	if len(w) != 5 {
		t.Fatalf("writes = %d, want 5", len(w))
	}
	if !bytes.Equal(w[0], w[1]) || !bytes.Equal(w[1], w[2]) {
		t.Error("retried header frames differ")
	}
	if w[3][1] != 1 {
		t.Errorf("data frame seq = %d, want 1", w[3][1])
	}
}

func TestRetryCounterIsPerFrame(t *testing.T) {
	// each frame fails 30 times before its ACK; a transfer-wide counter
	// would give up on the second frame
	var script []byte
	script = append(script, NAK)
	for i := 0; i < 3; i++ {
		script = append(script, repeat(NAK, 30)...)
		script = append(script, ACK)
	}
	port := fakeport.New(script)
	e := New(port, WithBatchEnd(false), WithLogger(quiet))
	if err := e.Transmit("f", []byte("x")); err != nil {
		t.Fatalf("Transmit error: %v", err)
	}
}

func TestCancel(t *testing.T) {
	for name, script := range map[string][]byte{
		"handshake": {CAN, CAN},
		"reply":     {NAK, CAN, CAN},
	} {
		port := fakeport.New(script)
		err := New(port, WithLogger(quiet)).Transmit("f", []byte("x"))
		if !errs.Is(err, errs.Cancelled) {
			t.Errorf("%s: error = %v, want Cancelled", name, err)
		}
	}
}

func TestSingleCANIsIgnoredDuringHandshake(t *testing.T) {
	port := fakeport.New(concat([]byte{CAN, 'x', NAK}, repeat(ACK, 3)))
	if err := New(port, WithBatchEnd(false), WithLogger(quiet)).Transmit("f", []byte("x")); err != nil {
		t.Fatalf("Transmit error: %v", err)
	}
}

func TestHandshakeTimeout(t *testing.T) {
	port := fakeport.New(nil)
	clock := fakeclock.NewStepping(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), time.Second)
	e := New(port, WithHandshakeTimeout(10*time.Second), WithClock(clock), WithLogger(quiet))

	err := e.Transmit("f", []byte("x"))
	if !errs.Is(err, errs.HandshakeTimeout) {
		t.Fatalf("Transmit error = %v, want HandshakeTimeout", err)
	}
	if len(port.Writes()) != 0 {
		t.Errorf("writes = %d, want none before handshake", len(port.Writes()))
	}
}

// ackAll makes the port acknowledge every frame and EOT.
func ackAll(p *fakeport.Port, _ []byte) {
	p.Feed(ACK)
}

func TestProgressMonotonic(t *testing.T) {
	port := fakeport.New([]byte{NAK})
	port.OnWrite = ackAll

	var reports []Progress
	e := New(port, WithBatchEnd(false), WithLogger(quiet), WithProgress(func(p Progress) {
		reports = append(reports, p)
	}))
	if err := e.Transmit("f", make([]byte, 1000)); err != nil {
		t.Fatalf("Transmit error: %v", err)
	}

	want := []int{12, 25, 38, 51, 64, 76, 89, 100}
	if len(reports) != len(want) {
		t.Fatalf("reports = %+v, want percents %v", reports, want)
	}
	last := 0
	for i, r := range reports {
		if r.Percent != want[i] {
			t.Errorf("report %d percent = %d, want %d", i, r.Percent, want[i])
		}
		if r.Percent <= last {
			t.Errorf("report %d percent %d did not increase", i, r.Percent)
		}
		last = r.Percent
	}
}

func TestProgressEachPercentOnce(t *testing.T) {
	port := fakeport.New([]byte{NAK})
	port.OnWrite = ackAll

	seen := map[int]int{}
	e := New(port, WithBatchEnd(false), WithLogger(quiet), WithProgress(func(p Progress) {
		seen[p.Percent]++
	}))
	if err := e.Transmit("f", make([]byte, 128*250)); err != nil {
		t.Fatalf("Transmit error: %v", err)
	}
	if len(seen) > 101 {
		t.Errorf("%d distinct reports", len(seen))
	}
	for p, n := range seen {
		if n != 1 {
			t.Errorf("percent %d reported %d times", p, n)
		}
	}
	if seen[100] != 1 {
		t.Error("100% never reported")
	}
}

func TestSequenceWraps(t *testing.T) {
	port := fakeport.New([]byte{NAK})
	port.OnWrite = ackAll
	e := New(port, WithBatchEnd(false), WithLogger(quiet))
	if err := e.Transmit("f", make([]byte, 128*300)); err != nil {
		t.Fatalf("Transmit error: %v", err)
	}
	w := port.Writes()
	for i := 0; i <= 300; i++ {
		seq, _, err := DecodeFrame(w[i], Sum)
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if seq != byte(i) {
			t.Fatalf("frame %d seq = %d, want %d", i, seq, byte(i))
		}
	}
}

func TestCounterResetsBetweenTransfers(t *testing.T) {
	port := fakeport.New([]byte{NAK})
	port.OnWrite = ackAll
	e := New(port, WithBatchEnd(false), WithLogger(quiet))
	if err := e.Transmit("a", []byte("first")); err != nil {
		t.Fatal(err)
	}
	port.Feed(NAK)
	if err := e.Transmit("b", []byte("second")); err != nil {
		t.Fatal(err)
	}
	w := port.Writes()
	// a: header, data, EOT; b: header, data, EOT
	if w[3][1] != 0 || w[4][1] != 1 {
		t.Errorf("second transfer seqs = %d, %d; want 0, 1", w[3][1], w[4][1])
	}
}

func TestBatchEnd(t *testing.T) {
	port := fakeport.New(concat([]byte{CRC}, repeat(ACK, 3), []byte{CRC, ACK}))
	e := New(port, WithLogger(quiet))
	if err := e.Transmit("f", []byte("abc")); err != nil {
		t.Fatalf("Transmit error: %v", err)
	}
	w := port.Writes()
	if len(w) != 4 {
		t.Fatalf("writes = %d, want 4", len(w))
	}
	seq, payload, err := DecodeFrame(w[3], CRC16)
	if err != nil || seq != 0 || !bytes.Equal(payload, make([]byte, ShortSize)) {
		t.Errorf("closing header = seq %d err %v", seq, err)
	}
}

func TestLongFramesEngine(t *testing.T) {
	port := fakeport.New([]byte{CRC})
	port.OnWrite = ackAll
	e := New(port, WithLongFrames(true), WithBatchEnd(false), WithLogger(quiet))
	if err := e.Transmit("f", make([]byte, 2000)); err != nil {
		t.Fatal(err)
	}
	w := port.Writes()
	// header, two data frames, EOT
	if len(w) != 4 || w[1][0] != STX || len(w[1]) != 3+LongSize+2 {
		t.Errorf("writes = %d, first data frame %x...", len(w), w[1][:3])
	}
}

func TestReadTimeoutRestored(t *testing.T) {
	port := fakeport.New(concat([]byte{NAK}, repeat(ACK, 3)))
	_ = port.SetReadTimeout(500 * time.Millisecond)
	e := New(port, WithBatchEnd(false), WithReadTimeout(2*time.Second), WithLogger(quiet))
	if err := e.Transmit("f", []byte("x")); err != nil {
		t.Fatal(err)
	}
	if port.ReadTimeout() != 500*time.Millisecond {
		t.Errorf("timeout after Transmit = %v, want 500ms", port.ReadTimeout())
	}
	got := port.Timeouts()
	if len(got) != 3 || got[1] != 2*time.Second {
		t.Errorf("timeouts = %v", got)
	}
}

func TestEmptyPayload(t *testing.T) {
	port := fakeport.New(concat([]byte{NAK}, repeat(ACK, 2)))
	if err := New(port, WithBatchEnd(false), WithLogger(quiet)).Transmit("empty", nil); err != nil {
		t.Fatal(err)
	}
	w := port.Writes()
	if len(w) != 2 || !bytes.Equal(w[1], []byte{EOT}) {
		t.Errorf("writes = %d, want header and EOT", len(w))
	}
}

func TestNameTooLong(t *testing.T) {
	port := fakeport.New([]byte{NAK})
	err := New(port, WithLogger(quiet)).Transmit(string(repeat('a', 2000)), []byte("x"))
	if !errs.Is(err, errs.InvalidConfig) {
		t.Errorf("error = %v, want InvalidConfig", err)
	}
}

func TestRepeatedRequestAfterHeaderIsSkipped(t *testing.T) {
	// receiver: C, ACK+C for the header, ACK for data, ACK for EOT
	port := fakeport.New([]byte{CRC, ACK, CRC, ACK, ACK})
	e := New(port, WithBatchEnd(false), WithLogger(quiet))
	if err := e.Transmit("f", []byte("data")); err != nil {
		t.Fatalf("Transmit error: %v", err)
	}
	if w := port.Writes(); len(w) != 3 {
		t.Errorf("writes = %d, want 3 (no resend)", len(w))
	}
}

func TestUnexpectedReplyResendsFrame(t *testing.T) {
	// receiver: C, garbage for the header, ACK, ACK for data, ACK for EOT
	port := fakeport.New([]byte{CRC, 'x', ACK, ACK, ACK})
	e := New(port, WithBatchEnd(false), WithLogger(quiet))
	if err := e.Transmit("f", []byte("data")); err != nil {
		t.Fatalf("Transmit error: %v", err)
	}
	w := port.Writes()
	if len(w) != 4 {
		t.Fatalf("writes = %d, want 4 (header resent once)", len(w))
	}
	if !bytes.Equal(w[0], w[1]) {
		t.Error("second write is not a resend of the header")
	}
}
