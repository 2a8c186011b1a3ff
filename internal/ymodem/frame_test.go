package ymodem

import (
	"bytes"
	"testing"
)

func TestEncodeFrameSum(t *testing.T) {
	frame := EncodeFrame(1, []byte("hello serial"), ShortSize, Sum)
	want := append([]byte{0x01, 0x01, 0xfe}, []byte("hello serial")...)
	want = append(want, make([]byte, 116)...)
	want = append(want, 0xb4)
	if !bytes.Equal(frame, want) {
		t.Errorf("frame = %x\nwant    %x", frame, want)
	}
}

func TestEncodeFrameCRC(t *testing.T) {
	frame := EncodeFrame(1, []byte("hello serial"), ShortSize, CRC16)
	if len(frame) != 3+ShortSize+2 {
		t.Fatalf("len = %d, want %d", len(frame), 3+ShortSize+2)
	}
	if frame[len(frame)-2] != 0x6f || frame[len(frame)-1] != 0x7d {
		t.Errorf("crc trailer = %x, want 6f7d", frame[len(frame)-2:])
	}
}

func TestCRCCheckValue(t *testing.T) {
	tr := trailer([]byte("123456789"), CRC16)
	if tr[0] != 0x31 || tr[1] != 0xc3 {
		t.Errorf("CRC-16/XMODEM(123456789) = %x, want 31c3", tr)
	}
}

func TestLongFrame(t *testing.T) {
	data := bytes.Repeat([]byte{0xaa}, 1000)
	frame := EncodeFrame(7, data, LongSize, Sum)
	if frame[0] != STX || len(frame) != 3+LongSize+1 {
		t.Errorf("long frame header %x len %d", frame[:3], len(frame))
	}
	seq, payload, err := DecodeFrame(frame, Sum)
	if err != nil || seq != 7 || !bytes.Equal(payload[:1000], data) {
		t.Errorf("DecodeFrame = %d, %v", seq, err)
	}
}

func TestDecodeRoundTrip(t *testing.T) {
	for _, sum := range []Checksum{Sum, CRC16} {
		for _, seq := range []byte{0, 1, 0x7f, 0xff} {
			data := []byte{seq, 1, 2, 3, 0xff}
			frame := EncodeFrame(seq, data, ShortSize, sum)
			got, payload, err := DecodeFrame(frame, sum)
			if err != nil {
				t.Errorf("%v seq %d: DecodeFrame error: %v", sum, seq, err)
				continue
			}
			if got != seq {
				t.Errorf("%v: seq = %d, want %d", sum, got, seq)
			}
			if !bytes.Equal(payload[:len(data)], data) || len(payload) != ShortSize {
				t.Errorf("%v: payload mismatch", sum)
			}
		}
	}
}

func TestDecodeErrors(t *testing.T) {
	good := EncodeFrame(3, []byte("x"), ShortSize, CRC16)

	badCmp := bytes.Clone(good)
	badCmp[2] = 0
	badSum := bytes.Clone(good)
	badSum[10] ^= 0xff

	tests := []struct {
		name  string
		frame []byte
		want  error
	}{
		{"empty", nil, ErrShortFrame},
		{"truncated", good[:50], ErrShortFrame},
		{"block", append([]byte{0x09}, good[1:]...), ErrBlockType},
		{"complement", badCmp, ErrComplement},
		{"checksum", badSum, ErrBadChecksum},
	}
	for _, tt := range tests {
		if _, _, err := DecodeFrame(tt.frame, CRC16); err != tt.want {
			t.Errorf("%s: err = %v, want %v", tt.name, err, tt.want)
		}
	}
}

func TestEncodeOversizePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	EncodeFrame(0, make([]byte, ShortSize+1), ShortSize, Sum)
}

func TestHeader(t *testing.T) {
	p := HeaderPayload("/my/data/path", 12)
	if string(p) != "/my/data/path\x0012" {
		t.Errorf("HeaderPayload = %q", p)
	}
	padded := EncodeFrame(0, p, ShortSize, Sum)
	_, payload, _ := DecodeFrame(padded, Sum)
	name, n, err := ParseHeader(payload)
	if err != nil || name != "/my/data/path" || n != 12 {
		t.Errorf("ParseHeader = %q, %d, %v", name, n, err)
	}

	name, n, err = ParseHeader(make([]byte, ShortSize))
	if err != nil || name != "" || n != 0 {
		t.Errorf("null header = %q, %d, %v; want end of batch", name, n, err)
	}
	if _, _, err := ParseHeader([]byte("noterminator")); err == nil {
		t.Error("expected error for header without NUL")
	}
	if _, _, err := ParseHeader([]byte("name\x00x")); err == nil {
		t.Error("expected error for header without length")
	}
}
