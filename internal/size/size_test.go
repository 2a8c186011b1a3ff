package size

import (
	"testing"

	"github.com/acolita/hiburn/internal/errs"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in   string
		want uint64
	}{
		{"0", 0},
		{"1024", 1024},
		{"10b", 10},
		{"4k", 4096},
		{"4K", 4096},
		{"64m", 64 << 20},
		{"1g", 1 << 30},
		{"0x80000000", 0x80000000},
		{"0XAB", 0xab},
		{"0x10k", 0x10 << 10},
		{"0b1010", 10},
		{"0b1b", 1},
		{"0o17", 15},
		{"  256m ", 256 << 20},
		{"010", 10},
		{"010m", 10 << 20},
		{"0009k", 9 << 10},
	}
	for _, tt := range tests {
		got, err := Parse(tt.in)
		if err != nil {
			t.Errorf("Parse(%q) error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("Parse(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	for _, in := range []string{"", "abc", "12q", "m", "0xzz", "-5", "99999999999999999999g", "1_0", "0x_ff", "1_000k", "0x"} {
		_, err := Parse(in)
		if err == nil {
			t.Errorf("Parse(%q) expected error, got nil", in)
			continue
		}
		if !errs.Is(err, errs.InvalidConfig) {
			t.Errorf("Parse(%q) error kind = %v, want InvalidConfig", in, errs.KindOf(err))
		}
	}
}

func TestParseOverflow(t *testing.T) {
	if _, err := Parse("0xffffffffffffffffk"); err == nil {
		t.Error("expected overflow error")
	}
}

func TestFormatAndHex(t *testing.T) {
	if got := Format(4 << 20); got != "4.0 MiB" {
		t.Errorf("Format = %q, want %q", got, "4.0 MiB")
	}
	if got := Hex(0x82000000); got != "0x82000000" {
		t.Errorf("Hex = %q, want %q", got, "0x82000000")
	}
	if got := Hex(0); got != "0x0" {
		t.Errorf("Hex(0) = %q, want %q", got, "0x0")
	}
}

func TestValueUnmarshalText(t *testing.T) {
	var v Value
	if err := v.UnmarshalText([]byte("64k")); err != nil {
		t.Fatalf("UnmarshalText error: %v", err)
	}
	if v != 64<<10 {
		t.Errorf("Value = %d, want %d", v, 64<<10)
	}
	if err := v.UnmarshalText([]byte("lots")); err == nil {
		t.Error("expected error for garbage")
	}
	text, _ := Value(0x1000).MarshalText()
	if string(text) != "0x1000" {
		t.Errorf("MarshalText = %q, want %q", text, "0x1000")
	}
}

func TestMustParsePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("MustParse should panic on garbage")
		}
	}()
	MustParse("nope")
}
