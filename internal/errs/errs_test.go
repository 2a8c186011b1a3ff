package errs

import (
	"errors"
	"fmt"
	"io"
	"testing"
)

func TestKindString(t *testing.T) {
	tests := []struct {
		kind Kind
		want string
	}{
		{EchoMismatch, "echo mismatch"},
		{FrameRetriesExhausted, "frame retries exhausted"},
		{HandshakeTimeout, "handshake timeout"},
		{InvalidConfig, "invalid config"},
		{Cancelled, "cancelled"},
		{Kind(42), "kind(42)"},
	}
	for _, tt := range tests {
		if got := tt.kind.String(); got != tt.want {
			t.Errorf("Kind(%d).String() = %q, want %q", int(tt.kind), got, tt.want)
		}
	}
}

func TestErrorMessage(t *testing.T) {
	err := New(EchoMismatch, "write command", "got %q", "prinenv")
	want := `write command: echo mismatch: got "prinenv"`
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}

	wrapped := Wrap(InvalidConfig, "parse size", io.ErrUnexpectedEOF)
	want = "parse size: invalid config: unexpected EOF"
	if wrapped.Error() != want {
		t.Errorf("Error() = %q, want %q", wrapped.Error(), want)
	}
	if !errors.Is(wrapped, io.ErrUnexpectedEOF) {
		t.Error("wrapped error should unwrap to its cause")
	}
}

func TestIsThroughWrapping(t *testing.T) {
	base := New(FrameRetriesExhausted, "send frame", "frame 3")
	err := fmt.Errorf("upload image: %w", base)

	if !Is(err, FrameRetriesExhausted) {
		t.Error("Is(FrameRetriesExhausted) = false, want true")
	}
	if Is(err, EchoMismatch) {
		t.Error("Is(EchoMismatch) = true, want false")
	}
	if Is(io.EOF, InvalidConfig) {
		t.Error("plain errors never match a kind")
	}
	if KindOf(err) != FrameRetriesExhausted {
		t.Errorf("KindOf = %v, want %v", KindOf(err), FrameRetriesExhausted)
	}
	if KindOf(nil) != 0 {
		t.Errorf("KindOf(nil) = %v, want 0", KindOf(nil))
	}
}

func TestIsNestedKinds(t *testing.T) {
	inner := New(HandshakeTimeout, "handshake", "no request")
	outer := Wrap(Cancelled, "transmit", inner)
	if !Is(outer, HandshakeTimeout) {
		t.Error("Is should look past the outermost kind")
	}
}
