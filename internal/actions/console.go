package actions

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"golang.org/x/term"
	"go.bug.st/serial/enumerator"
)

// EscapeByte ends a console session (CTRL-]).
const EscapeByte = 0x1d

const consolePoll = 50 * time.Millisecond

// Console copies keystrokes from in to the device and device output to out
// until EscapeByte is typed, in reaches EOF or ctx is done. The transport is
// only touched from the calling goroutine.
func (r *Runner) Console(ctx context.Context, in io.Reader, out io.Writer) error {
	if err := r.Connect(ctx); err != nil {
		return err
	}
	t := r.Client.Transport()
	prev := t.ReadTimeout()
	if err := t.SetReadTimeout(consolePoll); err != nil {
		return err
	}
	defer t.SetReadTimeout(prev)

	keys := make(chan []byte, 16)
	go func() {
		defer close(keys)
		buf := make([]byte, 256)
		for {
			n, err := in.Read(buf)
			if n > 0 {
				keys <- bytes.Clone(buf[:n])
			}
			if err != nil {
				return
			}
		}
	}()

	buf := make([]byte, 4096)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case k, ok := <-keys:
			if !ok {
				return nil
			}
			stop := false
			if i := bytes.IndexByte(k, EscapeByte); i >= 0 {
				k, stop = k[:i], true
			}
			if _, err := t.Write(k); err != nil {
				return err
			}
			if stop {
				return nil
			}
		default:
		}

		n, err := t.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if err != nil {
			return err
		}
	}
}

// RawTerminal puts f in raw mode when it is a terminal. The returned
// function restores the previous mode.
func RawTerminal(f *os.File) (func(), error) {
	fd := int(f.Fd())
	if !term.IsTerminal(fd) {
		return func() {}, nil
	}
	state, err := term.MakeRaw(fd)
	if err != nil {
		return nil, fmt.Errorf("raw terminal: %w", err)
	}
	return func() { _ = term.Restore(fd, state) }, nil
}

// ListPorts prints the serial ports of this machine with their USB ids.
func ListPorts(out io.Writer) error {
	list, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return fmt.Errorf("list serial ports: %w", err)
	}
	if len(list) == 0 {
		fmt.Fprintln(out, "no serial ports found")
		return nil
	}
	for _, p := range list {
		if p.IsUSB {
			fmt.Fprintf(out, "%s\tusb %s:%s %s %s\n", p.Name, p.VID, p.PID, p.Product, p.SerialNumber)
		} else {
			fmt.Fprintln(out, p.Name)
		}
	}
	return nil
}
