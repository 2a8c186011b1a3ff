// Package pty runs a console program, such as an emulated board, on a
// pseudo-terminal so it can be driven like a serial line.
package pty

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/creack/pty"
	"golang.org/x/term"
)

// Emulator is a child process attached to a raw pseudo-terminal.
type Emulator struct {
	cmd  *exec.Cmd
	ptmx *os.File
	mu   sync.Mutex
	done bool
}

// Options configures Start.
type Options struct {
	Dir  string   // working directory
	Env  []string // extra environment variables
	Rows uint16   // default 24
	Cols uint16   // default 80
}

// Start runs argv on a new pseudo-terminal in raw mode, so bytes pass
// through without echo or newline translation.
func Start(argv []string, opts Options) (*Emulator, error) {
	if len(argv) == 0 {
		return nil, errors.New("emulator command is empty")
	}
	if opts.Rows == 0 {
		opts.Rows = 24
	}
	if opts.Cols == 0 {
		opts.Cols = 80
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = opts.Dir
	cmd.Env = append(os.Environ(), "TERM=dumb")
	cmd.Env = append(cmd.Env, opts.Env...)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: opts.Rows, Cols: opts.Cols})
	if err != nil {
		return nil, fmt.Errorf("start pty: %w", err)
	}
	if _, err := term.MakeRaw(int(ptmx.Fd())); err != nil {
		ptmx.Close()
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil, fmt.Errorf("raw mode: %w", err)
	}
	return &Emulator{cmd: cmd, ptmx: ptmx}, nil
}

// Read reads console output.
func (e *Emulator) Read(b []byte) (int, error) {
	return e.ptmx.Read(b)
}

// Write writes console input.
func (e *Emulator) Write(b []byte) (int, error) {
	return e.ptmx.Write(b)
}

// Pid returns the child's process id.
func (e *Emulator) Pid() int {
	return e.cmd.Process.Pid
}

// Close closes the terminal and kills the child if it is still running.
func (e *Emulator) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done {
		return nil
	}
	e.done = true

	var errs []error
	if err := e.ptmx.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close pty: %w", err))
	}
	if err := e.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		errs = append(errs, fmt.Errorf("kill process: %w", err))
	}
	_ = e.cmd.Wait()
	return errors.Join(errs...)
}
