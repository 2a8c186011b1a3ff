package transport

import (
	"strings"

	"github.com/acolita/hiburn/internal/pty"
)

// StartExec runs an emulator command on a pseudo-terminal and returns its
// console as a Transport.
func StartExec(argv []string, opts ...Option) (*Conn, error) {
	emu, err := pty.Start(argv, pty.Options{})
	if err != nil {
		return nil, err
	}
	return NewStream("exec://"+strings.Join(argv, " "), emu, emu, emu, opts...), nil
}
