// Package realdialog asks the operator questions on the terminal with
// charmbracelet/huh, or answers them without asking.
package realdialog

import (
	"errors"
	"io"
	"log/slog"

	"github.com/charmbracelet/huh"

	"github.com/acolita/hiburn/internal/ports"
)

// ErrNoTerminal is returned by Unattended.Password.
var ErrNoTerminal = errors.New("no terminal to prompt on")

// Provider implements ports.Dialog with huh forms.
type Provider struct {
	in         io.Reader
	out        io.Writer
	accessible bool
}

// Option configures a Provider.
type Option func(*Provider)

// WithIO sets the form's input and output. The default is the terminal.
func WithIO(in io.Reader, out io.Writer) Option {
	return func(p *Provider) {
		p.in, p.out = in, out
	}
}

// WithAccessible switches huh to its line based accessible mode, for
// screen readers and dumb terminals.
func WithAccessible(on bool) Option {
	return func(p *Provider) {
		p.accessible = on
	}
}

// New returns a terminal provider.
func New(opts ...Option) *Provider {
	p := &Provider{}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) run(field huh.Field) error {
	form := huh.NewForm(huh.NewGroup(field)).WithAccessible(p.accessible)
	if p.in != nil {
		form = form.WithInput(p.in)
	}
	if p.out != nil {
		form = form.WithOutput(p.out)
	}
	return form.Run()
}

// Confirm implements ports.Dialog.
func (p *Provider) Confirm(title, description string) (bool, error) {
	var ok bool
	err := p.run(huh.NewConfirm().
		Title(title).
		Description(description).
		Affirmative("Done").
		Negative("Abort").
		Value(&ok))
	if errors.Is(err, huh.ErrUserAborted) {
		return false, nil
	}
	return ok, err
}

// Password implements ports.Dialog.
func (p *Provider) Password(title string) (string, error) {
	var secret string
	err := p.run(huh.NewInput().
		Title(title).
		EchoMode(huh.EchoModePassword).
		Value(&secret))
	return secret, err
}

// Unattended answers every confirmation with Answer and cannot read
// passwords. It is used with --no-prompt and under the MCP server, where
// stdin is not a terminal.
type Unattended struct {
	Answer bool
	Logger *slog.Logger
}

// Confirm implements ports.Dialog.
func (u Unattended) Confirm(title, _ string) (bool, error) {
	logger := u.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("confirmation skipped", slog.String("question", title), slog.Bool("answer", u.Answer))
	return u.Answer, nil
}

// Password implements ports.Dialog.
func (u Unattended) Password(string) (string, error) {
	return "", ErrNoTerminal
}

var (
	_ ports.Dialog = (*Provider)(nil)
	_ ports.Dialog = Unattended{}
)
