// Package fakedialog provides a scripted ports.Dialog.
package fakedialog

import "github.com/acolita/hiburn/internal/ports"

// Provider returns canned answers and records the questions.
type Provider struct {
	Answer    bool
	Secret    string
	Err       error
	Questions []string

	// OnConfirm runs before Confirm answers, e.g. to power-cycle a fake device.
	OnConfirm func()
}

// New returns a provider that confirms everything.
func New() *Provider {
	return &Provider{Answer: true}
}

// Confirm implements ports.Dialog.
func (p *Provider) Confirm(title, _ string) (bool, error) {
	p.Questions = append(p.Questions, title)
	if p.OnConfirm != nil {
		p.OnConfirm()
	}
	return p.Answer, p.Err
}

// Password implements ports.Dialog.
func (p *Provider) Password(title string) (string, error) {
	p.Questions = append(p.Questions, title)
	return p.Secret, p.Err
}

var _ ports.Dialog = (*Provider)(nil)
