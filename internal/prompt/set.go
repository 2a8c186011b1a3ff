// Package prompt recognizes bootloader shell prompts and well-known console output.
package prompt

import (
	"slices"
	"strings"

	"github.com/acolita/hiburn/internal/errs"
)

// DefaultPrompts are the shell prompts of the boards hiburn knows about.
var DefaultPrompts = []string{
	"hisilicon #",
	"Zview #",
	"xmtech #",
	"hi3516dv300 #",
	"hi3519a #",
}

// Set is a non-empty set of literal prompt strings. Matching is case-sensitive.
type Set struct {
	prompts []string
}

// NewSet builds a prompt set. Blank and duplicate entries are dropped.
func NewSet(prompts ...string) (*Set, error) {
	s := &Set{}
	for _, p := range prompts {
		p = strings.TrimRight(p, " \t\r\n")
		if p == "" || slices.Contains(s.prompts, p) {
			continue
		}
		s.prompts = append(s.prompts, p)
	}
	if len(s.prompts) == 0 {
		return nil, errs.New(errs.InvalidConfig, "prompt set", "at least one prompt is required")
	}
	return s, nil
}

// Default returns the set built from DefaultPrompts.
func Default() *Set {
	s, _ := NewSet(DefaultPrompts...)
	return s
}

// Matches reports whether line, with trailing whitespace trimmed, equals a prompt.
func (s *Set) Matches(line string) bool {
	return slices.Contains(s.prompts, strings.TrimRight(line, " \t\r\n"))
}

// MatchesPrefix reports whether line starts with a prompt. Only the console
// hunt uses this; a prompt followed by an echoed CTRL-C or garbage still counts.
func (s *Set) MatchesPrefix(line string) bool {
	for _, p := range s.prompts {
		if strings.HasPrefix(line, p) {
			return true
		}
	}
	return false
}

// Prompts returns a copy of the members.
func (s *Set) Prompts() []string {
	return slices.Clone(s.prompts)
}

func (s *Set) String() string {
	return strings.Join(s.prompts, ", ")
}
