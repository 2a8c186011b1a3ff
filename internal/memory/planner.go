// Package memory places boot images inside the device's RAM window.
package memory

import (
	"fmt"

	"github.com/acolita/hiburn/internal/errs"
	"github.com/acolita/hiburn/internal/size"
)

// AlignDown rounds x down to a multiple of alignment. It panics if alignment is 0.
func AlignDown(alignment, x uint64) uint64 {
	if alignment == 0 {
		panic("memory: alignment must be positive")
	}
	return x - x%alignment
}

// AlignUp rounds x up to a multiple of alignment. It panics if alignment is 0.
func AlignUp(alignment, x uint64) uint64 {
	if alignment == 0 {
		panic("memory: alignment must be positive")
	}
	if r := x % alignment; r != 0 {
		return x + alignment - r
	}
	return x
}

// Window is the region [Start, Start+Size) images may be placed in.
type Window struct {
	Start     uint64
	Size      uint64
	Alignment uint64
}

// NewWindow validates and returns a window.
func NewWindow(start, sz, alignment uint64) (Window, error) {
	if alignment == 0 {
		return Window{}, errs.New(errs.InvalidConfig, "memory window", "alignment must be positive")
	}
	if sz == 0 {
		return Window{}, errs.New(errs.InvalidConfig, "memory window", "size must be positive")
	}
	if start+sz < start {
		return Window{}, errs.New(errs.InvalidConfig, "memory window", "window %s+%s wraps the address space", size.Hex(start), size.Hex(sz))
	}
	return Window{Start: start, Size: sz, Alignment: alignment}, nil
}

// End returns the first address past the window.
func (w Window) End() uint64 {
	return w.Start + w.Size
}

// Placement is one image's address range.
type Placement struct {
	Addr uint64
	Size uint64
}

// End returns the first address past the placement.
func (p Placement) End() uint64 {
	return p.Addr + p.Size
}

// Overlaps reports whether the two ranges share any byte.
func (p Placement) Overlaps(o Placement) bool {
	if p.Size == 0 || o.Size == 0 {
		return false
	}
	return p.Addr < o.End() && o.Addr < p.End()
}

func (p Placement) String() string {
	return fmt.Sprintf("[%s, %s)", size.Hex(p.Addr), size.Hex(p.End()))
}

// Layout is the result of planning two images, A below B.
type Layout struct {
	A Placement
	B Placement
}

// PlanUp places A at base rounded up, and B right after A rounded up.
func (w Window) PlanUp(base, sizeA, sizeB uint64) (Layout, error) {
	a := AlignUp(w.Alignment, base)
	b := AlignUp(w.Alignment, a+sizeA)
	l := Layout{A: Placement{a, sizeA}, B: Placement{b, sizeB}}
	if a < base || b < a {
		return Layout{}, errs.New(errs.InvalidConfig, "plan memory", "layout wraps the address space")
	}
	return l, w.check(l)
}

// PlanDown places B so it ends at the window's end, and A right below B,
// each start rounded down.
func (w Window) PlanDown(sizeA, sizeB uint64) (Layout, error) {
	if sizeA+sizeB > w.Size || sizeA+sizeB < sizeA {
		return Layout{}, errs.New(errs.InvalidConfig, "plan memory",
			"images (%s + %s) do not fit into %s", size.Format(sizeA), size.Format(sizeB), size.Format(w.Size))
	}
	b := AlignDown(w.Alignment, w.End()-sizeB)
	if b < sizeA {
		return Layout{}, errs.New(errs.InvalidConfig, "plan memory", "images do not fit below %s", size.Hex(b))
	}
	a := AlignDown(w.Alignment, b-sizeA)
	l := Layout{A: Placement{a, sizeA}, B: Placement{b, sizeB}}
	return l, w.check(l)
}

func (w Window) check(l Layout) error {
	for _, p := range []Placement{l.A, l.B} {
		if p.Addr < w.Start || p.End() > w.End() {
			return errs.New(errs.InvalidConfig, "plan memory",
				"%s is outside the window [%s, %s)", p, size.Hex(w.Start), size.Hex(w.End()))
		}
	}
	if l.A.Overlaps(l.B) {
		return errs.New(errs.InvalidConfig, "plan memory", "%s overlaps %s", l.A, l.B)
	}
	return nil
}
