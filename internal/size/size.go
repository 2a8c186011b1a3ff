// Package size parses the numeric literals used for sizes and addresses.
package size

import (
	"fmt"
	"math"
	"math/bits"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/acolita/hiburn/internal/errs"
)

var multipliers = map[byte]uint64{
	'b': 1,
	'k': 1 << 10,
	'm': 1 << 20,
	'g': 1 << 30,
}

// Parse converts a literal such as "64m", "0x80000000" or "0b1010" to a
// number. Suffixes b/k/m/g are powers of 1024 and are case-insensitive.
// Prefixes 0b/0o/0x select the base of the digits; anything else is
// decimal, so "010" is ten.
func Parse(s string) (uint64, error) {
	text := strings.ToLower(strings.TrimSpace(s))
	if text == "" {
		return 0, errs.New(errs.InvalidConfig, "parse size", "empty literal")
	}

	// "0xab" is a valid hex number; only strip a suffix when the whole
	// literal does not already parse.
	if n, err := parseDigits(text); err == nil {
		return n, nil
	}

	mult, ok := multipliers[text[len(text)-1]]
	if !ok {
		return 0, errs.New(errs.InvalidConfig, "parse size", "%q is not a number", s)
	}
	n, err := parseDigits(text[:len(text)-1])
	if err != nil {
		return 0, errs.New(errs.InvalidConfig, "parse size", "%q is not a number", s)
	}
	hi, lo := bits.Mul64(n, mult)
	if hi != 0 {
		return 0, errs.New(errs.InvalidConfig, "parse size", "%q overflows", s)
	}
	return lo, nil
}

// parseDigits reads lowercase digits with an optional base prefix.
// Underscores and a bare leading zero get no special meaning.
func parseDigits(s string) (uint64, error) {
	if strings.ContainsRune(s, '_') {
		return 0, strconv.ErrSyntax
	}
	base := 10
	if len(s) > 2 && s[0] == '0' {
		switch s[1] {
		case 'b':
			base, s = 2, s[2:]
		case 'o':
			base, s = 8, s[2:]
		case 'x':
			base, s = 16, s[2:]
		}
	}
	return strconv.ParseUint(s, base, 64)
}

// MustParse is Parse for literals known at compile time.
func MustParse(s string) uint64 {
	n, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return n
}

// Format renders n for humans, e.g. "4.0 MiB".
func Format(n uint64) string {
	return humanize.IBytes(n)
}

// Hex renders an address the way the bootloader expects it.
func Hex(n uint64) string {
	return fmt.Sprintf("%#x", n)
}

// Value is a size that unmarshals from either a YAML string literal or a
// plain integer.
type Value uint64

// UnmarshalText implements encoding.TextUnmarshaler.
func (v *Value) UnmarshalText(text []byte) error {
	n, err := Parse(string(text))
	if err != nil {
		return err
	}
	*v = Value(n)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (v Value) MarshalText() ([]byte, error) {
	return []byte(Hex(uint64(v))), nil
}

// Int returns v as an int, clamped to math.MaxInt.
func (v Value) Int() int {
	if uint64(v) > math.MaxInt {
		return math.MaxInt
	}
	return int(v)
}
