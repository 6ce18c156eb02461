// Package security holds small, shared input-validation helpers. Script
// instruction arguments and transfer-list tokens come from inside the signed
// package, but the bytes are attacker-controlled until the package's own
// signature has been checked, so every token is still validated for shape
// before use.
package security

import (
	"fmt"
	"unicode/utf8"
)

// Limits bounds the acceptable shape of a string token.
type Limits struct {
	MaxLen int
}

// DefaultLimits returns the limits applied to script instruction arguments.
func DefaultLimits() Limits {
	return Limits{MaxLen: 4096}
}

// ValidateString rejects NUL bytes, ASCII control characters other than tab,
// DEL and invalid UTF-8, and enforces lim.MaxLen; the C1 control range
// U+0080-U+009F is not rejected. name is used only to annotate the
// returned error.
func ValidateString(name, s string, lim Limits) error {
	if len(s) > lim.MaxLen {
		return fmt.Errorf("%s: exceeds max length %d", name, lim.MaxLen)
	}
	if !utf8.ValidString(s) {
		return fmt.Errorf("%s: invalid UTF-8", name)
	}
	for _, r := range s {
		if r == 0 {
			return fmt.Errorf("%s: contains NUL byte", name)
		}
		if r < 0x20 && r != '\t' {
			return fmt.Errorf("%s: contains control character %U", name, r)
		}
		if r == 0x7f {
			return fmt.Errorf("%s: contains DEL character", name)
		}
	}
	return nil
}

// ValidateArity checks that got matches want, the most common INVALID_PARAM
// cause (spec §7).
func ValidateArity(op string, got, want int) error {
	if got != want {
		return fmt.Errorf("%s: expected %d arguments, got %d", op, want, got)
	}
	return nil
}

// ValidateNonEmpty rejects an empty token.
func ValidateNonEmpty(name, s string) error {
	if s == "" {
		return fmt.Errorf("%s: must not be empty", name)
	}
	return nil
}
