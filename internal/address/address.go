// Package address handles account address parsing and normalisation.
// Addresses are 20-byte identifiers rendered as 0x-prefixed lowercase hex.
package address

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Zero is the all-zero address. It never owns stakes or tokens.
const Zero = "0x0000000000000000000000000000000000000000"

// addressRegex matches: 0x{40 hex chars}, any case.
var addressRegex = regexp.MustCompile(`^0[xX]([0-9a-fA-F]{40})$`)

var (
	ErrInvalidAddress = errors.New("address: invalid format")
	ErrZeroAddress    = errors.New("address: zero address not allowed")
)

// Parse validates an address and returns its canonical lowercase form.
// Format: 0x{40 hex}
func Parse(s string) (string, error) {
	matches := addressRegex.FindStringSubmatch(strings.TrimSpace(s))
	if matches == nil {
		return "", fmt.Errorf("%w: %q (expected 0x followed by 40 hex characters)", ErrInvalidAddress, s)
	}
	return "0x" + strings.ToLower(matches[1]), nil
}

// ParseNonZero is Parse that also rejects the zero address.
func ParseNonZero(s string) (string, error) {
	addr, err := Parse(s)
	if err != nil {
		return "", err
	}
	if addr == Zero {
		return "", ErrZeroAddress
	}
	return addr, nil
}

// MustParse is Parse for constants and tests. It panics on invalid input.
func MustParse(s string) string {
	addr, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return addr
}

// Short renders an address as 0x1234…abcd for log lines.
func Short(addr string) string {
	if len(addr) < 12 {
		return addr
	}
	return addr[:6] + "…" + addr[len(addr)-4:]
}
