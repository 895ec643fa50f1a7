package models

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrInvalidSymbol is returned when a symbol is empty or not alphanumeric.
var ErrInvalidSymbol = errors.New("invalid symbol")

var symbolPattern = regexp.MustCompile(`^[A-Z0-9]{2,32}$`)

// Symbol is a canonical (uppercase) trading pair identifier such as BTCUSDT.
type Symbol string

// ParseSymbol normalises s to its canonical form.
func ParseSymbol(s string) (Symbol, error) {
	canonical := strings.ToUpper(strings.TrimSpace(s))
	if !symbolPattern.MatchString(canonical) {
		return "", fmt.Errorf("%w: %q", ErrInvalidSymbol, s)
	}
	return Symbol(canonical), nil
}

// Stream returns the lowercase form used in exchange stream names.
func (s Symbol) Stream() string {
	return strings.ToLower(string(s))
}

func (s Symbol) String() string {
	return string(s)
}
