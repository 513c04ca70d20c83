package market

import (
	"fmt"
	"strings"
)

// Pair is an ordered (base, quote) token symbol tuple, e.g. QIE/USDT.
type Pair struct {
	Base  string
	Quote string
}

// ParsePair accepts "QIE/USDT" or the URL-safe "QIE-USDT".
// Symbols are upper-cased.
func ParsePair(s string) (Pair, error) {
	sep := "/"
	if !strings.Contains(s, sep) {
		sep = "-"
	}
	parts := strings.Split(strings.TrimSpace(s), sep)
	if len(parts) != 2 {
		return Pair{}, fmt.Errorf("invalid pair %q: want BASE/QUOTE", s)
	}
	base := strings.ToUpper(strings.TrimSpace(parts[0]))
	quote := strings.ToUpper(strings.TrimSpace(parts[1]))
	if base == "" || quote == "" {
		return Pair{}, fmt.Errorf("invalid pair %q: empty symbol", s)
	}
	if base == quote {
		return Pair{}, fmt.Errorf("invalid pair %q: base equals quote", s)
	}
	return Pair{Base: base, Quote: quote}, nil
}

// MustParsePair is ParsePair for constants and tests.
func MustParsePair(s string) Pair {
	p, err := ParsePair(s)
	if err != nil {
		panic(err)
	}
	return p
}

func (p Pair) String() string { return p.Base + "/" + p.Quote }

// Slug is the form used in URL paths ("QIE-USDT").
func (p Pair) Slug() string { return p.Base + "-" + p.Quote }

func (p Pair) IsZero() bool { return p.Base == "" && p.Quote == "" }

func (p Pair) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Pair) UnmarshalText(b []byte) error {
	parsed, err := ParsePair(string(b))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
