package domain

import (
	"fmt"
	"strconv"
	"strings"
)

// MaxWidth is the widest numeric suffix whose upper bound still fits in a uint64.
const MaxWidth = 19

// Scheme describes a human-readable identifier namespace: a fixed prefix
// followed by a zero-padded decimal suffix of fixed width.
type Scheme struct {
	Name   string `json:"name"`
	Prefix string `json:"prefix"`
	Width  int    `json:"width"`
}

var (
	SchemeAppointment   = Scheme{Name: "appointment", Prefix: "APT", Width: 6}
	SchemePatient       = Scheme{Name: "patient", Prefix: "PAT", Width: 6}
	SchemeOperation     = Scheme{Name: "operation", Prefix: "OPR", Width: 6}
	SchemeInventoryItem = Scheme{Name: "inventory_item", Prefix: "ITM", Width: 3}
	SchemeBatch         = Scheme{Name: "batch", Prefix: "BATCH", Width: 3}
	SchemeWithdrawal    = Scheme{Name: "withdrawal", Prefix: "WD", Width: 3}
)

// Schemes returns the identifier namespaces the clinic issues.
func Schemes() []Scheme {
	return []Scheme{SchemeAppointment, SchemePatient, SchemeOperation, SchemeInventoryItem, SchemeBatch, SchemeWithdrawal}
}

// LookupScheme finds a registered scheme by name or prefix, case-insensitively.
func LookupScheme(key string) (Scheme, bool) {
	for _, s := range Schemes() {
		if strings.EqualFold(s.Name, key) || strings.EqualFold(s.Prefix, key) {
			return s, true
		}
	}
	return Scheme{}, false
}

// NewScheme validates an ad-hoc prefix and width.
func NewScheme(prefix string, width int) (Scheme, error) {
	if prefix == "" {
		return Scheme{}, fmt.Errorf("%w: empty prefix", ErrInvalidScheme)
	}
	for _, r := range prefix {
		if r < 'A' || r > 'Z' {
			return Scheme{}, fmt.Errorf("%w: prefix %q must be upper-case letters", ErrInvalidScheme, prefix)
		}
	}
	if width < 1 || width > MaxWidth {
		return Scheme{}, fmt.Errorf("%w: width %d outside [1, %d]", ErrInvalidScheme, width, MaxWidth)
	}
	for _, s := range Schemes() {
		if s.Prefix != prefix {
			continue
		}
		// One counter per prefix, so one width per prefix.
		if s.Width != width {
			return Scheme{}, fmt.Errorf("%w: prefix %s is registered with width %d, got %d", ErrInvalidScheme, prefix, s.Width, width)
		}
		return s, nil
	}
	return Scheme{Name: strings.ToLower(prefix), Prefix: prefix, Width: width}, nil
}

// Limit is the first suffix value that no longer fits in Width digits.
func (s Scheme) Limit() uint64 {
	limit := uint64(1)
	for i := 0; i < s.Width; i++ {
		limit *= 10
	}
	return limit
}

// Format renders n as prefix + zero-padded suffix.
func (s Scheme) Format(n uint64) (string, error) {
	if n >= s.Limit() {
		return "", &DigitOverflowError{Prefix: s.Prefix, Width: s.Width, Value: n}
	}
	return fmt.Sprintf("%s%0*d", s.Prefix, s.Width, n), nil
}

// Parse extracts the numeric suffix of id. The identifier must be exactly the
// prefix followed by Width decimal digits.
func (s Scheme) Parse(id string) (uint64, error) {
	digits, ok := strings.CutPrefix(id, s.Prefix)
	if !ok || len(digits) != s.Width {
		return 0, &MalformedIdentifierError{Prefix: s.Prefix, Value: id}
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return 0, &MalformedIdentifierError{Prefix: s.Prefix, Value: id}
		}
	}
	n, err := strconv.ParseUint(digits, 10, 64)
	if err != nil {
		return 0, &MalformedIdentifierError{Prefix: s.Prefix, Value: id}
	}
	return n, nil
}

// Next returns the identifier following last, or the first identifier when
// last is nil.
func (s Scheme) Next(last *uint64) (string, error) {
	var n uint64
	if last != nil {
		n = *last
	}
	if n >= s.Limit()-1 {
		return "", &DigitOverflowError{Prefix: s.Prefix, Width: s.Width, Value: n + 1}
	}
	return s.Format(n + 1)
}

// NextAfter parses the most recently issued identifier and returns its
// successor. An empty lastID means nothing has been issued yet.
func (s Scheme) NextAfter(lastID string) (string, error) {
	if lastID == "" {
		return s.Next(nil)
	}
	n, err := s.Parse(lastID)
	if err != nil {
		return "", err
	}
	return s.Next(&n)
}

// NextIdentifier computes the successor of last within the prefix/width
// namespace without touching any store.
func NextIdentifier(prefix string, width int, last *uint64) (string, error) {
	s, err := NewScheme(prefix, width)
	if err != nil {
		return "", err
	}
	return s.Next(last)
}
