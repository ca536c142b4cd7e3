package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidScheme      = errors.New("invalid identifier scheme")
	ErrConcurrentIssuance = errors.New("concurrent identifier issuance conflict")
	ErrInvalidInput       = errors.New("invalid input")
	ErrItemNotFound       = errors.New("inventory item not found")
	ErrInsufficientStock  = errors.New("insufficient stock")
	ErrOptimisticLock     = errors.New("optimistic lock conflict")
)

// MalformedIdentifierError reports a stored identifier that does not match
// its scheme's prefix+digits shape.
type MalformedIdentifierError struct {
	Prefix string
	Value  string
}

func (e *MalformedIdentifierError) Error() string {
	return fmt.Sprintf("malformed identifier %q for prefix %s", e.Value, e.Prefix)
}

// DigitOverflowError reports a suffix that no longer fits the scheme width.
type DigitOverflowError struct {
	Prefix string
	Width  int
	Value  uint64
}

func (e *DigitOverflowError) Error() string {
	return fmt.Sprintf("identifier suffix %d overflows %d digits for prefix %s", e.Value, e.Width, e.Prefix)
}
