package position

import (
	"errors"
	"fmt"
)

var (
	ErrItemNotFound  = errors.New("position: item not found")
	ErrEmptyScope    = errors.New("position: page and section are required")
	ErrNegativeOrder = errors.New("position: order must be >= 0")
)

// ValidationError describes one failed position check. Calculators collect
// these and return them; they never panic. Scope and order failures wrap the
// package sentinels so callers can match with errors.Is.
type ValidationError struct {
	Field   string
	Message string
	err     error
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("position: invalid %s: %s", e.Field, e.Message)
}

func (e ValidationError) Unwrap() error { return e.err }

// MoveDenied is returned when a move would break the hierarchy (self-parent or
// cycle). Reason is human readable and safe to surface.
type MoveDenied struct {
	Reason string
}

func (e MoveDenied) Error() string {
	return "position: move denied: " + e.Reason
}
