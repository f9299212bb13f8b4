package pipeline

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyLedger signals an operation whose round ledger is empty.
	// This is a structural invariant violation, not a runtime condition.
	ErrEmptyLedger = errors.New("operation has no rounds")

	// ErrIDCollision signals an attempt to register an entry under an id
	// that is already taken in the tree.
	ErrIDCollision = errors.New("entry id already in use")

	ErrRoundClosed  = errors.New("round already closed")
	ErrInvalidInput = errors.New("invalid task input")
)

// NewErrUnsupportedFormat builds an invalid-input error for a rejected
// media type or extension. Matches ErrInvalidInput under errors.Is.
func NewErrUnsupportedFormat(name string) error {
	return fmt.Errorf("%w: unsupported format %q", ErrInvalidInput, name)
}
