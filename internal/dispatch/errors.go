package dispatch

import (
	"errors"
	"fmt"

	"github.com/kiranshivaraju/imagepod/internal/store"
)

var (
	// ErrNotFound covers both missing resources and resources the caller
	// does not own; the two are deliberately indistinguishable.
	ErrNotFound = errors.New("resource not found")
	// ErrValidation marks a malformed request. Nothing is mutated.
	ErrValidation = errors.New("validation failed")
)

func validationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// mapStoreError translates store sentinels into dispatch sentinels and
// wraps anything else with op.
func mapStoreError(op string, err error) error {
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrInvalidReference) {
		return ErrNotFound
	}
	return fmt.Errorf("%s: %w", op, err)
}
