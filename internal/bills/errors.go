package bills

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/checkplease/internal/ledger"
)

var (
	// ErrInvalidInput marks malformed caller-supplied data.
	ErrInvalidInput = errors.New("bills: invalid input")
	// ErrNotFound marks a missing or expired bill, item or guest.
	ErrNotFound = errors.New("bills: not found")
	// ErrOverClaim marks a claim exceeding the currently unclaimed quantity.
	ErrOverClaim = errors.New("bills: over claim")
	// ErrConflict marks a claim write that kept losing to concurrent writers.
	ErrConflict = errors.New("bills: conflict")
	// ErrStoreUnavailable marks a transient storage failure.
	ErrStoreUnavailable = errors.New("bills: store unavailable")

	errMissingStore      = errors.New("ledger store is required")
	errMissingIDProvider = errors.New("id provider is required")
)

// OverClaimError reports how many units are still available on the item.
type OverClaimError struct {
	ItemID    string
	Requested int
	Available int
}

func (e *OverClaimError) Error() string {
	return fmt.Sprintf("bills: over claim on item %s: requested %d, available %d", e.ItemID, e.Requested, e.Available)
}

// Is matches ErrOverClaim.
func (e *OverClaimError) Is(target error) bool {
	return target == ErrOverClaim
}

// ServiceError carries a machine readable code of the form bills.<operation>.<reason>.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

func invalidInput(message string) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, message)
}

// classifyStoreError maps ledger failures onto the service taxonomy.
func classifyStoreError(err error) (reason string, mapped error) {
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		return "not_found", fmt.Errorf("%w: %w", ErrNotFound, err)
	case errors.Is(err, ledger.ErrConflict), errors.Is(err, ledger.ErrDuplicate):
		return "conflict", fmt.Errorf("%w: %w", ErrConflict, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled", err
	default:
		return "store_unavailable", fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
}
