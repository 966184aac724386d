package ledger

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
)

var (
	// ErrNotFound indicates that the requested record does not exist.
	ErrNotFound = errors.New("ledger: record not found")
	// ErrConflict indicates that a conditional write lost against a concurrent writer.
	ErrConflict = errors.New("ledger: conditional update conflict")
	// ErrDuplicate indicates that an insert collided with an existing key.
	ErrDuplicate = errors.New("ledger: duplicate record")
	// ErrUnavailable indicates a transient storage failure.
	ErrUnavailable = errors.New("ledger: store unavailable")
)

func translateError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrConflict), errors.Is(err, ErrDuplicate), errors.Is(err, ErrUnavailable):
		return err
	case errors.Is(err, gorm.ErrRecordNotFound):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return fmt.Errorf("%w: %w", ErrDuplicate, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
}
