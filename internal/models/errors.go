package models

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by the ledger, the state machines and the consumers.
var (
	// ErrValidation marks malformed input. Never retried.
	ErrValidation = errors.New("validation error")

	// ErrBusinessRule marks a rejected business operation. Never retried.
	ErrBusinessRule = errors.New("business rule violation")

	ErrInsufficientStock  = fmt.Errorf("%w: insufficient stock", ErrBusinessRule)
	ErrInvalidState       = fmt.Errorf("%w: invalid state", ErrBusinessRule)
	ErrDuplicateInventory = fmt.Errorf("%w: inventory already exists", ErrBusinessRule)
	ErrNotFound           = fmt.Errorf("%w: not found", ErrBusinessRule)
	ErrAlreadySettled     = fmt.Errorf("%w: already settled", ErrBusinessRule)

	// ErrConcurrentModification is returned when the persisted version no longer
	// matches the version the aggregate was loaded with.
	ErrConcurrentModification = errors.New("concurrent modification")

	// ErrAlreadyProcessed is returned when a consumed event was applied before.
	ErrAlreadyProcessed = errors.New("event already processed")
)

// Validationf builds an ErrValidation with context.
func Validationf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// IsPermanent reports whether retrying the operation cannot change its outcome.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrValidation) || errors.Is(err, ErrBusinessRule)
}

// errorCodes lists the taxonomy most specific first.
var errorCodes = []struct {
	code string
	err  error
}{
	{"insufficient_stock", ErrInsufficientStock},
	{"invalid_state", ErrInvalidState},
	{"duplicate_inventory", ErrDuplicateInventory},
	{"not_found", ErrNotFound},
	{"already_settled", ErrAlreadySettled},
	{"business_rule", ErrBusinessRule},
	{"validation", ErrValidation},
	{"concurrent_modification", ErrConcurrentModification},
	{"already_processed", ErrAlreadyProcessed},
}

// ErrorCode names the most specific taxonomy error in err, or "" if err is
// outside the taxonomy.
func ErrorCode(err error) string {
	for _, c := range errorCodes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return ""
}

// FromErrorCode rebuilds the taxonomy error named by code around msg. It
// returns nil for an unknown code.
func FromErrorCode(code, msg string) error {
	for _, c := range errorCodes {
		if c.code == code {
			return fmt.Errorf("%w: %s", c.err, msg)
		}
	}
	return nil
}
