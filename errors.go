package quota

import (
	"errors"
	"fmt"

	"github.com/xraph/quota/payment"
)

// Sentinel errors for common failure scenarios.
var (
	// General errors
	ErrNotFound     = errors.New("quota: not found")
	ErrInvalidInput = errors.New("quota: invalid input")

	// Account errors
	ErrAccountNotFound = errors.New("quota: account not found")
	ErrInvalidMode     = errors.New("quota: invalid mode")
	ErrInvalidAmount   = errors.New("quota: amount must be positive")

	// Catalog and settlement errors
	ErrInvalidProduct   = errors.New("quota: unknown plan or package")
	ErrMalformedPayload = payment.ErrMalformedPayload
	ErrKindMismatch     = fmt.Errorf("%w: kind does not match payload", payment.ErrMalformedPayload)
	ErrPaymentNotFound  = errors.New("quota: payment not found")

	// Store errors
	ErrStoreUnavailable = errors.New("quota: store unavailable")
	ErrStoreClosed      = errors.New("quota: store is closed")
	ErrConflict         = errors.New("quota: concurrent update conflict")
	ErrMigrationFailed  = errors.New("quota: migration failed")
)

// ValidationError represents a validation failure with details.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("quota: validation failed for %s: %s", e.Field, e.Message)
}

// MultiError represents multiple errors that occurred.
type MultiError struct {
	Errors []error
}

func (e MultiError) Error() string {
	if len(e.Errors) == 0 {
		return "quota: no errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	return fmt.Sprintf("quota: %d errors occurred: %v", len(e.Errors), e.Errors[0])
}

// Unwrap exposes the collected errors to errors.Is and errors.As.
func (e MultiError) Unwrap() []error { return e.Errors }

// Add adds an error to the multi-error.
func (e *MultiError) Add(err error) {
	if err != nil {
		e.Errors = append(e.Errors, err)
	}
}

// HasErrors returns true if there are any errors.
func (e MultiError) HasErrors() bool {
	return len(e.Errors) > 0
}

// Err returns nil when empty, so callers can return it directly.
func (e MultiError) Err() error {
	if !e.HasErrors() {
		return nil
	}
	return e
}

// IsNotFound returns true if the error is a not found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrAccountNotFound) ||
		errors.Is(err, ErrPaymentNotFound)
}

// IsInvalidProduct returns true when a settlement was rejected because its
// payload is malformed or names nothing in the catalog.
func IsInvalidProduct(err error) bool {
	return errors.Is(err, ErrInvalidProduct) ||
		errors.Is(err, ErrMalformedPayload)
}

// IsInvalidInput returns true for caller mistakes that retrying cannot fix.
func IsInvalidInput(err error) bool {
	var verr ValidationError
	return errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrInvalidMode) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.As(err, &verr)
}

// IsRetryable returns true if the error is temporary and the whole
// operation can be retried.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable) ||
		errors.Is(err, ErrConflict)
}
