// Package errs defines the error kinds shared by the wallet engine, the
// channel order coordinator and the RPC layer. Concrete errors wrap one of
// the kinds so callers can branch with errors.Is.
package errs

import (
	"errors"
	"fmt"
)

// Error kinds.
var (
	// ErrValidation covers bad mnemonics, malformed addresses, paths and
	// invoices.
	ErrValidation = errors.New("validation error")

	// ErrNetwork covers unreachable or timed out indexers, LSPs and nodes.
	ErrNetwork = errors.New("network error")

	// ErrStateConflict covers reorgs, ghost transactions, stale address
	// indexes and disallowed order transitions.
	ErrStateConflict = errors.New("state conflict")

	// ErrInsufficientFunds is returned when inputs cannot cover outputs
	// plus fee.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrExternalService covers terminal failures reported by an external
	// party, such as an expired or given up channel order.
	ErrExternalService = errors.New("external service error")
)

// Error attaches a kind and an operation name to an underlying error.
type Error struct {
	Kind error
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// New wraps err with a kind. A nil err yields an error carrying only the kind.
func New(kind error, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Validationf returns a validation error with a formatted message.
func Validationf(op, format string, args ...interface{}) error {
	return &Error{Kind: ErrValidation, Op: op, Err: fmt.Errorf(format, args...)}
}

// Network wraps err as a network error.
func Network(op string, err error) error {
	return &Error{Kind: ErrNetwork, Op: op, Err: err}
}

// Conflictf returns a state conflict error with a formatted message.
func Conflictf(op, format string, args ...interface{}) error {
	return &Error{Kind: ErrStateConflict, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind err carries, or nil when it carries none.
func KindOf(err error) error {
	for _, k := range []error{ErrValidation, ErrNetwork, ErrStateConflict, ErrInsufficientFunds, ErrExternalService} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}
