package harvest

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound indicates a job or session lookup missed.
var ErrNotFound = errors.New("not found")

// PermanentError wraps an extraction failure that must not be retried, such
// as a malformed target page or a validation error.
type PermanentError struct {
	Err error
}

// Error implements the error interface.
func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent: %v", e.Err)
}

// Unwrap exposes the underlying cause.
func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent marks err as non-retryable. A nil err returns nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err carries a PermanentError anywhere in its
// chain. Everything else, including timeouts and temporary blocks, is
// treated as retryable.
func IsPermanent(err error) bool {
	var perm *PermanentError
	return errors.As(err, &perm)
}

// BlockedError signals the target has temporarily rejected us (CAPTCHA wall,
// abuse throttle). It is retryable; RetryAfter is a hint, not a contract.
type BlockedError struct {
	RetryAfter time.Duration
	Err        error
}

// Error implements the error interface.
func (e *BlockedError) Error() string {
	return fmt.Sprintf("temporarily blocked: %v", e.Err)
}

// Unwrap exposes the underlying cause.
func (e *BlockedError) Unwrap() error {
	return e.Err
}

// IsBlocked reports whether err indicates a temporary block.
func IsBlocked(err error) bool {
	var blocked *BlockedError
	return errors.As(err, &blocked)
}
