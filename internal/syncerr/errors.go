// Package syncerr holds the error taxonomy shared by the queue, conflict and
// reconciliation layers.
package syncerr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

var (
	// ErrUnknownStore is returned for operations on a store that was never registered.
	ErrUnknownStore = errors.New("unknown store")
	// ErrShutdown is returned once the engine has started tearing down.
	ErrShutdown = errors.New("engine is shutting down")
	// ErrNotSyncable is returned when a store cannot execute remote operations.
	ErrNotSyncable = errors.New("store does not support remote sync")
)

// TransientIOError is a retryable I/O failure (network, timeout, unavailable, busy).
type TransientIOError struct {
	Op  string
	Err error
}

func (e *TransientIOError) Error() string {
	return fmt.Sprintf("transient error during %s: %v", e.Op, e.Err)
}

func (e *TransientIOError) Unwrap() error { return e.Err }

// PermanentOperationError marks an operation that will not be retried.
type PermanentOperationError struct {
	OperationID string
	Err         error
}

func (e *PermanentOperationError) Error() string {
	if e.OperationID == "" {
		return fmt.Sprintf("permanent failure: %v", e.Err)
	}
	return fmt.Sprintf("operation %s failed permanently: %v", e.OperationID, e.Err)
}

func (e *PermanentOperationError) Unwrap() error { return e.Err }

// ValidationError aborts the resolution of one field.
type ValidationError struct {
	Store  string
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for %s.%s: %s", e.Store, e.Field, e.Reason)
}

// ConflictUnresolvedError is the outcome of the manual review strategy: the
// conflict was queued for a human, nothing was mutated, and nothing failed.
type ConflictUnresolvedError struct {
	Store    string
	Field    string
	ReviewID string
}

func (e *ConflictUnresolvedError) Error() string {
	field := e.Field
	if field == "" {
		field = "<state>"
	}
	return fmt.Sprintf("conflict on %s.%s queued for manual review (%s)", e.Store, field, e.ReviewID)
}

// IntegrityError reports a store that failed post-reconciliation checks.
type IntegrityError struct {
	Store  string
	Issues []string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity check failed for %s: %s", e.Store, strings.Join(e.Issues, "; "))
}

// Transient wraps err as a TransientIOError.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientIOError{Op: op, Err: err}
}

// Permanent wraps err as a PermanentOperationError.
func Permanent(opID string, err error) error {
	if err == nil {
		return nil
	}
	var pe *PermanentOperationError
	if errors.As(err, &pe) {
		return err
	}
	return &PermanentOperationError{OperationID: opID, Err: err}
}

var retryableKeywords = []string{
	"network",
	"timeout",
	"timed out",
	"unavailable",
	"busy",
	"connection refused",
	"connection reset",
	"temporarily",
}

// IsRetryable classifies err. Typed errors decide first; foreign errors fall
// back to keyword matching on the message.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var te *TransientIOError
	if errors.As(err, &te) {
		return true
	}
	var pe *PermanentOperationError
	if errors.As(err, &pe) {
		return false
	}
	if IsValidation(err) || IsUnresolved(err) || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, kw := range retryableKeywords {
		if strings.Contains(msg, kw) {
			return true
		}
	}
	return false
}

// IsPermanent reports whether err is a PermanentOperationError.
func IsPermanent(err error) bool {
	var pe *PermanentOperationError
	return errors.As(err, &pe)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsUnresolved reports whether err is a ConflictUnresolvedError.
func IsUnresolved(err error) bool {
	var ce *ConflictUnresolvedError
	return errors.As(err, &ce)
}

// IsIntegrity reports whether err is an IntegrityError.
func IsIntegrity(err error) bool {
	var ie *IntegrityError
	return errors.As(err, &ie)
}
