package outreach

import (
	"errors"
	"fmt"
)

// ErrIllegalTransition is returned when a status write finds the row in a
// different state than expected. It is a precondition failure, never a crash.
var ErrIllegalTransition = errors.New("illegal status transition")

// ErrNotFound is returned by the store when an entity does not exist.
var ErrNotFound = errors.New("not found")

// ValidationError covers malformed addresses and missing templates/accounts.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s", e.Reason)
}

// DuplicateError marks a recipient that already has a pending message under
// the same campaign or template. Not fatal; callers skip and count it.
type DuplicateError struct {
	Recipient string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("recipient %s already has a pending message", e.Recipient)
}

// LimitExceededError means an account would exceed its daily cap. Scheduling
// is aborted or transmission deferred to the next cycle; never fatal.
type LimitExceededError struct {
	AccountID string
	Limit     int
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("account %s has reached its daily limit of %d", e.AccountID, e.Limit)
}

// PersistenceError aborts the current unit of work. The store guarantees no
// partially committed state is left behind.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
