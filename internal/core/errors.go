package core

import (
	"errors"
	"fmt"
)

// Errors surfaced to widget and console code. Store failures never reach callers
// unwrapped: they arrive as *StoreError, which matches ErrTransient.
var (
	ErrIdentityMissing = errors.New("visitor identity missing")
	ErrEmptyBody       = errors.New("message body is empty")
	ErrSessionClosed   = errors.New("chat session is closed")
	ErrSessionNotFound = errors.New("chat session not found")
	ErrInvalidRole     = errors.New("unknown sender role")
	ErrSubscription    = errors.New("chat subscription lost")
	ErrRateLimited     = errors.New("sending too fast")
	ErrTransient       = errors.New("chat store unavailable")
)

// StoreError reports a failed store or transport call.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() []error {
	return []error{ErrTransient, e.Err}
}

var domainErrors = []error{
	ErrIdentityMissing, ErrEmptyBody, ErrSessionClosed, ErrSessionNotFound, ErrInvalidRole, ErrSubscription, ErrRateLimited, ErrTransient,
}

// IsDomainError reports whether err already belongs to the chat error taxonomy.
func IsDomainError(err error) bool {
	for _, known := range domainErrors {
		if errors.Is(err, known) {
			return true
		}
	}
	return false
}

func wrapStoreErr(op string, err error) error {
	if err == nil || IsDomainError(err) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}
