package core

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrInvalidPattern     = errors.New("invalid pattern")
	ErrInvalidRequest     = errors.New("invalid request")
	ErrAgentNotRegistered = errors.New("agent not registered with project")
	ErrNotHolder          = errors.New("agent does not hold the lease")
	// ErrStoreUnavailable means the backing database or archive could not be
	// reached. The guard treats it as "cannot verify" and blocks.
	ErrStoreUnavailable = errors.New("store unavailable")
)

// PatternError rejects a reservation pattern at the request boundary.
type PatternError struct {
	Pattern string
	Reason  string
}

func (e *PatternError) Error() string {
	return fmt.Sprintf("invalid pattern %q: %s", e.Pattern, e.Reason)
}

func (e *PatternError) Unwrap() error { return ErrInvalidPattern }

// StoreError marks an infrastructure failure so callers can branch with
// errors.Is(err, ErrStoreUnavailable).
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() []error { return []error{ErrStoreUnavailable, e.Err} }
