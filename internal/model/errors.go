package model

import "errors"

var (
	// ErrNotFound is returned when an entity does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a compare-and-swap write loses a race.
	ErrConflict = errors.New("conflict")
	// ErrInvalidTransition is returned for an illegal task or job state change.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrAllBackendsExhausted is returned when the router used up its attempts.
	ErrAllBackendsExhausted = errors.New("all backends exhausted")
	// ErrJobTimeout is returned when a job body exceeds its budget.
	ErrJobTimeout = errors.New("job timeout")
)
