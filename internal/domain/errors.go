package domain

import "errors"

// Core error taxonomy. Owner mismatches are reported as ErrNotFound on
// purpose: a caller probing foreign ids must not learn that they exist.
var (
	// ErrNotFound - entity does not exist or belongs to another user
	ErrNotFound = errors.New("not found")
	// ErrInvalidState - illegal state transition (e.g. clearing a booked entry)
	ErrInvalidState = errors.New("invalid state")
	// ErrAlreadyLinked - a set-once linkage (split draft, group id) was already set
	ErrAlreadyLinked = errors.New("already linked")
	// ErrConflictingAssignment - mutually exclusive assignments requested together
	ErrConflictingAssignment = errors.New("conflicting assignment")
)
