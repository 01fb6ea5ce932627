package domain

import "errors"

var (
	// ErrValidation marks malformed input rejected before persistence.
	ErrValidation = errors.New("validation error")
	// ErrNotFound marks a lookup miss.
	ErrNotFound = errors.New("not found")
	// ErrConflict marks a conditional update whose status precondition failed.
	ErrConflict = errors.New("conflict")
)
