package config

import "errors"

var (
	// ErrNotFound is returned when a requested resource does not exist in the store.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a write would break an integrity rule:
	// a duplicate active scope or path, or a delete blocked by an active
	// rate-limit reference.
	ErrConflict = errors.New("conflict")

	// ErrInvalid is returned when a write references data that does not
	// exist or carries values the store rejects.
	ErrInvalid = errors.New("invalid")
)
