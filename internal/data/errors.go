package data

import "errors"

// Shared sentinel errors for data-layer repositories.
var (
	// ErrJobNotFound is returned when no job exists for the given key.
	ErrJobNotFound = errors.New("job not found")
	// ErrJobAlreadyExists is returned when creating a job whose identity tuple
	// is already present.
	ErrJobAlreadyExists = errors.New("job already exists")
	// ErrAccountNotFound is returned when a credit account does not exist.
	ErrAccountNotFound = errors.New("credit account not found")
)
