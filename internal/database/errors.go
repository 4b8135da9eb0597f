package database

import "errors"

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrAlreadyCompleted is returned when completing a match that is no longer in progress.
	ErrAlreadyCompleted = errors.New("match is not in progress")
)
