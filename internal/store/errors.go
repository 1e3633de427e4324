package store

import "errors"

var (
	// ErrNotFound indicates the requested session does not exist.
	ErrNotFound = errors.New("session not found")

	// ErrInvalidRating indicates a rating outside the 1-5 range.
	ErrInvalidRating = errors.New("rating must be between 1 and 5")

	// ErrInvalidEventType indicates an unknown turn event type.
	ErrInvalidEventType = errors.New("invalid event type")

	// ErrEmptySessionID indicates a missing session identifier.
	ErrEmptySessionID = errors.New("session id is required")

	// ErrEmptyOwnerID indicates a missing owner identifier.
	ErrEmptyOwnerID = errors.New("owner id is required")
)
