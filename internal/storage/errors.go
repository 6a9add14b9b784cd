package storage

import "errors"

var (
	// ErrUsageEventNotFound is returned when a usage event is not found
	ErrUsageEventNotFound = errors.New("usage event not found")

	// ErrInvalidDatabaseURL is returned when DBConfig carries no connection string
	ErrInvalidDatabaseURL = errors.New("database URL is required")
)
