package services

import "errors"

var (
	// ErrNotFound covers absent targets/ids and disabled counters alike.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when creating a counter whose target already exists.
	ErrConflict = errors.New("already exists")
	// ErrInvalid is returned for malformed input.
	ErrInvalid = errors.New("invalid argument")
	// ErrFlushIncomplete is returned by a flush that left some entries cached for retry.
	ErrFlushIncomplete = errors.New("flush incomplete")
	// ErrSchedulerClosed is returned by flushes requested after Shutdown.
	ErrSchedulerClosed = errors.New("scheduler closed")

	errCacheContention = errors.New("cache entry kept changing")
)
