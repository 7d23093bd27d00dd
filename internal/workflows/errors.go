package workflows

import "errors"

var (
	// ErrAsyncUnavailable is returned when async execution is requested without a DBOS runtime
	ErrAsyncUnavailable = errors.New("async execution requires the DBOS runtime")

	// ErrNoImageSource is returned when a request names stored content but no store is configured
	ErrNoImageSource = errors.New("no image source configured")

	// ErrRunNotFound is returned when a run ID is unknown to every status source
	ErrRunNotFound = errors.New("run not found")
)
