package tsdb

import "errors"

// Sentinel errors for time-series database operations.
var (
	// ErrDisabled is returned when connecting while tsdb is disabled in config.
	ErrDisabled = errors.New("tsdb: disabled in configuration")

	// ErrConnectionFailed is returned when the initial connection fails.
	ErrConnectionFailed = errors.New("tsdb: connection failed")

	// ErrWriteFailed is returned via the error callback when a batch write fails.
	ErrWriteFailed = errors.New("tsdb: write failed")
)
