package shadow

import "errors"

// Domain-specific errors for shadow operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrNotFound is returned when a shadow does not exist for the device.
	ErrNotFound = errors.New("shadow: not found")

	// ErrAlreadyExists is returned when creating a shadow that already exists.
	ErrAlreadyExists = errors.New("shadow: already exists")

	// ErrVersionConflict is returned when an optimistic concurrency check fails.
	// The caller should re-read the document and retry with the fresh version.
	ErrVersionConflict = errors.New("shadow: version conflict")

	// ErrStorageUnavailable is returned when the storage backend cannot be
	// reached after the configured retries have been exhausted.
	ErrStorageUnavailable = errors.New("shadow: storage unavailable")

	// ErrValidation is returned for malformed input: empty device IDs,
	// non-JSON-serializable state values, or reserved keys.
	ErrValidation = errors.New("shadow: validation failed")
)
