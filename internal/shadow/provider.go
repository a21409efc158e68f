package shadow

import "context"

// Provider is the pluggable storage backend for shadow documents.
//
// Implementations must treat documents as opaque full replacements: Save
// overwrites the entire stored document, never merging. All methods are
// safe for concurrent use.
type Provider interface {
	// Exists reports whether a shadow is stored for the device.
	Exists(ctx context.Context, deviceID string) (bool, error)

	// Get returns the stored document, or ErrNotFound.
	Get(ctx context.Context, deviceID string) (*ShadowDocument, error)

	// Save persists doc as a full-document replacement.
	//
	// expectedVersion 0 means insert: fails with ErrAlreadyExists if a
	// document is present. Any other value is an atomic compare-and-swap
	// on the stored version: fails with ErrVersionConflict if the stored
	// version differs, or ErrNotFound if the document is gone.
	Save(ctx context.Context, doc *ShadowDocument, expectedVersion int64) error

	// Delete removes the document, or returns ErrNotFound.
	Delete(ctx context.Context, deviceID string) error

	// Name identifies the backend for logging ("memory" or "sqlite").
	Name() string
}

// Logger is the minimal logging interface used by this package.
// Compatible with logging.Logger and slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger discards all log output. Used when no logger is configured.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}
