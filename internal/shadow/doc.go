// Package shadow implements versioned device shadow documents, the core
// of the synchronization engine.
//
// A shadow is the persistent, versioned record of one device's state,
// split into a reported section (what the device last confirmed) and a
// desired section (what applications want). Pending keys track desired
// values that no device report has confirmed yet; a report whose value
// matches the desired value resolves the key.
//
// # Architecture
//
//	API / MQTT ingest
//	       │
//	   Store ──── cache (TTL, optional)
//	       │  └── Archiver (history, async)
//	       │  └── Publisher (event bus)
//	   Provider (memory | sqlite, retry-wrapped)
//
// Every successful write bumps the document version by exactly one and
// is guarded by an optimistic compare-and-swap in the provider, so
// concurrent writers serialize cleanly: the loser re-reads and retries.
//
// # Concurrency
//
// Store, the providers, and the cache are all safe for concurrent use.
// Documents are deep-copied across every boundary; callers never share
// mutable state with the store.
//
// # Error Handling
//
// Outcomes are reported through sentinel errors (ErrNotFound,
// ErrAlreadyExists, ErrVersionConflict, ErrStorageUnavailable,
// ErrValidation) checked with errors.Is. Transient backend faults are
// retried by the provider wrapper before surfacing as
// ErrStorageUnavailable.
package shadow
