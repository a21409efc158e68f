package history

import (
	"context"
	"errors"
	"time"

	"github.com/jamesenki/shadowcore/internal/shadow"
)

// Query limit bounds, applied by every store.
const (
	DefaultQueryLimit = 50
	MaxQueryLimit     = 200
)

// ErrInvalidQuery is returned for malformed history queries.
var ErrInvalidQuery = errors.New("history: invalid query")

// Entry is one archived shadow version.
//
// Each entry is a full snapshot of the document at the moment a write
// committed it, so the timeline can be replayed without the live record.
type Entry struct {
	// ID is the auto-incremented primary key for the history row.
	ID int64 `json:"id"`

	// DeviceID is the unique identifier of the device.
	DeviceID string `json:"device_id"`

	// Version is the document version this entry captured.
	Version int64 `json:"version"`

	// Reported and Desired are the state sections at that version.
	Reported shadow.StateMap `json:"reported"`
	Desired  shadow.StateMap `json:"desired"`

	// Pending lists the unconfirmed desired keys at that version.
	Pending []string `json:"pending,omitempty"`

	// Source identifies the operation that produced the entry
	// (create, update, report, delete).
	Source string `json:"source"`

	// Deleted marks the entry that archived the shadow's removal.
	Deleted bool `json:"deleted,omitempty"`

	// CreatedAt is the timestamp of the write (UTC).
	CreatedAt time.Time `json:"created_at"`
}

// Query selects history entries for one device.
type Query struct {
	DeviceID string

	// Limit caps returned entries (default 50, max 200).
	Limit int

	// Start and End bound the time window; zero values leave the
	// corresponding side open.
	Start time.Time
	End   time.Time
}

// Store persists and retrieves shadow history, independent of the live
// shadow storage. Implementations must be safe for concurrent use.
type Store interface {
	// Append records a single entry.
	Append(ctx context.Context, entry Entry) error

	// AppendBatch records entries in one write. Order within the batch
	// is preserved.
	AppendBatch(ctx context.Context, entries []Entry) error

	// Query returns entries newest first.
	Query(ctx context.Context, q Query) ([]Entry, error)

	// PruneByAge deletes entries older than the cutoff, returning the
	// number removed.
	PruneByAge(ctx context.Context, olderThan time.Duration) (int64, error)

	// PruneByCount keeps only the newest keep entries per device,
	// returning the number removed.
	PruneByCount(ctx context.Context, keep int) (int64, error)
}

// clampLimit applies the shared query limit bounds.
func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultQueryLimit
	}
	if limit > MaxQueryLimit {
		return MaxQueryLimit
	}
	return limit
}

// entryFromSnapshot converts a store snapshot into a history entry.
func entryFromSnapshot(snap shadow.Snapshot) Entry {
	return Entry{
		DeviceID:  snap.DeviceID,
		Version:   snap.Version,
		Reported:  snap.Reported,
		Desired:   snap.Desired,
		Pending:   snap.Pending,
		Source:    snap.Source,
		Deleted:   snap.Deleted,
		CreatedAt: snap.Timestamp,
	}
}
