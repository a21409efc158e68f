package shadow

import "time"

// Internal event topics for shadow lifecycle changes.
const (
	TopicCreated = "shadow.created"
	TopicUpdated = "shadow.updated"
	TopicDeleted = "shadow.deleted"
)

// Event is the payload published on shadow lifecycle topics.
//
// State carries only the fragments changed by the triggering write, not
// the full document; subscribers needing the whole document fetch it.
type Event struct {
	DeviceID  string     `json:"device_id"`
	Timestamp time.Time  `json:"timestamp"`
	Version   int64      `json:"version"`
	State     EventState `json:"state"`
}

// EventState holds the changed fragments of an event.
type EventState struct {
	Reported StateMap `json:"reported,omitempty"`
	Desired  StateMap `json:"desired,omitempty"`
	Pending  []string `json:"pending,omitempty"`
}

// Publisher delivers shadow events to interested subscribers.
// Implementations must not block the calling write path for long and must
// never fail it; delivery is best effort.
type Publisher interface {
	Publish(topic string, payload any)
}

// Snapshot is an immutable record of shadow state handed to the history
// subsystem when a write replaces it.
type Snapshot struct {
	DeviceID  string
	Version   int64
	Reported  StateMap
	Desired   StateMap
	Pending   []string
	Source    string
	Deleted   bool
	Timestamp time.Time
}

// Archiver receives snapshots of replaced shadow state. Implementations
// must be non-blocking; a failed or dropped archive never fails the write
// that produced it.
type Archiver interface {
	Archive(snapshot Snapshot)
}
