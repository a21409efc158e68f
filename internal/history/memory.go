package history

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps history in process memory, newest last per device.
// Pairs with the memory shadow provider for development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string][]Entry
	nextID  int64
}

// NewMemoryStore creates an empty in-memory history store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string][]Entry),
	}
}

// Append records a single entry.
func (s *MemoryStore) Append(ctx context.Context, entry Entry) error {
	return s.AppendBatch(ctx, []Entry{entry})
}

// AppendBatch records entries, preserving order.
func (s *MemoryStore) AppendBatch(_ context.Context, entries []Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, entry := range entries {
		if entry.DeviceID == "" {
			return fmt.Errorf("%w: device id is required", ErrInvalidQuery)
		}
		s.nextID++
		entry.ID = s.nextID
		if entry.CreatedAt.IsZero() {
			entry.CreatedAt = time.Now().UTC()
		}
		entry.Reported = entry.Reported.DeepCopy()
		entry.Desired = entry.Desired.DeepCopy()
		s.entries[entry.DeviceID] = append(s.entries[entry.DeviceID], entry)
	}
	return nil
}

// Query returns entries newest first.
func (s *MemoryStore) Query(_ context.Context, q Query) ([]Entry, error) {
	if q.DeviceID == "" {
		return nil, fmt.Errorf("%w: device id is required", ErrInvalidQuery)
	}
	limit := clampLimit(q.Limit)

	s.mu.RLock()
	defer s.mu.RUnlock()

	// Filter the full set first, then sort and truncate. Insertion
	// order is not timestamp order when callers backfill, so the limit
	// can only be applied after the sort.
	stored := s.entries[q.DeviceID]
	out := make([]Entry, 0, len(stored))
	for _, entry := range stored {
		if !q.Start.IsZero() && entry.CreatedAt.Before(q.Start) {
			continue
		}
		if !q.End.IsZero() && entry.CreatedAt.After(q.End) {
			continue
		}
		out = append(out, entry)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	for i := range out {
		out[i].Reported = out[i].Reported.DeepCopy()
		out[i].Desired = out[i].Desired.DeepCopy()
	}
	return out, nil
}

// PruneByAge deletes entries older than the cutoff.
func (s *MemoryStore) PruneByAge(_ context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("%w: olderThan must be positive", ErrInvalidQuery)
	}
	cutoff := time.Now().UTC().Add(-olderThan)

	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for deviceID, stored := range s.entries {
		kept := stored[:0]
		for _, entry := range stored {
			if entry.CreatedAt.Before(cutoff) {
				removed++
				continue
			}
			kept = append(kept, entry)
		}
		if len(kept) == 0 {
			delete(s.entries, deviceID)
		} else {
			s.entries[deviceID] = kept
		}
	}
	return removed, nil
}

// PruneByCount keeps only the newest keep entries per device.
func (s *MemoryStore) PruneByCount(_ context.Context, keep int) (int64, error) {
	if keep <= 0 {
		return 0, fmt.Errorf("%w: keep must be positive", ErrInvalidQuery)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for deviceID, stored := range s.entries {
		if len(stored) <= keep {
			continue
		}
		removed += int64(len(stored) - keep)
		s.entries[deviceID] = append([]Entry(nil), stored[len(stored)-keep:]...)
	}
	return removed, nil
}

// Count returns the number of stored entries for a device.
func (s *MemoryStore) Count(deviceID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries[deviceID])
}
