package shadow

import (
	"context"
	"fmt"
	"sync"
)

// MemoryProvider stores shadow documents in process memory.
//
// Documents are deep-copied on the way in and out, so callers can never
// mutate stored state through a shared reference. Contents are lost on
// restart; intended for development and tests.
type MemoryProvider struct {
	mu   sync.RWMutex
	docs map[string]*ShadowDocument
}

// NewMemoryProvider creates an empty in-memory provider.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{
		docs: make(map[string]*ShadowDocument),
	}
}

// Name identifies the backend for logging.
func (p *MemoryProvider) Name() string { return "memory" }

// Exists reports whether a shadow is stored for the device.
func (p *MemoryProvider) Exists(_ context.Context, deviceID string) (bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.docs[deviceID]
	return ok, nil
}

// Get returns a copy of the stored document, or ErrNotFound.
func (p *MemoryProvider) Get(_ context.Context, deviceID string) (*ShadowDocument, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	doc, ok := p.docs[deviceID]
	if !ok {
		return nil, fmt.Errorf("%w: device %s", ErrNotFound, deviceID)
	}
	return doc.DeepCopy(), nil
}

// Save persists a copy of doc, enforcing insert and compare-and-swap
// semantics under the write lock.
func (p *MemoryProvider) Save(_ context.Context, doc *ShadowDocument, expectedVersion int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	current, exists := p.docs[doc.DeviceID]
	if expectedVersion == 0 {
		if exists {
			return fmt.Errorf("%w: device %s", ErrAlreadyExists, doc.DeviceID)
		}
	} else {
		if !exists {
			return fmt.Errorf("%w: device %s", ErrNotFound, doc.DeviceID)
		}
		if current.Version != expectedVersion {
			return fmt.Errorf("%w: device %s expected version %d, stored %d",
				ErrVersionConflict, doc.DeviceID, expectedVersion, current.Version)
		}
	}

	p.docs[doc.DeviceID] = doc.DeepCopy()
	return nil
}

// Delete removes the document, or returns ErrNotFound.
func (p *MemoryProvider) Delete(_ context.Context, deviceID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.docs[deviceID]; !ok {
		return fmt.Errorf("%w: device %s", ErrNotFound, deviceID)
	}
	delete(p.docs, deviceID)
	return nil
}

// Count returns the number of stored documents.
func (p *MemoryProvider) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.docs)
}
