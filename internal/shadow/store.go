package shadow

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// casAttempts bounds internal re-read-and-retry cycles for writes that
// did not supply an expected version. Writers that did supply one get the
// conflict surfaced immediately instead.
const casAttempts = 3

// Store coordinates all shadow document mutations: validation, version
// management, pending-key bookkeeping, cache maintenance, history
// archiving, and event publication.
//
// Exactly one history snapshot is archived and one event published per
// successful mutation; both are best effort and never fail the write.
type Store struct {
	provider Provider
	cache    *documentCache
	archiver Archiver
	bus      Publisher
	logger   Logger

	// now is swappable for tests.
	now func() time.Time
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithCache enables the read cache in front of the provider.
func WithCache(capacity int, ttl time.Duration) StoreOption {
	return func(s *Store) {
		s.cache = newDocumentCache(capacity, ttl)
	}
}

// WithArchiver wires the history subsystem into the write path.
func WithArchiver(a Archiver) StoreOption {
	return func(s *Store) {
		s.archiver = a
	}
}

// WithPublisher wires the event bus into the write path.
func WithPublisher(p Publisher) StoreOption {
	return func(s *Store) {
		s.bus = p
	}
}

// WithLogger sets the store logger.
func WithLogger(l Logger) StoreOption {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewStore creates a shadow store on top of the given provider.
func NewStore(provider Provider, opts ...StoreOption) *Store {
	s := &Store{
		provider: provider,
		logger:   noopLogger{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// UpdateResult describes a successful mutation.
type UpdateResult struct {
	DeviceID string     `json:"device_id"`
	Version  int64      `json:"version"`
	Changed  EventState `json:"changed"`

	// Document is the full post-write document, for callers that need it.
	Document *ShadowDocument `json:"-"`
}

// Create initializes a shadow at version 1. Fails with ErrAlreadyExists
// if the device already has one.
func (s *Store) Create(ctx context.Context, deviceID string, reported, desired StateMap) (*ShadowDocument, error) {
	if err := validateDeviceID(deviceID); err != nil {
		return nil, err
	}
	reported, desired, err := sanitizeSections(reported, desired)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	doc := &ShadowDocument{
		DeviceID:  deviceID,
		Reported:  reported,
		Desired:   desired,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.provider.Save(ctx, doc, 0); err != nil {
		return nil, err
	}

	s.cachePut(doc)
	s.archive(doc, SourceCreate, false)
	s.publish(TopicCreated, doc, EventState{
		Reported: doc.Reported,
		Desired:  doc.Desired,
	})
	s.logger.Info("shadow created", "device_id", deviceID, "version", doc.Version)
	return doc.DeepCopy(), nil
}

// Get returns the current document, served from cache when fresh.
func (s *Store) Get(ctx context.Context, deviceID string) (*ShadowDocument, error) {
	if err := validateDeviceID(deviceID); err != nil {
		return nil, err
	}
	if s.cache != nil {
		if doc, ok := s.cache.Get(deviceID); ok {
			return doc, nil
		}
	}
	doc, err := s.provider.Get(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	s.cachePut(doc)
	return doc, nil
}

// Exists reports whether a shadow is stored for the device.
func (s *Store) Exists(ctx context.Context, deviceID string) (bool, error) {
	if err := validateDeviceID(deviceID); err != nil {
		return false, err
	}
	if s.cache != nil {
		if _, ok := s.cache.Get(deviceID); ok {
			return true, nil
		}
	}
	return s.provider.Exists(ctx, deviceID)
}

// Update merges the supplied fragments into the shadow and bumps the
// version by one. Desired keys become pending until a device report
// confirms them. A non-zero expectedVersion makes the write conditional:
// ErrVersionConflict is returned untried if the stored version differs.
func (s *Store) Update(ctx context.Context, deviceID string, reported, desired StateMap, expectedVersion int64) (*UpdateResult, error) {
	if len(reported) == 0 && len(desired) == 0 {
		return nil, fmt.Errorf("%w: update requires at least one of reported or desired", ErrValidation)
	}
	return s.applyUpdate(ctx, deviceID, updateRequest{
		reported:        reported,
		desired:         desired,
		expectedVersion: expectedVersion,
		source:          SourceUpdate,
	})
}

// ApplyReported processes a device state report: pending keys whose
// desired value now matches the reported value are resolved, then the
// report is merged into reported state, all in a single version bump.
// A report for an unknown device fails with ErrNotFound; shadows are
// never created implicitly.
func (s *Store) ApplyReported(ctx context.Context, deviceID string, reported StateMap) (*UpdateResult, error) {
	if len(reported) == 0 {
		return nil, fmt.Errorf("%w: report requires reported state", ErrValidation)
	}
	return s.applyUpdate(ctx, deviceID, updateRequest{
		reported:       reported,
		resolvePending: true,
		source:         SourceReport,
	})
}

// Delete archives the final state and removes the shadow. Failed deletes
// of unknown devices return ErrNotFound.
func (s *Store) Delete(ctx context.Context, deviceID string) error {
	if err := validateDeviceID(deviceID); err != nil {
		return err
	}
	doc, err := s.provider.Get(ctx, deviceID)
	if err != nil {
		return err
	}
	if err := s.provider.Delete(ctx, deviceID); err != nil {
		return err
	}

	if s.cache != nil {
		s.cache.Invalidate(deviceID)
	}
	s.archive(doc, SourceDelete, true)
	s.publish(TopicDeleted, doc, EventState{})
	s.logger.Info("shadow deleted", "device_id", deviceID, "last_version", doc.Version)
	return nil
}

// Delta returns the keys on which the device disagrees with the desired
// state, computed from a fresh read.
func (s *Store) Delta(ctx context.Context, deviceID string) (map[string]DeltaEntry, error) {
	doc, err := s.Get(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	return Delta(doc.Reported, doc.Desired), nil
}

// updateRequest carries one mutation through the read-merge-save cycle.
type updateRequest struct {
	reported StateMap
	desired  StateMap

	// expectedVersion, when non-zero, makes the write conditional and
	// disables internal conflict retries.
	expectedVersion int64

	// resolvePending runs pending resolution against the reported
	// fragment before merging (device report semantics).
	resolvePending bool

	source string
}

func (s *Store) applyUpdate(ctx context.Context, deviceID string, req updateRequest) (*UpdateResult, error) {
	if err := validateDeviceID(deviceID); err != nil {
		return nil, err
	}
	reported, desired, err := sanitizeSections(req.reported, req.desired)
	if err != nil {
		return nil, err
	}
	req.reported, req.desired = reported, desired

	attempts := casAttempts
	if req.expectedVersion != 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		result, err := s.tryUpdate(ctx, deviceID, req)
		if err == nil {
			return result, nil
		}
		if !errors.Is(err, ErrVersionConflict) || req.expectedVersion != 0 {
			return nil, err
		}
		// Lost a race with a concurrent writer; re-read and re-merge.
		lastErr = err
		s.logger.Debug("write conflict, re-reading", "device_id", deviceID, "attempt", attempt+1)
	}
	return nil, lastErr
}

func (s *Store) tryUpdate(ctx context.Context, deviceID string, req updateRequest) (*UpdateResult, error) {
	current, err := s.provider.Get(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if req.expectedVersion != 0 && current.Version != req.expectedVersion {
		return nil, fmt.Errorf("%w: device %s expected version %d, stored %d",
			ErrVersionConflict, deviceID, req.expectedVersion, current.Version)
	}

	next := current.DeepCopy()
	pending := next.Pending

	if req.resolvePending {
		pending = resolvePending(next.Desired, pending, req.reported)
	}
	if len(req.reported) > 0 {
		next.Reported = mergeInto(next.Reported, req.reported)
	}
	if len(req.desired) > 0 {
		next.Desired = mergeInto(next.Desired, req.desired)
		for k := range req.desired {
			pending = append(pending, k)
		}
	}
	next.Pending = normalizePending(pending, next.Desired)
	next.Version = current.Version + 1
	next.UpdatedAt = s.now().UTC()

	if err := s.provider.Save(ctx, next, current.Version); err != nil {
		return nil, err
	}

	s.cachePut(next)
	s.archive(next, req.source, false)
	changed := EventState{
		Reported: req.reported,
		Desired:  req.desired,
		Pending:  next.Pending,
	}
	s.publish(TopicUpdated, next, changed)
	s.logger.Debug("shadow updated",
		"device_id", deviceID,
		"version", next.Version,
		"source", req.source,
		"pending", len(next.Pending))

	return &UpdateResult{
		DeviceID: deviceID,
		Version:  next.Version,
		Changed:  changed,
		Document: next.DeepCopy(),
	}, nil
}

func (s *Store) cachePut(doc *ShadowDocument) {
	if s.cache != nil {
		s.cache.Put(doc.DeviceID, doc)
	}
}

func (s *Store) archive(doc *ShadowDocument, source string, deleted bool) {
	if s.archiver == nil {
		return
	}
	s.archiver.Archive(Snapshot{
		DeviceID:  doc.DeviceID,
		Version:   doc.Version,
		Reported:  doc.Reported.DeepCopy(),
		Desired:   doc.Desired.DeepCopy(),
		Pending:   append([]string(nil), doc.Pending...),
		Source:    source,
		Deleted:   deleted,
		Timestamp: s.now().UTC(),
	})
}

func (s *Store) publish(topic string, doc *ShadowDocument, state EventState) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(topic, Event{
		DeviceID:  doc.DeviceID,
		Timestamp: s.now().UTC(),
		Version:   doc.Version,
		State:     state,
	})
}

func validateDeviceID(deviceID string) error {
	if deviceID == "" {
		return fmt.Errorf("%w: device id is required", ErrValidation)
	}
	return nil
}

// sanitizeSections validates both state fragments and rejects the
// reserved pending key in desired state.
func sanitizeSections(reported, desired StateMap) (StateMap, StateMap, error) {
	reported, err := reported.Sanitize()
	if err != nil {
		return nil, nil, fmt.Errorf("reported state: %w", err)
	}
	if _, ok := desired[PendingKey]; ok {
		return nil, nil, fmt.Errorf("%w: %q is reserved in desired state", ErrValidation, PendingKey)
	}
	desired, err = desired.Sanitize()
	if err != nil {
		return nil, nil, fmt.Errorf("desired state: %w", err)
	}
	return reported, desired, nil
}
