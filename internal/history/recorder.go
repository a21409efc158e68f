package history

import (
	"context"
	"sync"
	"time"

	"github.com/jamesenki/shadowcore/internal/shadow"
)

const (
	defaultBatchSize     = 64
	defaultFlushInterval = 2 * time.Second
	defaultBufferSize    = 1024
	flushTimeout         = 10 * time.Second
)

// Recorder decouples the shadow write path from history persistence.
//
// Snapshots are accepted into a buffered channel and flushed to the
// backing store in batches, by size or on a timer. Archive never blocks:
// when the buffer is full the snapshot is dropped and the loss logged.
// The shadow write that produced it has already committed either way.
type Recorder struct {
	store    Store
	logger   shadow.Logger
	buffer   chan shadow.Snapshot
	batch    int
	interval time.Duration

	done chan struct{}
	wg   sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithBatchSize sets the number of entries flushed per bulk insert.
func WithBatchSize(n int) RecorderOption {
	return func(r *Recorder) {
		if n > 0 {
			r.batch = n
		}
	}
}

// WithFlushInterval sets the timer-driven flush period.
func WithFlushInterval(d time.Duration) RecorderOption {
	return func(r *Recorder) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithBufferSize sets the capacity of the intake buffer.
func WithBufferSize(n int) RecorderOption {
	return func(r *Recorder) {
		if n > 0 {
			r.buffer = make(chan shadow.Snapshot, n)
		}
	}
}

// WithRecorderLogger sets the recorder logger.
func WithRecorderLogger(l shadow.Logger) RecorderOption {
	return func(r *Recorder) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRecorder creates a recorder and starts its flush loop.
func NewRecorder(store Store, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		store:    store,
		logger:   noopLogger{},
		buffer:   make(chan shadow.Snapshot, defaultBufferSize),
		batch:    defaultBatchSize,
		interval: defaultFlushInterval,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}

	r.wg.Add(1)
	go r.run()
	return r
}

// Archive accepts a snapshot for asynchronous persistence.
// Safe for concurrent use; never blocks the caller.
func (r *Recorder) Archive(snap shadow.Snapshot) {
	select {
	case r.buffer <- snap:
	default:
		r.logger.Warn("history buffer full, dropping snapshot",
			"device_id", snap.DeviceID,
			"version", snap.Version)
	}
}

// Close stops the flush loop after draining buffered snapshots.
func (r *Recorder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	close(r.done)
	r.wg.Wait()
	return nil
}

func (r *Recorder) run() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	pending := make([]Entry, 0, r.batch)
	for {
		select {
		case snap := <-r.buffer:
			pending = append(pending, entryFromSnapshot(snap))
			if len(pending) >= r.batch {
				pending = r.flush(pending)
			}

		case <-ticker.C:
			pending = r.flush(pending)

		case <-r.done:
			// Drain whatever arrived before shutdown.
			for {
				select {
				case snap := <-r.buffer:
					pending = append(pending, entryFromSnapshot(snap))
				default:
					r.flush(pending)
					return
				}
			}
		}
	}
}

// flush writes the pending batch and returns a reset slice. Failures are
// logged and the batch discarded; history is best effort.
func (r *Recorder) flush(pending []Entry) []Entry {
	if len(pending) == 0 {
		return pending
	}

	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	if err := r.store.AppendBatch(ctx, pending); err != nil {
		r.logger.Error("history flush failed, discarding batch",
			"entries", len(pending),
			"error", err)
	}
	return pending[:0]
}

// noopLogger discards all log output.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}
