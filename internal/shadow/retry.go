package shadow

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// retryingProvider wraps a Provider with bounded retries for transient
// backend failures. Domain errors (not found, conflicts, duplicates) are
// returned immediately; anything else is retried with a fixed delay and
// surfaces as ErrStorageUnavailable once attempts are exhausted.
type retryingProvider struct {
	next     Provider
	attempts int
	delay    time.Duration
	logger   Logger
}

// newRetryingProvider wraps next with retry behaviour. attempts is the
// number of retries after the initial try; 0 disables retrying.
func newRetryingProvider(next Provider, attempts int, delay time.Duration, logger Logger) Provider {
	if logger == nil {
		logger = noopLogger{}
	}
	return &retryingProvider{
		next:     next,
		attempts: attempts,
		delay:    delay,
		logger:   logger,
	}
}

func (r *retryingProvider) Name() string { return r.next.Name() }

func (r *retryingProvider) Exists(ctx context.Context, deviceID string) (bool, error) {
	var out bool
	err := r.do(ctx, "exists", deviceID, func() error {
		var err error
		out, err = r.next.Exists(ctx, deviceID)
		return err
	})
	return out, err
}

func (r *retryingProvider) Get(ctx context.Context, deviceID string) (*ShadowDocument, error) {
	var out *ShadowDocument
	err := r.do(ctx, "get", deviceID, func() error {
		var err error
		out, err = r.next.Get(ctx, deviceID)
		return err
	})
	return out, err
}

func (r *retryingProvider) Save(ctx context.Context, doc *ShadowDocument, expectedVersion int64) error {
	return r.do(ctx, "save", doc.DeviceID, func() error {
		return r.next.Save(ctx, doc, expectedVersion)
	})
}

func (r *retryingProvider) Delete(ctx context.Context, deviceID string) error {
	return r.do(ctx, "delete", deviceID, func() error {
		return r.next.Delete(ctx, deviceID)
	})
}

func (r *retryingProvider) do(ctx context.Context, op, deviceID string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= r.attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w: %w", ErrStorageUnavailable, ctx.Err())
			case <-time.After(r.delay):
			}
			r.logger.Warn("retrying storage operation",
				"operation", op,
				"device_id", deviceID,
				"attempt", attempt,
				"error", lastErr)
		}

		err := fn()
		if err == nil {
			return nil
		}
		if isDomainError(err) {
			return err
		}
		lastErr = err
	}

	r.logger.Error("storage operation failed after retries",
		"operation", op,
		"device_id", deviceID,
		"attempts", r.attempts+1,
		"error", lastErr)
	return fmt.Errorf("%w: %s: %w", ErrStorageUnavailable, op, lastErr)
}

// isDomainError reports whether err is a semantic outcome rather than a
// backend fault. Retrying these would never change the result.
func isDomainError(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrAlreadyExists) ||
		errors.Is(err, ErrVersionConflict) ||
		errors.Is(err, ErrValidation)
}
