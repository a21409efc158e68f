package shadow

import (
	"context"
	"errors"
	"testing"
	"time"
)

// flakyProvider fails a fixed number of calls before delegating.
type flakyProvider struct {
	*MemoryProvider
	failures int
	calls    int
}

func (f *flakyProvider) Get(ctx context.Context, deviceID string) (*ShadowDocument, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, errors.New("backend gone away")
	}
	return f.MemoryProvider.Get(ctx, deviceID)
}

func TestRetryingProviderRecovers(t *testing.T) {
	inner := &flakyProvider{MemoryProvider: NewMemoryProvider(), failures: 2}
	if err := inner.Save(context.Background(), testDoc("dev-1", 1), 0); err != nil {
		t.Fatal(err)
	}

	p := newRetryingProvider(inner, 3, time.Millisecond, nil)
	doc, err := p.Get(context.Background(), "dev-1")
	if err != nil {
		t.Fatalf("Get() error after recovery: %v", err)
	}
	if doc.DeviceID != "dev-1" {
		t.Errorf("got %+v", doc)
	}
	if inner.calls != 3 {
		t.Errorf("backend called %d times, want 3", inner.calls)
	}
}

func TestRetryingProviderExhaustion(t *testing.T) {
	inner := &flakyProvider{MemoryProvider: NewMemoryProvider(), failures: 100}
	p := newRetryingProvider(inner, 2, time.Millisecond, nil)

	_, err := p.Get(context.Background(), "dev-1")
	if !errors.Is(err, ErrStorageUnavailable) {
		t.Errorf("exhausted retries error = %v, want ErrStorageUnavailable", err)
	}
	if inner.calls != 3 {
		t.Errorf("backend called %d times, want initial try plus 2 retries", inner.calls)
	}
}

func TestRetryingProviderDomainErrorsNotRetried(t *testing.T) {
	inner := NewMemoryProvider()
	p := newRetryingProvider(inner, 5, time.Millisecond, nil)
	ctx := context.Background()

	start := time.Now()
	if _, err := p.Get(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(unknown) error = %v, want ErrNotFound", err)
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Errorf("domain error took %v, retries were attempted", elapsed)
	}

	if err := p.Save(ctx, testDoc("dev-1", 1), 0); err != nil {
		t.Fatal(err)
	}
	if err := p.Save(ctx, testDoc("dev-1", 5), 4); !errors.Is(err, ErrVersionConflict) {
		t.Errorf("CAS mismatch error = %v, want ErrVersionConflict", err)
	}
}

func TestRetryingProviderContextCancellation(t *testing.T) {
	inner := &flakyProvider{MemoryProvider: NewMemoryProvider(), failures: 100}
	p := newRetryingProvider(inner, 10, 50*time.Millisecond, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := p.Get(ctx, "dev-1")
	if !errors.Is(err, ErrStorageUnavailable) {
		t.Errorf("cancelled retry error = %v, want ErrStorageUnavailable", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("cancelled retry error = %v, want wrapped DeadlineExceeded", err)
	}
}
