package shadow

import (
	"context"
	"fmt"
	"time"

	"github.com/jamesenki/shadowcore/internal/infrastructure/config"
	"github.com/jamesenki/shadowcore/internal/infrastructure/database"
)

// ProviderHandle bundles a selected provider with the resources behind
// it. DB is nil for the memory backend. Close releases owned resources.
type ProviderHandle struct {
	Provider Provider
	Backend  string
	DB       *database.DB
}

// Close releases the backing database, if any.
func (h *ProviderHandle) Close() error {
	if h.DB != nil {
		return h.DB.Close()
	}
	return nil
}

// SelectProvider builds the storage provider named by the configuration.
// It is consulted exactly once, at startup.
//
// The sqlite backend is opened and migrated with retries inside the
// configured connect timeout. If it still cannot be reached: in strict
// mode the error is returned and startup must abort; otherwise the
// failure is logged loudly and the memory provider is substituted so the
// service can run degraded.
func SelectProvider(ctx context.Context, cfg config.StorageConfig, logger Logger) (*ProviderHandle, error) {
	if logger == nil {
		logger = noopLogger{}
	}

	switch cfg.Backend {
	case config.BackendMemory:
		logger.Info("storage provider selected", "backend", "memory")
		return &ProviderHandle{
			Provider: NewMemoryProvider(),
			Backend:  config.BackendMemory,
		}, nil

	case config.BackendSQLite:
		db, err := openWithRetry(ctx, cfg, logger)
		if err != nil {
			if cfg.StrictMode {
				return nil, fmt.Errorf("strict mode: sqlite backend unavailable: %w", err)
			}
			logger.Error("sqlite backend unavailable, falling back to memory provider; all state is volatile",
				"path", cfg.Path,
				"error", err)
			return &ProviderHandle{
				Provider: NewMemoryProvider(),
				Backend:  config.BackendMemory,
			}, nil
		}
		logger.Info("storage provider selected",
			"backend", "sqlite",
			"path", cfg.Path)
		provider := newRetryingProvider(NewSQLiteProvider(db),
			cfg.RetryCount, cfg.GetRetryDelay(), logger)
		return &ProviderHandle{
			Provider: provider,
			Backend:  config.BackendSQLite,
			DB:       db,
		}, nil

	default:
		return nil, fmt.Errorf("%w: unknown storage backend %q", ErrValidation, cfg.Backend)
	}
}

// openWithRetry attempts to open and migrate the database until the
// connect timeout elapses.
func openWithRetry(ctx context.Context, cfg config.StorageConfig, logger Logger) (*database.DB, error) {
	deadline, cancel := context.WithTimeout(ctx, cfg.GetConnectTimeout())
	defer cancel()

	delay := cfg.GetRetryDelay()
	if delay <= 0 {
		delay = 250 * time.Millisecond
	}

	var lastErr error
	for attempt := 1; ; attempt++ {
		db, err := database.Open(database.Config{
			Path:        cfg.Path,
			WALMode:     cfg.WALMode,
			BusyTimeout: cfg.BusyTimeout,
		})
		if err == nil {
			if err = db.Migrate(deadline); err == nil {
				return db, nil
			}
			db.Close() //nolint:errcheck // Best effort cleanup on error path
		}
		lastErr = err
		logger.Warn("sqlite open failed, retrying",
			"attempt", attempt,
			"path", cfg.Path,
			"error", err)

		select {
		case <-deadline.Done():
			return nil, fmt.Errorf("open sqlite backend: %w (last error: %w)", deadline.Err(), lastErr)
		case <-time.After(delay):
		}
	}
}
