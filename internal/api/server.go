package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jamesenki/shadowcore/internal/events"
	"github.com/jamesenki/shadowcore/internal/history"
	"github.com/jamesenki/shadowcore/internal/infrastructure/config"
	"github.com/jamesenki/shadowcore/internal/infrastructure/database"
	"github.com/jamesenki/shadowcore/internal/infrastructure/influxdb"
	"github.com/jamesenki/shadowcore/internal/infrastructure/logging"
	"github.com/jamesenki/shadowcore/internal/infrastructure/tsdb"
	"github.com/jamesenki/shadowcore/internal/shadow"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config   config.APIConfig
	WS       config.WebSocketConfig
	Logger   *logging.Logger
	Shadows  *shadow.Store
	History  history.Store
	Bus      *events.Bus
	Registry *events.Registry

	// TSDB and Influx are optional time-series sinks for reported
	// telemetry. Either or both may be nil.
	TSDB   *tsdb.Client
	Influx *influxdb.Client

	// DB is the backing database when the sqlite provider is active;
	// nil for memory deployments. Used by the health endpoint.
	DB *database.DB

	// StorageBackend names the active provider ("memory" or "sqlite").
	StorageBackend string

	Version string
}

// Server is the HTTP API server for ShadowCore.
//
// It manages the HTTP listener, routes, middleware, and the WebSocket
// fan-out bridge. The server is created with New() and started with
// Start().
type Server struct {
	cfg      config.APIConfig
	wsCfg    config.WebSocketConfig
	logger   *logging.Logger
	shadows  *shadow.Store
	history  history.Store
	bus      *events.Bus
	registry *events.Registry
	tsdb     *tsdb.Client
	influx   *influxdb.Client
	db       *database.DB
	backend  string
	version  string

	server *http.Server
	subs   []*events.Subscription
	start  time.Time
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Shadows == nil {
		return nil, fmt.Errorf("shadow store is required")
	}
	if deps.Bus == nil {
		return nil, fmt.Errorf("event bus is required")
	}
	if deps.Registry == nil {
		return nil, fmt.Errorf("connection registry is required")
	}
	// History is optional; the history endpoint returns 503 without it

	return &Server{
		cfg:      deps.Config,
		wsCfg:    deps.WS,
		logger:   deps.Logger,
		shadows:  deps.Shadows,
		history:  deps.History,
		bus:      deps.Bus,
		registry: deps.Registry,
		tsdb:     deps.TSDB,
		influx:   deps.Influx,
		db:       deps.DB,
		backend:  deps.StorageBackend,
		version:  deps.Version,
	}, nil
}

// Start begins listening for HTTP connections.
//
// It subscribes to shadow lifecycle topics on the event bus for
// WebSocket relay and telemetry, builds the router, and launches the
// HTTP listener in a background goroutine. The server is stopped with
// Close().
func (s *Server) Start(_ context.Context) error {
	s.start = time.Now()
	s.subscribeShadowEvents()

	router := s.buildRouter()

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           router,
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		s.logger.Info("API server starting", "address", s.server.Addr)
		err := s.server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the API server.
//
// It cancels event bus subscriptions, disconnects WebSocket clients,
// then waits up to 10 seconds for in-flight requests to complete.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	for _, sub := range s.subs {
		sub.Cancel()
	}
	s.subs = nil

	// Shutdown() does not wait for hijacked WebSocket connections;
	// tear them down through the registry first.
	s.registry.DisconnectAll()

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running and responsive.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}

	return nil
}
