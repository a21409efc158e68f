// ShadowCore - Device Shadow Synchronization Engine
//
// This is the main entry point for the ShadowCore service. ShadowCore
// maintains a versioned shadow document per device:
//   - Reported state: what the device last said it is doing
//   - Desired state: what applications want it to do
//   - Pending keys: desired writes the device has not yet confirmed
//
// Devices report over MQTT or HTTP; applications use the REST API and
// WebSocket fan-out. Every write is archived to the history subsystem.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jamesenki/shadowcore/migrations"

	"github.com/jamesenki/shadowcore/internal/api"
	"github.com/jamesenki/shadowcore/internal/events"
	"github.com/jamesenki/shadowcore/internal/history"
	"github.com/jamesenki/shadowcore/internal/infrastructure/config"
	"github.com/jamesenki/shadowcore/internal/infrastructure/influxdb"
	"github.com/jamesenki/shadowcore/internal/infrastructure/logging"
	"github.com/jamesenki/shadowcore/internal/infrastructure/mqtt"
	"github.com/jamesenki/shadowcore/internal/infrastructure/tsdb"
	"github.com/jamesenki/shadowcore/internal/shadow"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// Returning an error allows main to handle exit codes consistently.
func run(ctx context.Context) error { //nolint:gocognit // Startup wiring is deliberately one linear sequence
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting ShadowCore",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	// Load configuration
	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Select the storage provider (memory, or sqlite with retry wrapper)
	handle, err := shadow.SelectProvider(ctx, cfg.Storage, log)
	if err != nil {
		return fmt.Errorf("selecting storage provider: %w", err)
	}
	defer func() {
		log.Info("closing storage provider")
		if closeErr := handle.Close(); closeErr != nil {
			log.Error("error closing storage provider", "error", closeErr)
		}
	}()
	log.Info("storage provider ready", "backend", handle.Backend)

	// History store follows the shadow backend: durable shadows get a
	// durable timeline, memory shadows an in-memory one.
	var histStore history.Store
	if handle.DB != nil {
		histStore = history.NewSQLiteStore(handle.DB)
	} else {
		histStore = history.NewMemoryStore()
	}

	recorder := history.NewRecorder(histStore,
		history.WithBatchSize(cfg.History.BatchSize),
		history.WithFlushInterval(time.Duration(cfg.History.FlushInterval)*time.Second),
		history.WithRecorderLogger(log),
	)
	defer func() {
		log.Info("draining history recorder")
		if closeErr := recorder.Close(); closeErr != nil {
			log.Error("error closing history recorder", "error", closeErr)
		}
	}()
	log.Info("history recorder started",
		"batch_size", cfg.History.BatchSize,
		"flush_interval_s", cfg.History.FlushInterval,
	)

	// Event bus and connection registry for fan-out
	bus := events.NewBus()
	bus.SetLogger(log)
	registry := events.NewRegistry()
	registry.SetLogger(log)

	// Shadow store at the centre of everything
	storeOpts := []shadow.StoreOption{
		shadow.WithArchiver(recorder),
		shadow.WithPublisher(bus),
		shadow.WithLogger(log),
	}
	if cfg.Cache.Enabled {
		storeOpts = append(storeOpts, shadow.WithCache(cfg.Cache.Capacity, cfg.Cache.GetTTL()))
	}
	store := shadow.NewStore(handle.Provider, storeOpts...)
	log.Info("shadow store initialised", "cache_enabled", cfg.Cache.Enabled)

	// Periodic history retention pruning
	go runHistoryPruner(ctx, cfg.History, histStore, log)

	// Connect to MQTT broker (optional)
	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(cfg.MQTT)
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)

		mqttClient.SetLogger(log)
		mqttClient.SetOnConnect(func() {
			log.Info("MQTT reconnected")
		})
		mqttClient.SetOnDisconnect(func(err error) {
			log.Warn("MQTT disconnected", "error", err)
		})

		if err := wireMQTT(mqttClient, store, bus, log); err != nil {
			return fmt.Errorf("wiring MQTT bridge: %w", err)
		}
	} else {
		log.Info("MQTT disabled")
	}

	// Connect to VictoriaMetrics (optional)
	var tsdbClient *tsdb.Client
	if cfg.TSDB.Enabled {
		tsdbClient, err = tsdb.Connect(ctx, cfg.TSDB)
		if err != nil {
			return fmt.Errorf("connecting to TSDB: %w", err)
		}
		defer func() {
			log.Info("closing TSDB connection")
			if closeErr := tsdbClient.Close(); closeErr != nil {
				log.Error("error closing TSDB", "error", closeErr)
			}
		}()
		tsdbClient.SetOnError(func(err error) {
			log.Error("TSDB write error", "error", err)
		})
		log.Info("TSDB connected", "url", cfg.TSDB.URL)
	} else {
		log.Info("TSDB disabled")
	}

	// Connect to InfluxDB (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	} else {
		log.Info("InfluxDB disabled")
	}

	// Start the API server
	apiServer, err := api.New(api.Deps{
		Config:         cfg.API,
		WS:             cfg.WebSocket,
		Logger:         log,
		Shadows:        store,
		History:        histStore,
		Bus:            bus,
		Registry:       registry,
		TSDB:           tsdbClient,
		Influx:         influxClient,
		DB:             handle.DB,
		StorageBackend: handle.Backend,
		Version:        version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if err := apiServer.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	defer func() {
		log.Info("stopping API server")
		if closeErr := apiServer.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()

	// Verify all connections are healthy
	if err := healthCheck(ctx, handle, mqttClient, tsdbClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")

	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred Close() calls run in reverse order:
	// 1. API server (drains WebSocket clients and HTTP requests)
	// 2. InfluxDB / TSDB (flush pending telemetry)
	// 3. MQTT (publish offline status, disconnect)
	// 4. History recorder (drain buffered snapshots)
	// 5. Storage provider

	log.Info("ShadowCore stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses SHADOWCORE_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("SHADOWCORE_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// wireMQTT connects the broker to the shadow store:
//   - inbound: device reports on shadowcore/report/{id} feed ApplyReported
//   - outbound: every shadow change republishes the full document as a
//     retained message on shadowcore/shadow/{id}, plus the current delta
//     on shadowcore/delta/{id} so devices learn outstanding desired keys
func wireMQTT(client *mqtt.Client, store *shadow.Store, bus *events.Bus, log *logging.Logger) error {
	var topics mqtt.Topics

	err := client.Subscribe(topics.AllDeviceReports(), 1, func(topic string, payload []byte) error {
		deviceID, ok := topics.DeviceIDFromReport(topic)
		if !ok {
			log.Warn("report on unexpected topic", "topic", topic)
			return nil
		}

		var reported shadow.StateMap
		if err := json.Unmarshal(payload, &reported); err != nil {
			log.Warn("malformed device report", "device_id", deviceID, "error", err)
			return nil
		}

		if _, err := store.ApplyReported(context.Background(), deviceID, reported); err != nil {
			log.Warn("device report rejected", "device_id", deviceID, "error", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("subscribing to device reports: %w", err)
	}

	republish := func(topic string, payload any) {
		ev, ok := payload.(shadow.Event)
		if !ok {
			return
		}

		doc, err := store.Get(context.Background(), ev.DeviceID)
		if err != nil {
			log.Warn("shadow fetch for MQTT republish failed", "device_id", ev.DeviceID, "error", err)
			return
		}
		data, err := json.Marshal(doc)
		if err != nil {
			log.Error("shadow marshal for MQTT republish failed", "device_id", ev.DeviceID, "error", err)
			return
		}
		if err := client.PublishRetained(topics.ShadowState(ev.DeviceID), data); err != nil {
			log.Warn("shadow state publish failed", "device_id", ev.DeviceID, "error", err)
		}

		delta, err := store.Delta(context.Background(), ev.DeviceID)
		if err != nil || len(delta) == 0 {
			return
		}
		deltaData, err := json.Marshal(delta)
		if err != nil {
			return
		}
		if err := client.Publish(topics.ShadowDelta(ev.DeviceID), deltaData, 1, false); err != nil {
			log.Warn("shadow delta publish failed", "device_id", ev.DeviceID, "error", err)
		}
	}
	bus.Subscribe(shadow.TopicCreated, republish)
	bus.Subscribe(shadow.TopicUpdated, republish)

	// A deleted shadow clears its retained state message so devices do
	// not resync against a stale document.
	bus.Subscribe(shadow.TopicDeleted, func(topic string, payload any) {
		ev, ok := payload.(shadow.Event)
		if !ok {
			return
		}
		if err := client.PublishRetained(topics.ShadowState(ev.DeviceID), nil); err != nil {
			log.Warn("retained shadow clear failed", "device_id", ev.DeviceID, "error", err)
		}
	})

	log.Info("MQTT bridge wired", "report_topic", topics.AllDeviceReports())
	return nil
}

// runHistoryPruner periodically applies the configured retention limits.
func runHistoryPruner(ctx context.Context, cfg config.HistoryConfig, store history.Store, log *logging.Logger) {
	if cfg.PruneInterval <= 0 || (cfg.MaxEntries <= 0 && cfg.MaxAgeHours <= 0) {
		return
	}

	ticker := time.NewTicker(time.Duration(cfg.PruneInterval) * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if cfg.MaxAgeHours > 0 {
				removed, err := store.PruneByAge(ctx, cfg.GetMaxAge())
				if err != nil {
					log.Warn("history age pruning failed", "error", err)
				} else if removed > 0 {
					log.Info("history pruned by age", "removed", removed)
				}
			}
			if cfg.MaxEntries > 0 {
				removed, err := store.PruneByCount(ctx, cfg.MaxEntries)
				if err != nil {
					log.Warn("history count pruning failed", "error", err)
				} else if removed > 0 {
					log.Info("history pruned by count", "removed", removed)
				}
			}
		}
	}
}

// healthCheck verifies all infrastructure connections are healthy.
func healthCheck(ctx context.Context, handle *shadow.ProviderHandle, mqttClient *mqtt.Client, tsdbClient *tsdb.Client, influxClient *influxdb.Client) error {
	if handle.DB != nil {
		if err := handle.DB.HealthCheck(ctx); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	}

	if mqttClient != nil {
		if err := mqttClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
	}

	if tsdbClient != nil {
		if err := tsdbClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("tsdb: %w", err)
		}
	}

	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}

	return nil
}
