// Gray Logic ACS - CWMP auto-configuration server
//
// This is the main entry point for the Gray Logic ACS. It accepts device
// sessions over POST /cwmp, reconciles each device against the declared
// provisions and presets, and exposes a management API for devices,
// tasks and faults.
//
// Configuration scripts (provisions, virtual parameters, presets) live in
// the cache directory and are reloaded on change when cache.watch is set.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	_ "github.com/nerrad567/gray-logic-acs/migrations"

	"github.com/nerrad567/gray-logic-acs/internal/acs"
	"github.com/nerrad567/gray-logic-acs/internal/api"
	"github.com/nerrad567/gray-logic-acs/internal/cwmp/gpn"
	"github.com/nerrad567/gray-logic-acs/internal/cwmp/path"
	"github.com/nerrad567/gray-logic-acs/internal/cwmp/sandbox"
	"github.com/nerrad567/gray-logic-acs/internal/cwmp/session"
	"github.com/nerrad567/gray-logic-acs/internal/device"
	"github.com/nerrad567/gray-logic-acs/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-acs/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-acs/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-acs/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-acs/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-acs/internal/localcache"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

const (
	// Default configuration file path
	defaultConfigPath = "configs/config.yaml"

	// configEnv overrides defaultConfigPath.
	configEnv = "GRAYLOGIC_ACS_CONFIG"

	// sweepInterval is how often expired sessions and tasks are removed.
	sweepInterval = time.Minute

	// metricsNamespace prefixes every Prometheus metric.
	metricsNamespace = "graylogic_acs"
)

func main() {
	// Create a context that cancels on interrupt signals (Ctrl+C, SIGTERM)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting Gray Logic ACS",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	repos, err := openStores(ctx, db, log)
	if err != nil {
		return err
	}
	log.Info("device registry initialised", "devices", repos.registry.GetDeviceCount())

	cache := localcache.New(cfg.Cache.Dir, cfg.Cache.Retain)
	cache.SetLogger(log)
	snap, err := cache.Reload(ctx)
	if err != nil {
		return fmt.Errorf("loading configuration scripts: %w", err)
	}
	log.Info("configuration scripts loaded",
		"dir", cfg.Cache.Dir,
		"provisions", len(snap.ProvisionNames()),
		"presets", len(snap.Presets()),
	)

	runner := sandbox.New(cfg.GetSandboxTimeout())
	runner.SetLogger(log)

	engine := session.NewEngine(engineLimits(cfg.CWMP), runner)
	engine.SetLogger(log)

	interner := path.NewInterner()

	hub := api.NewHub(cfg.WebSocket, log)
	sinks := []acs.EventSink{hub}

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
		mqttClient.SetLogger(log)
		sinks = append(sinks, acs.NewMQTTSink(mqttClient, log))
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)
	} else {
		log.Info("MQTT disabled")
	}

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

	metrics := acs.NewMetrics(metricsNamespace)
	deps := acs.Deps{
		Engine:     engine,
		Interner:   interner,
		Cache:      cache,
		Devices:    repos.devices,
		Registry:   repos.registry,
		Faults:     repos.faults,
		Operations: repos.operations,
		Tasks:      repos.tasks,
		Sessions:   repos.sessions,
		Events:     sinks,
		Metrics:    metrics,
	}
	// A nil *influxdb.Client must not become a non-nil interface.
	if influxClient != nil {
		deps.Writer = influxClient
	}
	svc, err := acs.New(acs.Config{
		DownloadTimeout: cfg.GetDownloadTimeout(),
		SessionTimeout:  cfg.GetSessionTimeout(),
		MaxFaultRetries: cfg.CWMP.MaxFaultRetries,
	}, deps)
	if err != nil {
		return fmt.Errorf("creating session service: %w", err)
	}
	svc.SetLogger(log)

	if mqttClient != nil {
		topic := mqtt.Topics{}.AllTasks()
		if subErr := mqttClient.Subscribe(topic, byte(cfg.MQTT.QoS), svc.HandleTaskMessage); subErr != nil {
			return fmt.Errorf("subscribing to task topic: %w", subErr)
		}
		log.Info("accepting tasks over MQTT", "topic", topic)
	}

	cache.OnReload(func(s *localcache.Snapshot) {
		hub.Broadcast("config.reloaded", map[string]any{
			"key":        s.Key(),
			"presets":    len(s.Presets()),
			"provisions": s.ProvisionNames(),
		})
	})

	checks := map[string]api.HealthChecker{"database": db}
	if mqttClient != nil {
		checks["mqtt"] = mqttClient
	}
	if influxClient != nil {
		checks["influxdb"] = influxClient
	}

	server, err := api.New(api.Deps{
		Config:     cfg.API,
		WS:         cfg.WebSocket,
		Logger:     log,
		Sessions:   svc,
		Registry:   repos.registry,
		Parameters: repos.devices,
		Faults:     repos.faults,
		Tasks:      repos.tasks,
		Tags:       repos.tags,
		Cache:      cache,
		DB:         db,
		Gatherer:   metrics.Registry(),
		Checks:     checks,
		Hub:        hub,
		Version:    version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}

	if err := healthCheck(ctx, checks); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return interner.Run(gctx, cfg.GetInternerRotation()) })
	g.Go(func() error { return svc.RunSweeper(gctx, sweepInterval) })
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	if cfg.Cache.Watch {
		g.Go(func() error {
			if watchErr := cache.Watch(gctx, localcache.DefaultDebounce); watchErr != nil {
				return fmt.Errorf("watching configuration scripts: %w", watchErr)
			}
			return nil
		})
	}
	g.Go(func() error {
		if startErr := server.Start(gctx); startErr != nil {
			return fmt.Errorf("starting API server: %w", startErr)
		}
		<-gctx.Done()
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
		return nil
	})

	log.Info("initialisation complete, waiting for shutdown signal")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	log.Info("Gray Logic ACS stopped")
	return nil
}

// stores groups the SQLite repositories shared by the session service
// and the API.
type stores struct {
	devices    *device.SQLiteRepository
	registry   *device.Registry
	faults     *device.SQLiteFaultRepository
	operations *device.SQLiteOperationRepository
	tasks      *device.SQLiteTaskRepository
	tags       *device.SQLiteTagRepository
	sessions   *device.SQLiteSessionStore
}

// openStores creates the repositories and warms the registry cache.
func openStores(ctx context.Context, db *database.DB, log *logging.Logger) (*stores, error) {
	sessions, err := device.NewSQLiteSessionStore(db.DB)
	if err != nil {
		return nil, fmt.Errorf("creating session store: %w", err)
	}

	devices := device.NewSQLiteRepository(db.DB)
	registry := device.NewRegistry(devices)
	registry.SetLogger(log)
	if err := registry.RefreshCache(ctx); err != nil {
		return nil, fmt.Errorf("loading device registry: %w", err)
	}

	return &stores{
		devices:    devices,
		registry:   registry,
		faults:     device.NewSQLiteFaultRepository(db.DB),
		operations: device.NewSQLiteOperationRepository(db.DB),
		tasks:      device.NewSQLiteTaskRepository(db.DB),
		tags:       device.NewSQLiteTagRepository(db.DB),
		sessions:   sessions,
	}, nil
}

// engineLimits maps the cwmp config section onto engine limits.
func engineLimits(c config.CWMPConfig) session.Limits {
	return session.Limits{
		MaxRPCs:             c.MaxRPCs,
		MaxDepth:            c.MaxDepth,
		MaxCycles:           c.MaxCycles,
		MaxCommitIterations: c.MaxCommitIterations,
		BatchSize:           c.GPVBatchSize,
		Tuning: gpn.Tuning{
			WildcardMultiplier: c.WildcardMultiplier,
			UndiscoveredDepth:  c.UndiscoveredDepth,
		},
	}
}

// getConfigPath returns the configuration file path.
// Uses GRAYLOGIC_ACS_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if p := os.Getenv(configEnv); p != "" {
		return p
	}
	return defaultConfigPath
}

// healthCheck verifies all infrastructure connections are healthy.
//
// Returns:
//   - error: First health check failure, or nil if all healthy
func healthCheck(ctx context.Context, checks map[string]api.HealthChecker) error {
	for name, check := range checks {
		if err := check.HealthCheck(ctx); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}
