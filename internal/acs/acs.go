package acs

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/gray-logic-acs/internal/cwmp/path"
	"github.com/nerrad567/gray-logic-acs/internal/cwmp/session"
	"github.com/nerrad567/gray-logic-acs/internal/device"
	"github.com/nerrad567/gray-logic-acs/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-acs/internal/localcache"
)

const (
	// lockStripes is the number of mutexes session IDs are hashed onto.
	lockStripes = 64

	// taskIngestTimeout bounds storing a task received over MQTT.
	taskIngestTimeout = 5 * time.Second
)

// Logger defines the logging interface used by the Service.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// SnapshotSource hands out configuration snapshots. *localcache.Cache
// implements it.
type SnapshotSource interface {
	Current() (*localcache.Snapshot, error)
	Get(key string) (*localcache.Snapshot, error)
}

// DeviceRegistry is the cached device view kept in sync after each
// session. *device.Registry implements it.
type DeviceRegistry interface {
	GetDevice(ctx context.Context, id string) (*device.Device, error)
	Refresh(ctx context.Context, id string) error
}

// MetricsWriter records time-series data. *influxdb.Client implements it.
type MetricsWriter interface {
	WriteSessionMetric(m influxdb.SessionMetric)
	WriteFaultMetric(m influxdb.FaultMetric)
}

// Config holds the session tunables that live outside the engine.
type Config struct {
	// DownloadTimeout expires operations the device never completed.
	DownloadTimeout time.Duration
	// SessionTimeout is how long a suspended session survives between
	// exchanges.
	SessionTimeout time.Duration
	// MaxFaultRetries is how many times a faulted channel is retried
	// before it is skipped until its fault is deleted.
	MaxFaultRetries int
}

// Deps are the collaborators of a Service. Events, Writer and Metrics
// are optional.
type Deps struct {
	Engine     *session.Engine
	Interner   *path.Interner
	Cache      SnapshotSource
	Devices    device.Repository
	Registry   DeviceRegistry
	Faults     device.FaultRepository
	Operations device.OperationRepository
	Tasks      device.TaskRepository
	Sessions   device.SessionStore

	Events  []EventSink
	Writer  MetricsWriter
	Metrics *Metrics
}

// Stats are running counters since startup.
type Stats struct {
	SessionsStarted   int64 `json:"sessions_started"`
	SessionsCompleted int64 `json:"sessions_completed"`
	SessionsFaulted   int64 `json:"sessions_faulted"`
	FaultsRecorded    int64 `json:"faults_recorded"`
	TasksCompleted    int64 `json:"tasks_completed"`
	TasksSubmitted    int64 `json:"tasks_submitted"`
}

// Service runs CWMP sessions against the engine and the device stores.
type Service struct {
	cfg  Config
	deps Deps

	logger Logger
	now    func() time.Time
	locks  [lockStripes]sync.Mutex

	started   atomic.Int64
	completed atomic.Int64
	faulted   atomic.Int64
	faults    atomic.Int64
	tasksDone atomic.Int64
	submitted atomic.Int64
}

// New creates a Service.
func New(cfg Config, deps Deps) (*Service, error) {
	required := []struct {
		name    string
		missing bool
	}{
		{"engine", deps.Engine == nil},
		{"interner", deps.Interner == nil},
		{"cache", deps.Cache == nil},
		{"devices", deps.Devices == nil},
		{"registry", deps.Registry == nil},
		{"faults", deps.Faults == nil},
		{"operations", deps.Operations == nil},
		{"tasks", deps.Tasks == nil},
		{"sessions", deps.Sessions == nil},
	}
	for _, r := range required {
		if r.missing {
			return nil, fmt.Errorf("%w: %s", ErrMissingDependency, r.name)
		}
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = 30 * time.Second
	}
	if cfg.DownloadTimeout <= 0 {
		cfg.DownloadTimeout = time.Hour
	}
	return &Service{
		cfg:    cfg,
		deps:   deps,
		logger: noopLogger{},
		now:    time.Now,
	}, nil
}

// SetLogger sets the logger for the service.
func (s *Service) SetLogger(logger Logger) {
	s.logger = logger
}

// Stats returns the running counters.
func (s *Service) Stats() Stats {
	return Stats{
		SessionsStarted:   s.started.Load(),
		SessionsCompleted: s.completed.Load(),
		SessionsFaulted:   s.faulted.Load(),
		FaultsRecorded:    s.faults.Load(),
		TasksCompleted:    s.tasksDone.Load(),
		TasksSubmitted:    s.submitted.Load(),
	}
}

// lock serializes exchanges of one session and returns the unlock func.
func (s *Service) lock(sessionID string) func() {
	h := fnv.New32a()
	h.Write([]byte(sessionID)) //nolint:errcheck // hash writes never fail
	mu := &s.locks[h.Sum32()%lockStripes]
	mu.Lock()
	return mu.Unlock
}

// Sweep removes expired suspended sessions and expired tasks.
func (s *Service) Sweep(ctx context.Context) error {
	sessions, err := s.deps.Sessions.DeleteExpired(ctx)
	if err != nil {
		return fmt.Errorf("expiring sessions: %w", err)
	}
	tasks, err := s.deps.Tasks.DeleteExpired(ctx, s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("expiring tasks: %w", err)
	}
	if sessions > 0 || tasks > 0 {
		s.logger.Info("expired records removed", "sessions", sessions, "tasks", tasks)
	}
	return nil
}

// RunSweeper calls Sweep every interval until ctx is cancelled. Sweep
// failures are logged and retried on the next tick.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				s.logger.Warn("sweep failed", "error", err)
			}
		}
	}
}
