package api

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nerrad567/gray-logic-acs/internal/acs"
	"github.com/nerrad567/gray-logic-acs/internal/cwmp/rpc"
	"github.com/nerrad567/gray-logic-acs/internal/device"
	"github.com/nerrad567/gray-logic-acs/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-acs/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-acs/internal/localcache"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// SessionService runs CWMP exchanges and queues tasks.
// Implemented by *acs.Service.
type SessionService interface {
	Handle(ctx context.Context, sessionID string, env *rpc.Envelope) (*acs.Reply, error)
	SubmitTask(ctx context.Context, t *device.Task) error
	Stats() acs.Stats
}

// DeviceRegistry reads device summaries. Implemented by *device.Registry.
type DeviceRegistry interface {
	ListDevices(ctx context.Context) ([]device.Device, error)
	GetDevicesByTag(ctx context.Context, tag string) ([]device.Device, error)
	GetDevice(ctx context.Context, id string) (*device.Device, error)
	GetStats() device.Stats
}

// ParameterSource lists stored parameters of a device.
type ParameterSource interface {
	Parameters(ctx context.Context, id, prefix string) ([]device.Parameter, error)
}

// CacheReloader re-reads the configuration directory.
type CacheReloader interface {
	Reload(ctx context.Context) (*localcache.Snapshot, error)
}

// DBStatser reports connection pool statistics. Implemented by
// *database.DB.
type DBStatser interface {
	Stats() sql.DBStats
}

// HealthChecker is implemented by infrastructure clients reported on by
// the health endpoint.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config     config.APIConfig
	WS         config.WebSocketConfig
	Logger     *logging.Logger
	Sessions   SessionService
	Registry   DeviceRegistry
	Parameters ParameterSource
	Faults     device.FaultRepository
	Tasks      device.TaskRepository
	Tags       device.TagRepository
	Cache      CacheReloader
	DB         DBStatser
	// Gatherer backs GET /metrics; nil disables the endpoint.
	Gatherer prometheus.Gatherer
	// Checks are reported by GET /api/v1/health, keyed by component.
	Checks map[string]HealthChecker
	// Hub is shared with the session service, which publishes into it.
	// A hub is created when nil.
	Hub     *Hub
	Version string
}

// Server is the HTTP server of the ACS.
//
// It serves the CWMP exchange endpoint, the management API and the
// WebSocket event stream. The server is created with New() and started
// with Start().
type Server struct {
	cfg        config.APIConfig
	wsCfg      config.WebSocketConfig
	logger     *logging.Logger
	sessions   SessionService
	registry   DeviceRegistry
	parameters ParameterSource
	faults     device.FaultRepository
	tasks      device.TaskRepository
	tagRepo    device.TagRepository
	cache      CacheReloader
	db         DBStatser
	gatherer   prometheus.Gatherer
	checks     map[string]HealthChecker
	version    string
	startTime  time.Time
	server     *http.Server
	hub        *Hub
	ownHub     bool               // true if the hub was created by Start
	cancel     context.CancelFunc // cancels background goroutines on Close()
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	required := []struct {
		name    string
		missing bool
	}{
		{"logger", deps.Logger == nil},
		{"session service", deps.Sessions == nil},
		{"device registry", deps.Registry == nil},
		{"fault repository", deps.Faults == nil},
		{"task repository", deps.Tasks == nil},
		{"configuration cache", deps.Cache == nil},
	}
	for _, r := range required {
		if r.missing {
			return nil, fmt.Errorf("%s is required", r.name)
		}
	}

	return &Server{
		cfg:        deps.Config,
		wsCfg:      deps.WS,
		logger:     deps.Logger,
		sessions:   deps.Sessions,
		registry:   deps.Registry,
		parameters: deps.Parameters,
		faults:     deps.Faults,
		tasks:      deps.Tasks,
		tagRepo:    deps.Tags,
		cache:      deps.Cache,
		db:         deps.DB,
		gatherer:   deps.Gatherer,
		checks:     deps.Checks,
		version:    deps.Version,
		startTime:  time.Now(),
		hub:        deps.Hub,
	}, nil
}

// Hub returns the event hub, creating it on first use.
func (s *Server) Hub() *Hub {
	if s.hub == nil {
		s.hub = NewHub(s.wsCfg, s.logger)
		s.ownHub = true
	}
	return s.hub
}

// Start begins listening for HTTP connections in a background goroutine.
// The server can be stopped with Close().
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	hub := s.Hub()
	if s.ownHub {
		go hub.Run(srvCtx)
	}

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS",
				"address", s.server.Addr,
				"cert", s.cfg.TLS.CertFile,
			)
			err = s.server.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			s.logger.Info("API server starting", "address", s.server.Addr)
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running.
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
