package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the Gray Logic ACS.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Site      SiteConfig      `yaml:"site"`
	Database  DatabaseConfig  `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging"`
	CWMP      CWMPConfig      `yaml:"cwmp"`
	Cache     CacheConfig     `yaml:"cache"`
	Sandbox   SandboxConfig   `yaml:"sandbox"`
}

// SiteConfig identifies the deployment.
type SiteConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Enabled   bool                `yaml:"enabled"`
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig contains HTTP timeout settings.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// WebSocketConfig contains WebSocket server settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// CWMPConfig bounds and tunes device sessions.
type CWMPConfig struct {
	// MaxRPCs caps the requests sent to a device in one session.
	MaxRPCs int `yaml:"max_rpcs"`
	// MaxDepth caps virtual parameter nesting.
	MaxDepth int `yaml:"max_depth"`
	// MaxCycles caps provision re-runs after local changes.
	MaxCycles int `yaml:"max_cycles"`
	// MaxCommitIterations caps script commits within one cycle.
	MaxCommitIterations int `yaml:"max_commit_iterations"`
	// GPVBatchSize is the most parameters one GetParameterValues names.
	GPVBatchSize int `yaml:"gpv_batch_size"`
	// WildcardMultiplier and UndiscoveredDepth tune the
	// GetParameterNames cost estimate.
	WildcardMultiplier int `yaml:"wildcard_multiplier"`
	UndiscoveredDepth  int `yaml:"undiscovered_depth"`
	// DownloadTimeout expires unfinished downloads (seconds).
	DownloadTimeout int `yaml:"download_timeout"`
	// SessionTimeout is how long a suspended session survives between
	// exchanges (seconds).
	SessionTimeout int `yaml:"session_timeout"`
	// InternerRotation is the path interner generation lifetime (seconds).
	InternerRotation int `yaml:"interner_rotation"`
	// MaxFaultRetries keeps a faulting channel's provisions out of
	// sessions once its retry count exceeds it.
	MaxFaultRetries int `yaml:"max_fault_retries"`
}

// CacheConfig contains configuration snapshot settings.
type CacheConfig struct {
	// Dir holds provisions/, virtual_parameters/, presets.yaml,
	// files.yaml and config.yaml.
	Dir    string `yaml:"dir"`
	Watch  bool   `yaml:"watch"`
	Retain int    `yaml:"retain"`
}

// SandboxConfig contains script execution settings.
type SandboxConfig struct {
	// Timeout bounds one script run (milliseconds).
	Timeout int `yaml:"timeout"`
}

// envPrefix prefixes every environment override.
const envPrefix = "GRAYLOGIC_ACS_"

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: GRAYLOGIC_ACS_SECTION_KEY
// For example: GRAYLOGIC_ACS_DATABASE_PATH, GRAYLOGIC_ACS_API_PORT
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Site: SiteConfig{
			ID:   "acs-001",
			Name: "Gray Logic ACS",
		},
		Database: DatabaseConfig{
			Path:        "./data/graylogic-acs.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "graylogic-acs",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
				MaxAttempts:  0,
			},
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 7547,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			Path:           "/api/v1/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		CWMP: CWMPConfig{
			MaxRPCs:             255,
			MaxDepth:            8,
			MaxCycles:           255,
			MaxCommitIterations: 64,
			GPVBatchSize:        32,
			WildcardMultiplier:  2,
			UndiscoveredDepth:   7,
			DownloadTimeout:     3600,
			SessionTimeout:      30,
			InternerRotation:    120,
			MaxFaultRetries:     5,
		},
		Cache: CacheConfig{
			Dir:    "./configs/acs",
			Watch:  true,
			Retain: 8,
		},
		Sandbox: SandboxConfig{
			Timeout: 50,
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: GRAYLOGIC_ACS_SECTION_KEY
func applyEnvOverrides(cfg *Config) error {
	// Database
	if v := os.Getenv(envPrefix + "DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv(envPrefix + "MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv(envPrefix + "MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv(envPrefix + "MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// API
	if v := os.Getenv(envPrefix + "API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if err := envInt(envPrefix+"API_PORT", &cfg.API.Port); err != nil {
		return err
	}

	// InfluxDB
	if v := os.Getenv(envPrefix + "INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Logging
	if v := os.Getenv(envPrefix + "LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	// Configuration snapshots
	if v := os.Getenv(envPrefix + "CACHE_DIR"); v != "" {
		cfg.Cache.Dir = v
	}
	return nil
}

func envInt(name string, dst *int) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("parsing %s: %w", name, err)
	}
	*dst = n
	return nil
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Site.ID == "" {
		errs = append(errs, "site.id is required")
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when influxdb is enabled")
	}

	positive := []struct {
		name  string
		value int
	}{
		{"cwmp.max_rpcs", c.CWMP.MaxRPCs},
		{"cwmp.max_depth", c.CWMP.MaxDepth},
		{"cwmp.max_cycles", c.CWMP.MaxCycles},
		{"cwmp.max_commit_iterations", c.CWMP.MaxCommitIterations},
		{"cwmp.gpv_batch_size", c.CWMP.GPVBatchSize},
		{"cwmp.wildcard_multiplier", c.CWMP.WildcardMultiplier},
		{"cwmp.undiscovered_depth", c.CWMP.UndiscoveredDepth},
		{"cwmp.download_timeout", c.CWMP.DownloadTimeout},
		{"cwmp.session_timeout", c.CWMP.SessionTimeout},
		{"cwmp.interner_rotation", c.CWMP.InternerRotation},
		{"sandbox.timeout", c.Sandbox.Timeout},
	}
	for _, p := range positive {
		if p.value <= 0 {
			errs = append(errs, p.name+" must be positive")
		}
	}
	if c.CWMP.MaxFaultRetries < 0 {
		errs = append(errs, "cwmp.max_fault_retries must not be negative")
	}

	if c.Cache.Dir == "" {
		errs = append(errs, "cache.dir is required")
	}
	if c.Cache.Retain < 1 {
		errs = append(errs, "cache.retain must be at least 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}

// GetDownloadTimeout returns the download expiry as a Duration.
func (c *Config) GetDownloadTimeout() time.Duration {
	return time.Duration(c.CWMP.DownloadTimeout) * time.Second
}

// GetSessionTimeout returns the suspended session lifetime as a Duration.
func (c *Config) GetSessionTimeout() time.Duration {
	return time.Duration(c.CWMP.SessionTimeout) * time.Second
}

// GetInternerRotation returns the interner generation lifetime as a Duration.
func (c *Config) GetInternerRotation() time.Duration {
	return time.Duration(c.CWMP.InternerRotation) * time.Second
}

// GetSandboxTimeout returns the script run bound as a Duration.
func (c *Config) GetSandboxTimeout() time.Duration {
	return time.Duration(c.Sandbox.Timeout) * time.Millisecond
}
