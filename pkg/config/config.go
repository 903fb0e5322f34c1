package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/keel/pkg/observability"
)

// Storage backends understood by the stores, lock manager and session store.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendSQLite   = "sqlite"
	BackendLog      = "log"
	BackendNone     = "none"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Storage       StorageConfig       `yaml:"storage"`
	Auth          AuthConfig          `yaml:"auth"`
	Catalog       CatalogConfig       `yaml:"catalog"`
	Archive       ArchiveConfig       `yaml:"archive"`
	Audit         AuditConfig         `yaml:"audit"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds gRPC and health server configuration
type ServerConfig struct {
	Host            string        `yaml:"host"`
	GRPCPort        string        `yaml:"grpc_port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxRecvMsgSize  int           `yaml:"max_recv_msg_size"`

	// Health/metrics/websocket server (separate port for k8s probes)
	HealthPort string `yaml:"health_port"`

	// Origins allowed to open the event websocket. Empty allows any.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// Per-caller rate limit. Zero requests disables it.
	RateLimitRequests int           `yaml:"rate_limit_requests"`
	RateLimitWindow   time.Duration `yaml:"rate_limit_window"`
	RateLimitBurst    int           `yaml:"rate_limit_burst"`
	RateLimitBackend  string        `yaml:"rate_limit_backend"`
}

// StorageConfig selects and configures the persistence backends
type StorageConfig struct {
	Backend string `yaml:"backend"`

	PostgresURL      string        `yaml:"postgres_url"`
	PostgresMaxConns int           `yaml:"postgres_max_conns"`
	PostgresMinConns int           `yaml:"postgres_min_conns"`
	PostgresTimeout  time.Duration `yaml:"postgres_timeout"`

	RedisURL        string `yaml:"redis_url"`
	RedisPassword   string `yaml:"redis_password"`
	RedisDB         int    `yaml:"redis_db"`
	RedisMaxRetries int    `yaml:"redis_max_retries"`
	RedisPoolSize   int    `yaml:"redis_pool_size"`
}

// AuthConfig holds token and login settings
type AuthConfig struct {
	TokenSecret     string        `yaml:"token_secret"`
	Issuer          string        `yaml:"issuer"`
	AccessTokenTTL  time.Duration `yaml:"access_token_ttl"`
	RefreshTokenTTL time.Duration `yaml:"refresh_token_ttl"`
	SessionBackend  string        `yaml:"session_backend"`
	SessionSweep    string        `yaml:"session_sweep_schedule"`

	// Name of the admin service account created on first boot
	RootServiceAccount string `yaml:"root_service_account"`

	DIDMaxSkew   time.Duration `yaml:"did_max_skew"`
	OIDCIssuer   string        `yaml:"oidc_issuer"`
	OIDCClientID string        `yaml:"oidc_client_id"`
}

// CatalogConfig holds schema, lock and event settings
type CatalogConfig struct {
	SchemaDir       string `yaml:"schema_dir"`
	SchemaWatch     bool   `yaml:"schema_watch"`
	SchemaCacheSize int    `yaml:"schema_cache_size"`

	LockBackend         string        `yaml:"lock_backend"`
	LockLivenessTimeout time.Duration `yaml:"lock_liveness_timeout"`
	// LockMaxConns caps the Postgres connections used by held and waiting
	// locks. They come from a pool separate from the catalog's.
	LockMaxConns int `yaml:"lock_max_conns"`

	EventBuffer int    `yaml:"event_buffer"`
	EventRelay  string `yaml:"event_relay"`
}

// ArchiveConfig controls exporting old events to S3
type ArchiveConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Schedule       string        `yaml:"schedule"`
	Retention      time.Duration `yaml:"retention"`
	S3Bucket       string        `yaml:"s3_bucket"`
	S3Region       string        `yaml:"s3_region"`
	S3Endpoint     string        `yaml:"s3_endpoint"`
	S3Prefix       string        `yaml:"s3_prefix"`
	S3AccessKey    string        `yaml:"s3_access_key"`
	S3SecretKey    string        `yaml:"s3_secret_key"`
	S3UsePathStyle bool          `yaml:"s3_use_path_style"`
}

// AuditConfig selects the audit sink
type AuditConfig struct {
	Sink       string        `yaml:"sink"`
	SQLitePath string        `yaml:"sqlite_path"`
	Retention  time.Duration `yaml:"retention"`
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	// Logging
	LogLevel observability.LogLevel `yaml:"log_level"`

	// Metrics
	MetricsEnabled bool `yaml:"metrics_enabled"`

	// OpenTelemetry
	OTelEnabled        bool   `yaml:"otel_enabled"`
	OTelEndpoint       string `yaml:"otel_endpoint"`
	OTelServiceName    string `yaml:"otel_service_name"`
	OTelServiceVersion string `yaml:"otel_service_version"`
	OTelInsecure       bool   `yaml:"otel_insecure"` // Use insecure gRPC connection
}

// Default returns the configuration used when nothing is set
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			GRPCPort:        "50051",
			HealthPort:      "9090",
			ShutdownTimeout: 30 * time.Second,
			MaxRecvMsgSize:  4 << 20,

			RateLimitRequests: 1000,
			RateLimitWindow:   time.Minute,
			RateLimitBurst:    50,
			RateLimitBackend:  BackendMemory,
		},
		Storage: StorageConfig{
			Backend:          BackendMemory,
			PostgresMaxConns: 20,
			PostgresMinConns: 2,
			PostgresTimeout:  5 * time.Second,
			RedisMaxRetries:  3,
			RedisPoolSize:    10,
		},
		Auth: AuthConfig{
			Issuer:             "keel",
			AccessTokenTTL:     120 * time.Second,
			RefreshTokenTTL:    24 * time.Hour,
			SessionBackend:     BackendMemory,
			SessionSweep:       "*/15 * * * *",
			RootServiceAccount: "root",
			DIDMaxSkew:         5 * time.Minute,
		},
		Catalog: CatalogConfig{
			SchemaCacheSize:     256,
			LockBackend:         BackendMemory,
			LockLivenessTimeout: 30 * time.Second,
			LockMaxConns:        50,
			EventBuffer:         256,
			EventRelay:          BackendNone,
		},
		Archive: ArchiveConfig{
			Schedule:  "0 3 * * *",
			Retention: 30 * 24 * time.Hour,
			S3Prefix:  "events/",
		},
		Audit: AuditConfig{
			Sink:      BackendLog,
			Retention: 90 * 24 * time.Hour,
		},
		Observability: ObservabilityConfig{
			LogLevel:           observability.InfoLevel,
			MetricsEnabled:     true,
			OTelEndpoint:       "localhost:4317",
			OTelServiceName:    "keel",
			OTelServiceVersion: "1.0.0",
			OTelInsecure:       true,
		},
	}
}

// LoadConfig loads configuration from an optional YAML file
// (KEEL_CONFIG_FILE) and then from environment variables, which win.
func LoadConfig() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("KEEL_CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// loadFile overlays the YAML file at path onto c
func (c *Config) loadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// applyEnv overrides c with any KEEL_* variables that are set
func (c *Config) applyEnv() {
	s := &c.Server
	s.Host = getEnv("KEEL_HOST", s.Host)
	s.GRPCPort = getEnv("KEEL_GRPC_PORT", s.GRPCPort)
	s.HealthPort = getEnv("KEEL_HEALTH_PORT", s.HealthPort)
	s.ShutdownTimeout = getEnvDuration("KEEL_SHUTDOWN_TIMEOUT", s.ShutdownTimeout)
	s.MaxRecvMsgSize = getEnvInt("KEEL_MAX_RECV_MSG_SIZE", s.MaxRecvMsgSize)
	s.AllowedOrigins = getEnvList("KEEL_ALLOWED_ORIGINS", s.AllowedOrigins)
	s.RateLimitRequests = getEnvInt("KEEL_RATE_LIMIT_REQUESTS", s.RateLimitRequests)
	s.RateLimitWindow = getEnvDuration("KEEL_RATE_LIMIT_WINDOW", s.RateLimitWindow)
	s.RateLimitBurst = getEnvInt("KEEL_RATE_LIMIT_BURST", s.RateLimitBurst)
	s.RateLimitBackend = getEnv("KEEL_RATE_LIMIT_BACKEND", s.RateLimitBackend)

	st := &c.Storage
	st.Backend = getEnv("KEEL_STORAGE_BACKEND", st.Backend)
	st.PostgresURL = getEnv("KEEL_POSTGRES_URL", st.PostgresURL)
	st.PostgresMaxConns = getEnvInt("KEEL_POSTGRES_MAX_CONNS", st.PostgresMaxConns)
	st.PostgresMinConns = getEnvInt("KEEL_POSTGRES_MIN_CONNS", st.PostgresMinConns)
	st.PostgresTimeout = getEnvDuration("KEEL_POSTGRES_TIMEOUT", st.PostgresTimeout)
	st.RedisURL = getEnv("KEEL_REDIS_URL", st.RedisURL)
	st.RedisPassword = getEnv("KEEL_REDIS_PASSWORD", st.RedisPassword)
	st.RedisDB = getEnvInt("KEEL_REDIS_DB", st.RedisDB)
	st.RedisMaxRetries = getEnvInt("KEEL_REDIS_MAX_RETRIES", st.RedisMaxRetries)
	st.RedisPoolSize = getEnvInt("KEEL_REDIS_POOL_SIZE", st.RedisPoolSize)

	a := &c.Auth
	a.TokenSecret = getEnv("KEEL_TOKEN_SECRET", a.TokenSecret)
	a.Issuer = getEnv("KEEL_TOKEN_ISSUER", a.Issuer)
	a.AccessTokenTTL = getEnvDuration("KEEL_ACCESS_TOKEN_TTL", a.AccessTokenTTL)
	a.RefreshTokenTTL = getEnvDuration("KEEL_REFRESH_TOKEN_TTL", a.RefreshTokenTTL)
	a.SessionBackend = getEnv("KEEL_SESSION_BACKEND", a.SessionBackend)
	a.SessionSweep = getEnv("KEEL_SESSION_SWEEP_SCHEDULE", a.SessionSweep)
	a.RootServiceAccount = getEnv("KEEL_ROOT_SA", a.RootServiceAccount)
	a.DIDMaxSkew = getEnvDuration("KEEL_DID_MAX_SKEW", a.DIDMaxSkew)
	a.OIDCIssuer = getEnv("KEEL_OIDC_ISSUER", a.OIDCIssuer)
	a.OIDCClientID = getEnv("KEEL_OIDC_CLIENT_ID", a.OIDCClientID)

	cat := &c.Catalog
	cat.SchemaDir = getEnv("KEEL_SCHEMA_DIR", cat.SchemaDir)
	cat.SchemaWatch = getEnvBool("KEEL_SCHEMA_WATCH", cat.SchemaWatch)
	cat.SchemaCacheSize = getEnvInt("KEEL_SCHEMA_CACHE_SIZE", cat.SchemaCacheSize)
	cat.LockBackend = getEnv("KEEL_LOCK_BACKEND", cat.LockBackend)
	cat.LockLivenessTimeout = getEnvDuration("KEEL_LOCK_LIVENESS_TIMEOUT", cat.LockLivenessTimeout)
	cat.LockMaxConns = getEnvInt("KEEL_LOCK_MAX_CONNS", cat.LockMaxConns)
	cat.EventBuffer = getEnvInt("KEEL_EVENTS_BUFFER", cat.EventBuffer)
	cat.EventRelay = getEnv("KEEL_EVENTS_RELAY", cat.EventRelay)

	ar := &c.Archive
	ar.Enabled = getEnvBool("KEEL_ARCHIVE_ENABLED", ar.Enabled)
	ar.Schedule = getEnv("KEEL_ARCHIVE_SCHEDULE", ar.Schedule)
	ar.Retention = getEnvDuration("KEEL_ARCHIVE_RETENTION", ar.Retention)
	ar.S3Bucket = getEnv("KEEL_S3_BUCKET", ar.S3Bucket)
	ar.S3Region = getEnv("KEEL_S3_REGION", ar.S3Region)
	ar.S3Endpoint = getEnv("KEEL_S3_ENDPOINT", ar.S3Endpoint)
	ar.S3Prefix = getEnv("KEEL_S3_PREFIX", ar.S3Prefix)
	ar.S3AccessKey = getEnv("KEEL_S3_ACCESS_KEY", ar.S3AccessKey)
	ar.S3SecretKey = getEnv("KEEL_S3_SECRET_KEY", ar.S3SecretKey)
	ar.S3UsePathStyle = getEnvBool("KEEL_S3_USE_PATH_STYLE", ar.S3UsePathStyle)

	c.Audit.Sink = getEnv("KEEL_AUDIT_SINK", c.Audit.Sink)
	c.Audit.SQLitePath = getEnv("KEEL_AUDIT_SQLITE_PATH", c.Audit.SQLitePath)
	c.Audit.Retention = getEnvDuration("KEEL_AUDIT_RETENTION", c.Audit.Retention)

	o := &c.Observability
	if level := getEnv("KEEL_LOG_LEVEL", ""); level != "" {
		o.LogLevel = observability.ParseLogLevel(level)
	}
	o.MetricsEnabled = getEnvBool("KEEL_METRICS_ENABLED", o.MetricsEnabled)
	o.OTelEnabled = getEnvBool("KEEL_OTEL_ENABLED", o.OTelEnabled)
	o.OTelEndpoint = getEnv("KEEL_OTEL_ENDPOINT", o.OTelEndpoint)
	o.OTelServiceName = getEnv("KEEL_OTEL_SERVICE_NAME", o.OTelServiceName)
	o.OTelServiceVersion = getEnv("KEEL_OTEL_SERVICE_VERSION", o.OTelServiceVersion)
	o.OTelInsecure = getEnvBool("KEEL_OTEL_INSECURE", o.OTelInsecure)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.GRPCPort == "" {
		return fmt.Errorf("grpc port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.GRPCPort == c.Server.HealthPort {
		return fmt.Errorf("grpc port and health port must be different")
	}

	switch c.Storage.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.Storage.PostgresURL == "" {
			return fmt.Errorf("postgres URL is required for postgres storage")
		}
	default:
		return fmt.Errorf("invalid storage backend: %s (must be memory or postgres)", c.Storage.Backend)
	}

	if len(c.Auth.TokenSecret) < 32 {
		return fmt.Errorf("token secret must be at least 32 bytes")
	}
	if c.Auth.AccessTokenTTL <= 0 || c.Auth.RefreshTokenTTL <= 0 {
		return fmt.Errorf("token lifetimes must be positive")
	}
	if c.Auth.RefreshTokenTTL <= c.Auth.AccessTokenTTL {
		return fmt.Errorf("refresh token lifetime must exceed access token lifetime")
	}
	if (c.Auth.OIDCIssuer == "") != (c.Auth.OIDCClientID == "") {
		return fmt.Errorf("OIDC issuer and client id must be set together")
	}

	if err := c.requireBackend("session", c.Auth.SessionBackend, BackendMemory, BackendPostgres, BackendRedis); err != nil {
		return err
	}
	if c.Server.RateLimitRequests > 0 {
		if err := c.requireBackend("rate limit", c.Server.RateLimitBackend, BackendMemory, BackendRedis); err != nil {
			return err
		}
		if c.Server.RateLimitWindow <= 0 {
			return fmt.Errorf("rate limit window must be positive")
		}
	}
	if err := c.requireBackend("lock", c.Catalog.LockBackend, BackendMemory, BackendPostgres, BackendRedis); err != nil {
		return err
	}
	if err := c.requireBackend("event relay", c.Catalog.EventRelay, BackendNone, BackendPostgres, BackendRedis); err != nil {
		return err
	}
	if err := c.requireBackend("audit sink", c.Audit.Sink, BackendLog, BackendPostgres, BackendSQLite); err != nil {
		return err
	}
	if c.Audit.Sink == BackendSQLite && c.Audit.SQLitePath == "" {
		return fmt.Errorf("sqlite path is required for the sqlite audit sink")
	}

	if c.Catalog.LockLivenessTimeout <= 0 {
		return fmt.Errorf("lock liveness timeout must be positive")
	}
	if c.Catalog.LockBackend == BackendPostgres && c.Catalog.LockMaxConns <= 0 {
		return fmt.Errorf("lock max conns must be positive for the postgres lock backend")
	}
	if c.Catalog.EventBuffer <= 0 {
		return fmt.Errorf("event buffer must be positive")
	}

	if c.Archive.Enabled {
		if c.Storage.Backend != BackendPostgres {
			return fmt.Errorf("event archive requires postgres storage")
		}
		if c.Archive.S3Bucket == "" {
			return fmt.Errorf("S3 bucket is required when the event archive is enabled")
		}
	}

	// Validate OpenTelemetry config
	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

// requireBackend checks that value is one of allowed and that the backing
// store it needs is configured.
func (c *Config) requireBackend(what, value string, allowed ...string) error {
	ok := false
	for _, a := range allowed {
		if value == a {
			ok = true
			break
		}
	}
	if !ok {
		return fmt.Errorf("invalid %s backend: %s (must be one of %s)", what, value, strings.Join(allowed, ", "))
	}
	switch value {
	case BackendPostgres:
		if c.Storage.PostgresURL == "" {
			return fmt.Errorf("postgres URL is required for the %s backend", what)
		}
	case BackendRedis:
		if c.Storage.RedisURL == "" {
			return fmt.Errorf("redis URL is required for the %s backend", what)
		}
	}
	return nil
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getEnvList returns a comma separated environment variable or a default
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
