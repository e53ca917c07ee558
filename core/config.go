package core

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for a harvest worker process. It supports
// three-layer configuration priority:
//  1. Default values (lowest priority)
//  2. Environment variables (medium priority)
//  3. Functional options (highest priority)
//
// Example usage:
//
//	cfg, err := NewConfig(
//	    WithName("harvestd-1"),
//	    WithPort(8080),
//	    WithRedisURL("redis://localhost:6379"),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
type Config struct {
	Name      string `json:"name" env:"HARVEST_NAME"`
	ID        string `json:"id" env:"HARVEST_ID"`
	Port      int    `json:"port" env:"PORT" default:"8080"`
	Address   string `json:"address" env:"HARVEST_ADDRESS"`
	Namespace string `json:"namespace" env:"NAMESPACE" default:"default"`

	// HTTP carries both the operator-facing HTTP surface settings and the
	// Tier 1 (direct fetch) engine's client settings.
	HTTP HTTPConfig `json:"http"`

	// Browser configures the Tier 2 (headless browser) extraction engine.
	Browser BrowserConfig `json:"browser"`

	// Provider configures the Tier 3 (third-party rendering provider) engine.
	Provider ProviderConfig `json:"provider"`

	// Session configures the session pool's trust accounting and on-disk
	// persistence.
	Session SessionConfig `json:"session"`

	// Intervention configures checkpoint TTLs and the expiry sweep.
	Intervention InterventionConfig `json:"intervention"`

	// DomainIntel configures the domain intelligence store backend.
	DomainIntel DomainIntelConfig `json:"domain_intel"`

	// Redis configures the Redis connection used by the domain intel
	// store when DomainIntel.Provider is "redis".
	Redis RedisConfig `json:"redis"`

	// Telemetry configuration (optional module)
	Telemetry TelemetryConfig `json:"telemetry"`

	// Resilience configuration
	Resilience ResilienceConfig `json:"resilience"`

	// Logging configuration
	Logging LoggingConfig `json:"logging"`

	// Development configuration
	Development DevelopmentConfig `json:"development"`

	// Logger instance for configuration operations (excluded from JSON)
	logger Logger `json:"-"`
}

// HTTPConfig contains HTTP server configuration (for the operator-facing
// surface in cmd/harvestd) and Tier 1 fetch client settings.
type HTTPConfig struct {
	ReadTimeout       time.Duration `json:"read_timeout" env:"HARVEST_HTTP_READ_TIMEOUT" default:"30s"`
	ReadHeaderTimeout time.Duration `json:"read_header_timeout" env:"HARVEST_HTTP_READ_HEADER_TIMEOUT" default:"10s"`
	WriteTimeout      time.Duration `json:"write_timeout" env:"HARVEST_HTTP_WRITE_TIMEOUT" default:"30s"`
	IdleTimeout       time.Duration `json:"idle_timeout" env:"HARVEST_HTTP_IDLE_TIMEOUT" default:"120s"`
	ShutdownTimeout   time.Duration `json:"shutdown_timeout" env:"HARVEST_HTTP_SHUTDOWN_TIMEOUT" default:"10s"`
	EnableHealthCheck bool          `json:"enable_health_check" env:"HARVEST_HTTP_HEALTH_CHECK" default:"true"`
	HealthCheckPath   string        `json:"health_check_path" env:"HARVEST_HTTP_HEALTH_PATH" default:"/health"`
	CORS              CORSConfig    `json:"cors"`

	// Tier 1 fetch client
	FetchTimeout  time.Duration `json:"fetch_timeout" env:"HARVEST_FETCH_TIMEOUT" default:"15s"`
	MaxRedirects  int           `json:"max_redirects" env:"HARVEST_FETCH_MAX_REDIRECTS" default:"5"`
	UserAgent     string        `json:"user_agent" env:"HARVEST_FETCH_USER_AGENT" default:"Mozilla/5.0 (compatible; harvest/1.0)"`
}

// CORSConfig contains Cross-Origin Resource Sharing configuration for the
// operator HTTP surface.
type CORSConfig struct {
	Enabled          bool     `json:"enabled" env:"HARVEST_CORS_ENABLED" default:"false"`
	AllowedOrigins   []string `json:"allowed_origins" env:"HARVEST_CORS_ORIGINS"`
	AllowedMethods   []string `json:"allowed_methods" env:"HARVEST_CORS_METHODS" default:"GET,POST,PUT,DELETE,OPTIONS"`
	AllowedHeaders   []string `json:"allowed_headers" env:"HARVEST_CORS_HEADERS" default:"Content-Type,Authorization"`
	AllowCredentials bool     `json:"allow_credentials" env:"HARVEST_CORS_CREDENTIALS" default:"false"`
	MaxAge           int      `json:"max_age" env:"HARVEST_CORS_MAX_AGE" default:"86400"`
}

// BrowserConfig configures the Tier 2 headless-browser extraction engine.
type BrowserConfig struct {
	Enabled       bool          `json:"enabled" env:"HARVEST_BROWSER_ENABLED" default:"true"`
	ExecPath      string        `json:"exec_path" env:"HARVEST_BROWSER_EXEC_PATH"`
	NavTimeout    time.Duration `json:"nav_timeout" env:"HARVEST_BROWSER_NAV_TIMEOUT" default:"30s"`
	ViewportWidth  int          `json:"viewport_width" env:"HARVEST_BROWSER_VIEWPORT_WIDTH" default:"1366"`
	ViewportHeight int          `json:"viewport_height" env:"HARVEST_BROWSER_VIEWPORT_HEIGHT" default:"900"`
	PoolSize      int           `json:"pool_size" env:"HARVEST_BROWSER_POOL_SIZE" default:"2"`
}

// ProviderConfig configures the Tier 3 rendering-provider engine. APIKeys is
// a pool: the provider client rotates through them and marks a key depleted
// (triggering ErrProviderDepleted) rather than failing the whole tier.
type ProviderConfig struct {
	Enabled       bool          `json:"enabled" env:"HARVEST_PROVIDER_ENABLED" default:"false"`
	BaseURL       string        `json:"base_url" env:"HARVEST_PROVIDER_BASE_URL"`
	APIKeys       []string      `json:"-" env:"HARVEST_PROVIDER_API_KEYS"`
	Country       string        `json:"country" env:"HARVEST_PROVIDER_COUNTRY"`
	PremiumProxy  bool          `json:"premium_proxy" env:"HARVEST_PROVIDER_PREMIUM_PROXY" default:"false"`
	Timeout       time.Duration `json:"timeout" env:"HARVEST_PROVIDER_TIMEOUT" default:"45s"`
	RetryAttempts int           `json:"retry_attempts" env:"HARVEST_PROVIDER_RETRY_ATTEMPTS" default:"2"`
	RetryDelay    time.Duration `json:"retry_delay" env:"HARVEST_PROVIDER_RETRY_DELAY" default:"2s"`
}

// SessionConfig configures the session pool's trust accounting and the
// on-disk directory used for atomic per-session persistence.
type SessionConfig struct {
	StorageDir    string        `json:"storage_dir" env:"HARVEST_SESSION_DIR" default:"./data/sessions"`
	TrustFloor    int           `json:"trust_floor" env:"HARVEST_SESSION_TRUST_FLOOR" default:"40"`
	MaxUses       int           `json:"max_uses" env:"HARVEST_SESSION_MAX_USES" default:"200"`
	MaxAge        time.Duration `json:"max_age" env:"HARVEST_SESSION_MAX_AGE" default:"2h"`
	EncryptionKey string        `json:"-" env:"HARVEST_SESSION_ENCRYPTION_KEY"`
}

// InterventionConfig configures checkpoint TTLs (per task kind) and the
// background expiry sweep that reclaims stale tasks.
type InterventionConfig struct {
	LoginRefreshTTL    time.Duration `json:"login_refresh_ttl" env:"HARVEST_INTERVENTION_LOGIN_TTL" default:"24h"`
	SelectorFixTTL     time.Duration `json:"selector_fix_ttl" env:"HARVEST_INTERVENTION_SELECTOR_TTL" default:"72h"`
	FieldConfirmTTL    time.Duration `json:"field_confirm_ttl" env:"HARVEST_INTERVENTION_FIELD_TTL" default:"168h"`
	ManualAccessTTL    time.Duration `json:"manual_access_ttl" env:"HARVEST_INTERVENTION_MANUAL_TTL" default:"336h"`
	ExpirySweepCron    string        `json:"expiry_sweep_cron" env:"HARVEST_INTERVENTION_SWEEP_CRON" default:"*/5 * * * *"`
	ThrottlePerJob     int           `json:"throttle_per_job" env:"HARVEST_INTERVENTION_THROTTLE_JOB" default:"5"`
	ThrottlePerDomain  int           `json:"throttle_per_domain" env:"HARVEST_INTERVENTION_THROTTLE_DOMAIN" default:"20"`
}

// DomainIntelConfig selects the backend for the Domain Intelligence Store.
// Supports in-memory storage (default, single-process) or Redis for
// distributed/shared state across multiple harvestd workers.
type DomainIntelConfig struct {
	Provider        string        `json:"provider" env:"HARVEST_DOMAININTEL_PROVIDER" default:"inmemory"`
	MaxSize         int           `json:"max_size" env:"HARVEST_DOMAININTEL_MAX_SIZE" default:"10000"`
	DefaultTTL      time.Duration `json:"default_ttl" env:"HARVEST_DOMAININTEL_DEFAULT_TTL" default:"1h"`
	CleanupInterval time.Duration `json:"cleanup_interval" env:"HARVEST_DOMAININTEL_CLEANUP_INTERVAL" default:"10m"`
}

// RedisConfig is the shared connection used by every Redis-backed subsystem.
// Each subsystem still selects its own logical DB (see constants.go) so one
// Redis instance can safely host all of them.
type RedisConfig struct {
	URL string `json:"-" env:"HARVEST_REDIS_URL,REDIS_URL"`
}

// TelemetryConfig contains observability configuration for metrics and
// distributed tracing via OpenTelemetry. Optional - only initialized when
// Enabled=true.
type TelemetryConfig struct {
	Enabled        bool    `json:"enabled" env:"HARVEST_TELEMETRY_ENABLED" default:"false"`
	Endpoint       string  `json:"endpoint" env:"HARVEST_TELEMETRY_ENDPOINT,OTEL_EXPORTER_OTLP_ENDPOINT"`
	ServiceName    string  `json:"service_name" env:"HARVEST_TELEMETRY_SERVICE_NAME,OTEL_SERVICE_NAME"`
	MetricsEnabled bool    `json:"metrics_enabled" env:"HARVEST_TELEMETRY_METRICS" default:"true"`
	TracingEnabled bool    `json:"tracing_enabled" env:"HARVEST_TELEMETRY_TRACING" default:"true"`
	SamplingRate   float64 `json:"sampling_rate" env:"HARVEST_TELEMETRY_SAMPLING_RATE" default:"1.0"`
	Insecure       bool    `json:"insecure" env:"HARVEST_TELEMETRY_INSECURE" default:"true"`
}

// ResilienceConfig contains fault tolerance pattern configuration. It is
// loaded and validated here; no other package of this module reads it.
type ResilienceConfig struct {
	CircuitBreaker CircuitBreakerConfig `json:"circuit_breaker"`
	Retry          RetryConfig          `json:"retry"`
	Timeout        TimeoutConfig        `json:"timeout"`
}

// CircuitBreakerConfig defines circuit breaker pattern settings.
type CircuitBreakerConfig struct {
	Enabled          bool          `json:"enabled" env:"HARVEST_CB_ENABLED" default:"true"`
	Threshold        int           `json:"threshold" env:"HARVEST_CB_THRESHOLD" default:"5"`
	Timeout          time.Duration `json:"timeout" env:"HARVEST_CB_TIMEOUT" default:"30s"`
	HalfOpenRequests int           `json:"half_open_requests" env:"HARVEST_CB_HALF_OPEN" default:"3"`
}

// RetryConfig defines retry pattern settings with exponential backoff.
// Formula: interval = min(InitialInterval * (Multiplier ^ attempt), MaxInterval)
type RetryConfig struct {
	MaxAttempts     int           `json:"max_attempts" env:"HARVEST_RETRY_MAX_ATTEMPTS" default:"3"`
	InitialInterval time.Duration `json:"initial_interval" env:"HARVEST_RETRY_INITIAL_INTERVAL" default:"1s"`
	MaxInterval     time.Duration `json:"max_interval" env:"HARVEST_RETRY_MAX_INTERVAL" default:"30s"`
	Multiplier      float64       `json:"multiplier" env:"HARVEST_RETRY_MULTIPLIER" default:"2.0"`
}

// TimeoutConfig defines default/max timeouts for run attempts.
type TimeoutConfig struct {
	DefaultTimeout time.Duration `json:"default_timeout" env:"HARVEST_TIMEOUT_DEFAULT" default:"30s"`
	MaxTimeout     time.Duration `json:"max_timeout" env:"HARVEST_TIMEOUT_MAX" default:"5m"`
}

// LoggingConfig contains logging configuration. Supports structured (JSON)
// and human-readable (text) formats.
type LoggingConfig struct {
	Level      string `json:"level" env:"HARVEST_LOG_LEVEL" default:"info"`
	Format     string `json:"format" env:"HARVEST_LOG_FORMAT" default:"json"`
	Output     string `json:"output" env:"HARVEST_LOG_OUTPUT" default:"stdout"`
	TimeFormat string `json:"time_format" env:"HARVEST_LOG_TIME_FORMAT" default:"2006-01-02T15:04:05.999999999Z07:00"`
}

// DevelopmentConfig contains settings for local development and testing.
//
// WARNING: Never enable development mode in production!
type DevelopmentConfig struct {
	Enabled        bool `json:"enabled" env:"HARVEST_DEV_MODE" default:"false"`
	MockProviders  bool `json:"mock_providers" env:"HARVEST_MOCK_PROVIDERS" default:"false"`
	DebugLogging   bool `json:"debug_logging" env:"HARVEST_DEBUG" default:"false"`
	PrettyLogs     bool `json:"pretty_logs" env:"HARVEST_PRETTY_LOGS" default:"false"`
}

// Option is a functional option for configuring the worker. Options are
// applied in order and can return an error if the configuration is invalid.
type Option func(*Config) error

// DefaultConfig returns a configuration with sensible defaults, adjusted for
// the detected execution environment (see DetectEnvironment).
func DefaultConfig() *Config {
	cfg := &Config{
		Name:      "harvest-worker",
		Port:      8080,
		Namespace: "default",
		HTTP: HTTPConfig{
			ReadTimeout:       30 * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       120 * time.Second,
			ShutdownTimeout:   10 * time.Second,
			EnableHealthCheck: true,
			HealthCheckPath:   "/health",
			FetchTimeout:      15 * time.Second,
			MaxRedirects:      5,
			UserAgent:         "Mozilla/5.0 (compatible; harvest/1.0)",
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
				AllowedHeaders: []string{"Content-Type", "Authorization"},
				MaxAge:         86400,
			},
		},
		Browser: BrowserConfig{
			Enabled:        true,
			NavTimeout:     30 * time.Second,
			ViewportWidth:  1366,
			ViewportHeight: 900,
			PoolSize:       2,
		},
		Provider: ProviderConfig{
			Timeout:       45 * time.Second,
			RetryAttempts: 2,
			RetryDelay:    2 * time.Second,
		},
		Session: SessionConfig{
			StorageDir: "./data/sessions",
			TrustFloor: DefaultSessionTrustFloor,
			MaxUses:    DefaultSessionMaxUses,
			MaxAge:     DefaultSessionMaxAgeSecond * time.Second,
		},
		Intervention: InterventionConfig{
			LoginRefreshTTL:   DefaultLoginRefreshTTL,
			SelectorFixTTL:    DefaultSelectorFixTTL,
			FieldConfirmTTL:   DefaultFieldConfirmTTL,
			ManualAccessTTL:   DefaultManualAccessTTL,
			ExpirySweepCron:   "*/5 * * * *",
			ThrottlePerJob:    DefaultInterventionThrottlePerJob,
			ThrottlePerDomain: DefaultInterventionThrottlePerDomain,
		},
		DomainIntel: DomainIntelConfig{
			Provider:        "inmemory",
			MaxSize:         10000,
			DefaultTTL:      1 * time.Hour,
			CleanupInterval: 10 * time.Minute,
		},
		Telemetry: TelemetryConfig{
			MetricsEnabled: true,
			TracingEnabled: true,
			SamplingRate:   1.0,
			Insecure:       true,
		},
		Resilience: ResilienceConfig{
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:          true,
				Threshold:        5,
				Timeout:          30 * time.Second,
				HalfOpenRequests: 3,
			},
			Retry: RetryConfig{
				MaxAttempts:     3,
				InitialInterval: 1 * time.Second,
				MaxInterval:     30 * time.Second,
				Multiplier:      2.0,
			},
			Timeout: TimeoutConfig{
				DefaultTimeout: 30 * time.Second,
				MaxTimeout:     5 * time.Minute,
			},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			TimeFormat: time.RFC3339Nano,
		},
	}

	cfg.DetectEnvironment()
	return cfg
}

// DetectEnvironment adjusts configuration defaults based on whether the
// process looks like it's running in Kubernetes (KUBERNETES_SERVICE_HOST
// set) versus local development. Called automatically by DefaultConfig.
func (c *Config) DetectEnvironment() {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		c.Address = "0.0.0.0"
		c.Redis.URL = "redis://redis.default.svc.cluster.local:6379"
		c.Logging.Format = "json"
	} else {
		c.Address = "localhost"
		c.Redis.URL = "redis://localhost:6379"
		if os.Getenv("HARVEST_DEV_MODE") == "" {
			c.Development.Enabled = true
			c.Development.PrettyLogs = true
			c.Logging.Format = "text"
		}
	}
}

// LoadFromEnv loads configuration from environment variables. Environment
// variables take precedence over defaults but are overridden by functional
// options passed to NewConfig.
func (c *Config) LoadFromEnv() error {
	if c.logger != nil {
		c.logger.Info("Loading configuration from environment", map[string]interface{}{
			"config_source": "environment_variables",
		})
	}

	loaded := 0
	loaded += c.loadString(&c.Name, "HARVEST_NAME")
	loaded += c.loadString(&c.ID, "HARVEST_ID")
	loaded += c.loadInt(&c.Port, "PORT")
	loaded += c.loadString(&c.Address, "HARVEST_ADDRESS")
	loaded += c.loadString(&c.Namespace, "NAMESPACE")

	loaded += c.loadDuration(&c.HTTP.ReadTimeout, "HARVEST_HTTP_READ_TIMEOUT")
	loaded += c.loadDuration(&c.HTTP.WriteTimeout, "HARVEST_HTTP_WRITE_TIMEOUT")
	loaded += c.loadDuration(&c.HTTP.FetchTimeout, "HARVEST_FETCH_TIMEOUT")
	loaded += c.loadInt(&c.HTTP.MaxRedirects, "HARVEST_FETCH_MAX_REDIRECTS")
	loaded += c.loadString(&c.HTTP.UserAgent, "HARVEST_FETCH_USER_AGENT")
	loaded += c.loadBool(&c.HTTP.CORS.Enabled, "HARVEST_CORS_ENABLED")
	loaded += c.loadStringList(&c.HTTP.CORS.AllowedOrigins, "HARVEST_CORS_ORIGINS")

	loaded += c.loadBool(&c.Browser.Enabled, "HARVEST_BROWSER_ENABLED")
	loaded += c.loadString(&c.Browser.ExecPath, "HARVEST_BROWSER_EXEC_PATH")
	loaded += c.loadDuration(&c.Browser.NavTimeout, "HARVEST_BROWSER_NAV_TIMEOUT")
	loaded += c.loadInt(&c.Browser.ViewportWidth, "HARVEST_BROWSER_VIEWPORT_WIDTH")
	loaded += c.loadInt(&c.Browser.ViewportHeight, "HARVEST_BROWSER_VIEWPORT_HEIGHT")
	loaded += c.loadInt(&c.Browser.PoolSize, "HARVEST_BROWSER_POOL_SIZE")

	loaded += c.loadBool(&c.Provider.Enabled, "HARVEST_PROVIDER_ENABLED")
	loaded += c.loadString(&c.Provider.BaseURL, "HARVEST_PROVIDER_BASE_URL")
	loaded += c.loadStringList(&c.Provider.APIKeys, "HARVEST_PROVIDER_API_KEYS")
	loaded += c.loadString(&c.Provider.Country, "HARVEST_PROVIDER_COUNTRY")
	loaded += c.loadBool(&c.Provider.PremiumProxy, "HARVEST_PROVIDER_PREMIUM_PROXY")
	loaded += c.loadDuration(&c.Provider.Timeout, "HARVEST_PROVIDER_TIMEOUT")

	loaded += c.loadString(&c.Session.StorageDir, "HARVEST_SESSION_DIR")
	loaded += c.loadInt(&c.Session.TrustFloor, "HARVEST_SESSION_TRUST_FLOOR")
	loaded += c.loadInt(&c.Session.MaxUses, "HARVEST_SESSION_MAX_USES")
	loaded += c.loadDuration(&c.Session.MaxAge, "HARVEST_SESSION_MAX_AGE")
	loaded += c.loadString(&c.Session.EncryptionKey, "HARVEST_SESSION_ENCRYPTION_KEY")

	loaded += c.loadDuration(&c.Intervention.LoginRefreshTTL, "HARVEST_INTERVENTION_LOGIN_TTL")
	loaded += c.loadDuration(&c.Intervention.SelectorFixTTL, "HARVEST_INTERVENTION_SELECTOR_TTL")
	loaded += c.loadDuration(&c.Intervention.FieldConfirmTTL, "HARVEST_INTERVENTION_FIELD_TTL")
	loaded += c.loadDuration(&c.Intervention.ManualAccessTTL, "HARVEST_INTERVENTION_MANUAL_TTL")
	loaded += c.loadString(&c.Intervention.ExpirySweepCron, "HARVEST_INTERVENTION_SWEEP_CRON")
	loaded += c.loadInt(&c.Intervention.ThrottlePerJob, "HARVEST_INTERVENTION_THROTTLE_JOB")
	loaded += c.loadInt(&c.Intervention.ThrottlePerDomain, "HARVEST_INTERVENTION_THROTTLE_DOMAIN")

	loaded += c.loadString(&c.DomainIntel.Provider, "HARVEST_DOMAININTEL_PROVIDER")
	loaded += c.loadInt(&c.DomainIntel.MaxSize, "HARVEST_DOMAININTEL_MAX_SIZE")
	loaded += c.loadDuration(&c.DomainIntel.DefaultTTL, "HARVEST_DOMAININTEL_DEFAULT_TTL")

	if v := firstNonEmptyEnv("HARVEST_REDIS_URL", "REDIS_URL"); v != "" {
		c.Redis.URL = v
		loaded++
	}

	loaded += c.loadBool(&c.Telemetry.Enabled, "HARVEST_TELEMETRY_ENABLED")
	if v := firstNonEmptyEnv("HARVEST_TELEMETRY_ENDPOINT", "OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.Endpoint = v
		loaded++
	}
	if v := firstNonEmptyEnv("HARVEST_TELEMETRY_SERVICE_NAME", "OTEL_SERVICE_NAME"); v != "" {
		c.Telemetry.ServiceName = v
		loaded++
	}

	loaded += c.loadBool(&c.Resilience.CircuitBreaker.Enabled, "HARVEST_CB_ENABLED")
	loaded += c.loadInt(&c.Resilience.CircuitBreaker.Threshold, "HARVEST_CB_THRESHOLD")
	loaded += c.loadDuration(&c.Resilience.CircuitBreaker.Timeout, "HARVEST_CB_TIMEOUT")
	loaded += c.loadInt(&c.Resilience.Retry.MaxAttempts, "HARVEST_RETRY_MAX_ATTEMPTS")

	loaded += c.loadString(&c.Logging.Level, "HARVEST_LOG_LEVEL")
	loaded += c.loadString(&c.Logging.Format, "HARVEST_LOG_FORMAT")

	loaded += c.loadBool(&c.Development.Enabled, "HARVEST_DEV_MODE")
	loaded += c.loadBool(&c.Development.MockProviders, "HARVEST_MOCK_PROVIDERS")
	loaded += c.loadBool(&c.Development.DebugLogging, "HARVEST_DEBUG")

	if c.logger != nil {
		c.logger.Debug("Environment configuration loaded", map[string]interface{}{
			"vars_loaded": loaded,
		})
	}

	return nil
}

func firstNonEmptyEnv(names ...string) string {
	for _, n := range names {
		if v := os.Getenv(n); v != "" {
			return v
		}
	}
	return ""
}

func (c *Config) loadString(dst *string, name string) int {
	v := os.Getenv(name)
	if v == "" {
		return 0
	}
	*dst = v
	return 1
}

func (c *Config) loadStringList(dst *[]string, name string) int {
	v := os.Getenv(name)
	if v == "" {
		return 0
	}
	*dst = parseStringList(v)
	return 1
}

func (c *Config) loadBool(dst *bool, name string) int {
	v := os.Getenv(name)
	if v == "" {
		return 0
	}
	b, err := parseBool(v)
	if err != nil {
		if c.logger != nil {
			c.logger.Warn("Invalid bool in environment variable", map[string]interface{}{name: v, "error": err})
		}
		return 0
	}
	*dst = b
	return 1
}

func (c *Config) loadInt(dst *int, name string) int {
	v := os.Getenv(name)
	if v == "" {
		return 0
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		if c.logger != nil {
			c.logger.Warn("Invalid int in environment variable", map[string]interface{}{name: v, "error": err})
		}
		return 0
	}
	*dst = i
	return 1
}

func (c *Config) loadDuration(dst *time.Duration, name string) int {
	v := os.Getenv(name)
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		if c.logger != nil {
			c.logger.Warn("Invalid duration in environment variable", map[string]interface{}{name: v, "error": err})
		}
		return 0
	}
	*dst = d
	return 1
}

// LoadFromFile loads configuration from a JSON or YAML file, overlaying it
// onto the receiver's current values. Relative paths are resolved against
// the process working directory.
func (c *Config) LoadFromFile(path string) error {
	if !filepath.IsAbs(path) {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("resolving config path: %w", err)
		}
		path = filepath.Join(wd, path)
	}

	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".json" && ext != ".yaml" && ext != ".yml" {
		return fmt.Errorf("unsupported config file extension %q: %w", ext, ErrInvalidConfiguration)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file %s: %w", path, err)
	}

	switch ext {
	case ".json":
		if err := json.Unmarshal(data, c); err != nil {
			return fmt.Errorf("parsing JSON config %s: %w", path, err)
		}
	default:
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("parsing YAML config %s: %w", path, err)
		}
	}

	if c.logger != nil {
		c.logger.Info("Configuration loaded from file", map[string]interface{}{
			"path": path,
		})
	}
	return nil
}

// Validate checks the final configuration for internal consistency.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return &FrameworkError{Op: "Config.Validate", Kind: "config",
			Message: fmt.Sprintf("port %d out of range [1,65535]", c.Port), Err: ErrInvalidConfiguration}
	}
	if c.Name == "" {
		return &FrameworkError{Op: "Config.Validate", Kind: "config",
			Message: "name is required", Err: ErrMissingConfiguration}
	}
	if c.Session.TrustFloor < 0 || c.Session.TrustFloor > 100 {
		return &FrameworkError{Op: "Config.Validate", Kind: "config",
			Message: "session trust floor must be in [0,100]", Err: ErrInvalidConfiguration}
	}
	if c.Provider.Enabled && len(c.Provider.APIKeys) == 0 && !c.Development.MockProviders {
		return &FrameworkError{Op: "Config.Validate", Kind: "config",
			Message: "provider engine enabled but no API keys configured", Err: ErrMissingConfiguration}
	}
	if c.Telemetry.Enabled && c.Telemetry.Endpoint == "" {
		return &FrameworkError{Op: "Config.Validate", Kind: "config",
			Message: "telemetry enabled but endpoint is empty", Err: ErrMissingConfiguration}
	}
	if c.DomainIntel.Provider == "redis" && c.Redis.URL == "" {
		return &FrameworkError{Op: "Config.Validate", Kind: "config",
			Message: "redis-backed domain intel requires a redis URL", Err: ErrMissingConfiguration}
	}
	return nil
}

func parseStringList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseBool(v string) (bool, error) {
	return strconv.ParseBool(v)
}

// --- Functional options -----------------------------------------------------

func WithName(name string) Option {
	return func(c *Config) error {
		if name == "" {
			return fmt.Errorf("name cannot be empty: %w", ErrInvalidConfiguration)
		}
		c.Name = name
		return nil
	}
}

func WithPort(port int) Option {
	return func(c *Config) error {
		if port < 1 || port > 65535 {
			return fmt.Errorf("port %d out of range: %w", port, ErrInvalidConfiguration)
		}
		c.Port = port
		return nil
	}
}

func WithAddress(address string) Option {
	return func(c *Config) error {
		c.Address = address
		return nil
	}
}

func WithNamespace(namespace string) Option {
	return func(c *Config) error {
		c.Namespace = namespace
		return nil
	}
}

func WithRedisURL(url string) Option {
	return func(c *Config) error {
		c.Redis.URL = url
		return nil
	}
}

func WithSessionStorageDir(dir string) Option {
	return func(c *Config) error {
		c.Session.StorageDir = dir
		return nil
	}
}

func WithSessionTrustFloor(floor int) Option {
	return func(c *Config) error {
		if floor < 0 || floor > 100 {
			return fmt.Errorf("trust floor %d out of range: %w", floor, ErrInvalidConfiguration)
		}
		c.Session.TrustFloor = floor
		return nil
	}
}

func WithProviderAPIKeys(keys ...string) Option {
	return func(c *Config) error {
		c.Provider.APIKeys = keys
		c.Provider.Enabled = len(keys) > 0
		return nil
	}
}

func WithBrowserEnabled(enabled bool) Option {
	return func(c *Config) error {
		c.Browser.Enabled = enabled
		return nil
	}
}

func WithTelemetry(enabled bool, endpoint string) Option {
	return func(c *Config) error {
		c.Telemetry.Enabled = enabled
		c.Telemetry.Endpoint = endpoint
		return nil
	}
}

func WithLogLevel(level string) Option {
	return func(c *Config) error {
		c.Logging.Level = level
		return nil
	}
}

func WithLogFormat(format string) Option {
	return func(c *Config) error {
		if format != "json" && format != "text" {
			return fmt.Errorf("unknown log format %q: %w", format, ErrInvalidConfiguration)
		}
		c.Logging.Format = format
		return nil
	}
}

func WithCircuitBreaker(threshold int, timeout time.Duration) Option {
	return func(c *Config) error {
		c.Resilience.CircuitBreaker.Enabled = true
		c.Resilience.CircuitBreaker.Threshold = threshold
		c.Resilience.CircuitBreaker.Timeout = timeout
		return nil
	}
}

func WithRetry(maxAttempts int, initialInterval time.Duration) Option {
	return func(c *Config) error {
		c.Resilience.Retry.MaxAttempts = maxAttempts
		c.Resilience.Retry.InitialInterval = initialInterval
		return nil
	}
}

func WithConfigFile(path string) Option {
	return func(c *Config) error {
		return c.LoadFromFile(path)
	}
}

func WithDevelopmentMode(enabled bool) Option {
	return func(c *Config) error {
		c.Development.Enabled = enabled
		if enabled {
			c.Development.PrettyLogs = true
			c.Logging.Format = "text"
		}
		return nil
	}
}

func WithMockProviders(enabled bool) Option {
	return func(c *Config) error {
		c.Development.MockProviders = enabled
		return nil
	}
}

func WithLogger(logger Logger) Option {
	return func(c *Config) error {
		c.logger = logger
		return nil
	}
}

// NewConfig creates a new configuration with the provided options, applied
// in the order: defaults -> environment variables -> functional options ->
// validation.
func NewConfig(opts ...Option) (*Config, error) {
	cfg := DefaultConfig()

	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load env config: %w", err)
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	if cfg.logger == nil {
		logger := NewProductionLogger(cfg.Logging, cfg.Development, cfg.Name)
		if prodLogger, ok := logger.(*ProductionLogger); ok {
			trackLogger(prodLogger)
		}
		cfg.logger = logger
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// ============================================================================
// ProductionLogger
// ============================================================================

// ProductionLogger is the default Logger/ComponentAwareLogger implementation,
// writing structured (JSON) or human-readable log lines and, once telemetry
// has registered itself via SetMetricsRegistry, emitting a matching metric
// per log event.
type ProductionLogger struct {
	level       string
	debug       bool
	serviceName string
	component   string
	format      string
	output      io.Writer

	metricsEnabled bool
}

// NewProductionLogger creates a logger from LoggingConfig.
func NewProductionLogger(logging LoggingConfig, dev DevelopmentConfig, serviceName string) Logger {
	var output io.Writer = os.Stdout
	if logging.Output == "stderr" {
		output = os.Stderr
	}

	return &ProductionLogger{
		level:       strings.ToLower(logging.Level),
		debug:       dev.DebugLogging || logging.Level == "debug",
		serviceName: serviceName,
		format:      logging.Format,
		output:      output,
	}
}

// EnableMetrics is called by the telemetry package once it has registered a
// MetricsRegistry, turning on the metrics-emission side of logEvent.
func (p *ProductionLogger) EnableMetrics() {
	p.metricsEnabled = true
}

// WithComponent returns a logger that tags every line with component,
// sharing this logger's level/format/output/metrics settings.
func (p *ProductionLogger) WithComponent(component string) Logger {
	clone := *p
	clone.component = component
	return &clone
}

// GetComponent returns the component this logger tags its lines with.
func (p *ProductionLogger) GetComponent() string { return p.component }

func (p *ProductionLogger) Info(msg string, fields map[string]interface{})  { p.logEvent("INFO", msg, fields, nil) }
func (p *ProductionLogger) Error(msg string, fields map[string]interface{}) { p.logEvent("ERROR", msg, fields, nil) }
func (p *ProductionLogger) Warn(msg string, fields map[string]interface{})  { p.logEvent("WARN", msg, fields, nil) }
func (p *ProductionLogger) Debug(msg string, fields map[string]interface{}) {
	if p.debug {
		p.logEvent("DEBUG", msg, fields, nil)
	}
}

func (p *ProductionLogger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.logEvent("INFO", msg, fields, ctx)
}
func (p *ProductionLogger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.logEvent("ERROR", msg, fields, ctx)
}
func (p *ProductionLogger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.logEvent("WARN", msg, fields, ctx)
}
func (p *ProductionLogger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	if p.debug {
		p.logEvent("DEBUG", msg, fields, ctx)
	}
}

func (p *ProductionLogger) logEvent(level, msg string, fields map[string]interface{}, ctx context.Context) {
	timestamp := time.Now().Format(time.RFC3339)
	component := p.component
	if component == "" {
		component = "harvest"
	}

	if p.format == "json" {
		logEntry := map[string]interface{}{
			"timestamp": timestamp,
			"level":     level,
			"service":   p.serviceName,
			"component": component,
			"message":   msg,
		}
		if ctx != nil && p.metricsEnabled {
			for k, v := range getContextBaggage(ctx) {
				logEntry["trace."+k] = v
			}
		}
		for k, v := range fields {
			logEntry[k] = v
		}
		if data, err := json.Marshal(logEntry); err == nil {
			fmt.Fprintln(p.output, string(data))
		}
	} else {
		traceInfo := ""
		if ctx != nil && p.metricsEnabled {
			if baggage := getContextBaggage(ctx); baggage["request_id"] != "" {
				traceInfo = fmt.Sprintf("[req=%s] ", baggage["request_id"])
			}
		}
		var fieldStr strings.Builder
		if len(fields) > 0 {
			fieldStr.WriteString(" ")
			for k, v := range fields {
				fieldStr.WriteString(fmt.Sprintf("%s=%v ", k, v))
			}
		}
		fmt.Fprintf(p.output, "%s [%s] [%s/%s] %s%s%s\n",
			timestamp, level, p.serviceName, component, traceInfo, msg, fieldStr.String())
	}

	if p.metricsEnabled {
		p.emitLogMetric(level, component, ctx)
	}
}

func (p *ProductionLogger) emitLogMetric(level, component string, ctx context.Context) {
	labels := []string{"level", level, "service", p.serviceName, "component", component}
	if ctx != nil {
		emitMetricWithContext(ctx, "harvest.log.events", 1.0, labels...)
	} else {
		emitMetric("harvest.log.events", 1.0, labels...)
	}
}

func emitMetric(name string, value float64, labels ...string) {
	if globalMetricsRegistry != nil {
		globalMetricsRegistry.Counter(name, labels...)
	}
}

func emitMetricWithContext(ctx context.Context, name string, value float64, labels ...string) {
	if globalMetricsRegistry != nil {
		globalMetricsRegistry.EmitWithContext(ctx, name, value, labels...)
	}
}

func getContextBaggage(ctx context.Context) map[string]string {
	if globalMetricsRegistry != nil {
		return globalMetricsRegistry.GetBaggage(ctx)
	}
	return make(map[string]string)
}
