package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the complete application configuration.
type Config struct {
	ListenAddr      string   `yaml:"listen_addr" env:"LISTEN_ADDR"`
	LogLevel        string   `yaml:"log_level" env:"LOG_LEVEL"`
	CredentialsFile string   `yaml:"credentials_file" env:"CREDENTIALS_FILE"`
	VHostSuffixes   []string `yaml:"vhost_suffixes" env:"VHOST_SUFFIXES"` // Domains for virtual-hosted bucket addressing

	Auth      AuthConfig      `yaml:"auth"`
	Relay     RelayConfig     `yaml:"relay"`
	Pool      PoolConfig      `yaml:"pool"`
	Health    HealthConfig    `yaml:"health"`
	Audit     AuditConfig     `yaml:"audit"`
	TLS       TLSConfig       `yaml:"tls"`
	Server    ServerConfig    `yaml:"server"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

// AuthConfig holds signature verification configuration.
type AuthConfig struct {
	SkewWindow time.Duration `yaml:"skew_window" env:"AUTH_SKEW_WINDOW"` // Accepted clock difference for request timestamps
}

// RelayConfig holds request forwarding configuration.
type RelayConfig struct {
	MaxAttempts    int           `yaml:"max_attempts" env:"RELAY_MAX_ATTEMPTS"`        // Backend attempts for idempotent requests
	RetryBaseDelay time.Duration `yaml:"retry_base_delay" env:"RELAY_RETRY_BASE_DELAY"` // First backoff step, doubled per attempt
}

// PoolConfig holds backend connection pool configuration.
type PoolConfig struct {
	MaxPerEndpoint        int64         `yaml:"max_per_endpoint" env:"POOL_MAX_PER_ENDPOINT"`
	AcquireTimeout        time.Duration `yaml:"acquire_timeout" env:"POOL_ACQUIRE_TIMEOUT"`
	IdleTTL               time.Duration `yaml:"idle_ttl" env:"POOL_IDLE_TTL"`
	SweepInterval         time.Duration `yaml:"sweep_interval" env:"POOL_SWEEP_INTERVAL"`
	TLSInsecureSkipVerify bool          `yaml:"tls_insecure_skip_verify" env:"POOL_TLS_INSECURE_SKIP_VERIFY"`
}

// HealthConfig holds backend probing configuration.
type HealthConfig struct {
	ProbeInterval time.Duration `yaml:"probe_interval" env:"HEALTH_PROBE_INTERVAL"`
}

// TLSConfig holds TLS configuration.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled" env:"TLS_ENABLED"`
	CertFile string `yaml:"cert_file" env:"TLS_CERT_FILE"`
	KeyFile  string `yaml:"key_file" env:"TLS_KEY_FILE"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	// ReadTimeout and WriteTimeout default to 0: bodies stream for as long
	// as the transfer takes, so only the header read is bounded.
	ReadTimeout       time.Duration `yaml:"read_timeout" env:"SERVER_READ_TIMEOUT"`
	WriteTimeout      time.Duration `yaml:"write_timeout" env:"SERVER_WRITE_TIMEOUT"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" env:"SERVER_IDLE_TIMEOUT"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" env:"SERVER_READ_HEADER_TIMEOUT"`
	MaxHeaderBytes    int           `yaml:"max_header_bytes" env:"SERVER_MAX_HEADER_BYTES"`
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	Enabled bool          `yaml:"enabled" env:"RATE_LIMIT_ENABLED"`
	Limit   int           `yaml:"limit" env:"RATE_LIMIT_REQUESTS"`
	Window  time.Duration `yaml:"window" env:"RATE_LIMIT_WINDOW"`
}

// AuditConfig holds audit logging configuration.
type AuditConfig struct {
	Enabled   bool `yaml:"enabled" env:"AUDIT_ENABLED"`
	MaxEvents int  `yaml:"max_events" env:"AUDIT_MAX_EVENTS"` // Max events to keep in memory
}

// TracingConfig holds OpenTelemetry tracing configuration.
type TracingConfig struct {
	Enabled        bool    `yaml:"enabled" env:"TRACING_ENABLED"`
	ServiceName    string  `yaml:"service_name" env:"TRACING_SERVICE_NAME"`
	ServiceVersion string  `yaml:"service_version" env:"TRACING_SERVICE_VERSION"`
	Exporter       string  `yaml:"exporter" env:"TRACING_EXPORTER"`           // stdout or otlp
	OtlpEndpoint   string  `yaml:"otlp_endpoint" env:"TRACING_OTLP_ENDPOINT"` // OTLP gRPC endpoint
	SamplingRatio  float64 `yaml:"sampling_ratio" env:"TRACING_SAMPLING_RATIO"`
}

// LoadConfig loads configuration from a file and environment variables.
func LoadConfig(path string) (*Config, error) {
	config := &Config{
		ListenAddr: ":8080",
		LogLevel:   "info",
		Auth: AuthConfig{
			SkewWindow: 15 * time.Minute,
		},
		Relay: RelayConfig{
			MaxAttempts:    3,
			RetryBaseDelay: 100 * time.Millisecond,
		},
		Pool: PoolConfig{
			MaxPerEndpoint: 64,
			AcquireTimeout: 5 * time.Second,
			IdleTTL:        90 * time.Second,
			SweepInterval:  15 * time.Second,
		},
		Health: HealthConfig{
			ProbeInterval: 30 * time.Second,
		},
		Server: ServerConfig{
			IdleTimeout:       60 * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
			MaxHeaderBytes:    1 << 20, // 1MB
		},
		RateLimit: RateLimitConfig{
			Enabled: false,
			Limit:   100,
			Window:  60 * time.Second,
		},
		Audit: AuditConfig{
			Enabled:   false,
			MaxEvents: 10000,
		},
		Tracing: TracingConfig{
			Enabled:        false,
			ServiceName:    "s3-credential-proxy",
			ServiceVersion: "dev",
			Exporter:       "stdout",
			SamplingRatio:  1.0,
		},
	}

	// Load from file if provided
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if len(data) > 0 {
			if err := yaml.Unmarshal(data, config); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	// Override with environment variables
	loadFromEnv(config)

	// Validate configuration
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// loadFromEnv loads configuration values from environment variables.
func loadFromEnv(config *Config) {
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		config.ListenAddr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		config.LogLevel = v
	}
	if v := os.Getenv("CREDENTIALS_FILE"); v != "" {
		config.CredentialsFile = v
	}
	if v := os.Getenv("VHOST_SUFFIXES"); v != "" {
		// Comma-separated list of domains
		config.VHostSuffixes = strings.Split(v, ",")
		for i := range config.VHostSuffixes {
			config.VHostSuffixes[i] = strings.TrimSpace(config.VHostSuffixes[i])
		}
	}
	if v := os.Getenv("AUTH_SKEW_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Auth.SkewWindow = d
		}
	}
	if v := os.Getenv("RELAY_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.Relay.MaxAttempts = n
		}
	}
	if v := os.Getenv("RELAY_RETRY_BASE_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Relay.RetryBaseDelay = d
		}
	}
	if v := os.Getenv("POOL_MAX_PER_ENDPOINT"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			config.Pool.MaxPerEndpoint = n
		}
	}
	if v := os.Getenv("POOL_ACQUIRE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Pool.AcquireTimeout = d
		}
	}
	if v := os.Getenv("POOL_IDLE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Pool.IdleTTL = d
		}
	}
	if v := os.Getenv("POOL_SWEEP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Pool.SweepInterval = d
		}
	}
	if v := os.Getenv("POOL_TLS_INSECURE_SKIP_VERIFY"); v != "" {
		config.Pool.TLSInsecureSkipVerify = v == "true" || v == "1"
	}
	if v := os.Getenv("HEALTH_PROBE_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Health.ProbeInterval = d
		}
	}
	if v := os.Getenv("TLS_ENABLED"); v != "" {
		config.TLS.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("TLS_CERT_FILE"); v != "" {
		config.TLS.CertFile = v
	}
	if v := os.Getenv("TLS_KEY_FILE"); v != "" {
		config.TLS.KeyFile = v
	}
	// Server timeouts from environment
	if v := os.Getenv("SERVER_READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Server.ReadTimeout = d
		}
	}
	if v := os.Getenv("SERVER_WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Server.WriteTimeout = d
		}
	}
	if v := os.Getenv("SERVER_IDLE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Server.IdleTimeout = d
		}
	}
	if v := os.Getenv("SERVER_READ_HEADER_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Server.ReadHeaderTimeout = d
		}
	}
	if v := os.Getenv("SERVER_MAX_HEADER_BYTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.Server.MaxHeaderBytes = n
		}
	}
	if v := os.Getenv("RATE_LIMIT_ENABLED"); v != "" {
		config.RateLimit.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("RATE_LIMIT_REQUESTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.RateLimit.Limit = n
		}
	}
	if v := os.Getenv("RATE_LIMIT_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.RateLimit.Window = d
		}
	}
	// Audit configuration
	if v := os.Getenv("AUDIT_ENABLED"); v != "" {
		config.Audit.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("AUDIT_MAX_EVENTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.Audit.MaxEvents = n
		}
	}
	// Tracing configuration
	if v := os.Getenv("TRACING_ENABLED"); v != "" {
		config.Tracing.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("TRACING_SERVICE_NAME"); v != "" {
		config.Tracing.ServiceName = v
	}
	if v := os.Getenv("TRACING_SERVICE_VERSION"); v != "" {
		config.Tracing.ServiceVersion = v
	}
	if v := os.Getenv("TRACING_EXPORTER"); v != "" {
		config.Tracing.Exporter = v
	}
	if v := os.Getenv("TRACING_OTLP_ENDPOINT"); v != "" {
		config.Tracing.OtlpEndpoint = v
	}
	if v := os.Getenv("TRACING_SAMPLING_RATIO"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			config.Tracing.SamplingRatio = f
		}
	}
}

// Validate validates the configuration and returns an error if invalid.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}

	if c.CredentialsFile == "" {
		return fmt.Errorf("credentials_file is required")
	}

	if c.LogLevel != "" {
		validLevels := map[string]bool{
			"debug": true,
			"info":  true,
			"warn":  true,
			"error": true,
		}
		if !validLevels[c.LogLevel] {
			return fmt.Errorf("invalid log_level: %s (must be debug, info, warn, or error)", c.LogLevel)
		}
	}

	for _, suffix := range c.VHostSuffixes {
		if suffix == "" || strings.HasPrefix(suffix, ".") {
			return fmt.Errorf("invalid vhost_suffixes entry: %q", suffix)
		}
	}

	if c.Auth.SkewWindow <= 0 {
		return fmt.Errorf("auth.skew_window must be positive")
	}

	if c.Relay.MaxAttempts < 1 {
		return fmt.Errorf("relay.max_attempts must be at least 1")
	}

	if c.Pool.MaxPerEndpoint < 1 {
		return fmt.Errorf("pool.max_per_endpoint must be at least 1")
	}

	// Validate TLS configuration
	if c.TLS.Enabled {
		if c.TLS.CertFile == "" {
			return fmt.Errorf("tls.cert_file is required when TLS is enabled")
		}
		if c.TLS.KeyFile == "" {
			return fmt.Errorf("tls.key_file is required when TLS is enabled")
		}
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.Limit < 1 {
			return fmt.Errorf("rate_limit.limit must be at least 1")
		}
		if c.RateLimit.Window <= 0 {
			return fmt.Errorf("rate_limit.window must be positive")
		}
	}

	if c.Tracing.Enabled {
		if c.Tracing.ServiceName == "" {
			return fmt.Errorf("tracing.service_name is required when tracing is enabled")
		}
		switch c.Tracing.Exporter {
		case "stdout", "otlp":
		default:
			return fmt.Errorf("invalid tracing.exporter: %s (must be stdout or otlp)", c.Tracing.Exporter)
		}
		if c.Tracing.Exporter == "otlp" && c.Tracing.OtlpEndpoint == "" {
			return fmt.Errorf("tracing.otlp_endpoint is required when exporter is otlp")
		}
		if c.Tracing.SamplingRatio < 0 || c.Tracing.SamplingRatio > 1 {
			return fmt.Errorf("tracing.sampling_ratio must be between 0.0 and 1.0")
		}
	}

	return nil
}
