package config

import (
	"fmt"
	"net"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the application configuration
type Config struct {
	// Listener settings
	Server ServerConfig `yaml:"server"`

	// Upstream resolver that allowed queries are forwarded to
	Upstream UpstreamConfig `yaml:"upstream"`

	// Blocklist sources
	Blocklist BlocklistConfig `yaml:"blocklist"`

	// Query log storage
	Storage StorageConfig `yaml:"storage"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`

	// Telemetry (OTEL)
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds listener settings
type ServerConfig struct {
	ListenAddress string `yaml:"listen_address"`
	// MaxInFlight caps concurrently processed queries; 0 disables the limit.
	MaxInFlight int `yaml:"max_in_flight"`
}

// UpstreamConfig holds the upstream resolver settings
type UpstreamConfig struct {
	Address        string               `yaml:"address"`
	Timeout        time.Duration        `yaml:"timeout"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig holds circuit breaker configuration
type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold"` // socket errors before opening
	SuccessThreshold int           `yaml:"success_threshold"` // successes to close from half-open
	OpenTimeout      time.Duration `yaml:"open_timeout"`      // time before half-open
}

// BlocklistConfig holds blocklist sources
type BlocklistConfig struct {
	Files           []string      `yaml:"files"`
	URLs            []string      `yaml:"urls"`
	DownloadTimeout time.Duration `yaml:"download_timeout"`
	// UseSystemResolver resolves URL hosts with the host resolver instead of
	// the configured upstream.
	UseSystemResolver bool `yaml:"use_system_resolver"`
}

// StorageConfig holds query log settings
type StorageConfig struct {
	Enabled       bool          `yaml:"enabled"`
	DatabasePath  string        `yaml:"database_path"`
	BufferSize    int           `yaml:"buffer_size"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	RetentionDays int           `yaml:"retention_days"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level     string `yaml:"level"`      // debug, info, warn, error
	Format    string `yaml:"format"`     // json, text
	Output    string `yaml:"output"`     // stdout, stderr, file
	FilePath  string `yaml:"file_path"`  // if output=file
	AddSource bool   `yaml:"add_source"` // include source file/line
}

// TelemetryConfig holds OpenTelemetry settings
type TelemetryConfig struct {
	Enabled           bool   `yaml:"enabled"`
	ServiceName       string `yaml:"service_name"`
	ServiceVersion    string `yaml:"service_version"`
	PrometheusEnabled bool   `yaml:"prometheus_enabled"`
	PrometheusPort    int    `yaml:"prometheus_port"`
	TracingEnabled    bool   `yaml:"tracing_enabled"`
}

// Load loads the configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// LoadWithDefaults creates a configuration with sensible defaults
func LoadWithDefaults() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults sets default values for unset configuration fields
func (c *Config) applyDefaults() {
	if c.Server.ListenAddress == "" {
		c.Server.ListenAddress = ":53"
	}
	if c.Server.MaxInFlight == 0 {
		c.Server.MaxInFlight = 4096
	}

	if c.Upstream.Address == "" {
		c.Upstream.Address = "8.8.8.8:53"
	}
	if c.Upstream.Timeout == 0 {
		c.Upstream.Timeout = 2000 * time.Millisecond
	}
	if c.Upstream.CircuitBreaker.FailureThreshold == 0 {
		c.Upstream.CircuitBreaker.FailureThreshold = 5
	}
	if c.Upstream.CircuitBreaker.SuccessThreshold == 0 {
		c.Upstream.CircuitBreaker.SuccessThreshold = 2
	}
	if c.Upstream.CircuitBreaker.OpenTimeout == 0 {
		c.Upstream.CircuitBreaker.OpenTimeout = 30 * time.Second
	}

	if c.Blocklist.Files == nil && c.Blocklist.URLs == nil {
		c.Blocklist.Files = []string{"hostnames/blocklist.txt"}
	}
	if c.Blocklist.DownloadTimeout == 0 {
		c.Blocklist.DownloadTimeout = 60 * time.Second
	}

	if c.Storage.DatabasePath == "" {
		c.Storage.DatabasePath = "./pi-blocker.db"
	}
	if c.Storage.BufferSize == 0 {
		c.Storage.BufferSize = 1000
	}
	if c.Storage.BatchSize == 0 {
		c.Storage.BatchSize = 100
	}
	if c.Storage.FlushInterval == 0 {
		c.Storage.FlushInterval = 5 * time.Second
	}
	if c.Storage.RetentionDays == 0 {
		c.Storage.RetentionDays = 7
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}

	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "pi-blocker"
	}
	if c.Telemetry.ServiceVersion == "" {
		c.Telemetry.ServiceVersion = "dev"
	}
	if c.Telemetry.PrometheusPort == 0 {
		c.Telemetry.PrometheusPort = 9090
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.ListenAddress == "" {
		return fmt.Errorf("server.listen_address cannot be empty")
	}
	if c.Server.MaxInFlight < 0 {
		return fmt.Errorf("server.max_in_flight cannot be negative: %d", c.Server.MaxInFlight)
	}

	if c.Upstream.Address == "" {
		return fmt.Errorf("upstream.address cannot be empty")
	}
	if host, _, err := net.SplitHostPort(c.Upstream.Address); err == nil && host == "" {
		return fmt.Errorf("upstream.address has no host: %s", c.Upstream.Address)
	}
	if c.Upstream.Timeout <= 0 {
		return fmt.Errorf("upstream.timeout must be positive")
	}

	if c.Storage.Enabled && c.Storage.DatabasePath == "" {
		return fmt.Errorf("storage.database_path must be set when storage is enabled")
	}

	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("invalid logging format: %s (must be json or text)", c.Logging.Format)
	}

	validOutputs := map[string]bool{
		"stdout": true,
		"stderr": true,
		"file":   true,
	}
	if !validOutputs[c.Logging.Output] {
		return fmt.Errorf("invalid logging output: %s (must be stdout, stderr, or file)", c.Logging.Output)
	}
	if c.Logging.Output == "file" && c.Logging.FilePath == "" {
		return fmt.Errorf("logging.file_path must be set when output is 'file'")
	}

	return nil
}
