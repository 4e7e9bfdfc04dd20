// Package config provides configuration structures and loading logic for the
// route policy service and its policy files.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the global configuration for the service.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Policy    PolicyConfig    `yaml:"policy"`
	Images    ImagesConfig    `yaml:"images"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds configuration for the HTTP servers.
type ServerConfig struct {
	AdminAddress    string        `yaml:"admin_address"`
	DataAddress     string        `yaml:"data_address"`
	UpstreamURL     string        `yaml:"upstream_url"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration        `yaml:"shutdown_timeout"`
	TLS             *TLSConfig           `yaml:"tls,omitempty"`
	CircuitBreaker  CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig controls origin protection on the upstream transport.
type CircuitBreakerConfig struct {
	Enabled              bool          `yaml:"enabled"`
	MaxFailures          int           `yaml:"max_failures"`
	OpenTimeout          time.Duration `yaml:"open_timeout"`
	HalfOpenProbes       int           `yaml:"half_open_probes"`
	Window               time.Duration `yaml:"window"`
	FailureRateThreshold float64       `yaml:"failure_rate_threshold"`
	MinSamples           int           `yaml:"min_samples"`
}

// PolicyConfig points at the route policy file. An empty File selects the
// built-in policy.
type PolicyConfig struct {
	File  string `yaml:"file"`
	Watch bool   `yaml:"watch"`
}

// ImagesConfig holds settings for the image endpoint.
type ImagesConfig struct {
	Path         string        `yaml:"path"`
	FetchTimeout time.Duration `yaml:"fetch_timeout"`
	MaxBytes     int64         `yaml:"max_bytes"`
	Retries      int           `yaml:"retries"`
}

// TelemetryConfig holds configuration for OpenTelemetry.
type TelemetryConfig struct {
	ServiceName  string `yaml:"service_name"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	Insecure     bool   `yaml:"insecure"`
	Environment  string `yaml:"environment"`
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			AdminAddress:    ":19090",
			DataAddress:     ":8080",
			UpstreamURL:     "http://127.0.0.1:3000",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:              true,
				MaxFailures:          5,
				OpenTimeout:          30 * time.Second,
				HalfOpenProbes:       3,
				Window:               30 * time.Second,
				FailureRateThreshold: 50,
				MinSamples:           10,
			},
		},
		Images: ImagesConfig{
			Path:         "/_next/image",
			FetchTimeout: 7 * time.Second,
			MaxBytes:     50 << 20,
			Retries:      2,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "polis-routes",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from a file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		//nolint:gosec // Config file path is controlled by admin/operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if val := os.Getenv("ROUTES_ADMIN_ADDR"); val != "" {
		cfg.Server.AdminAddress = val
	}
	if val := os.Getenv("ROUTES_DATA_ADDR"); val != "" {
		cfg.Server.DataAddress = val
	}
	if val := os.Getenv("ROUTES_UPSTREAM_URL"); val != "" {
		cfg.Server.UpstreamURL = val
	}

	if val := os.Getenv("ROUTES_POLICY_FILE"); val != "" {
		cfg.Policy.File = val
	}
	if val := os.Getenv("ROUTES_POLICY_WATCH"); val == "true" {
		cfg.Policy.Watch = true
	}

	if val := os.Getenv("ROUTES_OTLP_ENDPOINT"); val != "" {
		cfg.Telemetry.OTLPEndpoint = val
	}
	if val := os.Getenv("ROUTES_OTLP_INSECURE"); val == "true" {
		cfg.Telemetry.Insecure = true
	}

	if val := os.Getenv("ROUTES_LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
	if val := os.Getenv("ROUTES_LOG_PRETTY"); val == "true" {
		cfg.Logging.Pretty = true
	}

	if val := os.Getenv("ROUTES_TLS_CERT_FILE"); val != "" {
		if cfg.Server.TLS == nil {
			cfg.Server.TLS = &TLSConfig{}
		}
		cfg.Server.TLS.Enabled = true
		cfg.Server.TLS.CertFile = val
	}
	if val := os.Getenv("ROUTES_TLS_KEY_FILE"); val != "" {
		if cfg.Server.TLS == nil {
			cfg.Server.TLS = &TLSConfig{}
		}
		cfg.Server.TLS.KeyFile = val
	}
}

// Validate performs validation of the entire configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server configuration: %w", err)
	}

	if err := c.Images.Validate(); err != nil {
		return fmt.Errorf("images configuration: %w", err)
	}

	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("telemetry configuration: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging configuration: %w", err)
	}

	return nil
}

// Validate performs validation of server configuration
func (c *ServerConfig) Validate() error {
	if strings.TrimSpace(c.AdminAddress) == "" {
		c.AdminAddress = ":19090"
	}
	if strings.TrimSpace(c.DataAddress) == "" {
		c.DataAddress = ":8080"
	}
	if c.AdminAddress == c.DataAddress {
		return NewConfigValidationError("admin_address", c.AdminAddress, "admin_address conflicts with data_address")
	}

	if strings.TrimSpace(c.UpstreamURL) == "" {
		return NewConfigMissingError("upstream_url").
			WithSuggestion("Set upstream_url to the site origin, e.g. http://127.0.0.1:3000")
	}
	u, err := url.Parse(c.UpstreamURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return NewConfigValidationError("upstream_url", c.UpstreamURL, "must be an absolute http(s) URL")
	}

	for name, d := range map[string]time.Duration{
		"read_timeout":     c.ReadTimeout,
		"write_timeout":    c.WriteTimeout,
		"idle_timeout":     c.IdleTimeout,
		"shutdown_timeout": c.ShutdownTimeout,
	} {
		if d < 0 {
			return NewConfigValidationError(name, d, "must not be negative")
		}
	}

	if c.TLS != nil {
		if err := c.TLS.Validate(); err != nil {
			return fmt.Errorf("TLS configuration: %w", err)
		}
	}

	if err := c.CircuitBreaker.Validate(); err != nil {
		return fmt.Errorf("circuit_breaker: %w", err)
	}

	return nil
}

// Validate performs validation of circuit breaker configuration
func (c *CircuitBreakerConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.MaxFailures < 0 {
		return NewConfigValidationError("max_failures", c.MaxFailures, "must not be negative")
	}
	if c.FailureRateThreshold < 0 || c.FailureRateThreshold > 100 {
		return NewConfigValidationError("failure_rate_threshold", c.FailureRateThreshold, "must be between 0 and 100")
	}
	if c.MaxFailures == 0 && c.FailureRateThreshold == 0 {
		return NewConfigValidationError("max_failures", c.MaxFailures, "set max_failures or failure_rate_threshold, or disable the breaker")
	}
	for name, d := range map[string]time.Duration{
		"open_timeout": c.OpenTimeout,
		"window":       c.Window,
	} {
		if d < 0 {
			return NewConfigValidationError(name, d, "must not be negative")
		}
	}
	return nil
}

// Validate performs validation of image endpoint configuration
func (c *ImagesConfig) Validate() error {
	if strings.TrimSpace(c.Path) == "" {
		c.Path = "/_next/image"
	}
	if !strings.HasPrefix(c.Path, "/") {
		return NewConfigValidationError("path", c.Path, "must start with /")
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 7 * time.Second
	}
	if c.MaxBytes < 0 {
		return NewConfigValidationError("max_bytes", c.MaxBytes, "must not be negative")
	}
	if c.Retries < 0 || c.Retries > 10 {
		return NewConfigValidationError("retries", c.Retries, "must be between 0 and 10")
	}
	return nil
}

// Validate performs validation of telemetry configuration
func (c *TelemetryConfig) Validate() error {
	if strings.TrimSpace(c.ServiceName) == "" {
		c.ServiceName = "polis-routes"
	}
	return nil
}

// Validate performs validation of logging configuration
func (c *LoggingConfig) Validate() error {
	if strings.TrimSpace(c.Level) == "" {
		c.Level = "info"
	}

	level := strings.TrimSpace(strings.ToLower(c.Level))
	switch level {
	case "debug", "info", "warn", "error":
		c.Level = level // Normalize to lowercase
		return nil
	default:
		return fmt.Errorf("invalid log level %q, supported levels: debug, info, warn, error", c.Level)
	}
}
