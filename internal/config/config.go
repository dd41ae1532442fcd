package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// Config represents the complete application configuration
type Config struct {
	Server     ServerConfig     `yaml:"server" envconfig:"SERVER"`
	Security   SecurityConfig   `yaml:"security" envconfig:"SECURITY"`
	Logging    LoggingConfig    `yaml:"logging" envconfig:"LOGGING"`
	Keys       KeysConfig       `yaml:"keys" envconfig:"KEYS"`
	Repository RepositoryConfig `yaml:"repository" envconfig:"REPOSITORY"`
	Sheets     SheetsConfig     `yaml:"sheets" envconfig:"SHEETS"`
	Audit      AuditConfig      `yaml:"audit" envconfig:"AUDIT"`
	Telemetry  TelemetryConfig  `yaml:"telemetry" envconfig:"TELEMETRY"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port" envconfig:"PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT"`
	MetricsPort     int           `yaml:"metrics_port" envconfig:"METRICS_PORT"`
}

// SecurityConfig contains security-related configuration
type SecurityConfig struct {
	AdminToken string          `yaml:"admin_token" envconfig:"ADMIN_TOKEN"`
	RateLimit  RateLimitConfig `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
}

// RateLimitConfig contains rate limiting configuration
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled" envconfig:"ENABLED"`
	RPS     float64 `yaml:"rps" envconfig:"RPS"`
	Burst   int     `yaml:"burst" envconfig:"BURST"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level    string `yaml:"level" envconfig:"LEVEL"`
	Output   string `yaml:"output" envconfig:"OUTPUT"`
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH"`
}

// KeysConfig locates the keyring and the passphrase that unseals it
type KeysConfig struct {
	KeyringFile string `yaml:"keyring_file" envconfig:"KEYRING_FILE"`
	Passphrase  string `yaml:"-" envconfig:"PASSPHRASE"`
	// TrustFile is the client-side anchor file used by verify when no keyring is present.
	TrustFile string `yaml:"trust_file" envconfig:"TRUST_FILE"`
}

// RepositoryConfig selects where issued licenses are stored
type RepositoryConfig struct {
	Driver   string `yaml:"driver" envconfig:"DRIVER"`
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH"`
}

// SheetsConfig configures the Google Sheets repository driver
type SheetsConfig struct {
	SpreadsheetID   string `yaml:"spreadsheet_id" envconfig:"SPREADSHEET_ID"`
	SheetName       string `yaml:"sheet_name" envconfig:"SHEET_NAME"`
	CredentialsFile string `yaml:"credentials_file" envconfig:"CREDENTIALS_FILE"`
	Endpoint        string `yaml:"endpoint" envconfig:"ENDPOINT"`
}

// AuditConfig configures the audit event sink
type AuditConfig struct {
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH"`
}

// TelemetryConfig configures OpenTelemetry exporters
type TelemetryConfig struct {
	Environment    string  `yaml:"environment" envconfig:"ENVIRONMENT"`
	TraceExporter  string  `yaml:"trace_exporter" envconfig:"TRACE_EXPORTER"`
	MetricExporter string  `yaml:"metric_exporter" envconfig:"METRIC_EXPORTER"`
	SampleRatio    float64 `yaml:"sample_ratio" envconfig:"SAMPLE_RATIO"`
}

// Load builds the configuration from defaults, then the YAML file at path
// (skipped when path is empty or missing), then DESKLIC_* environment variables.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// validate validates the configuration
func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.MetricsPort < 0 || c.Server.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", c.Server.MetricsPort)
	}
	if c.Server.ReadTimeout <= 0 || c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server timeouts must be positive")
	}

	if c.Security.RateLimit.Enabled && (c.Security.RateLimit.RPS <= 0 || c.Security.RateLimit.Burst <= 0) {
		return fmt.Errorf("rate limit rps and burst must be positive when enabled")
	}

	switch strings.ToLower(c.Logging.Output) {
	case "console", "file", "both":
	default:
		return fmt.Errorf("invalid logging output %q", c.Logging.Output)
	}

	switch c.Repository.Driver {
	case RepositoryMemory:
	case RepositoryFile:
		if c.Repository.FilePath == "" {
			return fmt.Errorf("repository file_path is required for the file driver")
		}
	case RepositorySheets:
		if c.Sheets.SpreadsheetID == "" {
			return fmt.Errorf("sheets spreadsheet_id is required for the sheets driver")
		}
	default:
		return fmt.Errorf("unknown repository driver %q", c.Repository.Driver)
	}

	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry sample_ratio must be within [0, 1]")
	}

	return nil
}

// Default returns default configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MetricsPort:     9090,
		},
		Security: SecurityConfig{
			RateLimit: RateLimitConfig{
				Enabled: true,
				RPS:     DefaultRateLimit,
				Burst:   DefaultBurstSize,
			},
		},
		Logging: LoggingConfig{
			Level:    "info",
			Output:   "console",
			FilePath: "logs/desklicense.log",
		},
		Keys: KeysConfig{
			KeyringFile: DefaultKeyringFile,
			TrustFile:   DefaultTrustFile,
		},
		Repository: RepositoryConfig{
			Driver:   RepositoryFile,
			FilePath: DefaultLedgerFile,
		},
		Sheets: SheetsConfig{
			SheetName: "Licenses",
		},
		Audit: AuditConfig{
			FilePath: DefaultAuditFile,
		},
		Telemetry: TelemetryConfig{
			Environment:    "development",
			TraceExporter:  "none",
			MetricExporter: "prometheus",
			SampleRatio:    1.0,
		},
	}
}
