package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/extbridge/pkg/apk"
	"github.com/platinummonkey/extbridge/pkg/catalog"
	"github.com/platinummonkey/extbridge/pkg/classfile"
	"github.com/platinummonkey/extbridge/pkg/converter"
	"github.com/platinummonkey/extbridge/pkg/interop"
	"github.com/platinummonkey/extbridge/pkg/observability"
	"github.com/platinummonkey/extbridge/pkg/storage"
)

// ConfigFileEnv names the variable pointing at an optional YAML file
const ConfigFileEnv = "EXTBRIDGE_CONFIG"

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server ServerConfig `yaml:"server"`

	// Working folder layout
	WorkFolder WorkFolderConfig `yaml:"work_folder"`

	// Storage configuration
	Storage storage.Config `yaml:"storage"`

	// Pipeline tools
	Converter converter.Config      `yaml:"converter"`
	Host      interop.ProcessConfig `yaml:"host"`
	Transform classfile.Options     `yaml:"transform"`
	Package   PackageConfig         `yaml:"package"`

	// Online catalogs
	Catalog CatalogConfig `yaml:"catalog"`

	// Sideload watcher
	Sideload SideloadConfig `yaml:"sideload"`

	// Observability configuration
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// WorkFolderConfig locates the working and temp folders
type WorkFolderConfig struct {
	Dir     string `yaml:"dir"`
	TempDir string `yaml:"temp_dir"`
}

// PackageConfig bounds the extension library versions accepted
type PackageConfig struct {
	MinLibVersion float64 `yaml:"min_lib_version"`
	MaxLibVersion float64 `yaml:"max_lib_version"`
}

// Limits converts to the parser's limits
func (p PackageConfig) Limits() apk.Limits {
	return apk.Limits{MinLibVersion: p.MinLibVersion, MaxLibVersion: p.MaxLibVersion}
}

// CatalogConfig holds online catalog settings
type CatalogConfig struct {
	// RefreshSchedule is a cron expression; empty disables scheduled refresh
	RefreshSchedule    string           `yaml:"refresh_schedule"`
	RefreshConcurrency int              `yaml:"refresh_concurrency"`
	HTTPTimeout        time.Duration    `yaml:"http_timeout"`
	IndexCacheSize     int              `yaml:"index_cache_size"`
	IndexCacheTTL      time.Duration    `yaml:"index_cache_ttl"`
	RedisURL           string           `yaml:"redis_url"`
	S3                 catalog.S3Config `yaml:"s3"`
}

// SideloadConfig configures the drop folder
type SideloadConfig struct {
	// Dir is watched for new packages; empty disables the watcher
	Dir      string        `yaml:"dir"`
	Debounce time.Duration `yaml:"debounce"`
	Force    bool          `yaml:"force"`
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	// Logging
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Metrics
	MetricsEnabled bool `yaml:"metrics_enabled"`

	// OpenTelemetry
	OTelEnabled        bool    `yaml:"otel_enabled"`
	OTelEndpoint       string  `yaml:"otel_endpoint"`
	OTelServiceName    string  `yaml:"otel_service_name"`
	OTelServiceVersion string  `yaml:"otel_service_version"`
	OTelInsecure       bool    `yaml:"otel_insecure"` // Use insecure gRPC connection
	OTelSampleRatio    float64 `yaml:"otel_sample_ratio"`
}

// OTel converts to the observability package's settings
func (o ObservabilityConfig) OTel() observability.OTelConfig {
	return observability.OTelConfig{
		Enabled:        o.OTelEnabled,
		Endpoint:       o.OTelEndpoint,
		ServiceName:    o.OTelServiceName,
		ServiceVersion: o.OTelServiceVersion,
		Insecure:       o.OTelInsecure,
		SampleRatio:    o.OTelSampleRatio,
	}
}

// Default returns the configuration used when nothing is overridden
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    5 * time.Minute,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		WorkFolder: WorkFolderConfig{Dir: "data"},
		Storage:    storage.DefaultConfig(),
		Converter:  converter.DefaultConfig(),
		Host:       interop.DefaultProcessConfig(),
		Transform:  classfile.DefaultOptions(),
		Package: PackageConfig{
			MinLibVersion: apk.DefaultMinLibVersion,
			MaxLibVersion: apk.DefaultMaxLibVersion,
		},
		Catalog: CatalogConfig{
			RefreshSchedule:    "@every 6h",
			RefreshConcurrency: catalog.DefaultRefreshConcurrency,
			HTTPTimeout:        catalog.DefaultHTTPTimeout,
			IndexCacheSize:     64,
			IndexCacheTTL:      time.Hour,
		},
		Sideload: SideloadConfig{Debounce: 500 * time.Millisecond},
		Observability: ObservabilityConfig{
			LogLevel:           "info",
			LogFormat:          observability.FormatText,
			MetricsEnabled:     true,
			OTelEndpoint:       "localhost:4317",
			OTelServiceName:    "extbridge",
			OTelServiceVersion: "1.0.0",
			OTelInsecure:       true,
			OTelSampleRatio:    1,
		},
	}
}

// LoadConfig builds the configuration from defaults, the optional file
// named by EXTBRIDGE_CONFIG and EXTBRIDGE_* environment variables, in
// that order
func LoadConfig() (*Config, error) {
	cfg := Default()

	if path := getEnv(ConfigFileEnv, ""); path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// LoadFile overlays the YAML document at path. Keys absent from the file
// keep their current values.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	// Server
	c.Server.Addr = getEnv("EXTBRIDGE_ADDR", c.Server.Addr)
	c.Server.ReadTimeout = getEnvDuration("EXTBRIDGE_READ_TIMEOUT", c.Server.ReadTimeout)
	c.Server.WriteTimeout = getEnvDuration("EXTBRIDGE_WRITE_TIMEOUT", c.Server.WriteTimeout)
	c.Server.ShutdownTimeout = getEnvDuration("EXTBRIDGE_SHUTDOWN_TIMEOUT", c.Server.ShutdownTimeout)

	// Folders
	c.WorkFolder.Dir = getEnv("EXTBRIDGE_WORK_DIR", c.WorkFolder.Dir)
	c.WorkFolder.TempDir = getEnv("EXTBRIDGE_TEMP_DIR", c.WorkFolder.TempDir)

	// Storage
	c.Storage.Driver = getEnv("EXTBRIDGE_STORE_DRIVER", c.Storage.Driver)
	c.Storage.DSN = getEnv("EXTBRIDGE_STORE_DSN", c.Storage.DSN)
	if maxConns := getEnvInt("EXTBRIDGE_STORE_MAX_CONNS", 0); maxConns > 0 {
		c.Storage.MaxConns = maxConns
	}

	// Tools
	c.Converter.Command = getEnv("EXTBRIDGE_CONVERTER_COMMAND", c.Converter.Command)
	if args := getEnv("EXTBRIDGE_CONVERTER_ARGS", ""); args != "" {
		c.Converter.Args = strings.Fields(args)
	}
	c.Converter.Timeout = getEnvDuration("EXTBRIDGE_CONVERTER_TIMEOUT", c.Converter.Timeout)
	c.Host.Command = getEnv("EXTBRIDGE_HOST_COMMAND", c.Host.Command)
	if args := getEnv("EXTBRIDGE_HOST_ARGS", ""); args != "" {
		c.Host.Args = strings.Fields(args)
	}

	// Catalogs
	c.Catalog.RefreshSchedule = getEnv("EXTBRIDGE_REFRESH_SCHEDULE", c.Catalog.RefreshSchedule)
	c.Catalog.RefreshConcurrency = getEnvInt("EXTBRIDGE_REFRESH_CONCURRENCY", c.Catalog.RefreshConcurrency)
	c.Catalog.IndexCacheSize = getEnvInt("EXTBRIDGE_INDEX_CACHE_SIZE", c.Catalog.IndexCacheSize)
	c.Catalog.IndexCacheTTL = getEnvDuration("EXTBRIDGE_INDEX_CACHE_TTL", c.Catalog.IndexCacheTTL)
	c.Catalog.RedisURL = getEnv("EXTBRIDGE_REDIS_URL", c.Catalog.RedisURL)
	c.Catalog.S3.Region = getEnv("EXTBRIDGE_S3_REGION", c.Catalog.S3.Region)
	c.Catalog.S3.Endpoint = getEnv("EXTBRIDGE_S3_ENDPOINT", c.Catalog.S3.Endpoint)
	c.Catalog.S3.AccessKey = getEnv("EXTBRIDGE_S3_ACCESS_KEY", c.Catalog.S3.AccessKey)
	c.Catalog.S3.SecretKey = getEnv("EXTBRIDGE_S3_SECRET_KEY", c.Catalog.S3.SecretKey)
	c.Catalog.S3.UsePathStyle = getEnvBool("EXTBRIDGE_S3_USE_PATH_STYLE", c.Catalog.S3.UsePathStyle)

	// Sideload
	c.Sideload.Dir = getEnv("EXTBRIDGE_SIDELOAD_DIR", c.Sideload.Dir)
	c.Sideload.Force = getEnvBool("EXTBRIDGE_SIDELOAD_FORCE", c.Sideload.Force)

	// Observability
	c.Observability.LogLevel = getEnv("EXTBRIDGE_LOG_LEVEL", c.Observability.LogLevel)
	c.Observability.LogFormat = getEnv("EXTBRIDGE_LOG_FORMAT", c.Observability.LogFormat)
	c.Observability.MetricsEnabled = getEnvBool("EXTBRIDGE_METRICS_ENABLED", c.Observability.MetricsEnabled)
	c.Observability.OTelEnabled = getEnvBool("EXTBRIDGE_OTEL_ENABLED", c.Observability.OTelEnabled)
	c.Observability.OTelEndpoint = getEnv("EXTBRIDGE_OTEL_ENDPOINT", c.Observability.OTelEndpoint)
	c.Observability.OTelServiceName = getEnv("EXTBRIDGE_OTEL_SERVICE_NAME", c.Observability.OTelServiceName)
	c.Observability.OTelInsecure = getEnvBool("EXTBRIDGE_OTEL_INSECURE", c.Observability.OTelInsecure)
	c.Observability.OTelSampleRatio = getEnvFloat("EXTBRIDGE_OTEL_SAMPLE_RATIO", c.Observability.OTelSampleRatio)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server address is required")
	}
	if c.WorkFolder.Dir == "" {
		return fmt.Errorf("working folder is required")
	}

	// Validate storage config based on driver
	switch c.Storage.Driver {
	case storage.DriverFile:
	case storage.DriverSQLite, storage.DriverPostgres:
		if c.Storage.DSN == "" {
			return fmt.Errorf("dsn is required for %s storage", c.Storage.Driver)
		}
	default:
		return fmt.Errorf("invalid storage driver: %s (must be file, sqlite3, or postgres)", c.Storage.Driver)
	}

	if c.Converter.Command == "" {
		return fmt.Errorf("converter command is required")
	}
	if c.Host.Command == "" {
		return fmt.Errorf("host command is required")
	}
	if c.Package.MinLibVersion >= c.Package.MaxLibVersion {
		return fmt.Errorf("min library version %.1f must be below max %.1f",
			c.Package.MinLibVersion, c.Package.MaxLibVersion)
	}

	if c.Catalog.RefreshSchedule != "" {
		if _, err := cron.ParseStandard(c.Catalog.RefreshSchedule); err != nil {
			return fmt.Errorf("invalid refresh schedule %q: %w", c.Catalog.RefreshSchedule, err)
		}
	}
	if c.Catalog.RefreshConcurrency <= 0 {
		return fmt.Errorf("refresh concurrency must be positive")
	}
	if c.Catalog.IndexCacheSize <= 0 {
		return fmt.Errorf("index cache size must be positive")
	}

	if _, err := logrus.ParseLevel(c.Observability.LogLevel); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	switch strings.ToLower(c.Observability.LogFormat) {
	case observability.FormatText, observability.FormatJSON:
	default:
		return fmt.Errorf("invalid log format: %s (must be text or json)", c.Observability.LogFormat)
	}

	// Validate OpenTelemetry config
	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
		if c.Observability.OTelSampleRatio < 0 || c.Observability.OTelSampleRatio > 1 {
			return fmt.Errorf("OpenTelemetry sample ratio must be between 0 and 1")
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

// getEnvFloat returns a float environment variable or a default
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
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
