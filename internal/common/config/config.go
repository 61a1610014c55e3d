package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/snapwright/engine/internal/common/yamlutil"
	"github.com/snapwright/engine/pkg/types"
)

// Log level constants
const (
	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
)

// Log format constants
const (
	LogFormatJSON    = "json"
	LogFormatConsole = "console"
	LogFormatText    = "text"
)

// Config is the full capture-service configuration. It is constructed once
// at startup and injected into components; the core never reads environment
// state or ambient globals.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Redis   RedisConfig   `yaml:"redis"`
	Storage StorageConfig `yaml:"storage"`
	Capture CaptureConfig `yaml:"capture"`
	Chrome  ChromeConfig  `yaml:"chrome"`
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
}

type ServerConfig struct {
	Listen  string         `yaml:"listen"`
	Timeout types.Duration `yaml:"timeout"`
}

type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	Namespace string `yaml:"namespace"` // key prefix for cache metadata
}

// StorageConfig controls the durable payload store
type StorageConfig struct {
	BasePath    string       `yaml:"base_path"`
	Compression string       `yaml:"compression,omitempty"` // none, snappy, lz4
	Sweep       SweepConfig  `yaml:"sweep"`
}

// SweepConfig controls the periodic orphan/expired payload sweep
type SweepConfig struct {
	Enabled  bool           `yaml:"enabled"`
	Interval types.Duration `yaml:"interval"`
}

// CaptureConfig is the §6 configuration surface of the pooling/caching core
type CaptureConfig struct {
	MaxContexts    string         `yaml:"max_contexts"` // "auto" or integer string
	AcquireTimeout types.Duration `yaml:"acquire_timeout"`
	CacheEnabled   *bool          `yaml:"cache_enabled,omitempty"`
	CacheTTL       types.Duration `yaml:"cache_ttl"`
	MaxRetries     int            `yaml:"max_retries"`
	BackoffBase    types.Duration `yaml:"backoff_base"`

	NavigationTimeout types.Duration `yaml:"navigation_timeout"`
	WaitTimeout       types.Duration `yaml:"wait_timeout"`
	DefaultViewport   types.Viewport `yaml:"default_viewport"`
}

// IsCacheEnabled resolves the tri-state cache_enabled flag (default true)
func (c *CaptureConfig) IsCacheEnabled() bool {
	return c.CacheEnabled == nil || *c.CacheEnabled
}

// ChromeConfig controls the browser contexts backing the pool
type ChromeConfig struct {
	Headless          *bool          `yaml:"headless,omitempty"`
	WarmupURL         string         `yaml:"warmup_url,omitempty"`
	WarmupTimeout     types.Duration `yaml:"warmup_timeout"`
	IdleTimeout       types.Duration `yaml:"idle_timeout"`
	RestartAfterCount int            `yaml:"restart_after_count"`
	ShutdownTimeout   types.Duration `yaml:"shutdown_timeout"`
}

// IsHeadless resolves the tri-state headless flag (default true)
func (c *ChromeConfig) IsHeadless() bool {
	return c.Headless == nil || *c.Headless
}

type LogConfig struct {
	Level   string           `yaml:"level"`
	Console ConsoleLogConfig `yaml:"console"`
	File    FileLogConfig    `yaml:"file"`
}

type ConsoleLogConfig struct {
	Enabled bool   `yaml:"enabled"`
	Format  string `yaml:"format"`
	Level   string `yaml:"level,omitempty"`
}

type FileLogConfig struct {
	Enabled  bool           `yaml:"enabled"`
	Path     string         `yaml:"path"`
	Format   string         `yaml:"format"`
	Level    string         `yaml:"level,omitempty"`
	Rotation RotationConfig `yaml:"rotation"`
}

type RotationConfig struct {
	MaxSize    int  `yaml:"max_size"`    // megabytes
	MaxAge     int  `yaml:"max_age"`     // days
	MaxBackups int  `yaml:"max_backups"`
	Compress   bool `yaml:"compress"`
}

type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Listen    string `yaml:"listen"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
}

// Load reads and validates a configuration file, applying defaults
func Load(path string) (*Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("invalid config path %q: %w", path, err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yamlutil.UnmarshalStrict(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Listen == "" {
		c.Server.Listen = ":8090"
	}
	if c.Server.Timeout == 0 {
		c.Server.Timeout = types.Duration(60 * time.Second)
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Redis.Namespace == "" {
		c.Redis.Namespace = "snapwright"
	}
	if c.Storage.BasePath == "" {
		c.Storage.BasePath = "cache/captures"
	}
	if c.Storage.Compression == "" {
		c.Storage.Compression = types.CompressionNone
	}
	if c.Storage.Sweep.Interval == 0 {
		c.Storage.Sweep.Interval = types.Duration(time.Hour)
	}
	if c.Capture.MaxContexts == "" {
		c.Capture.MaxContexts = "3"
	}
	if c.Capture.AcquireTimeout == 0 {
		c.Capture.AcquireTimeout = types.Duration(30 * time.Second)
	}
	if c.Capture.CacheTTL == 0 {
		c.Capture.CacheTTL = types.Duration(6 * time.Hour)
	}
	if c.Capture.MaxRetries == 0 {
		c.Capture.MaxRetries = 2
	}
	if c.Capture.BackoffBase == 0 {
		c.Capture.BackoffBase = types.Duration(500 * time.Millisecond)
	}
	if c.Capture.NavigationTimeout == 0 {
		c.Capture.NavigationTimeout = types.Duration(30 * time.Second)
	}
	if c.Capture.WaitTimeout == 0 {
		c.Capture.WaitTimeout = types.Duration(types.DefaultWaitTimeout)
	}
	if c.Capture.DefaultViewport.IsZero() {
		c.Capture.DefaultViewport = types.Viewport{
			Width:  types.DefaultViewportWidth,
			Height: types.DefaultViewportHeight,
		}
	}
	if c.Chrome.WarmupTimeout == 0 {
		c.Chrome.WarmupTimeout = types.Duration(10 * time.Second)
	}
	if c.Chrome.IdleTimeout == 0 {
		c.Chrome.IdleTimeout = types.Duration(15 * time.Minute)
	}
	if c.Chrome.RestartAfterCount == 0 {
		c.Chrome.RestartAfterCount = 100
	}
	if c.Chrome.ShutdownTimeout == 0 {
		c.Chrome.ShutdownTimeout = types.Duration(30 * time.Second)
	}
	if c.Log.Level == "" {
		c.Log.Level = LogLevelInfo
	}
	if !c.Log.Console.Enabled && !c.Log.File.Enabled {
		c.Log.Console.Enabled = true
		c.Log.Console.Format = LogFormatConsole
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "snapwright"
	}
}

// Validate checks the configuration for inconsistencies
func (c *Config) Validate() error {
	if err := validateMaxContexts(c.Capture.MaxContexts); err != nil {
		return err
	}
	if c.Capture.AcquireTimeout <= 0 {
		return fmt.Errorf("capture.acquire_timeout must be positive")
	}
	if c.Capture.CacheTTL <= 0 {
		return fmt.Errorf("capture.cache_ttl must be positive")
	}
	if c.Capture.MaxRetries < 0 {
		return fmt.Errorf("capture.max_retries must not be negative")
	}
	if c.Capture.BackoffBase <= 0 {
		return fmt.Errorf("capture.backoff_base must be positive")
	}
	switch c.Storage.Compression {
	case types.CompressionNone, types.CompressionSnappy, types.CompressionLZ4:
	default:
		return fmt.Errorf("storage.compression must be one of none, snappy, lz4 (got %q)", c.Storage.Compression)
	}
	if c.Storage.Sweep.Enabled && c.Storage.Sweep.Interval <= 0 {
		return fmt.Errorf("storage.sweep.interval must be positive when sweep is enabled")
	}
	if c.Chrome.RestartAfterCount <= 0 {
		return fmt.Errorf("chrome.restart_after_count must be positive")
	}
	if c.Log.File.Enabled && c.Log.File.Path == "" {
		return fmt.Errorf("log.file.path must be set when file logging is enabled")
	}
	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		return fmt.Errorf("metrics.listen must be set when metrics are enabled")
	}
	return nil
}

func validateMaxContexts(v string) error {
	if v == "auto" {
		return nil
	}
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
		return fmt.Errorf("capture.max_contexts must be 'auto' or a positive integer")
	}
	if n <= 0 {
		return fmt.Errorf("capture.max_contexts must be positive")
	}
	return nil
}
