package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
// It is read-only after Load() returns and thread-safe for concurrent reads.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Database     DatabaseConfig     `yaml:"database"`
	Remote       RemoteConfig       `yaml:"remote"`
	Connectivity ConnectivityConfig `yaml:"connectivity"`
	Worker       WorkerConfig       `yaml:"worker"`
	Cache        CacheConfig        `yaml:"cache"`
	Auth         AuthConfig         `yaml:"auth"`
	Log          LogConfig          `yaml:"log"`
}

// ServerConfig contains settings for the localhost HTTP surface the UI
// layer talks to.
type ServerConfig struct {
	Port            int      `yaml:"port"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig contains local database settings.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// RemoteConfig describes the remote record API collaborator.
type RemoteConfig struct {
	BaseURL  string `yaml:"base_url"`
	APIToken string `yaml:"-"` // env-only, never in YAML
}

// ConnectivityConfig controls the network observer probe.
type ConnectivityConfig struct {
	ProbeURL      string   `yaml:"probe_url"`
	ProbeInterval Duration `yaml:"probe_interval"`
}

// WorkerConfig contains background worker settings.
type WorkerConfig struct {
	SyncInterval       Duration `yaml:"sync_interval"`
	PassAttempts       int      `yaml:"pass_attempts"`
	CacheSweepInterval Duration `yaml:"cache_sweep_interval"`
	CacheMaxAge        Duration `yaml:"cache_max_age"`
}

// CacheConfig controls the bounded file cache.
type CacheConfig struct {
	Dir          string        `yaml:"dir"`
	MaxSizeBytes int64         `yaml:"max_size_bytes"`
	S3           CacheS3Config `yaml:"s3"`
}

// CacheS3Config configures the optional S3-compatible document source.
// Empty bucket keeps the cache on the plain HTTP source.
type CacheS3Config struct {
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	AccessKey string `yaml:"-"` // env-only, never in YAML
	SecretKey string `yaml:"-"` // env-only, never in YAML
	UseSSL    *bool  `yaml:"use_ssl"`
}

// AuthConfig contains local API authentication settings.
type AuthConfig struct {
	APIKey string `yaml:"-"` // env-only, never in YAML
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Duration is a wrapper around time.Duration that supports YAML string parsing.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Load loads configuration with precedence: defaults → YAML file → env vars.
// Returns an immutable Config suitable for concurrent read access.
func Load() (*Config, error) {
	cfg := newDefaults()

	// Determine config path
	configPath := getEnv("FIELDSYNC_CONFIG_PATH", "config/fieldsync.yaml")

	// Load YAML file if it exists (missing file is not an error)
	if err := loadYAMLFile(cfg, configPath); err != nil {
		return nil, err
	}

	// Apply environment variable overrides
	applyEnvOverrides(cfg)

	// Validate configuration
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromFile loads configuration from a specific path.
// Used for testing and explicit path specification.
func LoadFromFile(path string) (*Config, error) {
	cfg := newDefaults()

	// Load YAML file (file must exist for this function)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Apply environment variable overrides
	applyEnvOverrides(cfg)

	// Validate configuration
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadPaths resolves the database and cache locations without requiring
// the full daemon configuration to validate. Used by CLI diagnostics
// that inspect local state while the daemon is not running.
func LoadPaths() (DatabaseConfig, CacheConfig, error) {
	cfg := newDefaults()
	configPath := getEnv("FIELDSYNC_CONFIG_PATH", "config/fieldsync.yaml")
	if err := loadYAMLFile(cfg, configPath); err != nil {
		return DatabaseConfig{}, CacheConfig{}, err
	}
	applyEnvOverrides(cfg)
	return cfg.Database, cfg.Cache, nil
}

// newDefaults returns a Config with all default values.
func newDefaults() *Config {
	useSSL := true
	return &Config{
		Server: ServerConfig{
			Port:            8091,
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
		},
		Database: DatabaseConfig{
			Path: "data/fieldsync.db",
		},
		Connectivity: ConnectivityConfig{
			ProbeInterval: Duration(30 * time.Second),
		},
		Worker: WorkerConfig{
			SyncInterval:       Duration(1 * time.Hour),
			PassAttempts:       3,
			CacheSweepInterval: Duration(6 * time.Hour),
			CacheMaxAge:        Duration(30 * 24 * time.Hour),
		},
		Cache: CacheConfig{
			Dir:          "data/cache",
			MaxSizeBytes: 500 * 1024 * 1024,
			S3: CacheS3Config{
				Region: "us-east-1",
				UseSSL: &useSSL,
			},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// loadYAMLFile loads configuration from a YAML file if it exists.
// Missing file is not an error; we just use defaults.
func loadYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Missing file is OK; use defaults
			return nil
		}
		return fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Only non-empty env vars override config values.
func applyEnvOverrides(cfg *Config) {
	// Server
	if v := os.Getenv("FIELDSYNC_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("FIELDSYNC_READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.ReadTimeout = Duration(d)
		}
	}
	if v := os.Getenv("FIELDSYNC_WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.WriteTimeout = Duration(d)
		}
	}
	if v := os.Getenv("FIELDSYNC_SHUTDOWN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.ShutdownTimeout = Duration(d)
		}
	}

	// Database
	if v := os.Getenv("FIELDSYNC_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// Remote record API
	if v := os.Getenv("FIELDSYNC_REMOTE_URL"); v != "" {
		cfg.Remote.BaseURL = v
	}
	if v := os.Getenv("FIELDSYNC_REMOTE_TOKEN"); v != "" {
		cfg.Remote.APIToken = v
	}

	// Connectivity
	if v := os.Getenv("FIELDSYNC_PROBE_URL"); v != "" {
		cfg.Connectivity.ProbeURL = v
	}
	if v := os.Getenv("FIELDSYNC_PROBE_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Connectivity.ProbeInterval = Duration(d)
		}
	}

	// Worker
	if v := os.Getenv("FIELDSYNC_SYNC_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Worker.SyncInterval = Duration(d)
		}
	}
	if v := os.Getenv("FIELDSYNC_PASS_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Worker.PassAttempts = n
		}
	}
	if v := os.Getenv("FIELDSYNC_CACHE_SWEEP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Worker.CacheSweepInterval = Duration(d)
		}
	}
	if v := os.Getenv("FIELDSYNC_CACHE_MAX_AGE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Worker.CacheMaxAge = Duration(d)
		}
	}

	// Cache
	if v := os.Getenv("FIELDSYNC_CACHE_DIR"); v != "" {
		cfg.Cache.Dir = v
	}
	if v := os.Getenv("FIELDSYNC_CACHE_MAX_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Cache.MaxSizeBytes = n
		}
	}
	if v := os.Getenv("FIELDSYNC_S3_ENDPOINT"); v != "" {
		cfg.Cache.S3.Endpoint = v
	}
	if v := os.Getenv("FIELDSYNC_S3_BUCKET"); v != "" {
		cfg.Cache.S3.Bucket = v
	}
	if v := os.Getenv("FIELDSYNC_S3_REGION"); v != "" {
		cfg.Cache.S3.Region = v
	}
	if v := os.Getenv("FIELDSYNC_S3_USE_SSL"); v != "" {
		useSSL := v == "true" || v == "1"
		cfg.Cache.S3.UseSSL = &useSSL
	}
	if v := os.Getenv("FIELDSYNC_S3_ACCESS_KEY"); v != "" {
		cfg.Cache.S3.AccessKey = v
	}
	if v := os.Getenv("FIELDSYNC_S3_SECRET_KEY"); v != "" {
		cfg.Cache.S3.SecretKey = v
	}

	// Auth
	if v := os.Getenv("FIELDSYNC_API_KEY"); v != "" {
		cfg.Auth.APIKey = v
	}

	// Log
	if v := os.Getenv("FIELDSYNC_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("FIELDSYNC_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

// validate checks that required configuration values are set.
// In dev mode (FIELDSYNC_DEV_MODE=true), remote and auth validation is
// skipped so the engine can run against a local stub.
func (c *Config) validate() error {
	if os.Getenv("FIELDSYNC_DEV_MODE") == "true" {
		return nil
	}

	if c.Remote.BaseURL == "" {
		return errors.New("remote.base_url (or FIELDSYNC_REMOTE_URL) is required")
	}
	if c.Auth.APIKey == "" {
		return errors.New("FIELDSYNC_API_KEY is required")
	}
	if c.Cache.MaxSizeBytes <= 0 {
		return errors.New("cache.max_size_bytes must be positive")
	}
	return nil
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
