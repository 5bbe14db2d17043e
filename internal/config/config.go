// Package config manages tenantctl configuration.
//
// Configuration is stored in YAML format. Missing files yield defaults, and
// a handful of TENANTCTL_* environment variables override file values.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Store backends.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// Config is the complete configuration.
type Config struct {
	Version int         `yaml:"version"`
	API     APIConfig   `yaml:"api"`
	HTTP    HTTPConfig  `yaml:"http"`
	Store   StoreConfig `yaml:"store"`
	Watch   WatchConfig `yaml:"watch"`
	Log     LogConfig   `yaml:"log"`
}

// APIConfig describes the server.
type APIConfig struct {
	BaseURL      string `yaml:"base_url"`
	TenantHeader string `yaml:"tenant_header"`
}

// HTTPConfig tunes the transport.
type HTTPConfig struct {
	Timeout Duration `yaml:"timeout"` // Per-attempt timeout, also bounds token renewal
}

// StoreConfig selects where the session is persisted.
type StoreConfig struct {
	Backend     string `yaml:"backend"`                // file | sqlite | redis
	Path        string `yaml:"path,omitempty"`         // file and sqlite; empty means the default location
	RedisAddr   string `yaml:"redis_addr,omitempty"`   // redis
	RedisPrefix string `yaml:"redis_prefix,omitempty"` // redis key namespace

	// PassphraseEnv names the environment variable holding the sealing
	// passphrase. Values are stored in the clear when it is unset or empty.
	PassphraseEnv string `yaml:"passphrase_env,omitempty"`
}

// WatchConfig controls reacting to store changes made by other processes.
type WatchConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Debounce Duration `yaml:"debounce"`
}

// LogConfig controls the CLI's log handler.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// Duration is a time.Duration that supports YAML marshaling/unmarshaling
// with human-readable formats like "10m", "1h", "30s".
type Duration time.Duration

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}

	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	if dur < 0 {
		return fmt.Errorf("duration cannot be negative: %s", s)
	}

	*d = Duration(dur)
	return nil
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// String returns the string representation of the duration.
func (d Duration) String() string {
	return time.Duration(d).String()
}

// DefaultPassphraseEnv is the default variable holding the sealing passphrase.
const DefaultPassphraseEnv = "TENANTCTL_PASSPHRASE"

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Version: 1,
		API: APIConfig{
			BaseURL:      "http://localhost:8000/api",
			TenantHeader: "X-Organization-Id",
		},
		HTTP: HTTPConfig{
			Timeout: Duration(30 * time.Second),
		},
		Store: StoreConfig{
			Backend:       BackendFile,
			RedisAddr:     "localhost:6379",
			RedisPrefix:   "tenantctl",
			PassphraseEnv: DefaultPassphraseEnv,
		},
		Watch: WatchConfig{
			Enabled:  true,
			Debounce: Duration(200 * time.Millisecond),
		},
		Log: LogConfig{
			Level:  "warn",
			Format: "text",
		},
	}
}

// HomeDir returns the tenantctl home: $TENANTCTL_HOME, else
// $XDG_CONFIG_HOME/tenantctl, else ~/.config/tenantctl.
func HomeDir() string {
	if home := os.Getenv("TENANTCTL_HOME"); home != "" {
		return home
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "tenantctl")
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ".tenantctl"
	}
	return filepath.Join(homeDir, ".config", "tenantctl")
}

// Path returns the default config file path.
func Path() string {
	return filepath.Join(HomeDir(), "config.yaml")
}

// Load reads the configuration at path, or at Path() when path is empty.
// A missing file yields defaults. Environment overrides are applied before
// validation.
func Load(path string) (*Config, error) {
	cfg, err := LoadFile(path)
	if err != nil {
		return nil, err
	}

	cfg.ApplyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadFile reads the file values over the defaults, without environment
// overrides or validation. Use it to edit and re-save a config file.
func LoadFile(path string) (*Config, error) {
	if path == "" {
		path = Path()
	}

	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}
	return cfg, nil
}

// Save writes the configuration to path atomically.
func (c *Config) Save(path string) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	if path == "" {
		path = Path()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	data = append([]byte("# tenantctl configuration\n\n"), data...)

	// Atomic write: write to temp file, fsync, then rename
	tmpPath := path + ".tmp"
	tmpFile, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}

	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync temp file: %w", err)
	}

	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename config file: %w", err)
	}
	return nil
}

// Validate checks that all configuration values are valid.
func (c *Config) Validate() error {
	u, err := url.Parse(c.API.BaseURL)
	if err != nil || u.Host == "" {
		return fmt.Errorf("api.base_url: invalid URL %q", c.API.BaseURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("api.base_url: scheme must be http or https, got %q", u.Scheme)
	}
	if strings.TrimSpace(c.API.TenantHeader) == "" {
		return fmt.Errorf("api.tenant_header: must not be empty")
	}
	if c.HTTP.Timeout.Duration() <= 0 {
		return fmt.Errorf("http.timeout: must be positive")
	}

	switch c.Store.Backend {
	case BackendFile, BackendSQLite:
	case BackendRedis:
		if c.Store.RedisAddr == "" {
			return fmt.Errorf("store.redis_addr: required for the redis backend")
		}
	default:
		return fmt.Errorf("store.backend: must be file, sqlite or redis, got %q", c.Store.Backend)
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level: must be debug, info, warn or error, got %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format: must be text or json, got %q", c.Log.Format)
	}
	return nil
}

// ApplyEnvOverrides updates the config with environment variables.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("TENANTCTL_API_URL"); v != "" {
		c.API.BaseURL = v
	}
	if v := os.Getenv("TENANTCTL_HTTP_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.HTTP.Timeout = Duration(d)
		}
	}
	if v := os.Getenv("TENANTCTL_STORE_BACKEND"); v != "" {
		c.Store.Backend = strings.ToLower(v)
	}
	if v := os.Getenv("TENANTCTL_STORE_PATH"); v != "" {
		c.Store.Path = v
	}
	if v := os.Getenv("TENANTCTL_REDIS_ADDR"); v != "" {
		c.Store.RedisAddr = v
	}
	if v := os.Getenv("TENANTCTL_WATCH"); v != "" {
		if b, err := parseBool(v); err == nil {
			c.Watch.Enabled = b
		}
	}
	if v := os.Getenv("TENANTCTL_LOG_LEVEL"); v != "" {
		c.Log.Level = strings.ToLower(v)
	}
}

// Passphrase returns the sealing passphrase from the configured
// environment variable, or "" when sealing is off.
func (c *Config) Passphrase() string {
	if c.Store.PassphraseEnv == "" {
		return ""
	}
	return os.Getenv(c.Store.PassphraseEnv)
}

// parseBool parses various boolean representations.
func parseBool(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "true", "yes", "1", "on":
		return true, nil
	case "false", "no", "0", "off":
		return false, nil
	default:
		return strconv.ParseBool(s)
	}
}
