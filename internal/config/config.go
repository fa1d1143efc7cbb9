// Package config loads relaycache settings from a YAML or TOML file,
// expands ${VAR} references, and applies RELAYCACHE_* environment overrides.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

const EnvPrefix = "RELAYCACHE_"

type Config struct {
	Server       ServerConfig       `yaml:"server" toml:"server" envPrefix:"SERVER_"`
	Upstream     UpstreamConfig     `yaml:"upstream" toml:"upstream" envPrefix:"UPSTREAM_"`
	Storage      StorageConfig      `yaml:"storage" toml:"storage" envPrefix:"STORAGE_"`
	Assets       AssetsConfig       `yaml:"assets" toml:"assets" envPrefix:"ASSETS_"`
	Index        IndexConfig        `yaml:"index" toml:"index" envPrefix:"INDEX_"`
	Replay       ReplayConfig       `yaml:"replay" toml:"replay" envPrefix:"REPLAY_"`
	Connectivity ConnectivityConfig `yaml:"connectivity" toml:"connectivity" envPrefix:"CONNECTIVITY_"`
	Logging      LoggingConfig      `yaml:"logging" toml:"logging" envPrefix:"LOG_"`
	Telemetry    TelemetryConfig    `yaml:"telemetry" toml:"telemetry" envPrefix:"OTEL_"`
	Admin        AdminConfig        `yaml:"admin" toml:"admin" envPrefix:"ADMIN_"`
}

// ServerConfig is the local proxy the application talks to.
type ServerConfig struct {
	Addr         string `yaml:"addr" toml:"addr" env:"ADDR"`
	MaxBodyBytes int64  `yaml:"max_body_bytes" toml:"max_body_bytes" env:"MAX_BODY_BYTES"`
}

type UpstreamConfig struct {
	BaseURL       string `yaml:"base_url" toml:"base_url" env:"BASE_URL"`
	AssetBaseURL  string `yaml:"asset_base_url" toml:"asset_base_url" env:"ASSET_BASE_URL"`
	Token         string `yaml:"token" toml:"token" env:"TOKEN"`
	TokenSecret   string `yaml:"token_secret" toml:"token_secret" env:"TOKEN_SECRET"`
	TokenSubject  string `yaml:"token_subject" toml:"token_subject" env:"TOKEN_SUBJECT"`
	TokenAudience string `yaml:"token_audience" toml:"token_audience" env:"TOKEN_AUDIENCE"`
	MaxRetries    int    `yaml:"max_retries" toml:"max_retries" env:"MAX_RETRIES"`

	Timeout    time.Duration `yaml:"-" toml:"-"`
	TimeoutRaw string        `yaml:"timeout" toml:"timeout" env:"TIMEOUT"`
}

type StorageConfig struct {
	// DSN selects the cache backend: memory://, file:///dir, sqlite:///file.db
	// or postgres://...
	DSN string `yaml:"dsn" toml:"dsn" env:"DSN"`
}

type AssetsConfig struct {
	ManifestPath string `yaml:"manifest" toml:"manifest" env:"MANIFEST"`
	Watch        bool   `yaml:"watch" toml:"watch" env:"WATCH"`
}

type IndexConfig struct {
	// Collections limits indexing to these parent paths. Empty indexes every
	// non-root parent.
	Collections []string `yaml:"collections" toml:"collections" env:"COLLECTIONS" envSeparator:","`
}

type ReplayConfig struct {
	MaxAttempts int     `yaml:"max_attempts" toml:"max_attempts" env:"MAX_ATTEMPTS"`
	Jitter      float64 `yaml:"jitter" toml:"jitter" env:"JITTER"`

	Interval    time.Duration `yaml:"-" toml:"-"`
	IntervalRaw string        `yaml:"interval" toml:"interval" env:"INTERVAL"`
}

type ConnectivityConfig struct {
	WebsocketURL string `yaml:"websocket_url" toml:"websocket_url" env:"WEBSOCKET_URL"`
	HealthURL    string `yaml:"health_url" toml:"health_url" env:"HEALTH_URL"`

	Interval    time.Duration `yaml:"-" toml:"-"`
	IntervalRaw string        `yaml:"interval" toml:"interval" env:"INTERVAL"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level" env:"LEVEL"`
	Format string `yaml:"format" toml:"format" env:"FORMAT"`
}

// TelemetryConfig enables OTLP trace export when Endpoint is set.
type TelemetryConfig struct {
	Endpoint    string `yaml:"endpoint" toml:"endpoint" env:"ENDPOINT"`
	ServiceName string `yaml:"service_name" toml:"service_name" env:"SERVICE_NAME"`
}

// AdminConfig holds the HS256 secret admin tokens are verified with. Admin
// endpoints are disabled when it is empty.
type AdminConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret" env:"JWT_SECRET"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:         "127.0.0.1:8787",
			MaxBodyBytes: 8 << 20,
		},
		Upstream: UpstreamConfig{
			MaxRetries: 3,
			TimeoutRaw: "15s",
		},
		Storage: StorageConfig{DSN: defaultStorageDSN()},
		Replay: ReplayConfig{
			MaxAttempts: 5,
			Jitter:      0.2,
			IntervalRaw: "30s",
		},
		Connectivity: ConnectivityConfig{IntervalRaw: "15s"},
		Logging:      LoggingConfig{Level: "info", Format: "text"},
		Telemetry:    TelemetryConfig{ServiceName: "relaycache"},
	}
}

// Load reads the file at path over the defaults, then applies environment
// overrides. Files ending in .toml are parsed as TOML, everything else as YAML.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	expanded := expandEnvVars(string(data))

	cfg := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(expanded, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	default:
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}
	return finish(cfg)
}

// FromEnv builds a config from defaults and environment variables only.
func FromEnv() (*Config, error) {
	return finish(Default())
}

// LoadDefault loads DefaultPath when that file exists and falls back to
// FromEnv otherwise.
func LoadDefault() (*Config, error) {
	path := DefaultPath()
	if _, err := os.Stat(path); err == nil {
		return Load(path)
	}
	return FromEnv()
}

// DefaultPath is $RELAYCACHE_CONFIG or $XDG_CONFIG_HOME/relaycache/relaycache.yaml.
func DefaultPath() string {
	if path := strings.TrimSpace(os.Getenv(EnvPrefix + "CONFIG")); path != "" {
		return path
	}
	base := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME"))
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join(".", "relaycache.yaml")
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "relaycache", "relaycache.yaml")
}

func finish(cfg *Config) (*Config, error) {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// expandEnvVars replaces ${VAR} with the variable's value, or nothing when unset.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(re.FindStringSubmatch(match)[1])
	})
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Server.Addr) == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Server.MaxBodyBytes <= 0 {
		return fmt.Errorf("server.max_body_bytes must be positive")
	}
	if err := requireHTTPURL("upstream.base_url", c.Upstream.BaseURL, true); err != nil {
		return err
	}
	if err := requireHTTPURL("upstream.asset_base_url", c.Upstream.AssetBaseURL, false); err != nil {
		return err
	}
	if c.Upstream.MaxRetries < 0 {
		return fmt.Errorf("upstream.max_retries must not be negative")
	}
	if strings.TrimSpace(c.Storage.DSN) == "" {
		return fmt.Errorf("storage.dsn is required")
	}
	if c.Replay.MaxAttempts < 1 {
		return fmt.Errorf("replay.max_attempts must be at least 1")
	}
	if c.Replay.Jitter < 0 || c.Replay.Jitter > 1 {
		return fmt.Errorf("replay.jitter must be between 0 and 1")
	}
	if ws := strings.TrimSpace(c.Connectivity.WebsocketURL); ws != "" {
		parsed, err := url.Parse(ws)
		if err != nil || (parsed.Scheme != "ws" && parsed.Scheme != "wss") {
			return fmt.Errorf("connectivity.websocket_url must be a ws:// or wss:// URL")
		}
	}
	if err := requireHTTPURL("connectivity.health_url", c.Connectivity.HealthURL, false); err != nil {
		return err
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error")
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json")
	}
	return nil
}

func requireHTTPURL(field, value string, required bool) error {
	value = strings.TrimSpace(value)
	if value == "" {
		if required {
			return fmt.Errorf("%s is required", field)
		}
		return nil
	}
	parsed, err := url.Parse(value)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return fmt.Errorf("%s must be an absolute http(s) URL", field)
	}
	return nil
}

func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"upstream.timeout", cfg.Upstream.TimeoutRaw, &cfg.Upstream.Timeout},
		{"replay.interval", cfg.Replay.IntervalRaw, &cfg.Replay.Interval},
		{"connectivity.interval", cfg.Connectivity.IntervalRaw, &cfg.Connectivity.Interval},
	}
	for _, field := range fields {
		if strings.TrimSpace(field.raw) == "" {
			continue
		}
		parsed, err := time.ParseDuration(field.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", field.name, field.raw, err)
		}
		if parsed <= 0 {
			return fmt.Errorf("%s must be positive", field.name)
		}
		*field.dst = parsed
	}
	return nil
}

func defaultStorageDSN() string {
	base := strings.TrimSpace(os.Getenv("XDG_DATA_HOME"))
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "memory://"
		}
		base = filepath.Join(home, ".local", "share")
	}
	return "sqlite://" + filepath.Join(base, "relaycache", "cache.db")
}
