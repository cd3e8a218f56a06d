// Package config loads notesfeed settings from an optional YAML file and
// NOTESFEED_* environment variables, in that order.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Backend BackendConfig `yaml:"backend"`
	Sync    SyncConfig    `yaml:"sync"`
	Names   NamesConfig   `yaml:"names"`
	Server  ServerConfig  `yaml:"server"`
	Session SessionConfig `yaml:"session"`
	Notify  NotifyConfig  `yaml:"notify"`
	Log     LogConfig     `yaml:"log"`
}

type BackendConfig struct {
	// DSN wins over Profile when both are set.
	DSN         string `yaml:"dsn"`
	Profile     string `yaml:"profile"`
	DataDir     string `yaml:"data_dir"`
	PostgresDSN string `yaml:"postgres_dsn"`
	AutoMigrate bool   `yaml:"auto_migrate"`
}

type SyncConfig struct {
	PollInterval        time.Duration `yaml:"poll_interval"`
	SchemaRetryInterval time.Duration `yaml:"schema_retry_interval"`
	PollJitter          float64       `yaml:"poll_jitter"`
	PageLimit           int           `yaml:"page_limit"`
	ResyncEvery         int           `yaml:"resync_every"`
}

type NamesConfig struct {
	Cooldown time.Duration `yaml:"cooldown"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	JWTSecret       string        `yaml:"jwt_secret"`
	RateLimitMax    int           `yaml:"rate_limit_max"`
	RateLimitWindow time.Duration `yaml:"rate_limit_window"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
}

type SessionConfig struct {
	TokenFile     string        `yaml:"token_file"`
	ProbeInterval time.Duration `yaml:"probe_interval"`
}

type NotifyConfig struct {
	DSN string `yaml:"dsn"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

func Default() Config {
	return Config{
		Backend: BackendConfig{
			DataDir: ".notesfeed",
		},
		Sync: SyncConfig{
			PollInterval:        6 * time.Second,
			SchemaRetryInterval: 60 * time.Second,
			PageLimit:           200,
			ResyncEvery:         10,
		},
		Names: NamesConfig{
			Cooldown: 30 * time.Second,
		},
		Server: ServerConfig{
			Addr:            ":8080",
			RateLimitWindow: time.Minute,
			MaxBodyBytes:    64 << 10,
		},
		Session: SessionConfig{
			ProbeInterval: 15 * time.Second,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads path (or $NOTESFEED_CONFIG when path is empty), applies the
// environment on top, resolves the backend profile and validates the
// result. Invalid numeric environment values are logged and ignored.
func Load(path string, logger zerolog.Logger) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) == "" {
		path = strings.TrimSpace(os.Getenv("NOTESFEED_CONFIG"))
	}
	if path != "" {
		if err := loadFromFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	env := envReader{logger: logger}
	env.apply(&cfg)

	dsn, err := cfg.Backend.resolve()
	if err != nil {
		return Config{}, err
	}
	cfg.Backend.DSN = dsn
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

// resolve turns the backend profile into a DSN when no DSN is configured.
func (b BackendConfig) resolve() (string, error) {
	if dsn := strings.TrimSpace(b.DSN); dsn != "" {
		return dsn, nil
	}
	dataDir := strings.TrimSpace(b.DataDir)
	if dataDir == "" {
		dataDir = ".notesfeed"
	}
	profile := strings.ToLower(strings.TrimSpace(b.Profile))
	switch profile {
	case "", "memory", "inmemory":
		return "memory://", nil
	case "durable-local", "local-durable":
		return "sqlite://" + filepath.Join(dataDir, "notes.db"), nil
	case "production", "prod":
		if dsn := strings.TrimSpace(b.PostgresDSN); dsn != "" {
			return dsn, nil
		}
		return "", fmt.Errorf("NOTESFEED_POSTGRES_DSN is required when the backend profile is %s", profile)
	default:
		return "", fmt.Errorf("unsupported backend profile: %s", profile)
	}
}

func (c Config) Validate() error {
	if c.Sync.PollInterval <= 0 {
		return fmt.Errorf("sync.poll_interval must be positive, got %s", c.Sync.PollInterval)
	}
	if c.Sync.SchemaRetryInterval <= 0 {
		return fmt.Errorf("sync.schema_retry_interval must be positive, got %s", c.Sync.SchemaRetryInterval)
	}
	if c.Sync.PollJitter < 0 || c.Sync.PollJitter > 1 {
		return fmt.Errorf("sync.poll_jitter must be within [0, 1], got %g", c.Sync.PollJitter)
	}
	if c.Sync.PageLimit <= 0 {
		return fmt.Errorf("sync.page_limit must be positive, got %d", c.Sync.PageLimit)
	}
	if c.Names.Cooldown <= 0 {
		return fmt.Errorf("names.cooldown must be positive, got %s", c.Names.Cooldown)
	}
	if c.Server.RateLimitMax < 0 {
		return fmt.Errorf("server.rate_limit_max must not be negative, got %d", c.Server.RateLimitMax)
	}
	if _, err := zerolog.ParseLevel(strings.ToLower(c.Log.Level)); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	return nil
}

// Level is the parsed log level, info when unset.
func (c Config) Level() zerolog.Level {
	level, err := zerolog.ParseLevel(strings.ToLower(c.Log.Level))
	if err != nil || level == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return level
}

type envReader struct {
	logger zerolog.Logger
}

func (e envReader) apply(cfg *Config) {
	cfg.Backend.DSN = envOrDefault("NOTESFEED_BACKEND_DSN", cfg.Backend.DSN)
	cfg.Backend.Profile = envOrDefault("NOTESFEED_BACKEND_PROFILE", cfg.Backend.Profile)
	cfg.Backend.DataDir = envOrDefault("NOTESFEED_DATA_DIR", cfg.Backend.DataDir)
	cfg.Backend.PostgresDSN = envOrDefault("NOTESFEED_POSTGRES_DSN", cfg.Backend.PostgresDSN)
	cfg.Backend.AutoMigrate = e.boolEnv("NOTESFEED_AUTO_MIGRATE", cfg.Backend.AutoMigrate)

	cfg.Sync.PollInterval = e.durationEnv("NOTESFEED_POLL_INTERVAL", cfg.Sync.PollInterval)
	cfg.Sync.SchemaRetryInterval = e.durationEnv("NOTESFEED_SCHEMA_RETRY_INTERVAL", cfg.Sync.SchemaRetryInterval)
	cfg.Sync.PollJitter = e.floatEnv("NOTESFEED_POLL_JITTER", cfg.Sync.PollJitter)
	cfg.Sync.PageLimit = e.intEnv("NOTESFEED_PAGE_LIMIT", cfg.Sync.PageLimit)
	cfg.Sync.ResyncEvery = e.intEnv("NOTESFEED_RESYNC_EVERY", cfg.Sync.ResyncEvery)

	cfg.Names.Cooldown = e.durationEnv("NOTESFEED_NAME_COOLDOWN", cfg.Names.Cooldown)

	cfg.Server.Addr = envOrDefault("NOTESFEED_ADDR", cfg.Server.Addr)
	cfg.Server.JWTSecret = envOrDefault("NOTESFEED_JWT_SECRET", cfg.Server.JWTSecret)
	cfg.Server.RateLimitMax = e.intEnv("NOTESFEED_RATE_LIMIT_MAX", cfg.Server.RateLimitMax)
	cfg.Server.RateLimitWindow = e.durationEnv("NOTESFEED_RATE_LIMIT_WINDOW", cfg.Server.RateLimitWindow)
	cfg.Server.MaxBodyBytes = e.int64Env("NOTESFEED_MAX_BODY_BYTES", cfg.Server.MaxBodyBytes)

	cfg.Session.TokenFile = envOrDefault("NOTESFEED_TOKEN_FILE", cfg.Session.TokenFile)
	cfg.Session.ProbeInterval = e.durationEnv("NOTESFEED_PROBE_INTERVAL", cfg.Session.ProbeInterval)

	cfg.Notify.DSN = envOrDefault("NOTESFEED_NOTIFY_DSN", cfg.Notify.DSN)
	cfg.Log.Level = envOrDefault("NOTESFEED_LOG_LEVEL", cfg.Log.Level)
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func (e envReader) intEnv(name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		e.logger.Warn().Str("name", name).Str("value", raw).Int("fallback", fallback).Msg("invalid integer in environment, using fallback")
		return fallback
	}
	return value
}

func (e envReader) int64Env(name string, fallback int64) int64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		e.logger.Warn().Str("name", name).Str("value", raw).Int64("fallback", fallback).Msg("invalid integer in environment, using fallback")
		return fallback
	}
	return value
}

func (e envReader) durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		e.logger.Warn().Str("name", name).Str("value", raw).Dur("fallback", fallback).Msg("invalid duration in environment, using fallback")
		return fallback
	}
	return value
}

func (e envReader) floatEnv(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		e.logger.Warn().Str("name", name).Str("value", raw).Float64("fallback", fallback).Msg("invalid number in environment, using fallback")
		return fallback
	}
	return value
}

func (e envReader) boolEnv(name string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		e.logger.Warn().Str("name", name).Str("value", raw).Bool("fallback", fallback).Msg("invalid boolean in environment, using fallback")
		return fallback
	}
	return value
}
