// Package config loads opstrack configuration from defaults, an optional
// config file and OPSTRACK_ environment variables.
package config

import (
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable, with "." in keys replaced
// by "_": OPSTRACK_RECONCILE_INTERVAL sets reconcile.interval.
const EnvPrefix = "OPSTRACK"

// Config holds application configuration.
type Config struct {
	ListenAddr string          `mapstructure:"listen_addr"`
	LogLevel   string          `mapstructure:"log_level"`
	Database   DatabaseConfig  `mapstructure:"database"`
	Engine     EngineConfig    `mapstructure:"engine"`
	Tracker    TrackerConfig   `mapstructure:"tracker"`
	Reconcile  ReconcileConfig `mapstructure:"reconcile"`
	Backend    BackendConfig   `mapstructure:"backend"`
}

// DatabaseConfig configures the operation record store.
type DatabaseConfig struct {
	URL             string        `mapstructure:"url"`
	PingTimeout     time.Duration `mapstructure:"ping_timeout"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// EngineConfig configures the execution engine.
type EngineConfig struct {
	DBPath        string        `mapstructure:"db_path"`
	Workers       int           `mapstructure:"workers"`
	MaxAttempts   int           `mapstructure:"max_attempts"`
	RunTimeout    time.Duration `mapstructure:"run_timeout"`
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace"`
}

// TrackerConfig configures status writes made from inside executions.
type TrackerConfig struct {
	StatusWriteTimeout time.Duration `mapstructure:"status_write_timeout"`
	WorkAttempts       int           `mapstructure:"work_attempts"`
}

// ReconcileConfig configures reconciliation passes and their trigger.
type ReconcileConfig struct {
	Interval         time.Duration `mapstructure:"interval"`
	QueryTimeout     time.Duration `mapstructure:"query_timeout"`
	QueriesPerSecond float64       `mapstructure:"queries_per_second"`
	Concurrency      int           `mapstructure:"concurrency"`
	TerminatedAs     string        `mapstructure:"terminated_as"`
}

// BackendConfig configures the simulated machine backend.
type BackendConfig struct {
	// SimulatedUnit is the wall time of one requested "second" of work.
	SimulatedUnit time.Duration `mapstructure:"simulated_unit"`
}

// SetDefaults configures default values for all configuration options.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("log_level", "info")

	v.SetDefault("database.url", "sqlite://opstrack.db")
	v.SetDefault("database.ping_timeout", 5*time.Second)
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.conn_max_lifetime", 30*time.Minute)

	v.SetDefault("engine.db_path", "opstrack-engine.db")
	v.SetDefault("engine.workers", 16)
	v.SetDefault("engine.max_attempts", 3)
	v.SetDefault("engine.run_timeout", time.Hour)
	v.SetDefault("engine.shutdown_grace", 10*time.Second)

	v.SetDefault("tracker.status_write_timeout", 30*time.Second)
	v.SetDefault("tracker.work_attempts", 3)

	v.SetDefault("reconcile.interval", time.Minute)
	v.SetDefault("reconcile.query_timeout", 10*time.Second)
	v.SetDefault("reconcile.queries_per_second", 0.0)
	v.SetDefault("reconcile.concurrency", 4)
	v.SetDefault("reconcile.terminated_as", "FAILED")

	v.SetDefault("backend.simulated_unit", time.Second)
}

// NewViper returns a viper instance with defaults and environment binding.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
	return v
}

// Load reads configuration. path names an optional config file whose format
// is taken from its extension; environment variables override it.
func Load(path string) (*Config, error) {
	v := NewViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config file %s", path)
		}
	}
	return LoadWithViper(v)
}

// LoadWithViper unmarshals and validates configuration from v.
func LoadWithViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return errors.New("listen_addr cannot be empty")
	}
	if _, ok := parseLogLevel(c.LogLevel); !ok {
		return errors.Newf("log_level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	if c.Database.URL == "" {
		return errors.New("database.url cannot be empty")
	}
	if c.Database.MaxOpenConns < 0 {
		return errors.Newf("database.max_open_conns must be >= 0, got %d", c.Database.MaxOpenConns)
	}
	if c.Engine.DBPath == "" {
		return errors.New("engine.db_path cannot be empty")
	}
	if c.Engine.Workers <= 0 {
		return errors.Newf("engine.workers must be > 0, got %d", c.Engine.Workers)
	}
	if c.Engine.MaxAttempts <= 0 {
		return errors.Newf("engine.max_attempts must be > 0, got %d", c.Engine.MaxAttempts)
	}
	if c.Engine.RunTimeout <= 0 {
		return errors.Newf("engine.run_timeout must be > 0, got %s", c.Engine.RunTimeout)
	}
	if c.Tracker.StatusWriteTimeout <= 0 {
		return errors.Newf("tracker.status_write_timeout must be > 0, got %s", c.Tracker.StatusWriteTimeout)
	}
	if c.Reconcile.Interval <= 0 {
		return errors.Newf("reconcile.interval must be > 0, got %s", c.Reconcile.Interval)
	}
	if c.Reconcile.QueryTimeout <= 0 {
		return errors.Newf("reconcile.query_timeout must be > 0, got %s", c.Reconcile.QueryTimeout)
	}
	// Zero means unpaced.
	if c.Reconcile.QueriesPerSecond < 0 {
		return errors.Newf("reconcile.queries_per_second must be >= 0, got %f", c.Reconcile.QueriesPerSecond)
	}
	if c.Reconcile.Concurrency <= 0 {
		return errors.Newf("reconcile.concurrency must be > 0, got %d", c.Reconcile.Concurrency)
	}
	switch strings.ToUpper(c.Reconcile.TerminatedAs) {
	case "FAILED", "CANCELLED":
	default:
		return errors.WithHint(
			errors.Newf("reconcile.terminated_as must be FAILED or CANCELLED, got %q", c.Reconcile.TerminatedAs),
			"externally terminated executions are recorded as FAILED unless configured otherwise")
	}
	if c.Backend.SimulatedUnit <= 0 {
		return errors.Newf("backend.simulated_unit must be > 0, got %s", c.Backend.SimulatedUnit)
	}
	return nil
}

// Level returns the configured log level.
func (c *Config) Level() slog.Level {
	level, _ := parseLogLevel(c.LogLevel)
	return level
}

func parseLogLevel(s string) (slog.Level, bool) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, true
	case "info", "":
		return slog.LevelInfo, true
	case "warn":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	default:
		return slog.LevelInfo, false
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
