// Package config loads and validates ingestion configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/JakeFAU/procurement-crawler/internal/adapter"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Cycle      CycleConfig      `mapstructure:"cycle"`
	Schedule   ScheduleConfig   `mapstructure:"schedule"`
	Crawler    CrawlerConfig    `mapstructure:"crawler"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Headless   HeadlessConfig   `mapstructure:"headless"`
	Storage    StorageConfig    `mapstructure:"storage"`
	DB         DBConfig         `mapstructure:"db"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	Enrichment EnrichmentConfig `mapstructure:"enrichment"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
	Sources    []SourceConfig   `mapstructure:"sources"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int `mapstructure:"port"`
	ShutdownSeconds int `mapstructure:"shutdown_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// CycleConfig bounds one ingestion cycle.
type CycleConfig struct {
	Concurrency         int  `mapstructure:"concurrency"`
	FetchTimeoutSeconds int  `mapstructure:"fetch_timeout_seconds"`
	GraceHours          int  `mapstructure:"grace_hours"`
	Snapshots           bool `mapstructure:"snapshots"`
}

// ScheduleConfig drives the periodic trigger.
type ScheduleConfig struct {
	Enabled         bool `mapstructure:"enabled"`
	IntervalMinutes int  `mapstructure:"interval_minutes"`
	RunOnStart      bool `mapstructure:"run_on_start"`
	BackfillAfter   bool `mapstructure:"backfill_after"`
	BackfillLimit   int  `mapstructure:"backfill_limit"`
}

// CrawlerConfig governs politeness toward source portals.
type CrawlerConfig struct {
	UserAgent    string  `mapstructure:"user_agent"`
	IgnoreRobots bool    `mapstructure:"ignore_robots"`
	HostRPS      float64 `mapstructure:"host_rps"`
	HostBurst    int     `mapstructure:"host_burst"`
}

// HTTPConfig configures the static fetcher's client behavior.
type HTTPConfig struct {
	TimeoutSeconds   int `mapstructure:"timeout_seconds"`
	MaxRetries       int `mapstructure:"max_retries"`
	BackoffInitialMs int `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int `mapstructure:"backoff_max_ms"`
}

// HeadlessConfig configures the headless rendering subsystem.
type HeadlessConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	MaxParallel   int  `mapstructure:"max_parallel"`
	NavTimeoutSec int  `mapstructure:"nav_timeout_seconds"`
}

// StorageConfig selects where raw candidate snapshots are written.
type StorageConfig struct {
	Backend   string `mapstructure:"backend"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	GCSPrefix string `mapstructure:"gcs_prefix"`
	LocalDir  string `mapstructure:"local_dir"`
}

// DBConfig controls access to the relational database. An empty DSN selects
// the in-memory stores.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// PubSubConfig holds metadata for change notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// EnrichmentConfig configures the language-model enrichment path.
type EnrichmentConfig struct {
	Enabled            bool     `mapstructure:"enabled"`
	Endpoint           string   `mapstructure:"endpoint"`
	Model              string   `mapstructure:"model"`
	APIKey             string   `mapstructure:"api_key"`
	Version            int      `mapstructure:"version"`
	RPS                float64  `mapstructure:"rps"`
	Burst              int      `mapstructure:"burst"`
	Workers            int      `mapstructure:"workers"`
	QueueDepth         int      `mapstructure:"queue_depth"`
	MaxInFlight        int      `mapstructure:"max_in_flight"`
	MaxTags            int      `mapstructure:"max_tags"`
	MaxSummaryRunes    int      `mapstructure:"max_summary_runes"`
	CallTimeoutSeconds int      `mapstructure:"call_timeout_seconds"`
	Categories         []string `mapstructure:"categories"`
}

// LoggingConfig toggles zap development features and error reporting.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	SentryDSN   string `mapstructure:"sentry_dsn"`
	Environment string `mapstructure:"environment"`
}

// TelemetryConfig configures tracing export.
type TelemetryConfig struct {
	ServiceName string `mapstructure:"service_name"`
	ProjectID   string `mapstructure:"project_id"`
	Region      string `mapstructure:"region"`
}

// SourceConfig registers one adapter.
type SourceConfig struct {
	ID                  string            `mapstructure:"id"`
	Kind                string            `mapstructure:"kind"`
	URL                 string            `mapstructure:"url"`
	Headless            bool              `mapstructure:"headless"`
	GraceHours          int               `mapstructure:"grace_hours"`
	FetchTimeoutSeconds int               `mapstructure:"fetch_timeout_seconds"`
	Options             map[string]string `mapstructure:"options"`
}

// Load builds a Config from disk/environment. A .env file in the working
// directory is loaded first when present.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_seconds", 15)
	v.SetDefault("cycle.concurrency", 4)
	v.SetDefault("cycle.fetch_timeout_seconds", 120)
	v.SetDefault("cycle.grace_hours", 24)
	v.SetDefault("cycle.snapshots", false)
	v.SetDefault("schedule.enabled", false)
	v.SetDefault("schedule.interval_minutes", 360)
	v.SetDefault("schedule.run_on_start", false)
	v.SetDefault("schedule.backfill_after", true)
	v.SetDefault("schedule.backfill_limit", 500)
	v.SetDefault("crawler.user_agent", "procurement-bot/0.1")
	v.SetDefault("crawler.ignore_robots", false)
	v.SetDefault("crawler.host_rps", 1.0)
	v.SetDefault("crawler.host_burst", 1)
	v.SetDefault("http.timeout_seconds", 15)
	v.SetDefault("http.max_retries", 2)
	v.SetDefault("http.backoff_initial_ms", 250)
	v.SetDefault("http.backoff_max_ms", 2000)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout_seconds", 25)
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.local_dir", "./data")
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("enrichment.enabled", false)
	v.SetDefault("enrichment.version", 1)
	v.SetDefault("enrichment.rps", 2.0)
	v.SetDefault("enrichment.burst", 1)
	v.SetDefault("enrichment.workers", 2)
	v.SetDefault("enrichment.queue_depth", 256)
	v.SetDefault("enrichment.max_in_flight", 2)
	v.SetDefault("enrichment.max_tags", 8)
	v.SetDefault("enrichment.max_summary_runes", 600)
	v.SetDefault("enrichment.call_timeout_seconds", 20)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.environment", "development")
	v.SetDefault("telemetry.service_name", "procurement-crawler")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Cycle.Concurrency <= 0 {
		return fmt.Errorf("cycle.concurrency must be > 0")
	}
	if c.Cycle.FetchTimeoutSeconds <= 0 {
		return fmt.Errorf("cycle.fetch_timeout_seconds must be > 0")
	}
	if c.Cycle.GraceHours <= 0 {
		return fmt.Errorf("cycle.grace_hours must be > 0")
	}
	if c.Schedule.Enabled && c.Schedule.IntervalMinutes <= 0 {
		return fmt.Errorf("schedule.interval_minutes must be > 0 when the schedule is enabled")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.Storage.Backend {
	case "memory", "local":
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend must be one of memory, local, gcs")
	}
	if c.Enrichment.Enabled {
		if c.Enrichment.Endpoint == "" {
			return fmt.Errorf("enrichment.endpoint must be set when enrichment is enabled")
		}
		if c.Enrichment.Workers <= 0 || c.Enrichment.QueueDepth <= 0 {
			return fmt.Errorf("enrichment.workers and enrichment.queue_depth must be > 0")
		}
	}
	if c.Enrichment.Version <= 0 {
		return fmt.Errorf("enrichment.version must be > 0")
	}
	seen := make(map[string]struct{}, len(c.Sources))
	for i, src := range c.Sources {
		if src.ID == "" {
			return fmt.Errorf("sources[%d].id must be set", i)
		}
		if _, dup := seen[src.ID]; dup {
			return fmt.Errorf("sources[%d].id %q is duplicated", i, src.ID)
		}
		seen[src.ID] = struct{}{}
		if src.Kind == "" {
			return fmt.Errorf("sources[%d].kind must be set", i)
		}
		if src.GraceHours < 0 || src.FetchTimeoutSeconds < 0 {
			return fmt.Errorf("sources[%d] overrides must be >= 0", i)
		}
		if src.Headless && !c.Headless.Enabled {
			return fmt.Errorf("sources[%d] requires headless.enabled", i)
		}
	}
	return nil
}

// Grace returns the default reconciliation grace window.
func (c Config) Grace() time.Duration {
	return time.Duration(c.Cycle.GraceHours) * time.Hour
}

// GraceOverrides returns per-source grace windows.
func (c Config) GraceOverrides() map[string]time.Duration {
	out := make(map[string]time.Duration)
	for _, src := range c.Sources {
		if src.GraceHours > 0 {
			out[src.ID] = time.Duration(src.GraceHours) * time.Hour
		}
	}
	return out
}

// FetchTimeout returns the default per-adapter fetch timeout.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Cycle.FetchTimeoutSeconds) * time.Second
}

// FetchTimeouts returns per-source fetch timeouts.
func (c Config) FetchTimeouts() map[string]time.Duration {
	out := make(map[string]time.Duration)
	for _, src := range c.Sources {
		if src.FetchTimeoutSeconds > 0 {
			out[src.ID] = time.Duration(src.FetchTimeoutSeconds) * time.Second
		}
	}
	return out
}

// AdapterSpecs converts the sources list for the adapter registry.
func (c Config) AdapterSpecs() []adapter.Spec {
	out := make([]adapter.Spec, 0, len(c.Sources))
	for _, src := range c.Sources {
		out = append(out, adapter.Spec{
			ID:       src.ID,
			Kind:     src.Kind,
			URL:      src.URL,
			Headless: src.Headless,
			Options:  src.Options,
		})
	}
	return out
}

// JobBudget converts the HTTP timeout into a duration.
func (c Config) JobBudget() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}
