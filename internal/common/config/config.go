// Package config provides configuration management for the RingForge hub.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the hub.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	SQLite    SQLiteConfig    `mapstructure:"sqlite"`
	Docstore  DocstoreConfig  `mapstructure:"docstore"`
	Bus       BusConfig       `mapstructure:"bus"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Challenge ChallengeConfig `mapstructure:"challenge"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	DMQueue   DMQueueConfig   `mapstructure:"dmQueue"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds PostgreSQL connection configuration for the agent
// directory. An empty host selects the in-memory directory (or SQLite when
// sqlite.path is set).
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// SQLiteConfig holds the single-node directory backend configuration.
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// DocstoreConfig holds document-store configuration. An empty address runs
// the embedded local store at Path; otherwise the hub dials a store daemon.
type DocstoreConfig struct {
	Addr             string `mapstructure:"addr"`
	Path             string `mapstructure:"path"`
	DialTimeoutMs    int    `mapstructure:"dialTimeoutMs"`
	RequestTimeoutMs int    `mapstructure:"requestTimeoutMs"`
}

// BusConfig holds event-bus configuration.
type BusConfig struct {
	Backend               string   `mapstructure:"backend"` // local, kafka
	Brokers               []string `mapstructure:"brokers"`
	ClientID              string   `mapstructure:"clientId"`
	MaxQueueSize          int      `mapstructure:"maxQueueSize"`
	PublishTimeoutMs      int      `mapstructure:"publishTimeoutMs"`
	ReplayTimeoutMs       int      `mapstructure:"replayTimeoutMs"`
	LocalMaxEventsPerTopic int     `mapstructure:"localMaxEventsPerTopic"`
}

// NATSConfig holds the optional sibling-replica pub/sub bridge. An empty URL
// keeps fanout process-local.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// ChallengeConfig holds reconnect-challenge lifetimes.
type ChallengeConfig struct {
	TTLMs   int `mapstructure:"ttlMs"`
	SweepMs int `mapstructure:"sweepMs"`
}

// SchedulerConfig holds task scheduler configuration.
type SchedulerConfig struct {
	TickMs          int    `mapstructure:"tickMs"`
	DefaultTTLMs    int    `mapstructure:"defaultTtlMs"`
	MaxTTLMs        int    `mapstructure:"maxTtlMs"`
	CleanupCutoffMs int    `mapstructure:"cleanupCutoffMs"`
	Region          string `mapstructure:"region"`
}

// DMQueueConfig holds offline direct-message queue lifetimes.
type DMQueueConfig struct {
	TTLSeconds             int `mapstructure:"ttlSeconds"`
	HighPriorityTTLSeconds int `mapstructure:"highPriorityTtlSeconds"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// DialTimeout returns the store dial timeout as a time.Duration.
func (d *DocstoreConfig) DialTimeout() time.Duration {
	return time.Duration(d.DialTimeoutMs) * time.Millisecond
}

// RequestTimeout returns the store request timeout as a time.Duration.
func (d *DocstoreConfig) RequestTimeout() time.Duration {
	return time.Duration(d.RequestTimeoutMs) * time.Millisecond
}

// PublishTimeout returns the bus publish deadline as a time.Duration.
func (b *BusConfig) PublishTimeout() time.Duration {
	return time.Duration(b.PublishTimeoutMs) * time.Millisecond
}

// ReplayTimeout returns the bus replay deadline as a time.Duration.
func (b *BusConfig) ReplayTimeout() time.Duration {
	return time.Duration(b.ReplayTimeoutMs) * time.Millisecond
}

// TTL returns the challenge lifetime as a time.Duration.
func (c *ChallengeConfig) TTL() time.Duration {
	return time.Duration(c.TTLMs) * time.Millisecond
}

// SweepInterval returns the challenge sweep cadence as a time.Duration.
func (c *ChallengeConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepMs) * time.Millisecond
}

// Tick returns the scheduler tick cadence as a time.Duration.
func (s *SchedulerConfig) Tick() time.Duration {
	return time.Duration(s.TickMs) * time.Millisecond
}

// CleanupCutoff returns the terminal-task purge age as a time.Duration.
func (s *SchedulerConfig) CleanupCutoff() time.Duration {
	return time.Duration(s.CleanupCutoffMs) * time.Millisecond
}

// DefaultTTL returns the task deadline applied when a submit carries none.
func (s *SchedulerConfig) DefaultTTL() time.Duration {
	return time.Duration(s.DefaultTTLMs) * time.Millisecond
}

// MaxTTL returns the ceiling on client-requested task deadlines.
func (s *SchedulerConfig) MaxTTL() time.Duration {
	return time.Duration(s.MaxTTLMs) * time.Millisecond
}

// TTL returns the normal-priority queued message lifetime as a time.Duration.
func (d *DMQueueConfig) TTL() time.Duration {
	return time.Duration(d.TTLSeconds) * time.Second
}

// HighPriorityTTL returns the high-priority queued message lifetime.
func (d *DMQueueConfig) HighPriorityTTL() time.Duration {
	return time.Duration(d.HighPriorityTTLSeconds) * time.Second
}

// detectDefaultLogFormat returns "json" in production-looking environments
// and "text" for terminal/development use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("RINGFORGE_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults - empty host means in-memory directory
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "ringforge")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "ringforge")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// SQLite defaults - empty path means disabled
	v.SetDefault("sqlite.path", "")

	// Docstore defaults - empty addr means embedded local store
	v.SetDefault("docstore.addr", "")
	v.SetDefault("docstore.path", "./ringforge-docs.db")
	v.SetDefault("docstore.dialTimeoutMs", 5000)
	v.SetDefault("docstore.requestTimeoutMs", 10000)

	// Bus defaults
	v.SetDefault("bus.backend", "local")
	v.SetDefault("bus.brokers", []string{})
	v.SetDefault("bus.clientId", "ringforge-hub")
	v.SetDefault("bus.maxQueueSize", 5000)
	v.SetDefault("bus.publishTimeoutMs", 10000)
	v.SetDefault("bus.replayTimeoutMs", 15000)
	v.SetDefault("bus.localMaxEventsPerTopic", 10000)

	// NATS defaults - empty URL means process-local fanout only
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "ringforge-hub")
	v.SetDefault("nats.maxReconnects", 10)

	// Challenge defaults
	v.SetDefault("challenge.ttlMs", 30000)
	v.SetDefault("challenge.sweepMs", 60000)

	// Scheduler defaults
	v.SetDefault("scheduler.tickMs", 1000)
	v.SetDefault("scheduler.defaultTtlMs", 30000)
	v.SetDefault("scheduler.maxTtlMs", 300000)
	v.SetDefault("scheduler.cleanupCutoffMs", 300000)
	v.SetDefault("scheduler.region", "local")

	// DM queue defaults
	v.SetDefault("dmQueue.ttlSeconds", 300)
	v.SetDefault("dmQueue.highPriorityTtlSeconds", 86400)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix RINGFORGE_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/ringforge/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("RINGFORGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys).
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion.
	_ = v.BindEnv("bus.clientId", "RINGFORGE_BUS_CLIENT_ID")
	_ = v.BindEnv("bus.maxQueueSize", "RINGFORGE_BUS_MAX_QUEUE_SIZE")
	_ = v.BindEnv("bus.publishTimeoutMs", "RINGFORGE_BUS_PUBLISH_TIMEOUT_MS")
	_ = v.BindEnv("bus.replayTimeoutMs", "RINGFORGE_BUS_REPLAY_TIMEOUT_MS")
	_ = v.BindEnv("bus.localMaxEventsPerTopic", "RINGFORGE_BUS_LOCAL_MAX_EVENTS_PER_TOPIC")
	_ = v.BindEnv("challenge.ttlMs", "RINGFORGE_CHALLENGE_TTL_MS")
	_ = v.BindEnv("challenge.sweepMs", "RINGFORGE_CHALLENGE_SWEEP_MS")
	_ = v.BindEnv("scheduler.tickMs", "RINGFORGE_SCHEDULER_TICK_MS")
	_ = v.BindEnv("scheduler.defaultTtlMs", "RINGFORGE_SCHEDULER_DEFAULT_TTL_MS")
	_ = v.BindEnv("scheduler.maxTtlMs", "RINGFORGE_SCHEDULER_MAX_TTL_MS")
	_ = v.BindEnv("scheduler.cleanupCutoffMs", "RINGFORGE_SCHEDULER_CLEANUP_CUTOFF_MS")
	_ = v.BindEnv("dmQueue.ttlSeconds", "RINGFORGE_DM_QUEUE_TTL_SECONDS")
	_ = v.BindEnv("dmQueue.highPriorityTtlSeconds", "RINGFORGE_DM_QUEUE_TTL_HIGH_PRIORITY_SECONDS")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/ringforge/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
// In development mode (default), most fields are optional.
func validate(cfg *Config) error {
	var errs []string

	// Server validation - always required
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	// Database validation - only if host is set (optional for in-memory mode)
	if cfg.Database.Host != "" {
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required when database.host is set")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required when database.host is set")
		}
	}
	if cfg.Database.Host != "" && cfg.SQLite.Path != "" {
		errs = append(errs, "database.host and sqlite.path are mutually exclusive")
	}

	// Bus validation
	switch cfg.Bus.Backend {
	case "local":
	case "kafka":
		if len(cfg.Bus.Brokers) == 0 {
			errs = append(errs, "bus.brokers is required when bus.backend is kafka")
		}
	case "pulsar":
		errs = append(errs, "bus.backend pulsar is not built into this binary; use kafka")
	default:
		errs = append(errs, "bus.backend must be one of: local, kafka")
	}
	if cfg.Bus.MaxQueueSize <= 0 {
		errs = append(errs, "bus.maxQueueSize must be positive")
	}
	if cfg.Bus.LocalMaxEventsPerTopic <= 0 {
		errs = append(errs, "bus.localMaxEventsPerTopic must be positive")
	}

	// Challenge validation
	if cfg.Challenge.TTLMs <= 0 {
		errs = append(errs, "challenge.ttlMs must be positive")
	}
	if cfg.Challenge.SweepMs <= 0 {
		errs = append(errs, "challenge.sweepMs must be positive")
	}

	// Scheduler validation
	if cfg.Scheduler.TickMs <= 0 {
		errs = append(errs, "scheduler.tickMs must be positive")
	}
	if cfg.Scheduler.DefaultTTLMs <= 0 || cfg.Scheduler.MaxTTLMs <= 0 {
		errs = append(errs, "scheduler TTLs must be positive")
	}
	if cfg.Scheduler.DefaultTTLMs > cfg.Scheduler.MaxTTLMs {
		errs = append(errs, "scheduler.defaultTtlMs must not exceed scheduler.maxTtlMs")
	}

	// DM queue validation
	if cfg.DMQueue.TTLSeconds <= 0 || cfg.DMQueue.HighPriorityTTLSeconds <= 0 {
		errs = append(errs, "dmQueue TTLs must be positive")
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text, console")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}
