// Package config provides configuration management for the fleetdash hub
package config

import (
	"strings"
	"time"
)

// Environment represents the deployment environment
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvTesting     Environment = "testing"
	EnvStaging     Environment = "staging"
	EnvProduction  Environment = "production"
)

// String returns the string representation of Environment
func (e Environment) String() string {
	return string(e)
}

// IsValid checks if the environment is valid
func (e Environment) IsValid() bool {
	switch e {
	case EnvDevelopment, EnvTesting, EnvStaging, EnvProduction:
		return true
	default:
		return false
	}
}

// LogLevel represents the logging level
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// String returns the string representation of LogLevel
func (l LogLevel) String() string {
	return string(l)
}

// IsValid checks if the log level is valid
func (l LogLevel) IsValid() bool {
	switch LogLevel(strings.ToLower(string(l))) {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
		return true
	default:
		return false
	}
}

// Config represents the complete hub configuration
type Config struct {
	App      AppConfig      `yaml:"app" json:"app"`
	Log      LogConfig      `yaml:"log" json:"log"`
	Frontend FrontendConfig `yaml:"frontend" json:"frontend"`
	Agent    AgentConfig    `yaml:"agent" json:"agent"`
	Actor    ActorConfig    `yaml:"actor" json:"actor"`
	Database DatabaseConfig `yaml:"database" json:"database"`
	Notify   NotifyConfig   `yaml:"notify" json:"notify"`
	Jobs     JobsConfig     `yaml:"jobs" json:"jobs"`
}

// AppConfig contains application-level configuration
type AppConfig struct {
	Name        string      `yaml:"name" json:"name"`
	Version     string      `yaml:"version" json:"version"`
	Environment Environment `yaml:"environment" json:"environment"`
	Debug       bool        `yaml:"debug" json:"debug"`
}

// LogConfig contains logging configuration
type LogConfig struct {
	// Log level, changeable at runtime through the watcher
	Level LogLevel `yaml:"level" json:"level"`

	// Log format (json, text)
	Format string `yaml:"format" json:"format"`

	// Output destination (stdout, stderr, file path)
	Output string `yaml:"output" json:"output"`

	// Include source file and line
	AddSource bool `yaml:"add_source" json:"add_source"`
}

// ListenerConfig configures one WebSocket listener.
type ListenerConfig struct {
	Address        string        `yaml:"address" json:"address"`
	Path           string        `yaml:"path" json:"path"`
	Passphrase     string        `yaml:"passphrase" json:"passphrase"`
	MaxConnections int           `yaml:"max_connections" json:"max_connections"`
	SendQueueSize  int           `yaml:"send_queue_size" json:"send_queue_size"`
	WriteTimeout   time.Duration `yaml:"write_timeout" json:"write_timeout"`
	PingInterval   time.Duration `yaml:"ping_interval" json:"ping_interval"`
	ReadLimit      int64         `yaml:"read_limit" json:"read_limit"`

	// RequestTimeout bounds the handling of one inbound call
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout"`

	// Calls per second across the listener; zero disables limiting
	RateLimit float64 `yaml:"rate_limit" json:"rate_limit"`
	RateBurst int     `yaml:"rate_burst" json:"rate_burst"`
}

// FrontendConfig configures the dashboard listener
type FrontendConfig struct {
	ListenerConfig `yaml:",inline"`
}

// AgentConfig configures the node-agent listener
type AgentConfig struct {
	ListenerConfig `yaml:",inline"`

	// CallTimeout bounds how long a hub-to-agent call may stay unanswered
	CallTimeout time.Duration `yaml:"call_timeout" json:"call_timeout"`
}

// ActorConfig contains actor system configuration
type ActorConfig struct {
	MailboxSize     int           `yaml:"mailbox_size" json:"mailbox_size"`
	ProcessTimeout  time.Duration `yaml:"process_timeout" json:"process_timeout"`
	AskTimeout      time.Duration `yaml:"ask_timeout" json:"ask_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// MemoryDatabase selects the in-memory store.
const MemoryDatabase = ":memory:"

// DatabaseConfig configures persistence
type DatabaseConfig struct {
	// SQLite file path, or ":memory:"
	Path     string `yaml:"path" json:"path"`
	PoolSize int    `yaml:"pool_size" json:"pool_size"`
}

// IsMemory reports whether the in-memory store is selected.
func (d DatabaseConfig) IsMemory() bool {
	return d.Path == MemoryDatabase
}

// NotifyConfig configures operator notifications
type NotifyConfig struct {
	SlackWebhookURL string `yaml:"slack_webhook_url" json:"slack_webhook_url"`

	// Also write notifications to the log
	Log bool `yaml:"log" json:"log"`
}

// JobConfig schedules one periodic job
type JobConfig struct {
	Enabled  bool          `yaml:"enabled" json:"enabled"`
	Interval time.Duration `yaml:"interval" json:"interval"`
}

// RetentionJobConfig schedules network-usage pruning
type RetentionJobConfig struct {
	JobConfig `yaml:",inline"`
	Retention time.Duration `yaml:"retention" json:"retention"`
}

// JobsConfig contains background job configuration
type JobsConfig struct {
	DailyReport    JobConfig          `yaml:"daily_report" json:"daily_report"`
	UsageRetention RetentionJobConfig `yaml:"usage_retention" json:"usage_retention"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Name:        "fleetdash",
			Version:     "0.1.0",
			Environment: EnvDevelopment,
		},
		Log: LogConfig{
			Level:  LogLevelInfo,
			Format: "text",
			Output: "stderr",
		},
		Frontend: FrontendConfig{
			ListenerConfig: ListenerConfig{
				Address:        "0.0.0.0:3012",
				Path:           "/",
				MaxConnections: 1000,
				SendQueueSize:  256,
				WriteTimeout:   10 * time.Second,
				PingInterval:   30 * time.Second,
				ReadLimit:      4 << 20,
				RequestTimeout: 30 * time.Second,
			},
		},
		Agent: AgentConfig{
			ListenerConfig: ListenerConfig{
				Address:        "0.0.0.0:4012",
				Path:           "/",
				MaxConnections: 1000,
				SendQueueSize:  256,
				WriteTimeout:   10 * time.Second,
				PingInterval:   30 * time.Second,
				ReadLimit:      16 << 20,
				RequestTimeout: 10 * time.Second,
			},
			CallTimeout: time.Minute,
		},
		Actor: ActorConfig{
			MailboxSize:     64,
			ProcessTimeout:  30 * time.Second,
			AskTimeout:      10 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Database: DatabaseConfig{
			Path:     "fleetdash.db",
			PoolSize: 4,
		},
		Notify: NotifyConfig{
			Log: true,
		},
		Jobs: JobsConfig{
			DailyReport: JobConfig{
				Enabled:  true,
				Interval: 24 * time.Hour,
			},
			UsageRetention: RetentionJobConfig{
				JobConfig: JobConfig{
					Enabled:  true,
					Interval: time.Hour,
				},
				Retention: 7 * 24 * time.Hour,
			},
		},
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.App.Name == "" {
		return ErrInvalidAppName
	}
	if !c.App.Environment.IsValid() {
		return ErrInvalidEnvironment
	}

	if !c.Log.Level.IsValid() {
		return ErrInvalidLogLevel
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return ErrInvalidLogFormat
	}

	for _, l := range []ListenerConfig{c.Frontend.ListenerConfig, c.Agent.ListenerConfig} {
		if l.Address == "" {
			return ErrInvalidAddress
		}
		if l.MaxConnections <= 0 {
			return ErrInvalidMaxConnections
		}
		if l.RateLimit < 0 {
			return ErrInvalidRateLimit
		}
	}
	if c.Frontend.Address == c.Agent.Address {
		return ErrAddressConflict
	}

	if c.Actor.MailboxSize <= 0 {
		return ErrInvalidMailboxSize
	}

	if c.Database.Path == "" {
		return ErrInvalidDatabasePath
	}
	if c.Database.PoolSize <= 0 {
		return ErrInvalidPoolSize
	}

	if c.Jobs.DailyReport.Enabled && c.Jobs.DailyReport.Interval <= 0 {
		return ErrInvalidJobInterval
	}
	if c.Jobs.UsageRetention.Enabled &&
		(c.Jobs.UsageRetention.Interval <= 0 || c.Jobs.UsageRetention.Retention <= 0) {
		return ErrInvalidJobInterval
	}

	return nil
}

// IsDevelopment returns true if the environment is development
func (c *Config) IsDevelopment() bool {
	return c.App.Environment == EnvDevelopment
}

// IsProduction returns true if the environment is production
func (c *Config) IsProduction() bool {
	return c.App.Environment == EnvProduction
}

// IsDebugEnabled returns true if debug mode is enabled
func (c *Config) IsDebugEnabled() bool {
	return c.App.Debug || c.App.Environment == EnvDevelopment
}
