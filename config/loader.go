package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigFormat represents the configuration file format
type ConfigFormat string

const (
	FormatYAML ConfigFormat = "yaml"
	FormatJSON ConfigFormat = "json"
)

// FormatOf derives the format from a file extension.
func FormatOf(filename string) (ConfigFormat, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Ext(filename))
	}
}

// Loader handles configuration loading from files and the environment.
// Values come from, in increasing priority: defaults, the file, the
// environment.
type Loader struct {
	searchPaths   []string
	envPrefix     string
	defaultConfig *Config
	lookupEnv     func(string) (string, bool)
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	paths := []string{".", "./config", "/etc/fleetdash"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".fleetdash"))
	}
	return &Loader{
		searchPaths: paths,
		envPrefix:   "FLEETDASH",
		lookupEnv:   os.LookupEnv,
	}
}

// SetSearchPaths sets the configuration file search paths
func (l *Loader) SetSearchPaths(paths []string) *Loader {
	l.searchPaths = paths
	return l
}

// SetEnvPrefix sets the environment variable prefix
func (l *Loader) SetEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// SetDefaultConfig sets the configuration files are layered onto
func (l *Loader) SetDefaultConfig(config *Config) *Loader {
	l.defaultConfig = config
	return l
}

// SetLookupEnv replaces os.LookupEnv, e.g. in tests.
func (l *Loader) SetLookupEnv(fn func(string) (string, bool)) *Loader {
	l.lookupEnv = fn
	return l
}

func (l *Loader) defaults() *Config {
	if l.defaultConfig != nil {
		c := *l.defaultConfig
		return &c
	}
	return DefaultConfig()
}

// Load loads configuration from filename, or from defaults and the
// environment alone when filename is empty.
func (l *Loader) Load(filename string) (*Config, error) {
	if filename == "" {
		return l.finish(l.defaults())
	}
	return l.LoadFromFile(filename)
}

// LoadFromFile loads configuration from a specific file
func (l *Loader) LoadFromFile(filename string) (*Config, error) {
	format, err := FormatOf(filename)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", filename, err)
	}
	config, err := l.parseConfig(data, format)
	if err != nil {
		return nil, fmt.Errorf("config file %s: %w", filename, err)
	}
	return l.finish(config)
}

// LoadFromReader loads configuration from an io.Reader
func (l *Loader) LoadFromReader(reader io.Reader, format ConfigFormat) (*Config, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration data: %w", err)
	}
	config, err := l.parseConfig(data, format)
	if err != nil {
		return nil, err
	}
	return l.finish(config)
}

// AutoLoad loads the first configuration file found in the search paths,
// falling back to defaults when there is none.
func (l *Loader) AutoLoad() (*Config, error) {
	configFile, err := l.FindConfigFile()
	if err == ErrConfigFileNotFound {
		return l.finish(l.defaults())
	}
	if err != nil {
		return nil, err
	}
	return l.LoadFromFile(configFile)
}

// FindConfigFile searches for a configuration file in the search paths
func (l *Loader) FindConfigFile() (string, error) {
	filenames := []string{"fleetdash.yaml", "fleetdash.yml", "fleetdash.json"}
	for _, searchPath := range l.searchPaths {
		for _, filename := range filenames {
			fullPath := filepath.Join(searchPath, filename)
			if _, err := os.Stat(fullPath); err == nil {
				return fullPath, nil
			}
		}
	}
	return "", ErrConfigFileNotFound
}

// finish applies environment overrides and validates.
func (l *Loader) finish(config *Config) (*Config, error) {
	if err := l.loadFromEnv(config); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return config, nil
}

// parseConfig decodes data on top of the defaults, so keys missing from
// the file keep their default values.
func (l *Loader) parseConfig(data []byte, format ConfigFormat) (*Config, error) {
	config := l.defaults()

	switch format {
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(config); err != nil && err != io.EOF {
			return nil, fmt.Errorf("%w: %v", ErrConfigParseError, err)
		}
	case FormatJSON:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(config); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrConfigParseError, err)
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}

	return config, nil
}

type envBinding struct {
	key string
	set func(c *Config, val string) error
}

func setString(field func(c *Config) *string) func(*Config, string) error {
	return func(c *Config, val string) error {
		*field(c) = val
		return nil
	}
}

func setDuration(field func(c *Config) *time.Duration) func(*Config, string) error {
	return func(c *Config, val string) error {
		d, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		*field(c) = d
		return nil
	}
}

func setBool(field func(c *Config) *bool) func(*Config, string) error {
	return func(c *Config, val string) error {
		b, err := strconv.ParseBool(val)
		if err != nil {
			return err
		}
		*field(c) = b
		return nil
	}
}

var envBindings = []envBinding{
	{"APP_ENVIRONMENT", func(c *Config, val string) error {
		c.App.Environment = Environment(val)
		return nil
	}},
	{"APP_DEBUG", setBool(func(c *Config) *bool { return &c.App.Debug })},
	{"LOG_LEVEL", func(c *Config, val string) error {
		c.Log.Level = LogLevel(strings.ToLower(val))
		return nil
	}},
	{"LOG_FORMAT", setString(func(c *Config) *string { return &c.Log.Format })},
	{"LOG_OUTPUT", setString(func(c *Config) *string { return &c.Log.Output })},
	{"FRONTEND_ADDRESS", setString(func(c *Config) *string { return &c.Frontend.Address })},
	{"FRONTEND_PASSPHRASE", setString(func(c *Config) *string { return &c.Frontend.Passphrase })},
	{"AGENT_ADDRESS", setString(func(c *Config) *string { return &c.Agent.Address })},
	{"AGENT_PASSPHRASE", setString(func(c *Config) *string { return &c.Agent.Passphrase })},
	{"AGENT_CALL_TIMEOUT", setDuration(func(c *Config) *time.Duration { return &c.Agent.CallTimeout })},
	{"ACTOR_ASK_TIMEOUT", setDuration(func(c *Config) *time.Duration { return &c.Actor.AskTimeout })},
	{"DATABASE_PATH", setString(func(c *Config) *string { return &c.Database.Path })},
	{"SLACK_WEBHOOK_URL", setString(func(c *Config) *string { return &c.Notify.SlackWebhookURL })},
}

// loadFromEnv applies <PREFIX>_<KEY> overrides. SLACK_WEBHOOK_URL is also
// honored without the prefix.
func (l *Loader) loadFromEnv(config *Config) error {
	lookup := l.lookupEnv
	if lookup == nil {
		lookup = os.LookupEnv
	}
	if val, ok := lookup("SLACK_WEBHOOK_URL"); ok && val != "" {
		config.Notify.SlackWebhookURL = val
	}
	for _, b := range envBindings {
		name := l.envPrefix + "_" + b.key
		val, ok := lookup(name)
		if !ok || val == "" {
			continue
		}
		if err := b.set(config, val); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrEnvironmentVarError, name, err)
		}
	}
	return nil
}
