package config

import "errors"

// Configuration validation errors
var (
	ErrInvalidAppName        = errors.New("invalid application name")
	ErrInvalidEnvironment    = errors.New("invalid environment")
	ErrInvalidLogLevel       = errors.New("invalid log level")
	ErrInvalidLogFormat      = errors.New("invalid log format")
	ErrInvalidAddress        = errors.New("invalid listen address")
	ErrAddressConflict       = errors.New("frontend and agent listen on the same address")
	ErrInvalidMaxConnections = errors.New("invalid max connections")
	ErrInvalidRateLimit      = errors.New("invalid rate limit")
	ErrInvalidMailboxSize    = errors.New("invalid mailbox size")
	ErrInvalidDatabasePath   = errors.New("invalid database path")
	ErrInvalidPoolSize       = errors.New("invalid database pool size")
	ErrInvalidJobInterval    = errors.New("invalid job schedule")
)

// Configuration loading errors
var (
	ErrConfigFileNotFound  = errors.New("configuration file not found")
	ErrConfigParseError    = errors.New("configuration parse error")
	ErrUnsupportedFormat   = errors.New("unsupported configuration format")
	ErrEnvironmentVarError = errors.New("environment variable error")
)
