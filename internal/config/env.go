package config

import "os"

// Environment variable names for overrides.
const (
	EnvConfig   = "INBOX_SYNC_CONFIG"
	EnvDB       = "INBOX_SYNC_DB"
	EnvLogLevel = "INBOX_SYNC_LOG_LEVEL"
)

// EnvOverrides holds values derived from environment variables.
type EnvOverrides struct {
	ConfigPath string // INBOX_SYNC_CONFIG: config file path
	DBPath     string // INBOX_SYNC_DB: database path
	LogLevel   string // INBOX_SYNC_LOG_LEVEL: log level
}

// ReadEnvOverrides reads environment variables and returns any overrides
// found. It does not modify a Config.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath: os.Getenv(EnvConfig),
		DBPath:     os.Getenv(EnvDB),
		LogLevel:   os.Getenv(EnvLogLevel),
	}
}
