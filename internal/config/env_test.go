package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReadEnvOverrides_AllSet(t *testing.T) {
	t.Setenv(EnvConfig, "/custom/config.toml")
	t.Setenv(EnvDB, "/custom/inbox.db")
	t.Setenv(EnvLogLevel, "debug")

	overrides := ReadEnvOverrides()
	assert.Equal(t, "/custom/config.toml", overrides.ConfigPath)
	assert.Equal(t, "/custom/inbox.db", overrides.DBPath)
	assert.Equal(t, "debug", overrides.LogLevel)
}

func TestReadEnvOverrides_NoneSet(t *testing.T) {
	t.Setenv(EnvConfig, "")
	t.Setenv(EnvDB, "")
	t.Setenv(EnvLogLevel, "")

	assert.Equal(t, EnvOverrides{}, ReadEnvOverrides())
}

func TestEnvVarConstants(t *testing.T) {
	assert.Equal(t, "INBOX_SYNC_CONFIG", EnvConfig)
	assert.Equal(t, "INBOX_SYNC_DB", EnvDB)
	assert.Equal(t, "INBOX_SYNC_LOG_LEVEL", EnvLogLevel)
}
