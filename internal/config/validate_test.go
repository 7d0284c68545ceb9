package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const invalidEnumStr = "invalid-value"

func validConfig() *Config {
	return DefaultConfig()
}

func TestValidate_ValidDefaults(t *testing.T) {
	err := Validate(validConfig())
	assert.NoError(t, err)
}

func TestValidate_FieldErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"log level", func(c *Config) { c.LogLevel = "verbose" }, "log_level"},
		{"log format", func(c *Config) { c.LogFormat = "xml" }, "log_format"},
		{"log retention", func(c *Config) { c.LogRetentionDays = 0 }, "log_retention_days"},
		{"empty db path", func(c *Config) { c.Store.DBPath = "" }, "store.db_path"},
		{"empty lock dir", func(c *Config) { c.Store.LockDir = "" }, "store.lock_dir"},
		{"soft budget format", func(c *Config) { c.Sync.SoftTimeBudget = "a while" }, "sync.soft_time_budget"},
		{"soft budget too short", func(c *Config) { c.Sync.SoftTimeBudget = "500ms" }, "sync.soft_time_budget"},
		{"hard limit below soft", func(c *Config) { c.Sync.HardTimeLimit = "30s" }, "sync.hard_time_limit"},
		{"hard limit equals soft", func(c *Config) { c.Sync.HardTimeLimit = "60s" }, "sync.hard_time_limit"},
		{"hard limit format", func(c *Config) { c.Sync.HardTimeLimit = "never" }, "sync.hard_time_limit"},
		{"page size zero", func(c *Config) { c.Sync.InitialPageSize = 0 }, "sync.initial_page_size"},
		{"page size huge", func(c *Config) { c.Sync.InitialPageSize = 100_000 }, "sync.initial_page_size"},
		{"growth ceiling zero", func(c *Config) { c.Sync.PageGrowthCeiling = 0 }, "sync.page_growth_ceiling"},
		{"commit retries negative", func(c *Config) { c.Sync.CommitRetries = -1 }, "sync.commit_retries"},
		{"workers zero", func(c *Config) { c.Sync.Workers = 0 }, "sync.workers"},
		{"workers too many", func(c *Config) { c.Sync.Workers = 65 }, "sync.workers"},
		{"poll interval too short", func(c *Config) { c.Sync.PollInterval = "1s" }, "sync.poll_interval"},
		{"retry interval too short", func(c *Config) { c.Sync.RetryInterval = "10ms" }, "sync.retry_interval"},
		{"max attempts zero", func(c *Config) { c.Sync.MaxAttempts = 0 }, "sync.max_attempts"},
		{"unknown backend", func(c *Config) { c.Heartbeat.Backend = "etcd" }, "heartbeat.backend"},
		{"redis without port", func(c *Config) {
			c.Heartbeat.Backend = BackendRedis
			c.Heartbeat.RedisAddr = "localhost"
		}, "heartbeat.redis_addr"},
		{"redis db out of range", func(c *Config) { c.Heartbeat.RedisDB = 16 }, "heartbeat.redis_db"},
		{"ttl below threshold", func(c *Config) { c.Heartbeat.TTL = "1m" }, "heartbeat.ttl"},
		{"threshold below poll interval", func(c *Config) {
			c.Sync.PollInterval = "10m"
			c.Heartbeat.TTL = "20m"
		}, "heartbeat.alive_threshold"},
		{"buffer zero", func(c *Config) { c.Heartbeat.Buffer = 0 }, "heartbeat.buffer"},
		{"relative base url", func(c *Config) { c.Provider.BaseURL = "api.example.com" }, "provider.base_url"},
		{"provider timeout", func(c *Config) { c.Provider.Timeout = "0s" }, "provider.timeout"},
		{"negative rps", func(c *Config) { c.Provider.RequestsPerSecond = -1 }, "provider.requests_per_second"},
		{"burst zero", func(c *Config) { c.Provider.Burst = 0 }, "provider.burst"},
		{"listen", func(c *Config) { c.Server.Listen = "8787" }, "server.listen"},
		{"push interval", func(c *Config) { c.Server.PushInterval = "1ms" }, "server.push_interval"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := Validate(cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}

func TestValidate_LogLevel_AllValid(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error"} {
		cfg := validConfig()
		cfg.LogLevel = level
		assert.NoError(t, Validate(cfg), "expected %s to be valid", level)
	}
}

func TestValidate_RedisBackend_Valid(t *testing.T) {
	cfg := validConfig()
	cfg.Heartbeat.Backend = BackendRedis
	cfg.Heartbeat.RedisAddr = "cache.internal:6379"
	cfg.Heartbeat.RedisDB = 2

	assert.NoError(t, Validate(cfg))
}

func TestValidate_UnlimitedRateIgnoresBurst(t *testing.T) {
	cfg := validConfig()
	cfg.Provider.RequestsPerSecond = 0
	cfg.Provider.Burst = 0

	assert.NoError(t, Validate(cfg))
}

func TestValidate_CommitRetriesZeroAllowed(t *testing.T) {
	cfg := validConfig()
	cfg.Sync.CommitRetries = 0

	assert.NoError(t, Validate(cfg))
}

func TestValidate_MultipleErrors(t *testing.T) {
	cfg := validConfig()
	cfg.Sync.Workers = 0
	cfg.Sync.InitialPageSize = 0
	cfg.Heartbeat.Backend = invalidEnumStr
	cfg.LogLevel = invalidEnumStr

	err := Validate(cfg)
	require.Error(t, err)

	errStr := err.Error()
	assert.Contains(t, errStr, "sync.workers")
	assert.Contains(t, errStr, "sync.initial_page_size")
	assert.Contains(t, errStr, "heartbeat.backend")
	assert.Contains(t, errStr, "log_level")
}
