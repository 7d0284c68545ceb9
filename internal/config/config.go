// Package config implements TOML configuration loading, validation, hot
// reload and platform-specific path resolution for inbox-sync. Values are
// resolved through a four-layer chain: defaults -> config file ->
// environment -> CLI flags.
package config

import "time"

// Config is the top-level configuration parsed from a TOML file. Logging
// keys live at the top level; everything else is sectioned.
type Config struct {
	LoggingConfig

	Store     StoreConfig     `toml:"store" json:"store"`
	Sync      SyncConfig      `toml:"sync" json:"sync"`
	Heartbeat HeartbeatConfig `toml:"heartbeat" json:"heartbeat"`
	Provider  ProviderConfig  `toml:"provider" json:"provider"`
	Server    ServerConfig    `toml:"server" json:"server"`
}

// LoggingConfig controls log output: level, format and rotation.
type LoggingConfig struct {
	LogLevel         string `toml:"log_level" json:"log_level"`
	LogFile          string `toml:"log_file" json:"log_file"`
	LogFormat        string `toml:"log_format" json:"log_format"`
	LogRetentionDays int    `toml:"log_retention_days" json:"log_retention_days"`
}

// StoreConfig locates the SQLite database, lock files and credentials.
type StoreConfig struct {
	DBPath  string `toml:"db_path" json:"db_path"`
	LockDir string `toml:"lock_dir" json:"lock_dir"`
	DataDir string `toml:"data_dir" json:"data_dir"`
}

// SyncConfig bounds sync passes and the worker that schedules them.
type SyncConfig struct {
	SoftTimeBudget    string `toml:"soft_time_budget" json:"soft_time_budget"`
	HardTimeLimit     string `toml:"hard_time_limit" json:"hard_time_limit"`
	InitialPageSize   int    `toml:"initial_page_size" json:"initial_page_size"`
	PageGrowthCeiling int    `toml:"page_growth_ceiling" json:"page_growth_ceiling"`
	CommitRetries     int    `toml:"commit_retries" json:"commit_retries"`
	Workers           int    `toml:"workers" json:"workers"`
	PollInterval      string `toml:"poll_interval" json:"poll_interval"`
	RetryInterval     string `toml:"retry_interval" json:"retry_interval"`
	MaxAttempts       int    `toml:"max_attempts" json:"max_attempts"`
}

// HeartbeatConfig selects and tunes the liveness backend.
type HeartbeatConfig struct {
	Backend        string `toml:"backend" json:"backend"`
	RedisAddr      string `toml:"redis_addr" json:"redis_addr"`
	RedisDB        int    `toml:"redis_db" json:"redis_db"`
	AliveThreshold string `toml:"alive_threshold" json:"alive_threshold"`
	TTL            string `toml:"ttl" json:"ttl"`
	Buffer         int    `toml:"buffer" json:"buffer"`
}

// ProviderConfig controls the HTTP client for remote providers.
type ProviderConfig struct {
	BaseURL           string  `toml:"base_url" json:"base_url"`
	Timeout           string  `toml:"timeout" json:"timeout"`
	RequestsPerSecond float64 `toml:"requests_per_second" json:"requests_per_second"`
	Burst             int     `toml:"burst" json:"burst"`
	UserAgent         string  `toml:"user_agent" json:"user_agent"`
}

// ServerConfig controls the liveness read API.
type ServerConfig struct {
	Listen       string `toml:"listen" json:"listen"`
	PushInterval string `toml:"push_interval" json:"push_interval"`
}

// Heartbeat backends.
const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// CLIOverrides holds values from CLI flags. Pointer fields distinguish "not
// specified" (nil) from an explicit zero value.
type CLIOverrides struct {
	ConfigPath string  // --config flag (empty = use default)
	DBPath     *string // --db flag
	LogLevel   *string // --log-level flag
}

// Durations parsed from validated string fields. A validated Config never
// yields the zero fallback.

// SoftTimeBudgetDuration returns sync.soft_time_budget.
func (s *SyncConfig) SoftTimeBudgetDuration() time.Duration { return parseDurationOr(s.SoftTimeBudget) }

// HardTimeLimitDuration returns sync.hard_time_limit.
func (s *SyncConfig) HardTimeLimitDuration() time.Duration { return parseDurationOr(s.HardTimeLimit) }

// PollIntervalDuration returns sync.poll_interval.
func (s *SyncConfig) PollIntervalDuration() time.Duration { return parseDurationOr(s.PollInterval) }

// RetryIntervalDuration returns sync.retry_interval.
func (s *SyncConfig) RetryIntervalDuration() time.Duration { return parseDurationOr(s.RetryInterval) }

// AliveThresholdDuration returns heartbeat.alive_threshold.
func (h *HeartbeatConfig) AliveThresholdDuration() time.Duration {
	return parseDurationOr(h.AliveThreshold)
}

// TTLDuration returns heartbeat.ttl.
func (h *HeartbeatConfig) TTLDuration() time.Duration { return parseDurationOr(h.TTL) }

// TimeoutDuration returns provider.timeout.
func (p *ProviderConfig) TimeoutDuration() time.Duration { return parseDurationOr(p.Timeout) }

// PushIntervalDuration returns server.push_interval.
func (s *ServerConfig) PushIntervalDuration() time.Duration { return parseDurationOr(s.PushInterval) }

func parseDurationOr(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}

	return d
}
