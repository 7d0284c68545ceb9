package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"time"
)

// Validation range constants.
const (
	minLogRetention    = 1
	minPageSize        = 1
	maxPageSize        = 10_000
	minGrowthCeiling   = 1
	maxGrowthCeiling   = 64
	maxCommitRetries   = 20
	minWorkers         = 1
	maxWorkers         = 64
	minSoftBudget      = 1 * time.Second
	minPollInterval    = 10 * time.Second
	minRetryInterval   = 1 * time.Second
	minAliveThreshold  = 1 * time.Second
	minProviderTimeout = 1 * time.Second
	minPushInterval    = 100 * time.Millisecond
	maxRedisDB         = 15
)

// Validate checks all configuration values and returns all errors found,
// so a user can fix every problem in one pass.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateLogging(&cfg.LoggingConfig)...)
	errs = append(errs, validateStore(&cfg.Store)...)
	errs = append(errs, validateSync(&cfg.Sync)...)
	errs = append(errs, validateHeartbeat(&cfg.Heartbeat)...)
	errs = append(errs, validateProvider(&cfg.Provider)...)
	errs = append(errs, validateServer(&cfg.Server)...)
	errs = append(errs, validateLiveness(cfg)...)

	return errors.Join(errs...)
}

func validateLogging(l *LoggingConfig) []error {
	var errs []error

	if !validLogLevels[l.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level: must be one of debug, info, warn, error; got %q", l.LogLevel))
	}

	if !validLogFormats[l.LogFormat] {
		errs = append(errs, fmt.Errorf("log_format: must be one of auto, text, json; got %q", l.LogFormat))
	}

	if l.LogRetentionDays < minLogRetention {
		errs = append(errs, fmt.Errorf("log_retention_days: must be >= %d, got %d",
			minLogRetention, l.LogRetentionDays))
	}

	return errs
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validLogFormats = map[string]bool{
	"auto": true,
	"text": true,
	"json": true,
}

func validateStore(s *StoreConfig) []error {
	var errs []error

	if s.DBPath == "" {
		errs = append(errs, errors.New("store.db_path: must not be empty"))
	}

	if s.LockDir == "" {
		errs = append(errs, errors.New("store.lock_dir: must not be empty"))
	}

	return errs
}

func validateSync(s *SyncConfig) []error {
	var errs []error

	errs = append(errs, validateDurationMin("sync.soft_time_budget", s.SoftTimeBudget, minSoftBudget)...)
	errs = append(errs, validateDurationMin("sync.poll_interval", s.PollInterval, minPollInterval)...)
	errs = append(errs, validateDurationMin("sync.retry_interval", s.RetryInterval, minRetryInterval)...)
	errs = append(errs, validateIntRange("sync.initial_page_size", s.InitialPageSize, minPageSize, maxPageSize)...)
	errs = append(errs, validateIntRange("sync.page_growth_ceiling", s.PageGrowthCeiling,
		minGrowthCeiling, maxGrowthCeiling)...)
	errs = append(errs, validateIntRange("sync.commit_retries", s.CommitRetries, 0, maxCommitRetries)...)
	errs = append(errs, validateIntRange("sync.workers", s.Workers, minWorkers, maxWorkers)...)

	if s.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("sync.max_attempts: must be >= 1, got %d", s.MaxAttempts))
	}

	// The hard limit is the kill switch above the soft budget.
	hard, err := time.ParseDuration(s.HardTimeLimit)
	switch {
	case err != nil:
		errs = append(errs, fmt.Errorf("sync.hard_time_limit: invalid duration %q: %w", s.HardTimeLimit, err))
	case hard <= s.SoftTimeBudgetDuration():
		errs = append(errs, fmt.Errorf("sync.hard_time_limit: must exceed soft_time_budget (%s), got %s",
			s.SoftTimeBudget, s.HardTimeLimit))
	}

	return errs
}

func validateHeartbeat(h *HeartbeatConfig) []error {
	var errs []error

	switch h.Backend {
	case BackendSQLite:
	case BackendRedis:
		if _, _, err := net.SplitHostPort(h.RedisAddr); err != nil {
			errs = append(errs, fmt.Errorf("heartbeat.redis_addr: must be host:port, got %q", h.RedisAddr))
		}
	default:
		errs = append(errs, fmt.Errorf("heartbeat.backend: must be one of sqlite, redis; got %q", h.Backend))
	}

	errs = append(errs, validateIntRange("heartbeat.redis_db", h.RedisDB, 0, maxRedisDB)...)
	errs = append(errs, validateDurationMin("heartbeat.alive_threshold", h.AliveThreshold, minAliveThreshold)...)

	ttl, err := time.ParseDuration(h.TTL)
	switch {
	case err != nil:
		errs = append(errs, fmt.Errorf("heartbeat.ttl: invalid duration %q: %w", h.TTL, err))
	case ttl < h.AliveThresholdDuration():
		errs = append(errs, fmt.Errorf("heartbeat.ttl: must be >= alive_threshold (%s), got %s",
			h.AliveThreshold, h.TTL))
	}

	if h.Buffer < 1 {
		errs = append(errs, fmt.Errorf("heartbeat.buffer: must be >= 1, got %d", h.Buffer))
	}

	return errs
}

// validateLiveness requires every poll to land inside the alive window.
// Idle scopes only report once per poll.
func validateLiveness(cfg *Config) []error {
	poll, err := time.ParseDuration(cfg.Sync.PollInterval)
	if err != nil {
		return nil
	}

	threshold, err := time.ParseDuration(cfg.Heartbeat.AliveThreshold)
	if err != nil {
		return nil
	}

	if threshold < poll {
		return []error{fmt.Errorf("heartbeat.alive_threshold: must be >= sync.poll_interval (%s), got %s",
			cfg.Sync.PollInterval, cfg.Heartbeat.AliveThreshold)}
	}

	return nil
}

func validateProvider(p *ProviderConfig) []error {
	var errs []error

	if p.BaseURL != "" {
		if u, err := url.Parse(p.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("provider.base_url: must be an absolute URL, got %q", p.BaseURL))
		}
	}

	errs = append(errs, validateDurationMin("provider.timeout", p.Timeout, minProviderTimeout)...)

	if p.RequestsPerSecond < 0 {
		errs = append(errs, fmt.Errorf("provider.requests_per_second: must be >= 0, got %g", p.RequestsPerSecond))
	}

	if p.RequestsPerSecond > 0 && p.Burst < 1 {
		errs = append(errs, fmt.Errorf("provider.burst: must be >= 1 when rate limited, got %d", p.Burst))
	}

	return errs
}

func validateServer(s *ServerConfig) []error {
	var errs []error

	if _, _, err := net.SplitHostPort(s.Listen); err != nil {
		errs = append(errs, fmt.Errorf("server.listen: must be host:port, got %q", s.Listen))
	}

	errs = append(errs, validateDurationMin("server.push_interval", s.PushInterval, minPushInterval)...)

	return errs
}

func validateIntRange(field string, v, lo, hi int) []error {
	if v < lo || v > hi {
		return []error{fmt.Errorf("%s: must be between %d and %d, got %d", field, lo, hi, v)}
	}

	return nil
}

func validateDurationMin(field, value string, minimum time.Duration) []error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return []error{fmt.Errorf("%s: invalid duration %q: %w", field, value, err)}
	}

	if d < minimum {
		return []error{fmt.Errorf("%s: must be >= %s, got %s", field, minimum, d)}
	}

	return nil
}
