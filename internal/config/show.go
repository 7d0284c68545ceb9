package config

import (
	"fmt"
	"io"
)

// RenderEffective writes the resolved configuration as an annotated TOML
// summary to w. This powers "config show", giving users visibility into the
// effective values after all four override layers have been applied.
func RenderEffective(cfg *Config, path string, w io.Writer) error {
	ew := &errWriter{w: w}

	ew.printf("# Effective configuration (file: %s)\n\n", path)

	renderLoggingSection(ew, &cfg.LoggingConfig)
	renderStoreSection(ew, &cfg.Store)
	renderSyncSection(ew, &cfg.Sync)
	renderHeartbeatSection(ew, &cfg.Heartbeat)
	renderProviderSection(ew, &cfg.Provider)
	renderServerSection(ew, &cfg.Server)

	return ew.err
}

// errWriter wraps an io.Writer and captures the first write error.
// Subsequent writes after an error are no-ops, so callers can chain
// printf calls without checking each one individually.
type errWriter struct {
	w   io.Writer
	err error
}

func (ew *errWriter) printf(format string, args ...any) {
	if ew.err != nil {
		return
	}

	_, ew.err = fmt.Fprintf(ew.w, format, args...)
}

func renderLoggingSection(ew *errWriter, l *LoggingConfig) {
	ew.printf("log_level          = %q\n", l.LogLevel)
	ew.printf("log_format         = %q\n", l.LogFormat)
	ew.printf("log_retention_days = %d\n", l.LogRetentionDays)

	if l.LogFile != "" {
		ew.printf("log_file           = %q\n", l.LogFile)
	}

	ew.printf("\n")
}

func renderStoreSection(ew *errWriter, s *StoreConfig) {
	ew.printf("[store]\n")
	ew.printf("  db_path  = %q\n", s.DBPath)
	ew.printf("  lock_dir = %q\n", s.LockDir)
	ew.printf("  data_dir = %q\n", s.DataDir)
	ew.printf("\n")
}

func renderSyncSection(ew *errWriter, s *SyncConfig) {
	ew.printf("[sync]\n")
	ew.printf("  soft_time_budget    = %q\n", s.SoftTimeBudget)
	ew.printf("  hard_time_limit     = %q\n", s.HardTimeLimit)
	ew.printf("  initial_page_size   = %d\n", s.InitialPageSize)
	ew.printf("  page_growth_ceiling = %d\n", s.PageGrowthCeiling)
	ew.printf("  commit_retries      = %d\n", s.CommitRetries)
	ew.printf("  workers             = %d\n", s.Workers)
	ew.printf("  poll_interval       = %q\n", s.PollInterval)
	ew.printf("  retry_interval      = %q\n", s.RetryInterval)
	ew.printf("  max_attempts        = %d\n", s.MaxAttempts)
	ew.printf("\n")
}

func renderHeartbeatSection(ew *errWriter, h *HeartbeatConfig) {
	ew.printf("[heartbeat]\n")
	ew.printf("  backend         = %q\n", h.Backend)

	if h.Backend == BackendRedis {
		ew.printf("  redis_addr      = %q\n", h.RedisAddr)
		ew.printf("  redis_db        = %d\n", h.RedisDB)
	}

	ew.printf("  alive_threshold = %q\n", h.AliveThreshold)
	ew.printf("  ttl             = %q\n", h.TTL)
	ew.printf("  buffer          = %d\n", h.Buffer)
	ew.printf("\n")
}

func renderProviderSection(ew *errWriter, p *ProviderConfig) {
	ew.printf("[provider]\n")

	if p.BaseURL != "" {
		ew.printf("  base_url            = %q\n", p.BaseURL)
	}

	ew.printf("  timeout             = %q\n", p.Timeout)
	ew.printf("  requests_per_second = %g\n", p.RequestsPerSecond)
	ew.printf("  burst               = %d\n", p.Burst)

	if p.UserAgent != "" {
		ew.printf("  user_agent          = %q\n", p.UserAgent)
	}

	ew.printf("\n")
}

func renderServerSection(ew *errWriter, s *ServerConfig) {
	ew.printf("[server]\n")
	ew.printf("  listen        = %q\n", s.Listen)
	ew.printf("  push_interval = %q\n", s.PushInterval)
}
