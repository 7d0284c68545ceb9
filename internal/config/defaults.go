package config

import "path/filepath"

// Default values for configuration options: layer 0 of the override chain.
const (
	defaultLogLevel          = "info"
	defaultLogFormat         = "auto"
	defaultLogRetentionDays  = 30
	defaultSoftTimeBudget    = "60s"
	defaultHardTimeLimit     = "10m"
	defaultInitialPageSize   = 100
	defaultPageGrowthCeiling = 8
	defaultCommitRetries     = 3
	defaultWorkers           = 4
	defaultPollInterval      = "5m"
	defaultRetryInterval     = "60s"
	defaultMaxAttempts       = 100
	defaultBackend           = BackendSQLite
	defaultRedisAddr         = "localhost:6379"
	defaultAliveThreshold    = "8m"
	defaultHeartbeatTTL      = "10m"
	defaultHeartbeatBuffer   = 256
	defaultProviderTimeout   = "60s"
	defaultRequestsPerSecond = 10
	defaultBurst             = 5
	defaultListen            = "127.0.0.1:8787"
	defaultPushInterval      = "5s"

	dbFileName  = "inbox-sync.db"
	lockDirName = "locks"
)

// DefaultConfig returns a Config populated with all default values. It is
// the starting point for TOML decoding, so unset keys keep their defaults.
func DefaultConfig() *Config {
	dataDir := DefaultDataDir()

	return &Config{
		LoggingConfig: LoggingConfig{
			LogLevel:         defaultLogLevel,
			LogFormat:        defaultLogFormat,
			LogRetentionDays: defaultLogRetentionDays,
		},
		Store: StoreConfig{
			DBPath:  filepath.Join(dataDir, dbFileName),
			LockDir: filepath.Join(dataDir, lockDirName),
			DataDir: dataDir,
		},
		Sync: SyncConfig{
			SoftTimeBudget:    defaultSoftTimeBudget,
			HardTimeLimit:     defaultHardTimeLimit,
			InitialPageSize:   defaultInitialPageSize,
			PageGrowthCeiling: defaultPageGrowthCeiling,
			CommitRetries:     defaultCommitRetries,
			Workers:           defaultWorkers,
			PollInterval:      defaultPollInterval,
			RetryInterval:     defaultRetryInterval,
			MaxAttempts:       defaultMaxAttempts,
		},
		Heartbeat: HeartbeatConfig{
			Backend:        defaultBackend,
			RedisAddr:      defaultRedisAddr,
			AliveThreshold: defaultAliveThreshold,
			TTL:            defaultHeartbeatTTL,
			Buffer:         defaultHeartbeatBuffer,
		},
		Provider: ProviderConfig{
			Timeout:           defaultProviderTimeout,
			RequestsPerSecond: defaultRequestsPerSecond,
			Burst:             defaultBurst,
		},
		Server: ServerConfig{
			Listen:       defaultListen,
			PushInterval: defaultPushInterval,
		},
	}
}
