package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/inbox-sync/internal/config"
)

// testEnv is an isolated config and data directory for driving the CLI.
type testEnv struct {
	dir     string
	cfgPath string
	dataDir string
	dbPath  string
}

// newTestEnv writes a config file rooted in a temp dir and clears the
// environment overrides so the host cannot leak into the test.
func newTestEnv(t *testing.T, extra string) *testEnv {
	t.Helper()

	t.Setenv(config.EnvConfig, "")
	t.Setenv(config.EnvDB, "")
	t.Setenv(config.EnvLogLevel, "")

	dir := t.TempDir()
	env := &testEnv{
		dir:     dir,
		cfgPath: filepath.Join(dir, "config.toml"),
		dataDir: filepath.Join(dir, "data"),
		dbPath:  filepath.Join(dir, "data", "inbox-sync.db"),
	}

	content := fmt.Sprintf(`log_level = "error"

[store]
db_path = %q
lock_dir = %q
data_dir = %q
%s`, env.dbPath, filepath.Join(dir, "locks"), env.dataDir, extra)

	require.NoError(t, os.WriteFile(env.cfgPath, []byte(content), 0o600))

	return env
}

// run executes the root command with args and returns what it wrote to
// stdout.
func (e *testEnv) run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()

	cmd := newRootCmd()

	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(append([]string{"--config", e.cfgPath, "--quiet"}, args...))

	err := cmd.ExecuteContext(context.Background())

	return out.String(), err
}

func (e *testEnv) mustRun(t *testing.T, stdin string, args ...string) string {
	t.Helper()

	out, err := e.run(t, stdin, args...)
	require.NoError(t, err, out)

	return out
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("debug"))
	assert.Equal(t, slog.LevelInfo, parseLevel("info"))
	assert.Equal(t, slog.LevelWarn, parseLevel("warn"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel(""))
}

func TestBuildLogger_Levels(t *testing.T) {
	ctx := context.Background()
	cfg := &config.LoggingConfig{LogLevel: "warn", LogFormat: "text"}

	tests := []struct {
		name    string
		flags   CLIFlags
		enabled slog.Level
		muted   slog.Level
	}{
		{"config level", CLIFlags{}, slog.LevelWarn, slog.LevelInfo},
		{"verbose", CLIFlags{Verbose: true}, slog.LevelDebug, slog.LevelDebug - 1},
		{"quiet", CLIFlags{Quiet: true}, slog.LevelError, slog.LevelWarn},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, closer := buildLogger(cfg, tt.flags, os.Stderr)
			assert.Nil(t, closer)
			assert.True(t, logger.Handler().Enabled(ctx, tt.enabled))
			assert.False(t, logger.Handler().Enabled(ctx, tt.muted))
		})
	}
}

func TestBuildLogger_LogFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "inbox-sync.log")
	cfg := &config.LoggingConfig{LogLevel: "info", LogFormat: "auto", LogFile: path, LogRetentionDays: 7}

	logger, closer := buildLogger(cfg, CLIFlags{}, os.Stderr)
	require.NotNil(t, closer)

	logger.Info("pass finished", slog.String("stream", "1/events"))
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	// Files never get the terminal text format under "auto".
	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(data), &line))
	assert.Equal(t, "pass finished", line["msg"])
	assert.Equal(t, "1/events", line["stream"])
}

func TestBuildLogger_TextFormatToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inbox-sync.log")
	cfg := &config.LoggingConfig{LogLevel: "info", LogFormat: "text", LogFile: path}

	logger, closer := buildLogger(cfg, CLIFlags{}, os.Stderr)
	logger.Info("hello")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "msg=hello")
}

func TestMustCLIContext_PanicsWithoutContext(t *testing.T) {
	assert.Panics(t, func() { mustCLIContext(context.Background()) })
}

func TestRootCmd_RegistersCommands(t *testing.T) {
	cmd := newRootCmd()

	for _, name := range []string{"account", "sync", "status", "serve", "config"} {
		sub, _, err := cmd.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, sub.Name())
	}
}

func TestRootCmd_ConfigShow(t *testing.T) {
	env := newTestEnv(t, "\n[sync]\nworkers = 7\n")

	out := env.mustRun(t, "", "config", "show")

	assert.Contains(t, out, "file: "+env.cfgPath)
	assert.Contains(t, out, "workers             = 7")
	assert.Contains(t, out, fmt.Sprintf("db_path  = %q", env.dbPath))
}

func TestRootCmd_ConfigShowJSON(t *testing.T) {
	env := newTestEnv(t, "")

	out := env.mustRun(t, "", "--json", "config", "show")

	var got config.Config
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, env.dataDir, got.Store.DataDir)
	assert.Equal(t, "error", got.LogLevel)
}

func TestRootCmd_FlagOverridesConfig(t *testing.T) {
	env := newTestEnv(t, "")
	other := filepath.Join(env.dir, "other.db")

	out := env.mustRun(t, "", "--db", other, "--log-level", "debug", "config", "show")

	assert.Contains(t, out, fmt.Sprintf("db_path  = %q", other))
	assert.Contains(t, out, `log_level          = "debug"`)
}

func TestRootCmd_InvalidConfigFails(t *testing.T) {
	env := newTestEnv(t, "\n[sync]\nworkerz = 2\n")

	_, err := env.run(t, "", "config", "show")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "workers")
}

func TestRootCmd_VerboseAndQuietExclusive(t *testing.T) {
	env := newTestEnv(t, "")

	_, err := env.run(t, "", "--verbose", "config", "show")
	require.Error(t, err)
}
