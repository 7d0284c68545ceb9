package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

const (
	appName        = "inbox-sync"
	configFileName = "config.toml"
)

// baseDir describes where one kind of application directory lives when no
// XDG variable points elsewhere.
type baseDir struct {
	xdgEnv   string
	fallback []string // relative to $HOME
}

var (
	configBase = baseDir{xdgEnv: "XDG_CONFIG_HOME", fallback: []string{".config"}}
	dataBase   = baseDir{xdgEnv: "XDG_DATA_HOME", fallback: []string{".local", "share"}}
)

// resolve returns the app directory under b. macOS keeps config and data
// together in Application Support; XDG variables only apply on Linux.
func (b baseDir) resolve(goos, home string) string {
	if home == "" {
		return ""
	}

	if goos == "darwin" {
		return filepath.Join(home, "Library", "Application Support", appName)
	}

	if goos == "linux" {
		if xdg := os.Getenv(b.xdgEnv); xdg != "" {
			return filepath.Join(xdg, appName)
		}
	}

	return filepath.Join(append(append([]string{home}, b.fallback...), appName)...)
}

func userHome() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return home
}

// DefaultConfigDir returns the directory holding config.toml.
func DefaultConfigDir() string {
	return configBase.resolve(runtime.GOOS, userHome())
}

// DefaultDataDir returns the directory for the state database, lock files
// and account credentials.
func DefaultDataDir() string {
	return dataBase.resolve(runtime.GOOS, userHome())
}

// DefaultConfigPath is used when neither INBOX_SYNC_CONFIG nor --config is
// given.
func DefaultConfigPath() string {
	dir := DefaultConfigDir()
	if dir == "" {
		return ""
	}

	return filepath.Join(dir, configFileName)
}

// expandPaths replaces a leading "~/" in every path-valued key with the
// user's home directory.
func expandPaths(cfg *Config) {
	for _, p := range []*string{&cfg.Store.DBPath, &cfg.Store.LockDir, &cfg.Store.DataDir, &cfg.LogFile} {
		*p = expandTilde(*p)
	}
}

func expandTilde(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}

	home := userHome()
	if home == "" {
		return path
	}

	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
