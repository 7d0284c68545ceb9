// Package tokenfile stores per-account provider credentials on disk: either
// a password for generic accounts or an OAuth2 token, plus cached metadata.
// Leaf package shared by provider/ and the CLI.
package tokenfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"

	"golang.org/x/oauth2"
)

// FilePerms restricts credential files to owner-only read/write.
const FilePerms = 0o600

// DirPerms is used when creating the credentials directory.
const DirPerms = 0o700

// Credentials is the on-disk format. Exactly one of Token or Password is set.
type Credentials struct {
	Token    *oauth2.Token     `json:"token,omitempty"`
	Password string            `json:"password,omitempty"`
	Meta     map[string]string `json:"meta,omitempty"`
}

func (c *Credentials) validate() error {
	switch {
	case c.Token != nil && c.Password != "":
		return errors.New("both token and password set")
	case c.Token != nil:
		if c.Token.AccessToken == "" && c.Token.RefreshToken == "" {
			return errors.New("token has empty credentials")
		}

		return nil
	case c.Password != "":
		return nil
	default:
		return errors.New("missing token or password")
	}
}

// Load reads a credentials file. Returns (nil, nil) if the file does not exist.
func Load(path string) (*Credentials, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil //nolint:nilnil // sentinel for "not found"
	}

	if err != nil {
		return nil, fmt.Errorf("tokenfile: reading %s: %w", path, err)
	}

	var c Credentials
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("tokenfile: decoding %s: %w", path, err)
	}

	if err := c.validate(); err != nil {
		return nil, fmt.Errorf("tokenfile: %s: %w", path, err)
	}

	return &c, nil
}

// Save writes a credentials file atomically (temp file + rename) with 0600
// permissions. Never logs secret values.
func Save(path string, c *Credentials) error {
	if c == nil {
		return errors.New("tokenfile: nil credentials")
	}

	if err := c.validate(); err != nil {
		return fmt.Errorf("tokenfile: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("tokenfile: encoding: %w", err)
	}

	dir := filepath.Dir(path)
	if mkErr := os.MkdirAll(dir, DirPerms); mkErr != nil {
		return fmt.Errorf("tokenfile: creating directory %s: %w", dir, mkErr)
	}

	// Same directory keeps rename(2) on one filesystem.
	tmp, err := os.CreateTemp(dir, ".cred-*.tmp")
	if err != nil {
		return fmt.Errorf("tokenfile: creating temp file: %w", err)
	}

	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	if err := os.Chmod(tmpPath, FilePerms); err != nil {
		tmp.Close()
		return fmt.Errorf("tokenfile: setting permissions: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("tokenfile: writing: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("tokenfile: syncing: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("tokenfile: closing: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("tokenfile: renaming: %w", err)
	}

	success = true

	return nil
}

// Remove deletes the credentials file. Missing files are not an error.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("tokenfile: removing %s: %w", path, err)
	}

	return nil
}

// MergeMeta merges meta into the stored file's metadata and saves it.
func MergeMeta(path string, meta map[string]string) error {
	c, err := Load(path)
	if err != nil {
		return fmt.Errorf("reading credentials for metadata update: %w", err)
	}

	if c == nil {
		return fmt.Errorf("no credentials file at %s", path)
	}

	if c.Meta == nil {
		c.Meta = make(map[string]string, len(meta))
	}

	maps.Copy(c.Meta, meta)

	return Save(path, c)
}
