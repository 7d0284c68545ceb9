package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tonimelisma/inbox-sync/internal/provider"
)

// Source produces items changed at or after a cursor. Items are reconciled
// in the order returned.
type Source interface {
	// Scopes lists the partitions of the stream for an account. Account-wide
	// streams return a single scope with an empty ID.
	Scopes(ctx context.Context, acct *Account) ([]Scope, error)

	// ListChangedSince returns up to pageSize items with UpdatedAt >= cursor.
	// An invalid cursor means everything. Sources that exhaust their remote
	// pagination in one call may return more than pageSize items.
	ListChangedSince(ctx context.Context, acct *Account, scope Scope, cursor Cursor, pageSize int) (*Page, error)
}

// UnknownTotal marks a Page whose source cannot count the remote collection.
const UnknownTotal = -1

// Page is one batch returned by a Source.
type Page struct {
	Items []RemoteItem

	// More is true when the source stopped at pageSize and further items
	// may exist at or after the batch's high-water mark.
	More bool

	// HighWater is the latest source timestamp the page covered. Sources
	// that expand or filter rows set it so the cursor can still advance.
	HighWater Cursor

	// Total and Remaining size the remote collection for progress
	// reporting. Total is UnknownTotal when not countable.
	Total     int64
	Remaining int64
}

// Source config variants. An account carries exactly one.
const (
	SourceTypeGeneric = "generic"
	SourceTypeOAuth   = "oauth"
)

// SourceConfig is a closed set of per-account source settings.
type SourceConfig interface {
	sourceType() string
}

// GenericSourceConfig authenticates with a username and a stored password.
type GenericSourceConfig struct {
	BaseURL  string `json:"base_url"`
	Username string `json:"username"`
}

func (GenericSourceConfig) sourceType() string { return SourceTypeGeneric }

// OAuthSourceConfig authenticates with a stored, refreshable OAuth2 token.
type OAuthSourceConfig struct {
	BaseURL       string   `json:"base_url"`
	ClientID      string   `json:"client_id"`
	ClientSecret  string   `json:"client_secret,omitempty"`
	AuthURL       string   `json:"auth_url"`
	TokenURL      string   `json:"token_url"`
	DeviceAuthURL string   `json:"device_auth_url,omitempty"`
	Scopes        []string `json:"scopes,omitempty"`
}

// OAuth returns the provider OAuth settings of the config.
func (c OAuthSourceConfig) OAuth() provider.OAuthConfig {
	return provider.OAuthConfig{
		ClientID:      c.ClientID,
		ClientSecret:  c.ClientSecret,
		AuthURL:       c.AuthURL,
		TokenURL:      c.TokenURL,
		DeviceAuthURL: c.DeviceAuthURL,
		Scopes:        c.Scopes,
	}
}

func (OAuthSourceConfig) sourceType() string { return SourceTypeOAuth }

// SourceType returns the persisted discriminator for cfg.
func SourceType(cfg SourceConfig) string {
	if cfg == nil {
		return ""
	}

	return cfg.sourceType()
}

func encodeSourceConfig(cfg SourceConfig) (string, string, error) {
	if cfg == nil {
		return "", "", errors.New("sync: account has no source config")
	}

	data, err := json.Marshal(cfg)
	if err != nil {
		return "", "", fmt.Errorf("sync: encoding source config: %w", err)
	}

	return cfg.sourceType(), string(data), nil
}

func decodeSourceConfig(typ, data string) (SourceConfig, error) {
	switch typ {
	case SourceTypeGeneric:
		var cfg GenericSourceConfig
		if err := json.Unmarshal([]byte(data), &cfg); err != nil {
			return nil, fmt.Errorf("sync: decoding generic source config: %w", err)
		}

		return cfg, nil
	case SourceTypeOAuth:
		var cfg OAuthSourceConfig
		if err := json.Unmarshal([]byte(data), &cfg); err != nil {
			return nil, fmt.Errorf("sync: decoding oauth source config: %w", err)
		}

		return cfg, nil
	default:
		return nil, fmt.Errorf("sync: unknown source type %q", typ)
	}
}
