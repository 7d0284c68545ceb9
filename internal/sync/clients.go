package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	stdsync "sync"

	"github.com/tonimelisma/inbox-sync/internal/provider"
)

// credentialsDirName is the directory under the data dir holding one
// credentials file per account.
const credentialsDirName = "credentials"

// CredentialsPath returns where an account's password or token is stored.
func CredentialsPath(dataDir string, acct *Account) string {
	return filepath.Join(dataDir, credentialsDirName, acct.PublicID+".json")
}

// ClientOptions configures the provider clients built by a ClientCache.
type ClientOptions struct {
	DataDir string

	// BaseURL is used for accounts whose source config leaves it empty.
	BaseURL string

	HTTPClient        *http.Client
	UserAgent         string
	RequestsPerSecond float64
	Burst             int
	Logger            *slog.Logger
}

// ClientCache builds one provider client per account and reuses it, so an
// account's rate limiter and token source are shared by all its streams.
type ClientCache struct {
	opts ClientOptions

	mu      stdsync.Mutex
	clients map[int64]*provider.Client

	// tokenSourceFn loads OAuth tokens. Tests override it.
	tokenSourceFn func(ctx context.Context, cfg provider.OAuthConfig, path string, logger *slog.Logger) (provider.Authorizer, error)
}

// NewClientCache creates an empty ClientCache.
func NewClientCache(opts ClientOptions) *ClientCache {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &ClientCache{
		opts:    opts,
		clients: make(map[int64]*provider.Client),
		tokenSourceFn: func(ctx context.Context, cfg provider.OAuthConfig, path string, logger *slog.Logger) (provider.Authorizer, error) {
			ts, err := provider.TokenSourceFromPath(ctx, cfg, path, logger)
			if err != nil {
				return nil, err
			}

			return provider.NewTokenAuth(ts, logger), nil
		},
	}
}

// Factory adapts the cache to a ClientFactory.
func (c *ClientCache) Factory() ClientFactory {
	return func(ctx context.Context, acct *Account) (CalendarClient, error) {
		return c.Client(ctx, acct)
	}
}

// Client returns the cached client for acct, creating it on first use.
func (c *ClientCache) Client(ctx context.Context, acct *Account) (*provider.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if client, ok := c.clients[acct.ID]; ok {
		return client, nil
	}

	credPath := CredentialsPath(c.opts.DataDir, acct)

	var (
		baseURL string
		auth    provider.Authorizer
	)

	switch src := acct.Source.(type) {
	case GenericSourceConfig:
		password, err := provider.PasswordFromPath(credPath)
		if err != nil {
			return nil, fmt.Errorf("sync: loading password for account %d: %w", acct.ID, err)
		}

		baseURL = src.BaseURL
		auth = provider.BasicAuth{Username: src.Username, Password: password}
	case OAuthSourceConfig:
		// The token source refreshes for the life of the cache, not the pass.
		a, err := c.tokenSourceFn(context.WithoutCancel(ctx), src.OAuth(), credPath, c.opts.Logger)
		if err != nil {
			return nil, fmt.Errorf("sync: loading token for account %d: %w", acct.ID, err)
		}

		baseURL = src.BaseURL
		auth = a
	default:
		return nil, errors.New("sync: account has no usable source config")
	}

	if baseURL == "" {
		baseURL = c.opts.BaseURL
	}

	if baseURL == "" {
		return nil, fmt.Errorf("sync: no provider base URL for account %d", acct.ID)
	}

	client := provider.NewClient(baseURL, provider.Options{
		HTTPClient:        c.opts.HTTPClient,
		Auth:              auth,
		UserAgent:         c.opts.UserAgent,
		RequestsPerSecond: c.opts.RequestsPerSecond,
		Burst:             c.opts.Burst,
		Logger:            c.opts.Logger,
	})
	c.clients[acct.ID] = client

	c.opts.Logger.Debug("provider client created",
		slog.Int64("account_id", acct.ID),
		slog.String("source_type", SourceType(acct.Source)),
		slog.String("base_url", baseURL),
	)

	return client, nil
}

// Forget drops the cached client for an account, e.g. after its
// credentials change.
func (c *ClientCache) Forget(accountID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.clients, accountID)
}
