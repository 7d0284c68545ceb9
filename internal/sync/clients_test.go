package sync

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/inbox-sync/internal/provider"
	"github.com/tonimelisma/inbox-sync/internal/tokenfile"
)

type staticAuth string

func (a staticAuth) Authorize(req *http.Request) error {
	req.Header.Set("Authorization", "Bearer "+string(a))
	return nil
}

func TestClientCache_GenericAccount(t *testing.T) {
	var gotUser, gotPass string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser, gotPass, _ = r.BasicAuth()
		assert.Equal(t, "/calendars", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{"items": []any{}})
	}))
	defer srv.Close()

	dataDir := t.TempDir()
	acct := &Account{ID: 7, PublicID: "acct-7", Source: GenericSourceConfig{BaseURL: srv.URL, Username: "alice"}}
	require.NoError(t, tokenfile.Save(CredentialsPath(dataDir, acct), &tokenfile.Credentials{Password: "s3cret"}))

	cache := NewClientCache(ClientOptions{DataDir: dataDir, Logger: testLogger(t)})

	client, err := cache.Factory()(context.Background(), acct)
	require.NoError(t, err)

	_, err = client.ListCalendars(context.Background(), time.Time{}, 10)
	require.NoError(t, err)
	assert.Equal(t, "alice", gotUser)
	assert.Equal(t, "s3cret", gotPass)

	again, err := cache.Client(context.Background(), acct)
	require.NoError(t, err)
	assert.Same(t, client, again)

	cache.Forget(acct.ID)

	fresh, err := cache.Client(context.Background(), acct)
	require.NoError(t, err)
	assert.NotSame(t, client, fresh)
}

func TestClientCache_MissingPassword(t *testing.T) {
	cache := NewClientCache(ClientOptions{DataDir: t.TempDir(), Logger: testLogger(t)})
	acct := &Account{ID: 1, PublicID: "acct-1", Source: GenericSourceConfig{BaseURL: "https://x.example", Username: "a"}}

	_, err := cache.Client(context.Background(), acct)
	require.Error(t, err)
	assert.ErrorIs(t, err, provider.ErrNotLoggedIn)
}

func TestClientCache_OAuthAccountUsesDefaultBaseURL(t *testing.T) {
	var gotAuth string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewEncoder(w).Encode(map[string]any{"items": []any{}})
	}))
	defer srv.Close()

	dataDir := t.TempDir()
	acct := &Account{ID: 2, PublicID: "acct-2", Source: OAuthSourceConfig{ClientID: "cid", TokenURL: "https://t.example"}}

	cache := NewClientCache(ClientOptions{DataDir: dataDir, BaseURL: srv.URL, Logger: testLogger(t)})

	var gotCfg provider.OAuthConfig
	var gotPath string

	cache.tokenSourceFn = func(_ context.Context, cfg provider.OAuthConfig, path string, _ *slog.Logger) (provider.Authorizer, error) {
		gotCfg, gotPath = cfg, path
		return staticAuth("tok"), nil
	}

	client, err := cache.Client(context.Background(), acct)
	require.NoError(t, err)

	_, err = client.ListCalendars(context.Background(), time.Time{}, 10)
	require.NoError(t, err)

	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, "cid", gotCfg.ClientID)
	assert.Equal(t, CredentialsPath(dataDir, acct), gotPath)
}

func TestClientCache_NoBaseURL(t *testing.T) {
	dataDir := t.TempDir()
	acct := &Account{ID: 3, PublicID: "acct-3", Source: GenericSourceConfig{Username: "a"}}
	require.NoError(t, tokenfile.Save(CredentialsPath(dataDir, acct), &tokenfile.Credentials{Password: "p"}))

	cache := NewClientCache(ClientOptions{DataDir: dataDir, Logger: testLogger(t)})

	_, err := cache.Client(context.Background(), acct)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no provider base URL")
}

func TestClientCache_NoSourceConfig(t *testing.T) {
	cache := NewClientCache(ClientOptions{DataDir: t.TempDir(), Logger: testLogger(t)})

	_, err := cache.Client(context.Background(), &Account{ID: 4, PublicID: "acct-4"})
	require.Error(t, err)
}
