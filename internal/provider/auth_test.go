package provider

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/tonimelisma/inbox-sync/internal/tokenfile"
)

func TestBasicAuth_RequiresUsername(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Error(t, BasicAuth{}.Authorize(req))
}

func TestTokenAuth_SetsBearer(t *testing.T) {
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "tok-1", TokenType: "Bearer"})
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	require.NoError(t, NewTokenAuth(src, nil).Authorize(req))
	assert.Equal(t, "Bearer tok-1", req.Header.Get("Authorization"))
}

func TestTokenSourceFromPath_NotLoggedIn(t *testing.T) {
	_, err := TokenSourceFromPath(context.Background(), OAuthConfig{},
		filepath.Join(t.TempDir(), "missing.json"), slog.Default())
	assert.ErrorIs(t, err, ErrNotLoggedIn)
}

func TestTokenSourceFromPath_PasswordOnlyIsNotLoggedIn(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cred.json")
	require.NoError(t, tokenfile.Save(path, &tokenfile.Credentials{Password: "p"}))

	_, err := TokenSourceFromPath(context.Background(), OAuthConfig{}, path, slog.Default())
	assert.ErrorIs(t, err, ErrNotLoggedIn)
}

func TestTokenSourceFromPath_ValidTokenNoRefresh(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cred.json")
	require.NoError(t, tokenfile.Save(path, &tokenfile.Credentials{Token: &oauth2.Token{
		AccessToken:  "live",
		RefreshToken: "r",
		TokenType:    "Bearer",
		Expiry:       time.Now().Add(time.Hour),
	}}))

	src, err := TokenSourceFromPath(context.Background(), OAuthConfig{TokenURL: "http://127.0.0.1:1/token"}, path, slog.Default())
	require.NoError(t, err)

	tok, err := src.Token()
	require.NoError(t, err)
	assert.Equal(t, "live", tok.AccessToken)
}

func TestOAuthConfig_OnTokenChangePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cred.json")
	meta := map[string]string{"email": "alice@example.com"}

	cfg := oauthConfig(OAuthConfig{ClientID: "cid", TokenURL: "http://127.0.0.1:1/token"}, path, meta, slog.Default())
	require.NotNil(t, cfg.OnTokenChange)
	assert.Equal(t, "cid", cfg.ClientID)

	cfg.OnTokenChange(&oauth2.Token{
		AccessToken:  "fresh",
		RefreshToken: "r2",
		TokenType:    "Bearer",
		Expiry:       time.Now().Add(time.Hour),
	})

	saved, err := tokenfile.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "fresh", saved.Token.AccessToken)
	assert.Equal(t, "alice@example.com", saved.Meta["email"])
}

func TestOAuthConfig_OnTokenChangeSaveError(t *testing.T) {
	// A directory at the target path makes the rename fail.
	path := t.TempDir()

	cfg := oauthConfig(OAuthConfig{}, path, nil, slog.Default())

	assert.NotPanics(t, func() {
		cfg.OnTokenChange(&oauth2.Token{AccessToken: "x"})
	})
}

func TestPasswordFromPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cred.json")

	_, err := PasswordFromPath(path)
	require.ErrorIs(t, err, ErrNotLoggedIn)

	require.NoError(t, tokenfile.Save(path, &tokenfile.Credentials{Password: "hunter2"}))

	pw, err := PasswordFromPath(path)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", pw)
}
