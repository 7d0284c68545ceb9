package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/tonimelisma/inbox-sync/internal/tokenfile"
)

// ErrNotLoggedIn is returned when an account has no stored credentials.
var ErrNotLoggedIn = errors.New("provider: no stored credentials")

// Authorizer decorates an outgoing request with credentials. Defined here,
// at the consumer.
type Authorizer interface {
	Authorize(req *http.Request) error
}

// BasicAuth authorizes generic (password) accounts.
type BasicAuth struct {
	Username string
	Password string
}

// Authorize sets the Authorization header. Never logs the password.
func (a BasicAuth) Authorize(req *http.Request) error {
	if a.Username == "" {
		return errors.New("provider: basic auth requires a username")
	}

	req.SetBasicAuth(a.Username, a.Password)

	return nil
}

// TokenAuth authorizes OAuth accounts with a bearer token.
type TokenAuth struct {
	src    oauth2.TokenSource
	logger *slog.Logger
}

// NewTokenAuth wraps an oauth2 token source. Logs every acquisition at debug
// so refresh activity is visible.
func NewTokenAuth(src oauth2.TokenSource, logger *slog.Logger) *TokenAuth {
	if logger == nil {
		logger = slog.Default()
	}

	return &TokenAuth{src: src, logger: logger}
}

// Authorize fetches a (possibly refreshed) token and sets the bearer header.
func (a *TokenAuth) Authorize(req *http.Request) error {
	tok, err := a.src.Token()
	if err != nil {
		a.logger.Warn("token acquisition failed", slog.String("error", err.Error()))
		return fmt.Errorf("provider: obtaining token: %w", err)
	}

	a.logger.Debug("token acquired",
		slog.Time("expiry", tok.Expiry),
		slog.Bool("valid", tok.Valid()),
	)

	tok.SetAuthHeader(req)

	return nil
}

// OAuthConfig describes the OAuth2 client registered for an account.
type OAuthConfig struct {
	ClientID      string
	ClientSecret  string
	AuthURL       string
	TokenURL      string
	DeviceAuthURL string
	Scopes        []string
}

// TokenSourceFromPath loads the token stored at credPath and returns a source
// that refreshes silently and persists refreshed tokens back to credPath.
// ctx must outlive the source. Returns ErrNotLoggedIn if no token is stored.
func TokenSourceFromPath(
	ctx context.Context, cfg OAuthConfig, credPath string, logger *slog.Logger,
) (oauth2.TokenSource, error) {
	creds, err := tokenfile.Load(credPath)
	if err != nil {
		return nil, err
	}

	if creds == nil || creds.Token == nil {
		return nil, ErrNotLoggedIn
	}

	expired := !creds.Token.Expiry.IsZero() && creds.Token.Expiry.Before(time.Now())
	logger.Info("loaded saved token",
		slog.String("path", credPath),
		slog.Time("expiry", creds.Token.Expiry),
		slog.Bool("expired", expired),
	)

	return oauthConfig(cfg, credPath, creds.Meta, logger).TokenSource(ctx, creds.Token), nil
}

// oauthConfig builds an oauth2.Config whose OnTokenChange persists refreshed
// tokens. meta is captured so it survives silent refreshes.
func oauthConfig(cfg OAuthConfig, credPath string, meta map[string]string, logger *slog.Logger) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Scopes:       cfg.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:       cfg.AuthURL,
			TokenURL:      cfg.TokenURL,
			DeviceAuthURL: cfg.DeviceAuthURL,
		},
		// Called by ReuseTokenSource after each silent refresh, outside its mutex.
		OnTokenChange: func(tok *oauth2.Token) {
			if err := tokenfile.Save(credPath, &tokenfile.Credentials{Token: tok, Meta: meta}); err != nil {
				logger.Warn("failed to persist refreshed token",
					slog.String("path", credPath),
					slog.String("error", err.Error()),
				)

				return
			}

			logger.Info("persisted refreshed token",
				slog.String("path", credPath),
				slog.Time("new_expiry", tok.Expiry),
			)
		},
	}
}

// PasswordFromPath loads the password stored for a generic account.
// Returns ErrNotLoggedIn if none is stored.
func PasswordFromPath(credPath string) (string, error) {
	creds, err := tokenfile.Load(credPath)
	if err != nil {
		return "", err
	}

	if creds == nil || creds.Password == "" {
		return "", ErrNotLoggedIn
	}

	return creds.Password, nil
}
