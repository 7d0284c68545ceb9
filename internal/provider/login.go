package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/oauth2"

	"github.com/tonimelisma/inbox-sync/internal/tokenfile"
)

// DeviceAuth holds the device code response fields the CLI shows the user.
type DeviceAuth struct {
	UserCode        string
	VerificationURI string
}

// Login runs the OAuth2 device code flow for an account:
//  1. Requests a device code from the provider
//  2. Calls display so the CLI can show the user code and verification URL
//  3. Polls until the user authorizes (blocking, respects ctx cancellation)
//  4. Saves the token to credPath
//
// The saved token is later loaded by TokenSourceFromPath.
func Login(
	ctx context.Context,
	cfg OAuthConfig,
	credPath string,
	display func(DeviceAuth),
	logger *slog.Logger,
) (*oauth2.Token, error) {
	if cfg.DeviceAuthURL == "" {
		return nil, errors.New("provider: device login requires a device authorization URL")
	}

	return doLogin(ctx, oauthConfig(cfg, credPath, nil, logger), credPath, display, logger)
}

// doLogin implements the device code flow against a pre-built config.
func doLogin(
	ctx context.Context,
	cfg *oauth2.Config,
	credPath string,
	display func(DeviceAuth),
	logger *slog.Logger,
) (*oauth2.Token, error) {
	logger.Info("starting device code auth flow", slog.String("path", credPath))

	da, err := cfg.DeviceAuth(ctx)
	if err != nil {
		return nil, fmt.Errorf("provider: device auth request failed: %w", err)
	}

	display(DeviceAuth{
		UserCode:        da.UserCode,
		VerificationURI: da.VerificationURI,
	})

	tok, err := cfg.DeviceAccessToken(ctx, da)
	if err != nil {
		return nil, fmt.Errorf("provider: device code authorization failed: %w", err)
	}

	if err := tokenfile.Save(credPath, &tokenfile.Credentials{Token: tok}); err != nil {
		return nil, fmt.Errorf("provider: saving token: %w", err)
	}

	logger.Info("login successful",
		slog.String("path", credPath),
		slog.Time("expiry", tok.Expiry),
	)

	return tok, nil
}
