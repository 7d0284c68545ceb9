package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/inbox-sync/internal/provider"
	isync "github.com/tonimelisma/inbox-sync/internal/sync"
	"github.com/tonimelisma/inbox-sync/internal/tokenfile"
)

func newAccountCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Manage synced accounts",
	}

	cmd.AddCommand(newAccountAddCmd())
	cmd.AddCommand(newAccountListCmd())
	cmd.AddCommand(newAccountDeleteCmd())
	cmd.AddCommand(newAccountStateCmd("start", isync.AccountStateRunning, "Start syncing an account"))
	cmd.AddCommand(newAccountStateCmd("stop", isync.AccountStateStopped, "Stop syncing an account"))

	return cmd
}

// accountAddFlags holds the flags of `account add`.
type accountAddFlags struct {
	provider      string
	baseURL       string
	username      string
	passwordStdin bool

	oauth         bool
	clientID      string
	clientSecret  string
	authURL       string
	tokenURL      string
	deviceAuthURL string
	scopes        []string
}

func newAccountAddCmd() *cobra.Command {
	var f accountAddFlags

	cmd := &cobra.Command{
		Use:   "add <email>",
		Short: "Register an account and store its credentials",
		Long: `Register an account in its own namespace and store its credentials.

Generic accounts authenticate with a username and password; the password is
read from stdin. OAuth accounts (--oauth) run the device code flow and store
the resulting token. New accounts are stopped until 'account start'.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAccountAdd(cmd, args[0], &f)
		},
	}

	fl := cmd.Flags()
	fl.StringVar(&f.provider, "provider", "generic", "provider name shown in status")
	fl.StringVar(&f.baseURL, "base-url", "", "provider API base URL (default: provider.base_url)")
	fl.StringVar(&f.username, "username", "", "username for generic accounts (default: the email)")
	fl.BoolVar(&f.passwordStdin, "password-stdin", false, "read the password from stdin without prompting")
	fl.BoolVar(&f.oauth, "oauth", false, "authenticate with the OAuth2 device code flow")
	fl.StringVar(&f.clientID, "client-id", "", "OAuth client ID")
	fl.StringVar(&f.clientSecret, "client-secret", "", "OAuth client secret")
	fl.StringVar(&f.authURL, "auth-url", "", "OAuth authorization endpoint")
	fl.StringVar(&f.tokenURL, "token-url", "", "OAuth token endpoint")
	fl.StringVar(&f.deviceAuthURL, "device-auth-url", "", "OAuth device authorization endpoint")
	fl.StringSliceVar(&f.scopes, "scope", nil, "OAuth scope (repeatable)")

	cmd.MarkFlagsMutuallyExclusive("oauth", "password-stdin")
	cmd.MarkFlagsMutuallyExclusive("oauth", "username")

	return cmd
}

func runAccountAdd(cmd *cobra.Command, email string, f *accountAddFlags) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()
	logger := cc.Logger

	var src isync.SourceConfig

	if f.oauth {
		if f.clientID == "" || f.tokenURL == "" || f.deviceAuthURL == "" {
			return errors.New("--oauth requires --client-id, --token-url and --device-auth-url")
		}

		src = isync.OAuthSourceConfig{
			BaseURL:       f.baseURL,
			ClientID:      f.clientID,
			ClientSecret:  f.clientSecret,
			AuthURL:       f.authURL,
			TokenURL:      f.tokenURL,
			DeviceAuthURL: f.deviceAuthURL,
			Scopes:        f.scopes,
		}
	} else {
		username := f.username
		if username == "" {
			username = email
		}

		src = isync.GenericSourceConfig{BaseURL: f.baseURL, Username: username}
	}

	// Read the secret before touching the store so a bad prompt leaves
	// nothing behind.
	var password string

	if !f.oauth {
		if !f.passwordStdin {
			cc.Statusf("Password for %s: ", email)
		}

		var err error

		password, err = readPassword(cmd.InOrStdin())
		if err != nil {
			return err
		}
	}

	store, err := openStore(ctx, cc.Cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	acct, err := store.CreateAccount(ctx, isync.NewAccount{Email: email, Provider: f.provider, Source: src})
	if err != nil {
		return err
	}

	credPath := isync.CredentialsPath(cc.Cfg.Store.DataDir, acct)

	if oauthSrc, ok := src.(isync.OAuthSourceConfig); ok {
		_, err = provider.Login(ctx, oauthSrc.OAuth(), credPath, func(da provider.DeviceAuth) {
			// Device code prompts must always be visible, even with --quiet.
			fmt.Fprintf(os.Stderr, "To sign in, visit: %s\n", da.VerificationURI)
			fmt.Fprintf(os.Stderr, "Enter code: %s\n", da.UserCode)
		}, logger)
	} else {
		err = tokenfile.Save(credPath, &tokenfile.Credentials{Password: password})
	}

	if err != nil {
		// Roll back so a retry does not collide with a half-created account.
		if delErr := store.DeleteAccount(ctx, acct.ID); delErr != nil {
			logger.Warn("rolling back account failed", slog.Int64("account_id", acct.ID), slog.String("error", delErr.Error()))
		}

		return fmt.Errorf("storing credentials: %w", err)
	}

	logger.Info("account added",
		slog.Int64("account_id", acct.ID),
		slog.String("public_id", acct.PublicID),
		slog.String("source_type", isync.SourceType(src)),
	)

	if cc.Flags.JSON {
		return writeJSONTo(cmd.OutOrStdout(), accountView(acct))
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Added account %s (id %d, namespace %s).\n", email, acct.ID, acct.NamespacePublicID)
	cc.Statusf("Run 'inbox-sync account start %d' to begin syncing.\n", acct.ID)

	return nil
}

// readPassword reads one line from r, without its line ending.
func readPassword(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("reading password: %w", err)
	}

	password := strings.TrimRight(line, "\r\n")
	if password == "" {
		return "", errors.New("empty password")
	}

	return password, nil
}

// accountJSON is the JSON schema of an account in `account` output.
type accountJSON struct {
	ID          int64  `json:"id"`
	PublicID    string `json:"public_id"`
	NamespaceID string `json:"namespace_id"`
	Email       string `json:"email"`
	Provider    string `json:"provider"`
	SourceType  string `json:"source_type"`
	SyncState   string `json:"sync_state"`
}

func accountView(a *isync.Account) accountJSON {
	return accountJSON{
		ID:          a.ID,
		PublicID:    a.PublicID,
		NamespaceID: a.NamespacePublicID,
		Email:       a.Email,
		Provider:    a.Provider,
		SourceType:  isync.SourceType(a.Source),
		SyncState:   a.SyncState,
	}
}

func newAccountListCmd() *cobra.Command {
	var namespace string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered accounts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())

			store, err := openStore(cmd.Context(), cc.Cfg, cc.Logger)
			if err != nil {
				return err
			}
			defer store.Close()

			accounts, err := store.ListAccounts(cmd.Context(), namespace)
			if err != nil {
				return err
			}

			views := make([]accountJSON, 0, len(accounts))
			for _, a := range accounts {
				views = append(views, accountView(a))
			}

			if cc.Flags.JSON {
				return writeJSONTo(cmd.OutOrStdout(), views)
			}

			if len(views) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No accounts. Run 'inbox-sync account add' to register one.")
				return nil
			}

			rows := make([][]string, 0, len(views))
			for _, v := range views {
				rows = append(rows, []string{
					strconv.FormatInt(v.ID, 10), v.Email, v.Provider, v.SourceType, v.SyncState, v.NamespaceID,
				})
			}

			printTable(cmd.OutOrStdout(), []string{"ID", "EMAIL", "PROVIDER", "SOURCE", "STATE", "NAMESPACE"}, rows)

			return nil
		},
	}

	cmd.Flags().StringVar(&namespace, "namespace", "", "only list accounts in this namespace")

	return cmd
}

func newAccountDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <account>",
		Short: "Delete an account with all its records and credentials",
		Long:  "Delete an account by ID, public ID or email, together with its namespace, records, checkpoints, heartbeats and stored credentials.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc := mustCLIContext(cmd.Context())
			ctx := cmd.Context()

			store, err := openStore(ctx, cc.Cfg, cc.Logger)
			if err != nil {
				return err
			}
			defer store.Close()

			acct, err := store.ResolveAccount(ctx, args[0])
			if err != nil {
				return err
			}

			beats, closeBeats, err := openHeartbeats(ctx, &cc.Cfg.Heartbeat, store, cc.Logger)
			if err != nil {
				return err
			}
			defer closeBeats()

			if err := beats.Clear(ctx, acct.ID); err != nil {
				cc.Logger.Warn("clearing heartbeats failed", slog.Int64("account_id", acct.ID), slog.String("error", err.Error()))
			}

			if err := store.DeleteAccount(ctx, acct.ID); err != nil {
				return err
			}

			if err := tokenfile.Remove(isync.CredentialsPath(cc.Cfg.Store.DataDir, acct)); err != nil {
				return fmt.Errorf("removing credentials: %w", err)
			}

			cc.Statusf("Deleted account %s (id %d).\n", acct.Email, acct.ID)

			return nil
		},
	}
}

func newAccountStateCmd(use, state, short string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <account>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc := mustCLIContext(cmd.Context())
			ctx := cmd.Context()

			store, err := openStore(ctx, cc.Cfg, cc.Logger)
			if err != nil {
				return err
			}
			defer store.Close()

			acct, err := store.ResolveAccount(ctx, args[0])
			if err != nil {
				return err
			}

			if err := store.SetSyncState(ctx, acct.ID, state); err != nil {
				return err
			}

			cc.Statusf("Account %s is now %s.\n", acct.Email, state)

			return nil
		},
	}
}

// writeJSONTo writes v as indented JSON.
func writeJSONTo(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encoding JSON output: %w", err)
	}

	return nil
}
