package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/inbox-sync/internal/tokenfile"
)

func TestReadPassword(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"line", "s3cret\n", "s3cret", false},
		{"crlf", "s3cret\r\n", "s3cret", false},
		{"no newline", "s3cret", "s3cret", false},
		{"first line only", "one\ntwo\n", "one", false},
		{"empty", "", "", true},
		{"blank line", "\n", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := readPassword(stringsReader(tt.in))
			if tt.wantErr {
				require.Error(t, err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func addGenericAccount(t *testing.T, env *testEnv, email, baseURL string) accountJSON {
	t.Helper()

	out := env.mustRun(t, "hunter2\n",
		"--json", "account", "add", email, "--password-stdin", "--base-url", baseURL, "--provider", "imap")

	var acct accountJSON
	require.NoError(t, json.Unmarshal([]byte(out), &acct))

	return acct
}

func TestAccountAdd_GenericStoresPassword(t *testing.T) {
	env := newTestEnv(t, "")

	acct := addGenericAccount(t, env, "ada@example.com", "https://mail.example.com")

	assert.Equal(t, int64(1), acct.ID)
	assert.Equal(t, "ada@example.com", acct.Email)
	assert.Equal(t, "imap", acct.Provider)
	assert.Equal(t, "generic", acct.SourceType)
	assert.Equal(t, "stopped", acct.SyncState)
	assert.NotEmpty(t, acct.NamespaceID)

	creds, err := tokenfile.Load(filepath.Join(env.dataDir, "credentials", acct.PublicID+".json"))
	require.NoError(t, err)
	require.NotNil(t, creds)
	assert.Equal(t, "hunter2", creds.Password)
}

func TestAccountAdd_EmptyPasswordLeavesNothing(t *testing.T) {
	env := newTestEnv(t, "")

	_, err := env.run(t, "", "account", "add", "ada@example.com", "--password-stdin")
	require.Error(t, err)

	out := env.mustRun(t, "", "--json", "account", "list")
	assert.JSONEq(t, "[]", out)
}

func TestAccountAdd_OAuthRequiresEndpoints(t *testing.T) {
	env := newTestEnv(t, "")

	_, err := env.run(t, "", "account", "add", "ada@example.com", "--oauth", "--client-id", "cid")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--device-auth-url")
}

func TestAccountList_Table(t *testing.T) {
	env := newTestEnv(t, "")
	addGenericAccount(t, env, "ada@example.com", "https://mail.example.com")
	addGenericAccount(t, env, "bob@example.com", "https://mail.example.com")

	out := env.mustRun(t, "", "account", "list")

	assert.Contains(t, out, "EMAIL")
	assert.Contains(t, out, "ada@example.com")
	assert.Contains(t, out, "bob@example.com")
}

func TestAccountList_NamespaceFilter(t *testing.T) {
	env := newTestEnv(t, "")
	ada := addGenericAccount(t, env, "ada@example.com", "https://mail.example.com")
	addGenericAccount(t, env, "bob@example.com", "https://mail.example.com")

	out := env.mustRun(t, "", "--json", "account", "list", "--namespace", ada.NamespaceID)

	var got []accountJSON
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "ada@example.com", got[0].Email)

	_, err := env.run(t, "", "account", "list", "--namespace", "missing")
	require.Error(t, err)
}

func TestAccountStartStop(t *testing.T) {
	env := newTestEnv(t, "")
	addGenericAccount(t, env, "ada@example.com", "https://mail.example.com")

	env.mustRun(t, "", "account", "start", "ada@example.com")

	out := env.mustRun(t, "", "--json", "account", "list")
	assert.Contains(t, out, `"sync_state": "running"`)

	env.mustRun(t, "", "account", "stop", "1")

	out = env.mustRun(t, "", "--json", "account", "list")
	assert.Contains(t, out, `"sync_state": "stopped"`)

	_, err := env.run(t, "", "account", "start", "nobody@example.com")
	require.Error(t, err)
}

func TestAccountDelete_RemovesCredentials(t *testing.T) {
	env := newTestEnv(t, "")
	acct := addGenericAccount(t, env, "ada@example.com", "https://mail.example.com")
	credPath := filepath.Join(env.dataDir, "credentials", acct.PublicID+".json")

	env.mustRun(t, "", "account", "delete", acct.PublicID)

	_, err := os.Stat(credPath)
	assert.ErrorIs(t, err, os.ErrNotExist)

	out := env.mustRun(t, "", "--json", "account", "list")
	assert.JSONEq(t, "[]", out)
}
