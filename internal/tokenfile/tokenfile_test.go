package tokenfile

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func testToken() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  "access-123",
		RefreshToken: "refresh-456",
		TokenType:    "Bearer",
		Expiry:       time.Date(2099, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	c, err := Load("/nonexistent/path/cred.json")
	assert.Nil(t, c)
	assert.NoError(t, err)
}

func TestSave_TokenRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cred.json")

	require.NoError(t, Save(path, &Credentials{
		Token: testToken(),
		Meta:  map[string]string{"email": "alice@example.com"},
	}))

	c, err := Load(path)
	require.NoError(t, err)
	require.NotNil(t, c.Token)
	assert.Equal(t, "access-123", c.Token.AccessToken)
	assert.Equal(t, "refresh-456", c.Token.RefreshToken)
	assert.True(t, c.Token.Expiry.Equal(testToken().Expiry))
	assert.Empty(t, c.Password)
	assert.Equal(t, "alice@example.com", c.Meta["email"])
}

func TestSave_PasswordRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cred.json")

	require.NoError(t, Save(path, &Credentials{Password: "hunter2"}))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Nil(t, c.Token)
	assert.Equal(t, "hunter2", c.Password)
}

func TestLoad_InvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cred.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	c, err := Load(path)
	assert.Nil(t, c)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decoding")
}

func TestLoad_EmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cred.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"meta":{"k":"v"}}`), 0o600))

	c, err := Load(path)
	assert.Nil(t, c)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing token or password")
}

func TestLoad_EmptyTokenCredentials(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cred.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"token":{"token_type":"Bearer"}}`), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty credentials")
}

func TestSave_RejectsBothSecrets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cred.json")

	err := Save(path, &Credentials{Token: testToken(), Password: "x"})
	require.Error(t, err)

	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestSave_Nil(t *testing.T) {
	assert.Error(t, Save(filepath.Join(t.TempDir(), "cred.json"), nil))
}

func TestSave_CreatesDirectoryWithPerms(t *testing.T) {
	nested := filepath.Join(t.TempDir(), "sub", "dir", "cred.json")

	require.NoError(t, Save(nested, &Credentials{Password: "p"}))

	info, err := os.Stat(nested)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(FilePerms), info.Mode().Perm())

	dirInfo, err := os.Stat(filepath.Dir(nested))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(DirPerms), dirInfo.Mode().Perm())
}

func TestSave_LeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cred.json")

	require.NoError(t, Save(path, &Credentials{Password: "p"}))
	require.NoError(t, Save(path, &Credentials{Password: "q"}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "cred.json", entries[0].Name())
}

func TestRemove_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cred.json")
	require.NoError(t, Save(path, &Credentials{Password: "p"}))

	require.NoError(t, Remove(path))
	require.NoError(t, Remove(path))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestMergeMeta_MergesKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cred.json")
	require.NoError(t, Save(path, &Credentials{
		Token: testToken(),
		Meta:  map[string]string{"a": "1", "b": "2"},
	}))

	require.NoError(t, MergeMeta(path, map[string]string{"b": "3", "c": "4"}))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "1", "b": "3", "c": "4"}, c.Meta)
	assert.Equal(t, "access-123", c.Token.AccessToken)
}

func TestMergeMeta_NilExistingMeta(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cred.json")
	require.NoError(t, Save(path, &Credentials{Password: "p"}))

	require.NoError(t, MergeMeta(path, map[string]string{"k": "v"}))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "v", c.Meta["k"])
}

func TestMergeMeta_FileNotFound(t *testing.T) {
	err := MergeMeta(filepath.Join(t.TempDir(), "missing.json"), map[string]string{"k": "v"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no credentials file")
}
