package main

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/tonimelisma/inbox-sync/internal/metrics"
)

func sampleHealth() []metrics.AccountHealth {
	progress := 42.5
	beat := time.Date(2020, time.June, 1, 12, 0, 0, 0, time.UTC)

	return []metrics.AccountHealth{{
		AccountID:    "acc-1",
		NamespaceID:  "ns-1",
		EmailAddress: "ada@example.com",
		ProviderName: "imap",
		Alive:        true,
		InitialSync:  true,
		Progress:     &progress,
		SyncStatus:   "initial sync",
		Scopes: []metrics.ScopeHealth{{
			ScopeID:        "cal-1",
			Kind:           "events",
			Name:           "Work",
			State:          "running",
			RemoteCount:    10,
			RemainingCount: 5,
			Alive:          true,
			HeartbeatAt:    &beat,
		}},
	}}
}

func TestPrintStatus_Table(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printStatus(&buf, sampleHealth(), formatTable, false))

	out := buf.String()
	assert.Contains(t, out, "ada@example.com")
	assert.Contains(t, out, "42.5%")
	assert.NotContains(t, out, "REMAINING")
}

func TestPrintStatus_TableWithScopes(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printStatus(&buf, sampleHealth(), formatTable, true))

	out := buf.String()
	assert.Contains(t, out, "REMAINING")
	assert.Contains(t, out, "Work")
	assert.Contains(t, out, "Jun  1  2020")
}

func TestPrintStatus_YAML(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printStatus(&buf, sampleHealth(), formatYAML, false))

	var got []map[string]any
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "ada@example.com", got[0]["email_address"])
	assert.Equal(t, 42.5, got[0]["progress"])
	assert.Len(t, got[0]["per_scope_breakdown"], 1)
}

func TestPrintStatus_EmptyJSONIsArray(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printStatus(&buf, nil, formatJSON, false))
	assert.JSONEq(t, "[]", buf.String())
}

func TestStatusCmd_ReportsAccounts(t *testing.T) {
	env := newTestEnv(t, "")
	addGenericAccount(t, env, "ada@example.com", "https://mail.example.com")

	out := env.mustRun(t, "", "status", "--format", "json")

	var got []metrics.AccountHealth
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "ada@example.com", got[0].EmailAddress)
	assert.False(t, got[0].Alive)
}

func TestStatusCmd_UnknownFormat(t *testing.T) {
	env := newTestEnv(t, "")

	_, err := env.run(t, "", "status", "--format", "xml")
	require.Error(t, err)
}

func TestStatusCmd_UnknownNamespace(t *testing.T) {
	env := newTestEnv(t, "")

	_, err := env.run(t, "", "status", "--namespace", "nope")
	require.Error(t, err)
}
