package sync

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/inbox-sync/internal/provider"
)

type fakeCalendarClient struct {
	calendars []provider.Calendar
	events    map[string][]provider.Event
	err       error

	gotSince    time.Time
	gotPageSize int
	gotCalendar string
}

func (c *fakeCalendarClient) ListCalendars(_ context.Context, since time.Time, pageSize int) ([]provider.Calendar, error) {
	c.gotSince, c.gotPageSize = since, pageSize
	return c.calendars, c.err
}

func (c *fakeCalendarClient) ListEvents(_ context.Context, calendarID string, since time.Time, pageSize int) ([]provider.Event, error) {
	c.gotCalendar, c.gotSince, c.gotPageSize = calendarID, since, pageSize
	return c.events[calendarID], c.err
}

func staticClients(c CalendarClient) ClientFactory {
	return func(context.Context, *Account) (CalendarClient, error) { return c, nil }
}

// putRecords inserts records of one scope directly.
func putRecords(t *testing.T, s *Store, acct *Account, kind StreamKind, scopeID string, recs ...LocalRecord) {
	t.Helper()

	require.NoError(t, s.Update(context.Background(), func(tx *Tx) error {
		for i := range recs {
			rec := recs[i]
			rec.NamespaceID = acct.NamespaceID
			rec.Kind = kind
			rec.ScopeID = scopeID

			if err := tx.InsertRecord(context.Background(), &rec); err != nil {
				return err
			}
		}

		return nil
	}))
}

func TestCalendarSource_ListChangedSince(t *testing.T) {
	client := &fakeCalendarClient{calendars: []provider.Calendar{
		{ID: "work", UpdatedAt: ts(100), Name: "Work", Description: "Team", ReadOnly: true},
		{ID: "old", UpdatedAt: ts(101), Deleted: true},
	}}

	src := NewCalendarSource(staticClients(client), testLogger(t))
	acct := &Account{ID: 1, NamespaceID: 1}

	scopes, err := src.Scopes(context.Background(), acct)
	require.NoError(t, err)
	require.Len(t, scopes, 1)
	assert.Empty(t, scopes[0].ID)

	page, err := src.ListChangedSince(context.Background(), acct, scopes[0], CursorAt(ts(90)), 50)
	require.NoError(t, err)

	assert.Equal(t, ts(90), client.gotSince)
	assert.Equal(t, 50, client.gotPageSize)
	assert.False(t, page.More)
	assert.Equal(t, int64(UnknownTotal), page.Total)
	require.Len(t, page.Items, 2)

	var p CalendarPayload
	require.NoError(t, json.Unmarshal(page.Items[0].Payload, &p))
	assert.Equal(t, CalendarPayload{Name: "Work", Description: "Team", ReadOnly: true}, p)
	assert.Equal(t, ts(100), page.Items[0].UpdatedAt)

	assert.True(t, page.Items[1].Deleted)
	assert.Nil(t, page.Items[1].Payload)
}

func TestCalendarSource_InvalidCursorFetchesEverything(t *testing.T) {
	client := &fakeCalendarClient{}
	src := NewCalendarSource(staticClients(client), testLogger(t))

	_, err := src.ListChangedSince(context.Background(), &Account{ID: 1}, Scope{}, Cursor{}, 10)
	require.NoError(t, err)
	assert.True(t, client.gotSince.IsZero())
}

func TestEventSource_ScopesFromLocalCalendars(t *testing.T) {
	s := newTestStore(t)
	acct := newTestAccount(t, s, "alice@example.com")

	putRecords(t, s, acct, StreamCalendars, "",
		LocalRecord{UID: "work", Payload: json.RawMessage(`{"name":"Work","read_only":false}`), RemoteUpdatedAt: ts(1)},
		LocalRecord{UID: "home", Payload: json.RawMessage(`{"read_only":false}`), RemoteUpdatedAt: ts(2)},
	)

	src := NewEventSource(staticClients(&fakeCalendarClient{}), s, testLogger(t))

	scopes, err := src.Scopes(context.Background(), acct)
	require.NoError(t, err)
	assert.Equal(t, []Scope{{ID: "home", Name: "home"}, {ID: "work", Name: "Work"}}, scopes)
}

func TestEventSource_ListChangedSince(t *testing.T) {
	start := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	client := &fakeCalendarClient{events: map[string][]provider.Event{
		"work": {{
			ID:        "ev1",
			UpdatedAt: ts(200),
			Title:     "Standup",
			Start:     start,
			End:       start.Add(15 * time.Minute),
			Owner:     "bob@example.com",
			ReadOnly:  true,
			Participants: []provider.Participant{
				{Email: "alice@example.com", Status: "yes"},
			},
		}},
	}}

	src := NewEventSource(staticClients(client), nil, testLogger(t))

	page, err := src.ListChangedSince(context.Background(), &Account{ID: 1}, Scope{ID: "work"}, CursorAt(ts(150)), 25)
	require.NoError(t, err)
	assert.Equal(t, "work", client.gotCalendar)
	require.Len(t, page.Items, 1)

	var p EventPayload
	require.NoError(t, json.Unmarshal(page.Items[0].Payload, &p))
	assert.Equal(t, "Standup", p.Title)
	assert.True(t, p.Start.Equal(start))
	assert.True(t, p.ReadOnly)
	assert.Equal(t, "bob@example.com", p.Owner)
	require.Len(t, p.Participants, 1)
	assert.Equal(t, "yes", p.Participants[0].Status)
}

func TestProviderSource_ErrorClassification(t *testing.T) {
	acct := &Account{ID: 7}

	t.Run("transient", func(t *testing.T) {
		client := &fakeCalendarClient{err: &provider.APIError{StatusCode: 503, Err: provider.ErrServerError}}
		src := NewCalendarSource(staticClients(client), testLogger(t))

		_, err := src.ListChangedSince(context.Background(), acct, Scope{}, Cursor{}, 10)

		var fetchErr *FetchError
		require.ErrorAs(t, err, &fetchErr)
		assert.Equal(t, StreamKey{AccountID: 7, Kind: StreamCalendars}, fetchErr.Stream)
		assert.ErrorIs(t, err, provider.ErrServerError)
		assert.True(t, IsRetryable(err))
	})

	t.Run("malformed item", func(t *testing.T) {
		client := &fakeCalendarClient{err: &provider.ItemError{Index: 2, ID: "ev3", Reason: "missing updated"}}
		src := NewEventSource(staticClients(client), nil, testLogger(t))

		_, err := src.ListChangedSince(context.Background(), acct, Scope{ID: "work"}, Cursor{}, 10)

		var malformed *MalformedItemError
		require.ErrorAs(t, err, &malformed)
		assert.Equal(t, 2, malformed.Index)
		assert.Equal(t, "ev3", malformed.UID)
		assert.False(t, IsRetryable(err))
	})

	t.Run("client factory", func(t *testing.T) {
		failing := func(context.Context, *Account) (CalendarClient, error) {
			return nil, provider.ErrNotLoggedIn
		}
		src := NewCalendarSource(failing, testLogger(t))

		_, err := src.ListChangedSince(context.Background(), acct, Scope{}, Cursor{}, 10)
		require.ErrorIs(t, err, provider.ErrNotLoggedIn)
		assert.True(t, errors.As(err, new(*FetchError)))
	})
}

func decodeFields(t *testing.T, payload json.RawMessage) map[string]any {
	t.Helper()

	var m map[string]any
	require.NoError(t, json.Unmarshal(payload, &m))

	return m
}

func TestMessageFlagSource_RecomputesFlags(t *testing.T) {
	s := newTestStore(t)
	acct := newTestAccount(t, s, "alice@example.com")

	putRecords(t, s, acct, StreamMessages, "",
		LocalRecord{UID: "m1", RemoteUpdatedAt: ts(10),
			Payload: json.RawMessage(`{"subject":"hi","flags":["\\Seen"],"labels":["\\Inbox","Work","\\Starred"]}`)},
		LocalRecord{UID: "m2", RemoteUpdatedAt: ts(20),
			Payload: json.RawMessage(`{"subject":"draft","flags":["\\Draft"],"folder":"Drafts"}`)},
		LocalRecord{UID: "m3", RemoteUpdatedAt: ts(30),
			Payload: json.RawMessage(`{"subject":"plain","flags":["\\Flagged"],"folder":"Archive"}`)},
	)

	src := NewMessageFlagSource(s, testLogger(t))

	page, err := src.ListChangedSince(context.Background(), acct, Scope{}, Cursor{}, 2)
	require.NoError(t, err)

	assert.True(t, page.More)
	assert.Equal(t, CursorAt(ts(20)), page.HighWater)
	assert.Equal(t, int64(3), page.Total)
	assert.Equal(t, int64(1), page.Remaining)
	require.Len(t, page.Items, 2)

	m1 := decodeFields(t, page.Items[0].Payload)
	assert.Equal(t, "hi", m1["subject"])
	assert.Equal(t, true, m1["is_read"])
	assert.Equal(t, true, m1["is_starred"])
	assert.Equal(t, false, m1["is_draft"])
	assert.Equal(t, []any{"inbox", "work"}, m1["categories"])

	m2 := decodeFields(t, page.Items[1].Payload)
	assert.Equal(t, false, m2["is_read"])
	assert.Equal(t, true, m2["is_draft"])
	assert.Equal(t, []any{"drafts"}, m2["categories"])

	next, err := src.ListChangedSince(context.Background(), acct, Scope{}, page.HighWater, 2)
	require.NoError(t, err)
	assert.False(t, next.More)
	assert.Equal(t, []string{"m2", "m3"}, []string{next.Items[0].UID, next.Items[1].UID})
	assert.Zero(t, next.Remaining)

	m3 := decodeFields(t, next.Items[1].Payload)
	assert.Equal(t, true, m3["is_starred"])
	assert.Equal(t, []any{"archive"}, m3["categories"])
}

func TestMessageFlagSource_MalformedPayload(t *testing.T) {
	s := newTestStore(t)
	acct := newTestAccount(t, s, "alice@example.com")

	putRecords(t, s, acct, StreamMessages, "",
		LocalRecord{UID: "m1", RemoteUpdatedAt: ts(10), Payload: json.RawMessage(`{"labels":"not-a-list"}`)},
	)

	src := NewMessageFlagSource(s, testLogger(t))

	_, err := src.ListChangedSince(context.Background(), acct, Scope{}, Cursor{}, 10)

	var malformed *MalformedItemError
	require.ErrorAs(t, err, &malformed)
	assert.Equal(t, "m1", malformed.UID)
}

func TestLabelSource_DedupesAndCanonicalizes(t *testing.T) {
	s := newTestStore(t)
	acct := newTestAccount(t, s, "alice@example.com")

	putRecords(t, s, acct, StreamMessages, "",
		LocalRecord{UID: "m1", RemoteUpdatedAt: ts(10),
			Payload: json.RawMessage(`{"labels":["\\Inbox","Work","\\Starred"]}`)},
		LocalRecord{UID: "m2", RemoteUpdatedAt: ts(20),
			Payload: json.RawMessage(`{"labels":[" WORK ","Straße","  "]}`)},
	)

	src := NewLabelSource(s, testLogger(t))

	page, err := src.ListChangedSince(context.Background(), acct, Scope{}, Cursor{}, 10)
	require.NoError(t, err)
	require.Len(t, page.Items, 3)

	assert.Equal(t, "inbox", page.Items[0].UID)
	assert.Equal(t, ts(10), page.Items[0].UpdatedAt)

	var inbox LabelPayload
	require.NoError(t, json.Unmarshal(page.Items[0].Payload, &inbox))
	assert.Equal(t, LabelPayload{Name: "inbox", System: true}, inbox)

	// The later sighting wins but keeps the first position.
	assert.Equal(t, "work", page.Items[1].UID)
	assert.Equal(t, ts(20), page.Items[1].UpdatedAt)

	var work LabelPayload
	require.NoError(t, json.Unmarshal(page.Items[1].Payload, &work))
	assert.Equal(t, "WORK", work.Name)
	assert.False(t, work.System)

	assert.Equal(t, "strasse", page.Items[2].UID)
}

func TestLabelSource_EngineReconcilesLabels(t *testing.T) {
	f := newEngineFixture(t)

	putRecords(t, f.store, f.acct, StreamMessages, "",
		LocalRecord{UID: "m1", RemoteUpdatedAt: ts(10), Payload: json.RawMessage(`{"labels":["Work"]}`)},
		LocalRecord{UID: "m2", RemoteUpdatedAt: ts(20), Payload: json.RawMessage(`{"labels":["\\Sent"]}`)},
	)

	e := f.engine(t, map[StreamKind]Source{
		StreamLabels:   NewLabelSource(f.store, testLogger(t)),
		StreamMessages: NewMessageFlagSource(f.store, testLogger(t)),
	}, EngineLimits{})

	out := e.RunPass(context.Background(), f.key(StreamLabels))
	require.NoError(t, out.Err)
	assert.Equal(t, 2, f.count(t, StreamLabels, ""))
	assert.Equal(t, CursorAt(ts(20)), f.cursor(t, StreamLabels, ""))

	out = e.RunPass(context.Background(), f.key(StreamMessages))
	require.NoError(t, out.Err)
	assert.Equal(t, ChangeCounter{Updated: 2}, out.Counter)

	m1, err := f.store.GetRecord(context.Background(), f.acct.NamespaceID, StreamMessages, "", "m1")
	require.NoError(t, err)
	assert.Equal(t, []any{"work"}, decodeFields(t, m1.Payload)["categories"])
	assert.Equal(t, ts(10), m1.RemoteUpdatedAt)
}
