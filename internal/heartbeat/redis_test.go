package heartbeat

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewRedisStore(client), mr
}

func sortByScope(recs []Record) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].AccountID != recs[j].AccountID {
			return recs[i].AccountID < recs[j].AccountID
		}

		return recs[i].ScopeID < recs[j].ScopeID
	})
}

func TestRedisStore_PutList(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx := context.Background()
	at := time.Date(2024, 5, 1, 12, 0, 0, 123, time.UTC)

	want := Record{
		AccountID:      7,
		ScopeID:        "events/team@example.com",
		State:          "initial",
		RemoteCount:    100,
		RemainingCount: 40,
		InitialSync:    true,
		Alive:          true,
		HeartbeatAt:    at,
	}

	require.NoError(t, store.Put(ctx, want, time.Minute))
	require.NoError(t, store.Put(ctx, Record{AccountID: 8, ScopeID: "messages", HeartbeatAt: at}, time.Minute))

	got, err := store.List(ctx, []int64{7})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, want, got[0])

	all, err := store.List(ctx, nil)
	require.NoError(t, err)
	require.Len(t, all, 2)
	sortByScope(all)
	assert.Equal(t, int64(8), all[1].AccountID)
	assert.False(t, all[1].Alive)
}

func TestRedisStore_PrefixDoesNotMatchLongerIDs(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, Record{AccountID: 1, ScopeID: "messages", HeartbeatAt: time.Now()}, time.Minute))
	require.NoError(t, store.Put(ctx, Record{AccountID: 12, ScopeID: "messages", HeartbeatAt: time.Now()}, time.Minute))

	got, err := store.List(ctx, []int64{1})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(1), got[0].AccountID)
}

func TestRedisStore_Expiry(t *testing.T) {
	store, mr := newTestRedisStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, Record{AccountID: 1, ScopeID: "labels", Alive: true, HeartbeatAt: time.Now()}, 10*time.Second))

	mr.FastForward(5 * time.Second)

	got, err := store.List(ctx, []int64{1})
	require.NoError(t, err)
	assert.Len(t, got, 1)

	mr.FastForward(6 * time.Second)

	got, err = store.List(ctx, []int64{1})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRedisStore_PutRefreshesExpiry(t *testing.T) {
	store, mr := newTestRedisStore(t)
	ctx := context.Background()
	rec := Record{AccountID: 1, ScopeID: "labels", Alive: true, HeartbeatAt: time.Now()}

	require.NoError(t, store.Put(ctx, rec, 10*time.Second))
	mr.FastForward(8 * time.Second)
	require.NoError(t, store.Put(ctx, rec, 10*time.Second))
	mr.FastForward(8 * time.Second)

	got, err := store.List(ctx, []int64{1})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestRedisStore_Clear(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx := context.Background()

	for _, scope := range []string{"events/a", "events/b", "messages"} {
		require.NoError(t, store.Put(ctx, Record{AccountID: 3, ScopeID: scope, HeartbeatAt: time.Now()}, time.Minute))
	}

	require.NoError(t, store.Put(ctx, Record{AccountID: 4, ScopeID: "messages", HeartbeatAt: time.Now()}, time.Minute))

	require.NoError(t, store.Clear(ctx, 3))
	require.NoError(t, store.Clear(ctx, 99))

	got, err := store.List(ctx, nil)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(4), got[0].AccountID)
}

func TestRedisStore_RejectsMissingAccount(t *testing.T) {
	store, _ := newTestRedisStore(t)

	err := store.Put(context.Background(), Record{ScopeID: "x"}, time.Minute)
	assert.ErrorIs(t, err, ErrInvalidRecord)
}

func TestRedisStore_Unreachable(t *testing.T) {
	store, mr := newTestRedisStore(t)
	mr.Close()

	err := store.Put(context.Background(), Record{AccountID: 1, HeartbeatAt: time.Now()}, time.Minute)
	assert.Error(t, err)

	_, err = store.List(context.Background(), nil)
	assert.Error(t, err)
}
