package heartbeat

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// blockingStore holds every Put until release is closed.
type blockingStore struct {
	*memStore
	release chan struct{}
	started chan struct{}
}

func (b *blockingStore) Put(ctx context.Context, rec Record, ttl time.Duration) error {
	select {
	case b.started <- struct{}{}:
	default:
	}

	<-b.release

	return b.memStore.Put(ctx, rec, ttl)
}

func TestReporter_WritesAndFlushesOnClose(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	store := newMemStore(func() time.Time { return now })

	r := NewReporter(store, ReporterOptions{TTL: time.Minute}, testLogger(t))
	r.nowFunc = func() time.Time { return now }

	r.Report(1, "messages", Metrics{State: "initial", RemoteCount: 10, RemainingCount: 4, InitialSync: true, Alive: true})
	r.Report(1, "labels", Metrics{State: "poll", Alive: true})
	r.Close()

	got, err := store.List(context.Background(), []int64{1})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "labels", got[0].ScopeID)
	assert.Equal(t, Record{
		AccountID:      1,
		ScopeID:        "messages",
		State:          "initial",
		RemoteCount:    10,
		RemainingCount: 4,
		InitialSync:    true,
		Alive:          true,
		HeartbeatAt:    now,
	}, got[1])
	assert.Zero(t, r.Dropped())
}

func TestReporter_StoreErrorsAreSwallowed(t *testing.T) {
	store := newMemStore(time.Now)
	store.putErr = errors.New("store down")

	r := NewReporter(store, ReporterOptions{TTL: time.Minute}, testLogger(t))

	assert.NotPanics(t, func() {
		r.Report(1, "messages", Metrics{Alive: true})
	})
	r.Close()

	assert.Equal(t, int64(1), r.Dropped())
}

func TestReporter_DropsWhenBufferFull(t *testing.T) {
	store := &blockingStore{
		memStore: newMemStore(time.Now),
		release:  make(chan struct{}),
		started:  make(chan struct{}, 1),
	}

	r := NewReporter(store, ReporterOptions{TTL: time.Minute, Buffer: 1}, testLogger(t))

	// First record is taken by the writer and blocks in Put.
	r.Report(1, "a", Metrics{Alive: true})
	<-store.started

	// Second fills the buffer, third is dropped.
	r.Report(1, "b", Metrics{Alive: true})
	r.Report(1, "c", Metrics{Alive: true})

	assert.Equal(t, int64(1), r.Dropped())

	close(store.release)
	r.Close()

	got, err := store.List(context.Background(), nil)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestReporter_ReportAfterCloseIsDropped(t *testing.T) {
	r := NewReporter(newMemStore(time.Now), ReporterOptions{TTL: time.Minute}, testLogger(t))
	r.Close()
	r.Close()

	assert.NotPanics(t, func() { r.Report(1, "x", Metrics{}) })
	assert.Equal(t, int64(1), r.Dropped())
}

func TestReporter_Clear(t *testing.T) {
	store := newMemStore(time.Now)
	require.NoError(t, store.Put(context.Background(), Record{AccountID: 5, ScopeID: "x"}, time.Minute))

	r := NewReporter(store, ReporterOptions{TTL: time.Minute}, testLogger(t))
	defer r.Close()

	r.Clear(context.Background(), 5)

	got, err := store.List(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}
