// Package heartbeat records per-scope liveness of running sync streams in an
// expiring key-value store and answers "is this account alive".
package heartbeat

import (
	"context"
	"errors"
	"sort"
	"time"
)

// ErrInvalidRecord rejects records without an account.
var ErrInvalidRecord = errors.New("heartbeat: record has no account")

// Metrics is what a running pass reports for one scope.
type Metrics struct {
	State          string
	RemoteCount    int64
	RemainingCount int64
	InitialSync    bool
	Alive          bool
}

// Record is one stored liveness entry, keyed by (AccountID, ScopeID).
type Record struct {
	AccountID      int64
	ScopeID        string
	State          string
	RemoteCount    int64
	RemainingCount int64
	InitialSync    bool
	Alive          bool
	HeartbeatAt    time.Time
}

// Store is an expiring key-value store for liveness records. Entries older
// than their TTL must not be returned by List.
type Store interface {
	Put(ctx context.Context, rec Record, ttl time.Duration) error
	// List returns live entries for the given accounts, or all entries when
	// accountIDs is empty.
	List(ctx context.Context, accountIDs []int64) ([]Record, error)
	// Clear removes every entry of an account.
	Clear(ctx context.Context, accountID int64) error
}

// IsAlive reports whether rec still counts as alive at now: it must claim
// liveness and its heartbeat must be no older than threshold.
func IsAlive(rec Record, now time.Time, threshold time.Duration) bool {
	return rec.Alive && now.Sub(rec.HeartbeatAt) <= threshold
}

// ScopeLiveness is the evaluated state of one scope.
type ScopeLiveness struct {
	Record
	Alive bool
}

// AccountLiveness aggregates the scopes of one account.
type AccountLiveness struct {
	AccountID   int64
	Alive       bool
	InitialSync bool
	Scopes      []ScopeLiveness
}

// Summarize groups records by account. An account is alive if any of its
// scopes is alive, and is in initial sync if any scope is. Scopes report at
// different points of a poll cycle, so one fresh scope is enough.
func Summarize(records []Record, now time.Time, threshold time.Duration) map[int64]*AccountLiveness {
	out := make(map[int64]*AccountLiveness)

	for _, rec := range records {
		acc, ok := out[rec.AccountID]
		if !ok {
			acc = &AccountLiveness{AccountID: rec.AccountID}
			out[rec.AccountID] = acc
		}

		alive := IsAlive(rec, now, threshold)
		acc.Alive = acc.Alive || alive
		acc.InitialSync = acc.InitialSync || rec.InitialSync
		acc.Scopes = append(acc.Scopes, ScopeLiveness{Record: rec, Alive: alive})
	}

	for _, acc := range out {
		sort.Slice(acc.Scopes, func(i, j int) bool {
			return acc.Scopes[i].ScopeID < acc.Scopes[j].ScopeID
		})
	}

	return out
}
