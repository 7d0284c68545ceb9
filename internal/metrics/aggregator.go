// Package metrics answers "how healthy is each account's sync" by joining
// liveness heartbeats with persisted per-scope sync state.
package metrics

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/tonimelisma/inbox-sync/internal/heartbeat"
	isync "github.com/tonimelisma/inbox-sync/internal/sync"
)

// Account sync statuses.
const (
	StatusStarting       = "starting"
	StatusInitial        = "initial"
	StatusRunning        = "running"
	StatusInitialDelayed = "initial delayed"
	StatusDelayed        = "delayed"
	StatusDead           = "dead"
)

// DefaultAliveThreshold is how old a heartbeat may be and still count.
const DefaultAliveThreshold = 8 * time.Minute

// AccountHealth is one account's entry in the liveness read API.
type AccountHealth struct {
	AccountID    string        `json:"account_id" yaml:"account_id"`
	NamespaceID  string        `json:"namespace_id" yaml:"namespace_id"`
	EmailAddress string        `json:"email_address" yaml:"email_address"`
	ProviderName string        `json:"provider_name" yaml:"provider_name"`
	Alive        bool          `json:"alive" yaml:"alive"`
	InitialSync  bool          `json:"initial_sync" yaml:"initial_sync"`
	Progress     *float64      `json:"progress" yaml:"progress"`
	SyncStatus   string        `json:"sync_status" yaml:"sync_status"`
	Scopes       []ScopeHealth `json:"per_scope_breakdown" yaml:"per_scope_breakdown"`
}

// ScopeHealth is one scope of an account.
type ScopeHealth struct {
	ScopeID        string     `json:"scope_id" yaml:"scope_id"`
	Kind           string     `json:"kind" yaml:"kind"`
	Name           string     `json:"name" yaml:"name"`
	State          string     `json:"state" yaml:"state"`
	RemoteCount    int64      `json:"remote_count" yaml:"remote_count"`
	RemainingCount int64      `json:"remaining_count" yaml:"remaining_count"`
	Alive          bool       `json:"alive" yaml:"alive"`
	HeartbeatAt    *time.Time `json:"heartbeat_at" yaml:"heartbeat_at"`
}

// Store is the sync-state surface the Aggregator reads. *sync.Store
// implements it.
type Store interface {
	ListAccounts(ctx context.Context, namespacePublicID string) ([]*isync.Account, error)
	ScopeStatuses(ctx context.Context, accountIDs []int64) ([]isync.ScopeStatus, error)
}

// Aggregator computes AccountHealth. It only reads.
type Aggregator struct {
	store     Store
	beats     heartbeat.Store
	threshold time.Duration
	logger    *slog.Logger
	nowFunc   func() time.Time
}

// NewAggregator creates an Aggregator. A zero threshold uses
// DefaultAliveThreshold.
func NewAggregator(store Store, beats heartbeat.Store, threshold time.Duration, logger *slog.Logger) *Aggregator {
	if threshold <= 0 {
		threshold = DefaultAliveThreshold
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Aggregator{store: store, beats: beats, threshold: threshold, logger: logger, nowFunc: time.Now}
}

// Aggregate returns the health of every account, or of the accounts in one
// namespace when namespacePublicID is set. An unknown namespace returns
// sync.ErrNamespaceNotFound. An unreachable heartbeat store makes every
// account look dead rather than failing the query.
func (a *Aggregator) Aggregate(ctx context.Context, namespacePublicID string) ([]AccountHealth, error) {
	accounts, err := a.store.ListAccounts(ctx, namespacePublicID)
	if err != nil {
		return nil, err
	}

	ids := make([]int64, len(accounts))
	for i, acct := range accounts {
		ids[i] = acct.ID
	}

	statuses, err := a.store.ScopeStatuses(ctx, ids)
	if err != nil {
		return nil, err
	}

	byAccount := make(map[int64][]isync.ScopeStatus)
	for _, st := range statuses {
		byAccount[st.AccountID] = append(byAccount[st.AccountID], st)
	}

	records, err := a.beats.List(ctx, ids)
	if err != nil {
		a.logger.Warn("heartbeat store unavailable, treating accounts as not alive",
			slog.String("error", err.Error()),
		)

		records = nil
	}

	live := heartbeat.Summarize(records, a.nowFunc(), a.threshold)

	out := make([]AccountHealth, 0, len(accounts))
	for _, acct := range accounts {
		out = append(out, accountHealth(acct, byAccount[acct.ID], live[acct.ID]))
	}

	return out, nil
}

func accountHealth(acct *isync.Account, statuses []isync.ScopeStatus, live *heartbeat.AccountLiveness) AccountHealth {
	h := AccountHealth{
		AccountID:    acct.PublicID,
		NamespaceID:  acct.NamespacePublicID,
		EmailAddress: acct.Email,
		ProviderName: acct.Provider,
		Scopes:       []ScopeHealth{},
	}

	var (
		remote, remaining int64
		synced            bool
	)

	beats := make(map[string]heartbeat.ScopeLiveness)
	if live != nil {
		h.Alive = live.Alive
		h.InitialSync = live.InitialSync

		for _, s := range live.Scopes {
			beats[s.ScopeID] = s
		}
	}

	for _, st := range statuses {
		remote += st.RemoteCount
		remaining += st.RemainingCount
		synced = synced || !st.LastSyncedAt.IsZero()
		h.InitialSync = h.InitialSync || st.State == isync.ScopeStateInitial

		sh := ScopeHealth{
			ScopeID:        st.ScopeID,
			Kind:           string(st.Kind),
			Name:           st.Name,
			State:          st.State,
			RemoteCount:    st.RemoteCount,
			RemainingCount: st.RemainingCount,
		}

		key := isync.LivenessScope(st.Kind, st.ScopeID)
		if b, ok := beats[key]; ok {
			sh.Alive = b.Alive
			at := b.HeartbeatAt
			sh.HeartbeatAt = &at
			delete(beats, key)
		}

		h.Scopes = append(h.Scopes, sh)
	}

	// Heartbeats for scopes that never committed a batch.
	for key, b := range beats {
		kind, scopeID, _ := strings.Cut(key, "/")
		at := b.HeartbeatAt
		h.Scopes = append(h.Scopes, ScopeHealth{
			ScopeID:        scopeID,
			Kind:           kind,
			Name:           scopeID,
			State:          b.State,
			RemoteCount:    b.RemoteCount,
			RemainingCount: b.RemainingCount,
			Alive:          b.Alive,
			HeartbeatAt:    &at,
		})
	}

	sort.Slice(h.Scopes, func(i, j int) bool {
		a, b := h.Scopes[i], h.Scopes[j]
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}

		if a.Name != b.Name {
			return a.Name < b.Name
		}

		return a.ScopeID < b.ScopeID
	})

	h.Progress = Progress(remote, remaining)
	h.SyncStatus = Classify(ClassifyInput{
		Started:      !acct.OriginalStartTime.IsZero(),
		HasHeartbeat: live != nil,
		EverSynced:   synced,
		Alive:        h.Alive,
		InitialSync:  h.InitialSync,
		State:        acct.SyncState,
	})

	return h
}

// ClassifyInput is what Classify needs to know about an account.
type ClassifyInput struct {
	Started      bool
	HasHeartbeat bool
	EverSynced   bool
	Alive        bool
	InitialSync  bool
	State        string
}

// Classify returns the account's sync status.
func Classify(in ClassifyInput) string {
	switch {
	case !in.Started, !in.HasHeartbeat && !in.EverSynced:
		return StatusStarting
	case in.Alive && in.InitialSync:
		return StatusInitial
	case in.Alive:
		return StatusRunning
	case in.State == isync.AccountStateRunning && in.InitialSync:
		return StatusInitialDelayed
	case in.State == isync.AccountStateRunning:
		return StatusDelayed
	default:
		return StatusDead
	}
}

// Progress returns the completed percentage, or nil when nothing is known
// to exist remotely.
func Progress(remote, remaining int64) *float64 {
	if remote <= 0 {
		return nil
	}

	p := 100 * float64(remote-remaining) / float64(remote)

	return &p
}
