package sync

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// StreamKind identifies one class of reconciled records for an account.
type StreamKind string

// Stream kinds. Calendars and events are pulled from a remote provider;
// messages and labels are recomputed from records already stored locally.
const (
	StreamEvents    StreamKind = "events"
	StreamMessages  StreamKind = "messages"
	StreamLabels    StreamKind = "labels"
	StreamCalendars StreamKind = "calendars"
)

// AllStreamKinds lists every stream kind in the order a worker schedules them.
// Calendars precede events because event scopes are the local calendars.
var AllStreamKinds = []StreamKind{StreamCalendars, StreamEvents, StreamMessages, StreamLabels}

// ParseStreamKind converts a string to a StreamKind.
func ParseStreamKind(s string) (StreamKind, error) {
	switch k := StreamKind(s); k {
	case StreamEvents, StreamMessages, StreamLabels, StreamCalendars:
		return k, nil
	default:
		return "", fmt.Errorf("sync: unknown stream kind %q", s)
	}
}

// StreamKey identifies one reconciliation lineage: the unit of scheduling
// and of single-flight locking.
type StreamKey struct {
	AccountID int64
	Kind      StreamKind
}

func (k StreamKey) String() string {
	return strconv.FormatInt(k.AccountID, 10) + ":" + string(k.Kind)
}

// CheckpointKey addresses one persisted cursor. Account-wide streams use an
// empty ScopeID; the events stream keeps one cursor per calendar.
type CheckpointKey struct {
	AccountID int64
	Kind      StreamKind
	ScopeID   string
}

// Checkpoint returns the cursor key for the given scope of the stream.
func (k StreamKey) Checkpoint(scopeID string) CheckpointKey {
	return CheckpointKey{AccountID: k.AccountID, Kind: k.Kind, ScopeID: scopeID}
}

// Cursor is a checkpoint in epoch seconds. The zero value is "no cursor",
// which orders before every valid cursor and means full resync.
type Cursor struct {
	Unix  int64
	Valid bool
}

// CursorAt returns a valid cursor for t, truncated to whole seconds.
func CursorAt(t time.Time) Cursor {
	return Cursor{Unix: t.Unix(), Valid: true}
}

// Time returns the cursor as a UTC time. The zero time for an invalid cursor.
func (c Cursor) Time() time.Time {
	if !c.Valid {
		return time.Time{}
	}

	return time.Unix(c.Unix, 0).UTC()
}

// Before reports whether c orders strictly before o.
func (c Cursor) Before(o Cursor) bool {
	if !o.Valid {
		return false
	}

	if !c.Valid {
		return true
	}

	return c.Unix < o.Unix
}

// Max returns the later of c and o.
func (c Cursor) Max(o Cursor) Cursor {
	if c.Before(o) {
		return o
	}

	return c
}

func (c Cursor) String() string {
	if !c.Valid {
		return "none"
	}

	return strconv.FormatInt(c.Unix, 10)
}

// RemoteItem is one unit fetched or recomputed from a source.
type RemoteItem struct {
	UID       string
	Deleted   bool
	UpdatedAt time.Time
	Payload   json.RawMessage
}

// LocalRecord is the persisted counterpart of a RemoteItem. Its existence is
// owned by the Reconciler during a pass.
type LocalRecord struct {
	ID              int64
	PublicID        string
	NamespaceID     int64
	Kind            StreamKind
	ScopeID         string
	UID             string
	Payload         json.RawMessage
	RemoteUpdatedAt time.Time
	Version         int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ChangeCounter tallies the outcome of one reconciliation pass. Logged only.
type ChangeCounter struct {
	Added   int
	Updated int
	Deleted int
}

// Add accumulates o into c.
func (c *ChangeCounter) Add(o ChangeCounter) {
	c.Added += o.Added
	c.Updated += o.Updated
	c.Deleted += o.Deleted
}

// Total returns the number of changes counted.
func (c ChangeCounter) Total() int {
	return c.Added + c.Updated + c.Deleted
}

// Scope is one partition of a stream: a calendar for events, or the whole
// account (empty ID) for account-wide streams.
type Scope struct {
	ID   string
	Name string
}

// Scope states persisted in scope_status.
const (
	ScopeStateInitial = "initial"
	ScopeStatePoll    = "poll"
	ScopeStateStuck   = "stuck"
)

// ScopeStatus is the persisted per-scope sync state read by the metrics
// aggregator.
type ScopeStatus struct {
	AccountID      int64
	Kind           StreamKind
	ScopeID        string
	Name           string
	State          string
	RemoteCount    int64
	RemainingCount int64
	LastSyncedAt   time.Time // zero if never committed
}

// Account sync states.
const (
	AccountStateRunning = "running"
	AccountStateStopped = "stopped"
)

// Account is the owner of streams. NamespaceID addresses its records.
type Account struct {
	ID                int64
	PublicID          string
	NamespaceID       int64
	NamespacePublicID string
	Email             string
	Provider          string
	Source            SourceConfig
	SyncState         string
	OriginalStartTime time.Time // zero if sync never started
	CreatedAt         time.Time
}
