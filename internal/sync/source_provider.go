package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tonimelisma/inbox-sync/internal/provider"
)

// CalendarClient is the part of provider.Client a ProviderSource uses.
type CalendarClient interface {
	ListCalendars(ctx context.Context, since time.Time, pageSize int) ([]provider.Calendar, error)
	ListEvents(ctx context.Context, calendarID string, since time.Time, pageSize int) ([]provider.Event, error)
}

// ClientFactory builds (or returns a cached) provider client for an account.
type ClientFactory func(ctx context.Context, acct *Account) (CalendarClient, error)

// scopeRecords lists the local records that define a stream's scopes.
type scopeRecords interface {
	ListRecords(ctx context.Context, ns int64, kind StreamKind, scopeID string) ([]*LocalRecord, error)
}

// ProviderSource pulls calendars or events from the remote provider. One
// call follows the provider's page tokens to exhaustion, so pages never
// report More.
type ProviderSource struct {
	kind    StreamKind
	clients ClientFactory
	records scopeRecords
	logger  *slog.Logger
}

// NewCalendarSource returns the source for the calendars stream.
func NewCalendarSource(clients ClientFactory, logger *slog.Logger) *ProviderSource {
	return &ProviderSource{kind: StreamCalendars, clients: clients, logger: logger}
}

// NewEventSource returns the source for the events stream. Its scopes are
// the account's local calendar records.
func NewEventSource(clients ClientFactory, records scopeRecords, logger *slog.Logger) *ProviderSource {
	return &ProviderSource{kind: StreamEvents, clients: clients, records: records, logger: logger}
}

// CalendarPayload is the stored form of a calendar record.
type CalendarPayload struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	ReadOnly    bool   `json:"read_only"`
}

// EventPayload is the stored form of an event record.
type EventPayload struct {
	Title        string                 `json:"title"`
	Description  string                 `json:"description,omitempty"`
	Location     string                 `json:"location,omitempty"`
	Start        time.Time              `json:"start"`
	End          time.Time              `json:"end"`
	AllDay       bool                   `json:"all_day"`
	Owner        string                 `json:"owner,omitempty"`
	ReadOnly     bool                   `json:"read_only"`
	Participants []provider.Participant `json:"participants,omitempty"`
}

// Scopes returns the account scope for calendars and one scope per local
// calendar for events.
func (s *ProviderSource) Scopes(ctx context.Context, acct *Account) ([]Scope, error) {
	if s.kind != StreamEvents {
		return []Scope{{Name: string(s.kind)}}, nil
	}

	cals, err := s.records.ListRecords(ctx, acct.NamespaceID, StreamCalendars, "")
	if err != nil {
		return nil, err
	}

	scopes := make([]Scope, 0, len(cals))

	for _, cal := range cals {
		var p CalendarPayload
		if err := json.Unmarshal(cal.Payload, &p); err != nil {
			s.logger.Warn("unreadable calendar payload, using uid as name",
				slog.String("calendar", cal.UID),
				slog.String("error", err.Error()),
			)
		}

		name := p.Name
		if name == "" {
			name = cal.UID
		}

		scopes = append(scopes, Scope{ID: cal.UID, Name: name})
	}

	return scopes, nil
}

// ListChangedSince fetches everything changed at or after cursor.
func (s *ProviderSource) ListChangedSince(
	ctx context.Context, acct *Account, scope Scope, cursor Cursor, pageSize int,
) (*Page, error) {
	stream := StreamKey{AccountID: acct.ID, Kind: s.kind}

	client, err := s.clients(ctx, acct)
	if err != nil {
		return nil, &FetchError{Stream: stream, ScopeID: scope.ID, Err: err}
	}

	var items []RemoteItem

	switch s.kind {
	case StreamCalendars:
		cals, err := client.ListCalendars(ctx, cursor.Time(), pageSize)
		if err != nil {
			return nil, s.fetchErr(stream, scope, err)
		}

		items, err = calendarItems(cals)
		if err != nil {
			return nil, err
		}
	case StreamEvents:
		events, err := client.ListEvents(ctx, scope.ID, cursor.Time(), pageSize)
		if err != nil {
			return nil, s.fetchErr(stream, scope, err)
		}

		items, err = eventItems(events)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("sync: provider source cannot serve stream kind %q", s.kind)
	}

	return &Page{Items: items, Total: UnknownTotal}, nil
}

// fetchErr separates unusable items from transient failures.
func (s *ProviderSource) fetchErr(stream StreamKey, scope Scope, err error) error {
	var itemErr *provider.ItemError
	if errors.As(err, &itemErr) {
		return &MalformedItemError{Index: itemErr.Index, UID: itemErr.ID, Reason: itemErr.Reason}
	}

	return &FetchError{Stream: stream, ScopeID: scope.ID, Err: err}
}

func calendarItems(cals []provider.Calendar) ([]RemoteItem, error) {
	items := make([]RemoteItem, 0, len(cals))

	for _, c := range cals {
		item := RemoteItem{UID: c.ID, Deleted: c.Deleted, UpdatedAt: c.UpdatedAt}

		if !c.Deleted {
			payload, err := json.Marshal(CalendarPayload{Name: c.Name, Description: c.Description, ReadOnly: c.ReadOnly})
			if err != nil {
				return nil, fmt.Errorf("sync: encoding calendar %q: %w", c.ID, err)
			}

			item.Payload = payload
		}

		items = append(items, item)
	}

	return items, nil
}

func eventItems(events []provider.Event) ([]RemoteItem, error) {
	items := make([]RemoteItem, 0, len(events))

	for _, e := range events {
		item := RemoteItem{UID: e.ID, Deleted: e.Deleted, UpdatedAt: e.UpdatedAt}

		if !e.Deleted {
			payload, err := json.Marshal(EventPayload{
				Title:        e.Title,
				Description:  e.Description,
				Location:     e.Location,
				Start:        e.Start,
				End:          e.End,
				AllDay:       e.AllDay,
				Owner:        e.Owner,
				ReadOnly:     e.ReadOnly,
				Participants: e.Participants,
			})
			if err != nil {
				return nil, fmt.Errorf("sync: encoding event %q: %w", e.ID, err)
			}

			item.Payload = payload
		}

		items = append(items, item)
	}

	return items, nil
}
