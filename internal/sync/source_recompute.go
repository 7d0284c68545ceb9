package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Raw IMAP flags and system labels found in stored message payloads.
const (
	flagSeen    = `\Seen`
	flagFlagged = `\Flagged`
	flagDraft   = `\Draft`
	labelDraft  = `\Draft`
	labelStar   = `\Starred`
)

// systemLabels maps provider system labels to their canonical category.
// \Draft and \Starred are absent: they only set message flags.
var systemLabels = map[string]string{
	`\Inbox`:     "inbox",
	`\Important`: "important",
	`\Sent`:      "sent",
	`\Trash`:     "trash",
	`\Spam`:      "spam",
	`\All`:       "all",
}

// recomputeRecords is the store surface a RecomputeSource reads from.
type recomputeRecords interface {
	ListRecordsSince(ctx context.Context, ns int64, kind StreamKind, since Cursor, limit int) ([]*LocalRecord, error)
	CountRecordsAfter(ctx context.Context, ns int64, kind StreamKind, after Cursor) (int64, error)
}

// RecomputeSource treats the account's stored messages as its remote side:
// it walks them in remote_updated_at order and emits derived items.
type RecomputeSource struct {
	kind    StreamKind
	records recomputeRecords
	logger  *slog.Logger
}

// NewMessageFlagSource rewrites each message's derived flags and
// categories in place.
func NewMessageFlagSource(records recomputeRecords, logger *slog.Logger) *RecomputeSource {
	return &RecomputeSource{kind: StreamMessages, records: records, logger: logger}
}

// NewLabelSource derives one label record per distinct label found on
// messages.
func NewLabelSource(records recomputeRecords, logger *slog.Logger) *RecomputeSource {
	return &RecomputeSource{kind: StreamLabels, records: records, logger: logger}
}

// Scopes returns the single account-wide scope.
func (s *RecomputeSource) Scopes(context.Context, *Account) ([]Scope, error) {
	return []Scope{{Name: string(s.kind)}}, nil
}

// LabelPayload is the stored form of a label record.
type LabelPayload struct {
	Name   string `json:"name"`
	System bool   `json:"system"`
}

// ListChangedSince reads up to pageSize messages at or after cursor.
func (s *RecomputeSource) ListChangedSince(
	ctx context.Context, acct *Account, _ Scope, cursor Cursor, pageSize int,
) (*Page, error) {
	stream := StreamKey{AccountID: acct.ID, Kind: s.kind}

	msgs, err := s.records.ListRecordsSince(ctx, acct.NamespaceID, StreamMessages, cursor, pageSize)
	if err != nil {
		return nil, &FetchError{Stream: stream, Err: err}
	}

	page := &Page{More: len(msgs) == pageSize}

	for _, m := range msgs {
		page.HighWater = page.HighWater.Max(CursorAt(m.RemoteUpdatedAt))
	}

	if page.Total, err = s.records.CountRecordsAfter(ctx, acct.NamespaceID, StreamMessages, Cursor{}); err != nil {
		return nil, &FetchError{Stream: stream, Err: err}
	}

	if page.HighWater.Valid {
		if page.Remaining, err = s.records.CountRecordsAfter(ctx, acct.NamespaceID, StreamMessages, page.HighWater); err != nil {
			return nil, &FetchError{Stream: stream, Err: err}
		}
	}

	switch s.kind {
	case StreamMessages:
		page.Items, err = s.flagItems(msgs)
	case StreamLabels:
		page.Items, err = s.labelItems(msgs)
	default:
		err = fmt.Errorf("sync: recompute source cannot serve stream kind %q", s.kind)
	}

	if err != nil {
		return nil, err
	}

	return page, nil
}

// rawMessage is the subset of a stored message payload the recomputation
// reads.
type rawMessage struct {
	Flags  []string `json:"flags"`
	Labels []string `json:"labels"`
	Folder string   `json:"folder"`
}

func decodeMessage(index int, m *LocalRecord) (map[string]json.RawMessage, rawMessage, error) {
	var (
		fields map[string]json.RawMessage
		raw    rawMessage
	)

	if err := json.Unmarshal(m.Payload, &fields); err != nil {
		return nil, raw, &MalformedItemError{Index: index, UID: m.UID, Reason: "message payload: " + err.Error()}
	}

	if err := json.Unmarshal(m.Payload, &raw); err != nil {
		return nil, raw, &MalformedItemError{Index: index, UID: m.UID, Reason: "message labels: " + err.Error()}
	}

	return fields, raw, nil
}

func (s *RecomputeSource) flagItems(msgs []*LocalRecord) ([]RemoteItem, error) {
	items := make([]RemoteItem, 0, len(msgs))

	for i, m := range msgs {
		fields, raw, err := decodeMessage(i, m)
		if err != nil {
			return nil, err
		}

		for k, v := range map[string]any{
			"is_read":    slices.Contains(raw.Flags, flagSeen),
			"is_starred": slices.Contains(raw.Flags, flagFlagged) || slices.Contains(raw.Labels, labelStar),
			"is_draft":   slices.Contains(raw.Flags, flagDraft) || slices.Contains(raw.Labels, labelDraft),
			"categories": s.categories(raw),
		} {
			b, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("sync: encoding %s of %q: %w", k, m.UID, err)
			}

			fields[k] = b
		}

		// Map keys marshal sorted, so the rewrite is deterministic.
		payload, err := json.Marshal(fields)
		if err != nil {
			return nil, fmt.Errorf("sync: encoding message %q: %w", m.UID, err)
		}

		items = append(items, RemoteItem{UID: m.UID, UpdatedAt: m.RemoteUpdatedAt, Payload: payload})
	}

	return items, nil
}

func (s *RecomputeSource) labelItems(msgs []*LocalRecord) ([]RemoteItem, error) {
	var items []RemoteItem

	pos := make(map[string]int)

	for i, m := range msgs {
		_, raw, err := decodeMessage(i, m)
		if err != nil {
			return nil, err
		}

		for _, l := range raw.Labels {
			uid, name, system := s.canonical(l)
			if uid == "" {
				continue
			}

			payload, err := json.Marshal(LabelPayload{Name: name, System: system})
			if err != nil {
				return nil, fmt.Errorf("sync: encoding label %q: %w", uid, err)
			}

			item := RemoteItem{UID: uid, UpdatedAt: m.RemoteUpdatedAt, Payload: payload}

			// Later sightings replace earlier ones in place.
			if at, ok := pos[uid]; ok {
				items[at] = item
				continue
			}

			pos[uid] = len(items)
			items = append(items, item)
		}
	}

	return items, nil
}

// categories returns the sorted canonical categories of a message. Folder
// accounts contribute their folder when no labels are present.
func (s *RecomputeSource) categories(raw rawMessage) []string {
	sources := raw.Labels
	if len(sources) == 0 && raw.Folder != "" {
		sources = []string{raw.Folder}
	}

	out := []string{}

	for _, l := range sources {
		if uid, _, _ := s.canonical(l); uid != "" && !slices.Contains(out, uid) {
			out = append(out, uid)
		}
	}

	slices.Sort(out)

	return out
}

// canonical maps a raw label to its uid and display name. Flag-only system
// labels and blank labels map to "".
func (s *RecomputeSource) canonical(label string) (uid, name string, system bool) {
	if label == labelDraft || label == labelStar {
		return "", "", false
	}

	if c, ok := systemLabels[label]; ok {
		return c, c, true
	}

	name = norm.NFC.String(strings.TrimSpace(label))
	if name == "" {
		return "", "", false
	}

	// Casers are stateful; one per call keeps sources goroutine-safe.
	return cases.Fold().String(name), name, false
}
