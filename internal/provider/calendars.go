package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"
)

// Calendar is a normalized remote calendar. Deleted calendars carry only ID
// and UpdatedAt.
type Calendar struct {
	ID          string
	Deleted     bool
	UpdatedAt   time.Time
	Name        string
	Description string
	ReadOnly    bool
}

// Participant is one attendee of an event.
type Participant struct {
	Email   string `json:"email"`
	Name    string `json:"name,omitempty"`
	Status  string `json:"status"`
	Comment string `json:"comment,omitempty"`
}

// Event is a normalized remote event. Deleted events carry only ID and
// UpdatedAt.
type Event struct {
	ID           string
	Deleted      bool
	UpdatedAt    time.Time
	Title        string
	Description  string
	Location     string
	Start        time.Time
	End          time.Time
	AllDay       bool
	Owner        string
	ReadOnly     bool
	Participants []Participant
}

// Wire formats.

type listResponse struct {
	Items         []json.RawMessage `json:"items"`
	NextPageToken string            `json:"next_page_token"`
}

type envelope struct {
	ID      string `json:"id"`
	Deleted bool   `json:"deleted"`
	Updated string `json:"updated"`
}

type calendarResource struct {
	Summary     string `json:"summary"`
	Description string `json:"description"`
	AccessRole  string `json:"access_role"`
}

type eventTime struct {
	DateTime string `json:"date_time"`
	Date     string `json:"date"`
}

type eventResource struct {
	Summary     string    `json:"summary"`
	Description string    `json:"description"`
	Location    string    `json:"location"`
	Start       eventTime `json:"start"`
	End         eventTime `json:"end"`
	Creator     struct {
		Email       string `json:"email"`
		DisplayName string `json:"display_name"`
		Self        bool   `json:"self"`
	} `json:"creator"`
	GuestsCanModify bool `json:"guests_can_modify"`
	Attendees       []struct {
		Email          string `json:"email"`
		DisplayName    string `json:"display_name"`
		ResponseStatus string `json:"response_status"`
		Comment        string `json:"comment"`
	} `json:"attendees"`
}

// attendeeStatus maps provider response states to local participant states.
var attendeeStatus = map[string]string{
	"accepted":    "yes",
	"needsAction": "noreply",
	"declined":    "no",
	"tentative":   "maybe",
}

// ListCalendars returns every calendar changed at or after since, following
// page tokens until exhausted. A zero since lists everything.
func (c *Client) ListCalendars(ctx context.Context, since time.Time, pageSize int) ([]Calendar, error) {
	raw, err := c.listAll(ctx, "/calendars", since, pageSize)
	if err != nil {
		return nil, err
	}

	cals := make([]Calendar, 0, len(raw))

	for i, r := range raw {
		cal, err := parseCalendar(i, r)
		if err != nil {
			return nil, err
		}

		cals = append(cals, cal)
	}

	return cals, nil
}

// ListEvents returns every event of calendarID changed at or after since.
func (c *Client) ListEvents(ctx context.Context, calendarID string, since time.Time, pageSize int) ([]Event, error) {
	raw, err := c.listAll(ctx, "/calendars/"+url.PathEscape(calendarID)+"/events", since, pageSize)
	if err != nil {
		return nil, err
	}

	events := make([]Event, 0, len(raw))

	for i, r := range raw {
		ev, err := parseEvent(i, r)
		if err != nil {
			return nil, err
		}

		events = append(events, ev)
	}

	return events, nil
}

// listAll pages through a collection endpoint.
func (c *Client) listAll(ctx context.Context, path string, since time.Time, pageSize int) ([]json.RawMessage, error) {
	var (
		all   []json.RawMessage
		token string
		pages int
	)

	for {
		q := url.Values{}
		if !since.IsZero() {
			q.Set("since", strconv.FormatInt(since.Unix(), 10))
		}

		if pageSize > 0 {
			q.Set("max_results", strconv.Itoa(pageSize))
		}

		if token != "" {
			q.Set("page_token", token)
		}

		var page listResponse
		if err := c.getJSON(ctx, path, q, &page); err != nil {
			return nil, err
		}

		all = append(all, page.Items...)
		pages++

		if page.NextPageToken == "" {
			break
		}

		token = page.NextPageToken
	}

	c.logger.Debug("listed collection",
		slog.String("path", path),
		slog.Int("pages", pages),
		slog.Int("items", len(all)),
	)

	return all, nil
}

func parseEnvelope(index int, raw json.RawMessage) (envelope, time.Time, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return env, time.Time{}, &ItemError{Index: index, Reason: "decoding: " + err.Error()}
	}

	updated, err := time.Parse(time.RFC3339, env.Updated)
	if err != nil {
		return env, time.Time{}, &ItemError{Index: index, ID: env.ID, Reason: fmt.Sprintf("bad updated time %q", env.Updated)}
	}

	return env, updated.UTC(), nil
}

func parseCalendar(index int, raw json.RawMessage) (Calendar, error) {
	env, updated, err := parseEnvelope(index, raw)
	if err != nil {
		return Calendar{}, err
	}

	cal := Calendar{ID: env.ID, Deleted: env.Deleted, UpdatedAt: updated}
	if env.Deleted {
		return cal, nil
	}

	var res calendarResource
	if err := json.Unmarshal(raw, &res); err != nil {
		return Calendar{}, &ItemError{Index: index, ID: env.ID, Reason: "decoding calendar: " + err.Error()}
	}

	cal.Name = res.Summary
	cal.Description = res.Description
	cal.ReadOnly = res.AccessRole == "reader" || res.AccessRole == "freeBusyReader"

	return cal, nil
}

func parseEvent(index int, raw json.RawMessage) (Event, error) {
	env, updated, err := parseEnvelope(index, raw)
	if err != nil {
		return Event{}, err
	}

	ev := Event{ID: env.ID, Deleted: env.Deleted, UpdatedAt: updated}
	if env.Deleted {
		return ev, nil
	}

	var res eventResource
	if err := json.Unmarshal(raw, &res); err != nil {
		return Event{}, &ItemError{Index: index, ID: env.ID, Reason: "decoding event: " + err.Error()}
	}

	start, allDay, err := parseEventTime(res.Start)
	if err != nil {
		return Event{}, &ItemError{Index: index, ID: env.ID, Reason: "start: " + err.Error()}
	}

	end, _, err := parseEventTime(res.End)
	if err != nil {
		return Event{}, &ItemError{Index: index, ID: env.ID, Reason: "end: " + err.Error()}
	}

	ev.Title = res.Summary
	ev.Description = res.Description
	ev.Location = res.Location
	ev.Start = start
	ev.End = end
	ev.AllDay = allDay
	ev.Owner = res.Creator.Email
	ev.ReadOnly = !res.Creator.Self && !res.GuestsCanModify

	for _, a := range res.Attendees {
		status, ok := attendeeStatus[a.ResponseStatus]
		if !ok {
			status = "noreply"
		}

		ev.Participants = append(ev.Participants, Participant{
			Email:   a.Email,
			Name:    a.DisplayName,
			Status:  status,
			Comment: a.Comment,
		})
	}

	return ev, nil
}

// parseEventTime accepts either a timed or an all-day boundary.
func parseEventTime(t eventTime) (time.Time, bool, error) {
	switch {
	case t.DateTime != "":
		ts, err := time.Parse(time.RFC3339, t.DateTime)
		if err != nil {
			return time.Time{}, false, fmt.Errorf("bad date_time %q", t.DateTime)
		}

		return ts.UTC(), false, nil
	case t.Date != "":
		ts, err := time.Parse(time.DateOnly, t.Date)
		if err != nil {
			return time.Time{}, false, fmt.Errorf("bad date %q", t.Date)
		}

		return ts, true, nil
	default:
		return time.Time{}, false, errors.New("missing")
	}
}
