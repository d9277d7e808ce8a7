package gcalendar

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/ggoodman/mcp-hub-go/credentials"
	"golang.org/x/oauth2"
)

// DefaultAPIBaseURL is the Calendar API root.
const DefaultAPIBaseURL = "https://www.googleapis.com/calendar/v3"

// primary is the calendar every operation acts on.
const primary = "primary"

// APIError is a non-2xx answer from a Google API.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("Google Calendar API %d: %s", e.Status, e.Message)
}

// EventTime is the start or end of an event. All-day events carry Date.
type EventTime struct {
	DateTime string `json:"dateTime,omitempty"`
	Date     string `json:"date,omitempty"`
	TimeZone string `json:"timeZone,omitempty"`
}

// String returns DateTime or, for all-day events, Date.
func (t *EventTime) String() string {
	switch {
	case t == nil:
		return ""
	case t.DateTime != "":
		return t.DateTime
	default:
		return t.Date
	}
}

type Attendee struct {
	Email string `json:"email"`
}

// Event is the subset of a Calendar event the tools read and write.
type Event struct {
	ID          string     `json:"id,omitempty"`
	Summary     string     `json:"summary,omitempty"`
	Description string     `json:"description,omitempty"`
	Location    string     `json:"location,omitempty"`
	Start       *EventTime `json:"start,omitempty"`
	End         *EventTime `json:"end,omitempty"`
	Attendees   []Attendee `json:"attendees,omitempty"`
	HTMLLink    string     `json:"htmlLink,omitempty"`
}

// ListOptions filters ListEvents.
type ListOptions struct {
	MaxResults int
	TimeMin    string
	TimeMax    string
	Query      string
}

// Client calls the Calendar API on behalf of stored accounts.
type Client struct {
	base   string
	http   *http.Client
	tokens *credentials.Refresher
}

// NewClient returns a Client. Requests go through hc's transport with the
// account's bearer token added by oauth2.Transport.
func NewClient(base string, hc *http.Client, tokens *credentials.Refresher) *Client {
	if base == "" {
		base = DefaultAPIBaseURL
	}
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{base: strings.TrimRight(base, "/"), http: hc, tokens: tokens}
}

// CreateEvent inserts ev into the primary calendar.
func (c *Client) CreateEvent(ctx context.Context, account string, ev Event) (Event, error) {
	var out Event
	err := c.do(ctx, account, http.MethodPost, eventsPath(""), nil, ev, &out)
	return out, err
}

// ListEvents returns upcoming single events ordered by start time.
func (c *Client) ListEvents(ctx context.Context, account string, opts ListOptions) ([]Event, error) {
	q := url.Values{}
	q.Set("singleEvents", "true")
	q.Set("orderBy", "startTime")
	q.Set("maxResults", fmt.Sprint(opts.MaxResults))
	if opts.TimeMin != "" {
		q.Set("timeMin", opts.TimeMin)
	}
	if opts.TimeMax != "" {
		q.Set("timeMax", opts.TimeMax)
	}
	if opts.Query != "" {
		q.Set("q", opts.Query)
	}
	var out struct {
		Items []Event `json:"items"`
	}
	if err := c.do(ctx, account, http.MethodGet, eventsPath(""), q, nil, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

// GetEvent returns one event.
func (c *Client) GetEvent(ctx context.Context, account, id string) (Event, error) {
	var out Event
	err := c.do(ctx, account, http.MethodGet, eventsPath(id), nil, nil, &out)
	return out, err
}

// UpdateEvent reads the stored event, lets edit change it and writes the
// whole resource back. Fields the hub does not model survive the round
// trip.
func (c *Client) UpdateEvent(ctx context.Context, account, id string, edit func(raw map[string]any) error) (Event, error) {
	raw := map[string]any{}
	if err := c.do(ctx, account, http.MethodGet, eventsPath(id), nil, nil, &raw); err != nil {
		return Event{}, err
	}
	if err := edit(raw); err != nil {
		return Event{}, err
	}
	var out Event
	err := c.do(ctx, account, http.MethodPut, eventsPath(id), nil, raw, &out)
	return out, err
}

// DeleteEvent removes one event.
func (c *Client) DeleteEvent(ctx context.Context, account, id string) error {
	return c.do(ctx, account, http.MethodDelete, eventsPath(id), nil, nil, nil)
}

// UserInfo is the profile stored with a connected account.
type UserInfo struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

// UserInfo fetches the profile behind a raw token, before the account is
// stored.
func (c *Client) UserInfo(ctx context.Context, endpoint string, tok *oauth2.Token) (UserInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return UserInfo{}, err
	}
	var out UserInfo
	err = c.send(c.authorized(oauth2.StaticTokenSource(tok)), req, &out)
	return out, err
}

func eventsPath(id string) string {
	p := "/calendars/" + primary + "/events"
	if id != "" {
		p += "/" + url.PathEscape(id)
	}
	return p
}

func (c *Client) authorized(src oauth2.TokenSource) *http.Client {
	return &http.Client{
		Transport: &oauth2.Transport{Source: src, Base: c.http.Transport},
		Timeout:   c.http.Timeout,
	}
}

func (c *Client) do(ctx context.Context, account, method, path string, query url.Values, body, out any) error {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		r = bytes.NewReader(b)
	}
	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(c.authorized(c.tokens.TokenSource(ctx, account)), req, out)
}

func (c *Client) send(hc *http.Client, req *http.Request, out any) error {
	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return &APIError{Status: resp.StatusCode, Message: errorMessage(b, resp.Status)}
	}
	if out == nil || len(bytes.TrimSpace(b)) == 0 {
		return nil
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("decode %s response: %w", req.URL.Path, err)
	}
	return nil
}

// errorMessage extracts error.message from a Google error document.
func errorMessage(b []byte, fallback string) string {
	var doc struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(b, &doc) == nil && doc.Error.Message != "" {
		return doc.Error.Message
	}
	if s := strings.TrimSpace(string(b)); s != "" {
		return s
	}
	return fallback
}
