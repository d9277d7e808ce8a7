package gcalendar

import (
	"context"
	"fmt"
	"strings"

	"github.com/ggoodman/mcp-hub-go/acl"
	"github.com/ggoodman/mcp-hub-go/credentials"
	"github.com/ggoodman/mcp-hub-go/mcpservice"
)

const defaultTimeZone = "UTC"

type accountArg struct {
	Account string `json:"account,omitempty" jsonschema:"description=Account name to use (optional if only one account is connected)"`
}

func (a accountArg) accountName() string { return a.Account }

type accountScoped interface {
	accountName() string
}

// eventTool builds a tool that resolves the target account before running
// fn and renders its text.
func eventTool[A accountScoped](p *Provider, name, desc string, fn func(ctx context.Context, account string, args A) (string, error), opts ...mcpservice.ToolOption) mcpservice.StaticTool {
	opts = append([]mcpservice.ToolOption{mcpservice.WithToolDescription(desc)}, opts...)
	return mcpservice.NewTool(name, func(ctx context.Context, w mcpservice.ToolResponseWriter, r *mcpservice.ToolRequest[A]) error {
		account, err := p.resolve(ctx, r.Args().accountName())
		if err != nil {
			return w.Fail("Error: %v", err)
		}
		text, err := fn(ctx, account, r.Args())
		if err != nil {
			p.log.WarnContext(ctx, "gcalendar.call.fail", "tool", name, "account", account, "err", err.Error())
			return w.Fail("Error: %v", err)
		}
		return w.AppendText(text)
	}, opts...)
}

func (p *Provider) tools(ctx context.Context) []mcpservice.StaticTool {
	var tools []mcpservice.StaticTool
	if p.cfg.ACL != nil {
		tools = append(tools,
			acl.IdentifyTool(ctx, p.cfg.ACL, Name),
			acl.SessionTool(p.cfg.ACL, Name),
		)
	}
	tools = append(tools, p.accountTools()...)
	tools = append(tools, p.eventTools()...)
	return tools
}

type accountNameArgs struct {
	AccountName string `json:"account_name" jsonschema:"description=A name for this Google Calendar account (e.g. 'personal' or 'work')"`
}

func (p *Provider) accountTools() []mcpservice.StaticTool {
	return []mcpservice.StaticTool{
		mcpservice.NewTool("google-calendar-auth", func(ctx context.Context, w mcpservice.ToolResponseWriter, r *mcpservice.ToolRequest[accountNameArgs]) error {
			name := strings.TrimSpace(r.Args().AccountName)
			if name == "" {
				return w.Fail("account_name is required")
			}
			return w.AppendText(fmt.Sprintf("To connect your Google Calendar account %q, please visit:\n\n%s\n\n"+
				"After authorizing, you'll be redirected to %s and the account will be saved.",
				name, p.AuthURL(name), p.cfg.RedirectURL))
		}, mcpservice.WithToolDescription("Start OAuth flow to connect a Google Calendar account")),

		mcpservice.NewTool("google-calendar-list-accounts", func(ctx context.Context, w mcpservice.ToolResponseWriter, r *mcpservice.ToolRequest[struct{}]) error {
			names, err := credentials.ListScopedAccounts(ctx, p.cfg.Store, accountScope(ctx))
			if err != nil {
				return w.Fail("Error: %v", err)
			}
			if len(names) == 0 {
				return w.AppendText("No Google Calendar accounts connected. Use google-calendar-auth to connect one.")
			}
			return w.AppendText("Connected accounts: " + strings.Join(names, ", "))
		}, mcpservice.WithToolDescription("List all connected Google Calendar accounts"), mcpservice.WithToolReadOnly()),

		mcpservice.NewTool("google-calendar-remove-account", func(ctx context.Context, w mcpservice.ToolResponseWriter, r *mcpservice.ToolRequest[accountNameArgs]) error {
			if err := p.cfg.Store.Delete(ctx, r.Args().AccountName); err != nil {
				return w.Fail("Error: %v", err)
			}
			p.log.InfoContext(ctx, "gcalendar.account.remove", "account", r.Args().AccountName)
			return w.AppendText(fmt.Sprintf("Account %q removed.", r.Args().AccountName))
		}, mcpservice.WithToolDescription("Disconnect a Google Calendar account")),
	}
}

type createEventArgs struct {
	accountArg
	Summary     string   `json:"summary" jsonschema:"description=Event title"`
	Description string   `json:"description,omitempty" jsonschema:"description=Event description"`
	StartTime   string   `json:"start_time" jsonschema:"description=Start time in ISO format (e.g. 2024-01-15T10:00:00Z)"`
	EndTime     string   `json:"end_time" jsonschema:"description=End time in ISO format (e.g. 2024-01-15T11:00:00Z)"`
	Attendees   []string `json:"attendees,omitempty" jsonschema:"description=List of attendee email addresses"`
	Location    string   `json:"location,omitempty" jsonschema:"description=Event location"`
	TimeZone    string   `json:"timezone,omitempty" jsonschema:"description=Timezone such as America/New_York. Defaults to UTC"`
}

type listEventsArgs struct {
	accountArg
	MaxResults int    `json:"max_results,omitempty" jsonschema:"description=Maximum number of events to return,minimum=1,maximum=2500,default=10"`
	TimeMin    string `json:"time_min,omitempty" jsonschema:"description=Filter events starting after this time (ISO format)"`
	TimeMax    string `json:"time_max,omitempty" jsonschema:"description=Filter events starting before this time (ISO format)"`
	Query      string `json:"query,omitempty" jsonschema:"description=Search query to filter events"`
}

type eventIDArgs struct {
	accountArg
	EventID string `json:"event_id" jsonschema:"description=The ID of the event"`
}

type updateEventArgs struct {
	accountArg
	EventID     string    `json:"event_id" jsonschema:"description=The ID of the event to update"`
	Summary     *string   `json:"summary,omitempty" jsonschema:"description=New event title"`
	Description *string   `json:"description,omitempty" jsonschema:"description=New event description"`
	StartTime   string    `json:"start_time,omitempty" jsonschema:"description=New start time in ISO format"`
	EndTime     string    `json:"end_time,omitempty" jsonschema:"description=New end time in ISO format"`
	Attendees   *[]string `json:"attendees,omitempty" jsonschema:"description=New list of attendee email addresses"`
	Location    *string   `json:"location,omitempty" jsonschema:"description=New event location"`
	TimeZone    string    `json:"timezone,omitempty" jsonschema:"description=Timezone for the new times"`
}

func (p *Provider) eventTools() []mcpservice.StaticTool {
	return []mcpservice.StaticTool{
		eventTool(p, "google-calendar-create-event", "Create a new event in Google Calendar", func(ctx context.Context, account string, a createEventArgs) (string, error) {
			if a.Summary == "" || a.StartTime == "" || a.EndTime == "" {
				return "", fmt.Errorf("summary, start_time and end_time are required")
			}
			tz := a.TimeZone
			if tz == "" {
				tz = defaultTimeZone
			}
			ev := Event{
				Summary:     a.Summary,
				Description: a.Description,
				Location:    a.Location,
				Start:       &EventTime{DateTime: a.StartTime, TimeZone: tz},
				End:         &EventTime{DateTime: a.EndTime, TimeZone: tz},
				Attendees:   attendees(a.Attendees),
			}
			created, err := p.api.CreateEvent(ctx, account, ev)
			if err != nil {
				return "", fmt.Errorf("failed to create event: %w", err)
			}
			p.log.InfoContext(ctx, "gcalendar.event.create", "account", account, "event_id", created.ID)
			return fmt.Sprintf("Event created successfully!\n\nTitle: %s\nLink: %s", a.Summary, linkOr(created, "Event created (no link available)")), nil
		}),

		eventTool(p, "google-calendar-list-events", "List upcoming events from Google Calendar", func(ctx context.Context, account string, a listEventsArgs) (string, error) {
			limit := a.MaxResults
			if limit <= 0 {
				limit = 10
			}
			events, err := p.api.ListEvents(ctx, account, ListOptions{MaxResults: limit, TimeMin: a.TimeMin, TimeMax: a.TimeMax, Query: a.Query})
			if err != nil {
				return "", fmt.Errorf("failed to list events: %w", err)
			}
			if len(events) == 0 {
				return "No events found.", nil
			}
			items := make([]string, len(events))
			for i, ev := range events {
				items[i] = fmt.Sprintf("%d. %s\n   Start: %s\n   ID: %s", i+1, or(ev.Summary, "No title"), or(ev.Start.String(), "No start time"), or(ev.ID, "No ID"))
			}
			return fmt.Sprintf("Found %d event(s):\n\n%s", len(events), strings.Join(items, "\n\n")), nil
		}, mcpservice.WithToolReadOnly()),

		eventTool(p, "google-calendar-get-event", "Get details of a specific event from Google Calendar", func(ctx context.Context, account string, a eventIDArgs) (string, error) {
			ev, err := p.api.GetEvent(ctx, account, a.EventID)
			if err != nil {
				return "", fmt.Errorf("failed to get event: %w", err)
			}
			emails := make([]string, len(ev.Attendees))
			for i, at := range ev.Attendees {
				emails[i] = at.Email
			}
			return fmt.Sprintf("Event Details:\nTitle: %s\nDescription: %s\nLocation: %s\nStart: %s\nEnd: %s\nAttendees: %s\nLink: %s\nID: %s",
				or(ev.Summary, "No title"),
				or(ev.Description, "No description"),
				or(ev.Location, "No location"),
				or(ev.Start.String(), "No start time"),
				or(ev.End.String(), "No end time"),
				or(strings.Join(emails, ", "), "None"),
				or(ev.HTMLLink, "No link"),
				or(ev.ID, "No ID"),
			), nil
		}, mcpservice.WithToolReadOnly()),

		eventTool(p, "google-calendar-update-event", "Update an existing event in Google Calendar", func(ctx context.Context, account string, a updateEventArgs) (string, error) {
			updated, err := p.api.UpdateEvent(ctx, account, a.EventID, func(raw map[string]any) error {
				setIfGiven(raw, "summary", a.Summary)
				setIfGiven(raw, "description", a.Description)
				setIfGiven(raw, "location", a.Location)
				if a.StartTime != "" {
					raw["start"] = eventTime(a.StartTime, a.TimeZone, raw["start"])
				}
				if a.EndTime != "" {
					raw["end"] = eventTime(a.EndTime, a.TimeZone, raw["end"])
				}
				if a.Attendees != nil {
					raw["attendees"] = attendees(*a.Attendees)
				}
				return nil
			})
			if err != nil {
				return "", fmt.Errorf("failed to update event: %w", err)
			}
			p.log.InfoContext(ctx, "gcalendar.event.update", "account", account, "event_id", a.EventID)
			return "Event updated successfully!\n\nLink: " + linkOr(updated, "Event updated (no link available)"), nil
		}),

		eventTool(p, "google-calendar-delete-event", "Delete an event from Google Calendar", func(ctx context.Context, account string, a eventIDArgs) (string, error) {
			if err := p.api.DeleteEvent(ctx, account, a.EventID); err != nil {
				return "", fmt.Errorf("failed to delete event: %w", err)
			}
			p.log.InfoContext(ctx, "gcalendar.event.delete", "account", account, "event_id", a.EventID)
			return fmt.Sprintf("Event %s deleted successfully", a.EventID), nil
		}),
	}
}

// eventTime builds a new start or end. Without an explicit zone the
// previous one is kept, else UTC.
func eventTime(dateTime, tz string, previous any) EventTime {
	if tz == "" {
		if prev, ok := previous.(map[string]any); ok {
			tz, _ = prev["timeZone"].(string)
		}
	}
	if tz == "" {
		tz = defaultTimeZone
	}
	return EventTime{DateTime: dateTime, TimeZone: tz}
}

func attendees(emails []string) []Attendee {
	if len(emails) == 0 {
		return []Attendee{}
	}
	out := make([]Attendee, len(emails))
	for i, e := range emails {
		out[i] = Attendee{Email: e}
	}
	return out
}

func setIfGiven(raw map[string]any, key string, v *string) {
	if v != nil {
		raw[key] = *v
	}
}

func linkOr(ev Event, fallback string) string {
	return or(ev.HTMLLink, fallback)
}

func or(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
