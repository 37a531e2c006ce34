package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nugget/sidekick/internal/calendar"
	"github.com/nugget/sidekick/internal/oauth"
)

// calendarTimeLayouts are accepted for start/end arguments, tried in
// order. Layouts without a zone are read in the calendar's zone.
var calendarTimeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
	"2006-01-02",
}

// parseCalendarTime parses a model-supplied timestamp.
func parseCalendarTime(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range calendarTimeLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse time %q; use ISO 8601 like 2024-03-01T15:00", s)
}

// RegisterCalendarTools registers the calendar tools. Every tool
// answers with the authorization link instead of failing when the
// owner has not connected a calendar.
func (r *Registry) RegisterCalendarTools(svc *calendar.Service) error {
	// run resolves the owner and turns a missing authorization into a
	// normal reply carrying the consent link.
	run := func(fn func(ctx context.Context, owner string, args map[string]any) (string, error)) Handler {
		return func(ctx context.Context, args map[string]any) (string, error) {
			owner, ok := OwnerFrom(ctx)
			if !ok {
				return "", errors.New("no owner in context")
			}
			out, err := fn(ctx, owner, args)
			if errors.Is(err, oauth.ErrNotAuthorized) {
				return notAuthorized(svc, owner), nil
			}
			return out, err
		}
	}
	maxResults := map[string]any{
		"type":        "integer",
		"minimum":     1,
		"maximum":     50,
		"description": "Maximum events to return. Default 10.",
	}

	regs := []*Tool{
		{
			Name:        "check_calendar_auth",
			Description: "Check whether the user has connected their Google Calendar. Returns an authorization link if not.",
			Handler: run(func(ctx context.Context, owner string, _ map[string]any) (string, error) {
				ok, err := svc.Authorized(ctx, owner)
				if err != nil {
					return "", err
				}
				if !ok {
					return notAuthorized(svc, owner), nil
				}
				return "Google Calendar is connected.", nil
			}),
		},
		{
			Name:        "list_calendar_events",
			Description: "List upcoming calendar events.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"days": map[string]any{
						"type":        "integer",
						"minimum":     1,
						"maximum":     31,
						"description": "How many days ahead to look. Default 7.",
					},
					"max_results": maxResults,
				},
			},
			Handler: run(func(ctx context.Context, owner string, args map[string]any) (string, error) {
				days, ok := intArg(args, "days")
				if !ok {
					days = 7
				}
				limit, ok := intArg(args, "max_results")
				if !ok {
					limit = 10
				}
				now := svc.Now()
				events, err := svc.Events(ctx, owner, now, now.AddDate(0, 0, days))
				if err != nil {
					return "", err
				}
				if len(events) == 0 {
					return "No upcoming events found.", nil
				}
				return "Upcoming events:\n" + formatEvents(events, limit, svc.Location()), nil
			}),
		},
		{
			Name:        "create_calendar_event",
			Description: "Create a calendar event. Times are ISO 8601; without an offset they are in the user's timezone.",
			Parameters: map[string]any{
				"type":     "object",
				"required": []string{"summary", "start", "end"},
				"properties": map[string]any{
					"summary":     map[string]any{"type": "string", "minLength": 1},
					"start":       map[string]any{"type": "string", "description": "Start time, e.g. 2024-03-01T15:00"},
					"end":         map[string]any{"type": "string", "description": "End time"},
					"description": map[string]any{"type": "string"},
					"location":    map[string]any{"type": "string"},
				},
			},
			Handler: run(func(ctx context.Context, owner string, args map[string]any) (string, error) {
				start, err := parseCalendarTime(stringArg(args, "start"), svc.Location())
				if err != nil {
					return "", err
				}
				end, err := parseCalendarTime(stringArg(args, "end"), svc.Location())
				if err != nil {
					return "", err
				}
				ev, err := svc.Create(ctx, owner, calendar.Event{
					Summary:     stringArg(args, "summary"),
					Description: stringArg(args, "description"),
					Location:    stringArg(args, "location"),
					Start:       start,
					End:         end,
				})
				if err != nil {
					return "", err
				}
				return fmt.Sprintf("Event created: %s (%s, id %s)", ev.Summary, formatSpan(ev, svc.Location()), ev.UID), nil
			}),
		},
		{
			Name:        "search_calendar_events",
			Description: "Search calendar events from the past month through the next year by text.",
			Parameters: map[string]any{
				"type":     "object",
				"required": []string{"query"},
				"properties": map[string]any{
					"query":       map[string]any{"type": "string", "minLength": 1},
					"max_results": maxResults,
				},
			},
			Handler: run(func(ctx context.Context, owner string, args map[string]any) (string, error) {
				query := stringArg(args, "query")
				limit, ok := intArg(args, "max_results")
				if !ok {
					limit = 10
				}
				now := svc.Now()
				events, err := svc.Search(ctx, owner, query, now.AddDate(0, -1, 0), now.AddDate(1, 0, 0), limit)
				if err != nil {
					return "", err
				}
				if len(events) == 0 {
					return fmt.Sprintf("No events found matching %q.", query), nil
				}
				return fmt.Sprintf("Events matching %q:\n%s", query, formatEvents(events, limit, svc.Location())), nil
			}),
		},
		{
			Name:        "get_free_busy",
			Description: "List busy time slots between two times.",
			Parameters: map[string]any{
				"type":     "object",
				"required": []string{"start", "end"},
				"properties": map[string]any{
					"start": map[string]any{"type": "string"},
					"end":   map[string]any{"type": "string"},
				},
			},
			Handler: run(func(ctx context.Context, owner string, args map[string]any) (string, error) {
				loc := svc.Location()
				start, err := parseCalendarTime(stringArg(args, "start"), loc)
				if err != nil {
					return "", err
				}
				end, err := parseCalendarTime(stringArg(args, "end"), loc)
				if err != nil {
					return "", err
				}
				if !end.After(start) {
					return "", errors.New("end must be after start")
				}
				busy, err := svc.FreeBusy(ctx, owner, start, end)
				if err != nil {
					return "", err
				}
				span := start.In(loc).Format("Jan 2 15:04") + " and " + end.In(loc).Format("Jan 2 15:04")
				if len(busy) == 0 {
					return "No busy time slots between " + span + ".", nil
				}
				var sb strings.Builder
				sb.WriteString("Busy time slots between " + span + ":")
				for i, b := range busy {
					fmt.Fprintf(&sb, "\n%d. %s - %s", i+1, b.Start.In(loc).Format("Mon Jan 2 15:04"), b.End.In(loc).Format("15:04"))
				}
				return sb.String(), nil
			}),
		},
		{
			Name:        "delete_calendar_event",
			Description: "Delete a calendar event by the id shown when it was listed or created.",
			Parameters: map[string]any{
				"type":       "object",
				"required":   []string{"id"},
				"properties": map[string]any{"id": map[string]any{"type": "string", "minLength": 1}},
			},
			Handler: run(func(ctx context.Context, owner string, args map[string]any) (string, error) {
				id := stringArg(args, "id")
				ok, err := svc.Delete(ctx, owner, id)
				if err != nil {
					return "", err
				}
				if !ok {
					return fmt.Sprintf("No event with id %s found.", id), nil
				}
				return "Event deleted.", nil
			}),
		},
	}
	for _, t := range regs {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}

func notAuthorized(svc *calendar.Service, owner string) string {
	return "Google Calendar is not connected. Ask the user to authorize it here: " + svc.AuthURL(owner)
}

func formatEvents(events []calendar.Event, limit int, loc *time.Location) string {
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	lines := make([]string, len(events))
	for i, ev := range events {
		line := fmt.Sprintf("%d. %s - %s", i+1, ev.Summary, formatSpan(ev, loc))
		if ev.Location != "" {
			line += " @ " + ev.Location
		}
		lines[i] = line + " [id " + ev.UID + "]"
	}
	return strings.Join(lines, "\n")
}

func formatSpan(ev calendar.Event, loc *time.Location) string {
	if ev.AllDay {
		return ev.Start.Format("Mon Jan 2") + " (all day)"
	}
	start, end := ev.Start.In(loc), ev.End.In(loc)
	if start.YearDay() == end.YearDay() && start.Year() == end.Year() {
		return start.Format("Mon Jan 2 15:04") + "-" + end.Format("15:04")
	}
	return start.Format("Mon Jan 2 15:04") + " - " + end.Format("Mon Jan 2 15:04")
}
