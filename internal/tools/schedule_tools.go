package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nugget/sidekick/internal/scheduler"
)

var scheduleFields = map[string]any{
	"kind": map[string]any{
		"type":        "string",
		"enum":        []string{"generated", "static", "prompt", "reminder"},
		"description": "generated: the content is a prompt answered by the assistant when the schedule fires. static: the content is sent verbatim.",
	},
	"frequency": map[string]any{
		"type": "string",
		"enum": []string{"once", "daily", "weekly", "monthly"},
	},
	"time": map[string]any{
		"type":        "string",
		"pattern":     "^([01][0-9]|2[0-3]):[0-5][0-9]$",
		"description": "Time of day in 24-hour HH:mm.",
	},
	"day_of_week": map[string]any{
		"type":        "integer",
		"minimum":     0,
		"maximum":     6,
		"description": "0=Sunday through 6=Saturday. Required for weekly schedules.",
	},
	"day_of_month": map[string]any{
		"type":        "integer",
		"minimum":     1,
		"maximum":     31,
		"description": "Required for monthly schedules.",
	},
	"scheduled_date": map[string]any{
		"type":        "string",
		"pattern":     "^[0-9]{4}-[0-9]{2}-[0-9]{2}$",
		"description": "YYYY-MM-DD. Required for one-time schedules.",
	},
	"content": map[string]any{
		"type":        "string",
		"minLength":   1,
		"description": "The prompt or reminder text.",
	},
}

// RegisterScheduleTools registers list_schedules, create_schedule,
// update_schedule and delete_schedule. Every tool acts on the owner of
// the current turn.
func (r *Registry) RegisterScheduleTools(store *scheduler.Store) error {
	updateProps := map[string]any{
		"id": map[string]any{"type": "integer", "description": "Schedule ID from list_schedules."},
	}
	for k, v := range scheduleFields {
		updateProps[k] = v
	}

	tools := []*Tool{
		{
			Name:        "list_schedules",
			Description: "List the user's active schedules and reminders with their IDs.",
			Handler: func(ctx context.Context, _ map[string]any) (string, error) {
				owner, ok := OwnerFrom(ctx)
				if !ok {
					return "", errors.New("no owner in context")
				}
				entries, err := store.FindByOwner(ctx, owner)
				if err != nil {
					return "", err
				}
				return FormatSchedules(entries), nil
			},
		},
		{
			Name:        "create_schedule",
			Description: "Create a recurring or one-time schedule. Use static for plain reminders and generated when the assistant should compose the message at delivery time (briefings, summaries, news).",
			Parameters: map[string]any{
				"type":       "object",
				"properties": scheduleFields,
				"required":   []string{"kind", "frequency", "time", "content"},
			},
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				owner, ok := OwnerFrom(ctx)
				if !ok {
					return "", errors.New("no owner in context")
				}
				e := &scheduler.Entry{
					OwnerID:       owner,
					Kind:          scheduler.Kind(stringArg(args, "kind")),
					Frequency:     scheduler.Frequency(stringArg(args, "frequency")),
					TimeOfDay:     stringArg(args, "time"),
					ScheduledDate: stringArg(args, "scheduled_date"),
					Content:       stringArg(args, "content"),
				}
				if v, ok := intArg(args, "day_of_week"); ok {
					e.DayOfWeek = &v
				}
				if v, ok := intArg(args, "day_of_month"); ok {
					e.DayOfMonth = &v
				}
				if err := store.Create(ctx, e); err != nil {
					return "", err
				}
				return fmt.Sprintf("Created schedule #%d: %s (%s).", e.ID, e.Describe(), e.Kind), nil
			},
		},
		{
			Name:        "update_schedule",
			Description: "Change fields of one of the user's schedules. Only the fields given are changed.",
			Parameters: map[string]any{
				"type":       "object",
				"properties": updateProps,
				"required":   []string{"id"},
			},
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				owner, ok := OwnerFrom(ctx)
				if !ok {
					return "", errors.New("no owner in context")
				}
				id, _ := intArg(args, "id")
				u := ScheduleUpdateFromArgs(args)
				if u.Empty() {
					return "Nothing to update.", nil
				}
				updated, err := store.Update(ctx, int64(id), owner, u)
				if err != nil {
					return "", err
				}
				if !updated {
					return fmt.Sprintf("No active schedule #%d found.", id), nil
				}
				return fmt.Sprintf("Updated schedule #%d.", id), nil
			},
		},
		{
			Name:        "delete_schedule",
			Description: "Delete one of the user's schedules by ID.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"id": map[string]any{"type": "integer", "description": "Schedule ID from list_schedules."},
				},
				"required": []string{"id"},
			},
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				owner, ok := OwnerFrom(ctx)
				if !ok {
					return "", errors.New("no owner in context")
				}
				id, _ := intArg(args, "id")
				deleted, err := store.Delete(ctx, int64(id), owner)
				if err != nil {
					return "", err
				}
				if !deleted {
					return fmt.Sprintf("No active schedule #%d found.", id), nil
				}
				return fmt.Sprintf("Deleted schedule #%d.", id), nil
			},
		},
	}

	for _, t := range tools {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}

// ScheduleUpdateFromArgs builds a partial update from tool or intent
// arguments. Absent keys stay nil.
func ScheduleUpdateFromArgs(args map[string]any) scheduler.Update {
	var u scheduler.Update
	if s := stringArg(args, "kind"); s != "" {
		k := scheduler.Kind(s)
		u.Kind = &k
	}
	if s := stringArg(args, "frequency"); s != "" {
		f := scheduler.Frequency(s)
		u.Frequency = &f
	}
	if s := stringArg(args, "time"); s != "" {
		u.TimeOfDay = &s
	}
	if s := stringArg(args, "scheduled_date"); s != "" {
		u.ScheduledDate = &s
	}
	if s := stringArg(args, "content"); s != "" {
		u.Content = &s
	}
	if v, ok := intArg(args, "day_of_week"); ok {
		u.DayOfWeek = &v
	}
	if v, ok := intArg(args, "day_of_month"); ok {
		u.DayOfMonth = &v
	}
	return u
}

// FormatSchedules renders entries one per line for chat replies.
func FormatSchedules(entries []*scheduler.Entry) string {
	if len(entries) == 0 {
		return "No active schedules."
	}
	var sb strings.Builder
	sb.WriteString("Active schedules:\n")
	for _, e := range entries {
		fmt.Fprintf(&sb, "#%d %s [%s]: %s\n", e.ID, e.Describe(), e.Kind, e.Content)
	}
	return strings.TrimRight(sb.String(), "\n")
}
