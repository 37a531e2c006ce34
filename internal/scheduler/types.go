// Package scheduler stores per-owner schedules and fires them when due.
package scheduler

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind selects how a schedule's content becomes a message.
type Kind string

const (
	KindGenerated Kind = "generated" // Content is a prompt for the model
	KindStatic    Kind = "static"    // Content is delivered verbatim
)

// ParseKind accepts the canonical kind names plus the older
// "prompt" and "reminder" spellings.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "generated", "prompt":
		return KindGenerated, nil
	case "static", "reminder":
		return KindStatic, nil
	}
	return "", fmt.Errorf("%w: unknown kind %q", ErrInvalidEntry, s)
}

// Frequency is how often a schedule recurs.
type Frequency string

const (
	FrequencyOnce    Frequency = "once"
	FrequencyDaily   Frequency = "daily"
	FrequencyWeekly  Frequency = "weekly"
	FrequencyMonthly Frequency = "monthly"
)

// ParseFrequency validates a frequency name.
func ParseFrequency(s string) (Frequency, error) {
	switch f := Frequency(strings.ToLower(strings.TrimSpace(s))); f {
	case FrequencyOnce, FrequencyDaily, FrequencyWeekly, FrequencyMonthly:
		return f, nil
	}
	return "", fmt.Errorf("%w: unknown frequency %q", ErrInvalidEntry, s)
}

// DateLayout is the layout of Entry.ScheduledDate.
const DateLayout = "2006-01-02"

// ErrInvalidEntry is wrapped by every validation failure.
var ErrInvalidEntry = errors.New("invalid schedule")

// ErrNotFound is returned by store internals when no active entry
// matches. Public store methods report absence with a bool instead.
var ErrNotFound = errors.New("schedule not found")

// Entry is one registered schedule.
type Entry struct {
	ID            int64      `json:"id"`
	OwnerID       string     `json:"owner_id"`
	Kind          Kind       `json:"kind"`
	Frequency     Frequency  `json:"frequency"`
	DayOfWeek     *int       `json:"day_of_week,omitempty"`    // 0=Sunday, weekly only
	DayOfMonth    *int       `json:"day_of_month,omitempty"`   // 1-31, monthly only
	ScheduledDate string     `json:"scheduled_date,omitempty"` // YYYY-MM-DD, once only
	TimeOfDay     string     `json:"time"`                     // HH:mm, 24h
	Content       string     `json:"content"`
	Active        bool       `json:"active"`
	CreatedAt     time.Time  `json:"created_at"`
	LastFiredAt   *time.Time `json:"last_fired_at,omitempty"`
}

// Validate checks that the entry is well formed for its frequency.
// Selectors that do not apply to the frequency are cleared.
func (e *Entry) Validate() error {
	if strings.TrimSpace(e.OwnerID) == "" {
		return fmt.Errorf("%w: owner is required", ErrInvalidEntry)
	}
	if strings.TrimSpace(e.Content) == "" {
		return fmt.Errorf("%w: content is required", ErrInvalidEntry)
	}
	kind, err := ParseKind(string(e.Kind))
	if err != nil {
		return err
	}
	e.Kind = kind

	freq, err := ParseFrequency(string(e.Frequency))
	if err != nil {
		return err
	}
	e.Frequency = freq

	if _, _, err := ParseTimeOfDay(e.TimeOfDay); err != nil {
		return err
	}

	switch e.Frequency {
	case FrequencyDaily:
		e.DayOfWeek, e.DayOfMonth, e.ScheduledDate = nil, nil, ""
	case FrequencyWeekly:
		if e.DayOfWeek == nil {
			return fmt.Errorf("%w: weekly schedule needs day_of_week", ErrInvalidEntry)
		}
		if *e.DayOfWeek < 0 || *e.DayOfWeek > 6 {
			return fmt.Errorf("%w: day_of_week %d out of range 0-6", ErrInvalidEntry, *e.DayOfWeek)
		}
		e.DayOfMonth, e.ScheduledDate = nil, ""
	case FrequencyMonthly:
		if e.DayOfMonth == nil {
			return fmt.Errorf("%w: monthly schedule needs day_of_month", ErrInvalidEntry)
		}
		if *e.DayOfMonth < 1 || *e.DayOfMonth > 31 {
			return fmt.Errorf("%w: day_of_month %d out of range 1-31", ErrInvalidEntry, *e.DayOfMonth)
		}
		e.DayOfWeek, e.ScheduledDate = nil, ""
	case FrequencyOnce:
		if e.ScheduledDate == "" {
			return fmt.Errorf("%w: one-time schedule needs scheduled_date", ErrInvalidEntry)
		}
		if _, err := time.Parse(DateLayout, e.ScheduledDate); err != nil {
			return fmt.Errorf("%w: scheduled_date %q is not YYYY-MM-DD", ErrInvalidEntry, e.ScheduledDate)
		}
		e.DayOfWeek, e.DayOfMonth = nil, nil
	}
	return nil
}

// ParseTimeOfDay parses a strict 24-hour "HH:mm" string.
func ParseTimeOfDay(s string) (hour, minute int, err error) {
	if len(s) != 5 || s[2] != ':' {
		return 0, 0, fmt.Errorf("%w: time %q is not HH:mm", ErrInvalidEntry, s)
	}
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: time %q is not HH:mm", ErrInvalidEntry, s)
	}
	return t.Hour(), t.Minute(), nil
}

// Describe renders the schedule's timing for humans, e.g.
// "every Monday at 09:00".
func (e *Entry) Describe() string {
	switch e.Frequency {
	case FrequencyDaily:
		return "every day at " + e.TimeOfDay
	case FrequencyWeekly:
		if e.DayOfWeek != nil {
			return fmt.Sprintf("every %s at %s", time.Weekday(*e.DayOfWeek), e.TimeOfDay)
		}
	case FrequencyMonthly:
		if e.DayOfMonth != nil {
			return fmt.Sprintf("monthly on day %d at %s", *e.DayOfMonth, e.TimeOfDay)
		}
	case FrequencyOnce:
		return fmt.Sprintf("once on %s at %s", e.ScheduledDate, e.TimeOfDay)
	}
	return string(e.Frequency) + " at " + e.TimeOfDay
}

// Update is a partial change to an entry. Nil fields are left alone.
type Update struct {
	Kind          *Kind      `json:"kind,omitempty"`
	Frequency     *Frequency `json:"frequency,omitempty"`
	DayOfWeek     *int       `json:"day_of_week,omitempty"`
	DayOfMonth    *int       `json:"day_of_month,omitempty"`
	ScheduledDate *string    `json:"scheduled_date,omitempty"`
	TimeOfDay     *string    `json:"time,omitempty"`
	Content       *string    `json:"content,omitempty"`
}

// Empty reports whether the update changes nothing.
func (u Update) Empty() bool {
	return u.Kind == nil && u.Frequency == nil && u.DayOfWeek == nil &&
		u.DayOfMonth == nil && u.ScheduledDate == nil && u.TimeOfDay == nil &&
		u.Content == nil
}

// apply merges the non-nil fields into e.
func (u Update) apply(e *Entry) {
	if u.Kind != nil {
		e.Kind = *u.Kind
	}
	if u.Frequency != nil {
		e.Frequency = *u.Frequency
	}
	if u.DayOfWeek != nil {
		v := *u.DayOfWeek
		e.DayOfWeek = &v
	}
	if u.DayOfMonth != nil {
		v := *u.DayOfMonth
		e.DayOfMonth = &v
	}
	if u.ScheduledDate != nil {
		e.ScheduledDate = *u.ScheduledDate
	}
	if u.TimeOfDay != nil {
		e.TimeOfDay = *u.TimeOfDay
	}
	if u.Content != nil {
		e.Content = *u.Content
	}
}

// Execution represents a single firing attempt of an entry.
type Execution struct {
	ID           string          `json:"id"` // UUIDv7
	EntryID      int64           `json:"entry_id"`
	ScheduledFor time.Time       `json:"scheduled_for"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	Status       ExecutionStatus `json:"status"`
	Result       string          `json:"result,omitempty"` // Delivered text or error
}

// ExecutionStatus indicates the state of an execution.
type ExecutionStatus string

const (
	StatusRunning   ExecutionStatus = "running"
	StatusCompleted ExecutionStatus = "completed"
	StatusFailed    ExecutionStatus = "failed"
	StatusSkipped   ExecutionStatus = "skipped" // Missed window, chose not to catch up
)
