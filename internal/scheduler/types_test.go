package scheduler

import (
	"errors"
	"testing"
)

func intPtr(v int) *int { return &v }

func TestParseKind(t *testing.T) {
	tests := []struct {
		in      string
		want    Kind
		wantErr bool
	}{
		{"generated", KindGenerated, false},
		{"static", KindStatic, false},
		{"prompt", KindGenerated, false},
		{"Reminder", KindStatic, false},
		{"alarm", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseKind(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseKind(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseKind(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestEntryValidate(t *testing.T) {
	base := func() Entry {
		return Entry{OwnerID: "42", Kind: KindStatic, Frequency: FrequencyDaily, TimeOfDay: "09:00", Content: "hi"}
	}
	tests := []struct {
		name    string
		mutate  func(e *Entry)
		wantErr bool
	}{
		{"daily ok", func(*Entry) {}, false},
		{"missing owner", func(e *Entry) { e.OwnerID = "" }, true},
		{"missing content", func(e *Entry) { e.Content = "  " }, true},
		{"bad kind", func(e *Entry) { e.Kind = "alarm" }, true},
		{"bad frequency", func(e *Entry) { e.Frequency = "hourly" }, true},
		{"hour out of range", func(e *Entry) { e.TimeOfDay = "24:00" }, true},
		{"minute out of range", func(e *Entry) { e.TimeOfDay = "09:60" }, true},
		{"short time", func(e *Entry) { e.TimeOfDay = "9:00" }, true},
		{"end of day", func(e *Entry) { e.TimeOfDay = "23:59" }, false},
		{"weekly without day", func(e *Entry) { e.Frequency = FrequencyWeekly }, true},
		{"weekly day 7", func(e *Entry) { e.Frequency = FrequencyWeekly; e.DayOfWeek = intPtr(7) }, true},
		{"weekly sunday", func(e *Entry) { e.Frequency = FrequencyWeekly; e.DayOfWeek = intPtr(0) }, false},
		{"monthly without day", func(e *Entry) { e.Frequency = FrequencyMonthly }, true},
		{"monthly day 0", func(e *Entry) { e.Frequency = FrequencyMonthly; e.DayOfMonth = intPtr(0) }, true},
		{"monthly day 31", func(e *Entry) { e.Frequency = FrequencyMonthly; e.DayOfMonth = intPtr(31) }, false},
		{"once without date", func(e *Entry) { e.Frequency = FrequencyOnce }, true},
		{"once bad date", func(e *Entry) { e.Frequency = FrequencyOnce; e.ScheduledDate = "2024-02-30" }, true},
		{"once ok", func(e *Entry) { e.Frequency = FrequencyOnce; e.ScheduledDate = "2024-03-01" }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := base()
			tt.mutate(&e)
			err := e.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() err = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidEntry) {
				t.Errorf("error %v does not wrap ErrInvalidEntry", err)
			}
		})
	}
}

func TestEntryValidate_ClearsUnusedSelectors(t *testing.T) {
	e := Entry{
		OwnerID:       "42",
		Kind:          "reminder",
		Frequency:     FrequencyWeekly,
		DayOfWeek:     intPtr(1),
		DayOfMonth:    intPtr(15),
		ScheduledDate: "2024-01-01",
		TimeOfDay:     "09:00",
		Content:       "stand-up",
	}
	if err := e.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if e.Kind != KindStatic {
		t.Errorf("Kind = %q, want %q", e.Kind, KindStatic)
	}
	if e.DayOfMonth != nil || e.ScheduledDate != "" {
		t.Errorf("unused selectors kept: day_of_month=%v scheduled_date=%q", e.DayOfMonth, e.ScheduledDate)
	}
	if e.DayOfWeek == nil || *e.DayOfWeek != 1 {
		t.Errorf("DayOfWeek = %v, want 1", e.DayOfWeek)
	}
}

func TestEntryDescribe(t *testing.T) {
	tests := []struct {
		e    Entry
		want string
	}{
		{Entry{Frequency: FrequencyDaily, TimeOfDay: "07:30"}, "every day at 07:30"},
		{Entry{Frequency: FrequencyWeekly, DayOfWeek: intPtr(1), TimeOfDay: "09:00"}, "every Monday at 09:00"},
		{Entry{Frequency: FrequencyMonthly, DayOfMonth: intPtr(15), TimeOfDay: "12:00"}, "monthly on day 15 at 12:00"},
		{Entry{Frequency: FrequencyOnce, ScheduledDate: "2024-03-01", TimeOfDay: "18:00"}, "once on 2024-03-01 at 18:00"},
	}
	for _, tt := range tests {
		if got := tt.e.Describe(); got != tt.want {
			t.Errorf("Describe() = %q, want %q", got, tt.want)
		}
	}
}

func TestUpdateEmpty(t *testing.T) {
	content := "new"
	if !(Update{}).Empty() {
		t.Error("zero Update should be empty")
	}
	if (Update{Content: &content}).Empty() {
		t.Error("Update with content should not be empty")
	}
}
