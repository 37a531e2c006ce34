package tools

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/nugget/sidekick/internal/usage"
)

func TestFormatTokenCount(t *testing.T) {
	tests := []struct {
		n    int64
		want string
	}{
		{1_230_000, "1.23M"},
		{1_000_000, "1.00M"},
		{456_000, "456.0K"},
		{1_000, "1.0K"},
		{789, "789"},
		{0, "0"},
	}
	for _, tt := range tests {
		if got := formatTokenCount(tt.n); got != tt.want {
			t.Errorf("formatTokenCount(%d) = %q, want %q", tt.n, got, tt.want)
		}
	}
}

func TestParsePeriod(t *testing.T) {
	now := time.Date(2026, 3, 15, 10, 30, 0, 0, time.UTC)

	start, end := parsePeriod("today", now)
	if !start.Equal(time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("today start = %v", start)
	}
	if !end.After(now) {
		t.Errorf("today end = %v, want after now", end)
	}

	start, end = parsePeriod("yesterday", now)
	if !start.Equal(time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)) || !end.Equal(time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("yesterday = %v..%v", start, end)
	}

	if start, _ := parsePeriod("all", now); !start.IsZero() {
		t.Errorf("all start = %v, want zero", start)
	}
	if start, _ := parsePeriod("bogus", now); !start.IsZero() {
		t.Errorf("unknown period start = %v, want zero", start)
	}
}

func TestUsageSummaryTool(t *testing.T) {
	store, err := usage.NewStore(testDB(t), nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	now := time.Now()
	for _, rec := range []usage.Record{
		{Timestamp: now, OwnerID: "42", Model: "gemini-2.5-flash", Provider: "gemini", InputTokens: 1500, OutputTokens: 200, CostUSD: 0.5, Role: usage.RoleInteractive},
		{Timestamp: now, OwnerID: "42", Model: "qwen3:4b", Provider: "ollama", InputTokens: 100, OutputTokens: 50, Role: usage.RoleScheduled},
		{Timestamp: now, OwnerID: "99", Model: "gemini-2.5-flash", Provider: "gemini", InputTokens: 9999, OutputTokens: 9999, CostUSD: 9, Role: usage.RoleInteractive},
	} {
		if err := store.Record(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}

	r := NewRegistry()
	if err := r.RegisterUsageTools(store); err != nil {
		t.Fatal(err)
	}

	out, err := r.Execute(WithOwner(ctx, "42"), "usage_summary", map[string]any{"period": "all", "group_by": "model"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	for _, want := range []string{"Requests: 2", "Input tokens: 1.6K", "$0.5000", "gemini-2.5-flash: 1 requests", "qwen3:4b: 1 requests"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}

	if _, err := r.Execute(ctx, "usage_summary", map[string]any{"period": "all"}); err == nil {
		t.Error("expected error without owner")
	}
}
