package todo

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/nugget/sidekick/internal/database"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := database.Open(database.DriverPureGo, ":memory:")
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	s, err := NewStore(db)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func titles(tasks []*Task) []string {
	out := make([]string, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.Title)
	}
	return out
}

func TestStore_CreateAndListOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, task := range []*Task{
		{OwnerID: "42", Title: "low", Priority: PriorityLow},
		{OwnerID: "42", Title: "normal later", Due: "2024-02-01"},
		{OwnerID: "42", Title: "normal sooner", Due: "2024-01-15"},
		{OwnerID: "42", Title: "high", Priority: PriorityHigh},
		{OwnerID: "7", Title: "someone else"},
	} {
		if err := s.Create(ctx, task); err != nil {
			t.Fatalf("Create(%q): %v", task.Title, err)
		}
	}

	got, err := s.List(ctx, "42", false)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	want := []string{"high", "normal sooner", "normal later", "low"}
	if diff := cmp.Diff(want, titles(got)); diff != "" {
		t.Errorf("order (-want +got):\n%s", diff)
	}
}

func TestStore_CreateValidation(t *testing.T) {
	tests := []struct {
		name string
		task Task
	}{
		{"no title", Task{OwnerID: "42", Title: "  "}},
		{"no owner", Task{Title: "x"}},
		{"bad due", Task{OwnerID: "42", Title: "x", Due: "tomorrow"}},
		{"bad priority", Task{OwnerID: "42", Title: "x", Priority: "urgent"}},
	}
	s := newTestStore(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task := tt.task
			if err := s.Create(context.Background(), &task); !errors.Is(err, ErrInvalidTask) {
				t.Errorf("Create err = %v, want ErrInvalidTask", err)
			}
		})
	}
}

func TestStore_UpdateAndComplete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := &Task{OwnerID: "42", Title: "buy milk"}
	if err := s.Create(ctx, task); err != nil {
		t.Fatal(err)
	}

	title := "buy oat milk"
	high := PriorityHigh
	ok, err := s.Update(ctx, task.ID, "42", Update{Title: &title, Priority: &high})
	if err != nil || !ok {
		t.Fatalf("Update = %v, %v", ok, err)
	}
	if ok, _ := s.Update(ctx, task.ID, "7", Update{Title: &title}); ok {
		t.Error("Update by another owner succeeded")
	}
	if ok, _ := s.Update(ctx, task.ID, "42", Update{}); ok {
		t.Error("empty Update reported a change")
	}

	if ok, err := s.Complete(ctx, task.ID, "42"); err != nil || !ok {
		t.Fatalf("Complete = %v, %v", ok, err)
	}
	if ok, _ := s.Complete(ctx, task.ID, "42"); ok {
		t.Error("second Complete reported a change")
	}

	open, _ := s.List(ctx, "42", false)
	if len(open) != 0 {
		t.Errorf("open tasks = %v", titles(open))
	}
	all, _ := s.List(ctx, "42", true)
	if len(all) != 1 || !all[0].Completed || all[0].CompletedAt == nil || all[0].Title != "buy oat milk" || all[0].Priority != PriorityHigh {
		t.Errorf("all tasks = %+v", all)
	}
}
