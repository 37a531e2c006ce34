// Package todo keeps each owner's task list in SQLite.
package todo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Priority orders tasks within a list.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// ErrInvalidTask is wrapped by validation failures.
var ErrInvalidTask = errors.New("invalid task")

// DateLayout is the layout of Task.Due.
const DateLayout = "2006-01-02"

// Task is one to-do item.
type Task struct {
	ID          int64      `json:"id"`
	OwnerID     string     `json:"owner_id"`
	Title       string     `json:"title"`
	Notes       string     `json:"notes,omitempty"`
	Due         string     `json:"due,omitempty"` // YYYY-MM-DD
	Priority    Priority   `json:"priority"`
	Completed   bool       `json:"completed"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Update is a partial change to a task. Nil fields are left alone.
type Update struct {
	Title    *string
	Notes    *string
	Due      *string
	Priority *Priority
}

// Empty reports whether the update changes nothing.
func (u Update) Empty() bool {
	return u.Title == nil && u.Notes == nil && u.Due == nil && u.Priority == nil
}

func (t *Task) validate() error {
	t.Title = strings.TrimSpace(t.Title)
	if t.OwnerID == "" {
		return fmt.Errorf("%w: owner is required", ErrInvalidTask)
	}
	if t.Title == "" {
		return fmt.Errorf("%w: title is required", ErrInvalidTask)
	}
	if t.Due != "" {
		if _, err := time.Parse(DateLayout, t.Due); err != nil {
			return fmt.Errorf("%w: due date %q is not YYYY-MM-DD", ErrInvalidTask, t.Due)
		}
	}
	switch t.Priority {
	case "":
		t.Priority = PriorityNormal
	case PriorityLow, PriorityNormal, PriorityHigh:
	default:
		return fmt.Errorf("%w: unknown priority %q", ErrInvalidTask, t.Priority)
	}
	return nil
}

// Store persists tasks.
type Store struct {
	db *sql.DB
}

// NewStore creates a task store, running migrations on first use.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate tasks: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS tasks (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			owner_id     TEXT NOT NULL,
			title        TEXT NOT NULL,
			notes        TEXT NOT NULL DEFAULT '',
			due          TEXT,
			priority     TEXT NOT NULL DEFAULT 'normal',
			completed    INTEGER NOT NULL DEFAULT 0,
			created_at   TEXT NOT NULL,
			completed_at TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_tasks_owner ON tasks(owner_id, completed);
	`)
	return err
}

// Create validates and inserts a task, filling in ID and CreatedAt.
func (s *Store) Create(ctx context.Context, t *Task) error {
	if err := t.validate(); err != nil {
		return err
	}
	t.CreatedAt = time.Now()
	t.Completed = false
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (owner_id, title, notes, due, priority, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, t.OwnerID, t.Title, t.Notes, nullString(t.Due), string(t.Priority), formatTime(t.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	t.ID, err = res.LastInsertId()
	return err
}

// List returns the owner's tasks: open tasks first ordered by
// priority, due date and ID, then completed ones if requested.
func (s *Store) List(ctx context.Context, ownerID string, includeCompleted bool) ([]*Task, error) {
	query := `SELECT id, owner_id, title, notes, due, priority, completed, created_at, completed_at
		FROM tasks WHERE owner_id = ?`
	if !includeCompleted {
		query += ` AND completed = 0`
	}
	query += ` ORDER BY completed,
		CASE priority WHEN 'high' THEN 0 WHEN 'normal' THEN 1 ELSE 2 END,
		COALESCE(due, '9999-12-31'), id`

	rows, err := s.db.QueryContext(ctx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		var (
			t                Task
			due, completedAt sql.NullString
			priority         string
			completed        int
			createdAt        string
		)
		if err := rows.Scan(&t.ID, &t.OwnerID, &t.Title, &t.Notes, &due, &priority, &completed, &createdAt, &completedAt); err != nil {
			return nil, err
		}
		t.Due = due.String
		t.Priority = Priority(priority)
		t.Completed = completed == 1
		t.CreatedAt = parseTime(createdAt)
		if completedAt.Valid {
			ct := parseTime(completedAt.String)
			t.CompletedAt = &ct
		}
		tasks = append(tasks, &t)
	}
	return tasks, rows.Err()
}

// Update applies u to the owner's open task. It reports false when no
// open task matched or u is empty.
func (s *Store) Update(ctx context.Context, id int64, ownerID string, u Update) (bool, error) {
	if u.Empty() {
		return false, nil
	}
	var sets []string
	var args []any
	if u.Title != nil {
		title := strings.TrimSpace(*u.Title)
		if title == "" {
			return false, fmt.Errorf("%w: title is required", ErrInvalidTask)
		}
		sets, args = append(sets, "title = ?"), append(args, title)
	}
	if u.Notes != nil {
		sets, args = append(sets, "notes = ?"), append(args, *u.Notes)
	}
	if u.Due != nil {
		if *u.Due != "" {
			if _, err := time.Parse(DateLayout, *u.Due); err != nil {
				return false, fmt.Errorf("%w: due date %q is not YYYY-MM-DD", ErrInvalidTask, *u.Due)
			}
		}
		sets, args = append(sets, "due = ?"), append(args, nullString(*u.Due))
	}
	if u.Priority != nil {
		switch *u.Priority {
		case PriorityLow, PriorityNormal, PriorityHigh:
		default:
			return false, fmt.Errorf("%w: unknown priority %q", ErrInvalidTask, *u.Priority)
		}
		sets, args = append(sets, "priority = ?"), append(args, string(*u.Priority))
	}
	args = append(args, id, ownerID)

	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET `+strings.Join(sets, ", ")+` WHERE id = ? AND owner_id = ? AND completed = 0`, args...)
	if err != nil {
		return false, fmt.Errorf("update task: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// Complete marks the owner's open task done. It reports false when no
// open task matched.
func (s *Store) Complete(ctx context.Context, id int64, ownerID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET completed = 1, completed_at = ? WHERE id = ? AND owner_id = ? AND completed = 0`,
		formatTime(time.Now()), id, ownerID)
	if err != nil {
		return false, fmt.Errorf("complete task: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}
