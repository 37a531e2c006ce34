package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Store handles schedule and execution persistence.
type Store struct {
	db *sql.DB
}

// NewStore creates the schedule tables on db if needed.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate schedules: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS schedules (
		id             INTEGER PRIMARY KEY AUTOINCREMENT,
		owner_id       TEXT NOT NULL,
		kind           TEXT NOT NULL,
		frequency      TEXT NOT NULL,
		day_of_week    INTEGER,
		day_of_month   INTEGER,
		scheduled_date TEXT,
		time_of_day    TEXT NOT NULL,
		content        TEXT NOT NULL,
		active         INTEGER NOT NULL DEFAULT 1,
		created_at     TEXT NOT NULL,
		last_fired_at  TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_schedules_owner ON schedules(owner_id, active);
	CREATE INDEX IF NOT EXISTS idx_schedules_active ON schedules(active, time_of_day);

	CREATE TABLE IF NOT EXISTS schedule_executions (
		id            TEXT PRIMARY KEY,
		entry_id      INTEGER NOT NULL REFERENCES schedules(id),
		scheduled_for TEXT NOT NULL,
		started_at    TEXT,
		completed_at  TEXT,
		status        TEXT NOT NULL,
		result        TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_schedule_executions_entry ON schedule_executions(entry_id, scheduled_for);
	`
	_, err := s.db.Exec(schema)
	return err
}

const entryColumns = `id, owner_id, kind, frequency, day_of_week, day_of_month,
	scheduled_date, time_of_day, content, active, created_at, last_fired_at`

// Create validates and persists a new active entry, filling in its
// ID and CreatedAt.
func (s *Store) Create(ctx context.Context, e *Entry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	e.Active = true

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO schedules (owner_id, kind, frequency, day_of_week, day_of_month,
			scheduled_date, time_of_day, content, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, ?)
	`, e.OwnerID, string(e.Kind), string(e.Frequency), nullInt(e.DayOfWeek), nullInt(e.DayOfMonth),
		nullString(e.ScheduledDate), e.TimeOfDay, e.Content, formatTime(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert schedule: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("schedule id: %w", err)
	}
	e.ID = id
	return nil
}

// FindByOwner returns the owner's active entries in ID order.
func (s *Store) FindByOwner(ctx context.Context, ownerID string) ([]*Entry, error) {
	return s.query(ctx, `SELECT `+entryColumns+` FROM schedules
		WHERE owner_id = ? AND active = 1 ORDER BY id`, ownerID)
}

// FindByID returns the owner's active entry with the given ID, or
// nil if there is none.
func (s *Store) FindByID(ctx context.Context, id int64, ownerID string) (*Entry, error) {
	e, err := s.get(ctx, s.db, id, ownerID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return e, err
}

// ListActive returns every active entry in ID order.
func (s *Store) ListActive(ctx context.Context) ([]*Entry, error) {
	return s.query(ctx, `SELECT `+entryColumns+` FROM schedules WHERE active = 1 ORDER BY id`)
}

// FindDue returns the active entries due at now, in ID order.
func (s *Store) FindDue(ctx context.Context, now time.Time, window time.Duration) ([]*Entry, error) {
	active, err := s.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	var due []*Entry
	for _, e := range active {
		if IsDue(e, now, window) {
			due = append(due, e)
		}
	}
	return due, nil
}

// Owners returns the distinct owners that have at least one active
// entry, sorted.
func (s *Store) Owners(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT owner_id FROM schedules WHERE active = 1 ORDER BY owner_id`)
	if err != nil {
		return nil, fmt.Errorf("query owners: %w", err)
	}
	defer rows.Close()

	var owners []string
	for rows.Next() {
		var owner string
		if err := rows.Scan(&owner); err != nil {
			return nil, err
		}
		owners = append(owners, owner)
	}
	return owners, rows.Err()
}

// Update merges u into the owner's active entry. It reports false
// when u is empty or no active entry matched. The merged entry must
// still validate.
func (s *Store) Update(ctx context.Context, id int64, ownerID string, u Update) (bool, error) {
	if u.Empty() {
		return false, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin update: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	e, err := s.get(ctx, tx, id, ownerID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	u.apply(e)
	if err := e.Validate(); err != nil {
		return false, err
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE schedules SET kind = ?, frequency = ?, day_of_week = ?, day_of_month = ?,
			scheduled_date = ?, time_of_day = ?, content = ?
		WHERE id = ? AND owner_id = ? AND active = 1
	`, string(e.Kind), string(e.Frequency), nullInt(e.DayOfWeek), nullInt(e.DayOfMonth),
		nullString(e.ScheduledDate), e.TimeOfDay, e.Content, id, ownerID)
	if err != nil {
		return false, fmt.Errorf("update schedule: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit update: %w", err)
	}
	return n > 0, nil
}

// Delete deactivates the owner's entry. It reports false when the
// entry is missing, belongs to someone else, or is already inactive.
func (s *Store) Delete(ctx context.Context, id int64, ownerID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET active = 0 WHERE id = ? AND owner_id = ? AND active = 1`, id, ownerID)
	if err != nil {
		return false, fmt.Errorf("delete schedule: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Deactivate retires an entry regardless of owner. Used after a
// one-time entry fires.
func (s *Store) Deactivate(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE schedules SET active = 0 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deactivate schedule %d: %w", id, err)
	}
	return nil
}

// MarkFired records at as the entry's last successful firing.
func (s *Store) MarkFired(ctx context.Context, id int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE schedules SET last_fired_at = ? WHERE id = ?`, formatTime(at), id)
	if err != nil {
		return fmt.Errorf("mark schedule %d fired: %w", id, err)
	}
	return nil
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) get(ctx context.Context, q queryer, id int64, ownerID string) (*Entry, error) {
	row := q.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM schedules
		WHERE id = ? AND owner_id = ? AND active = 1`, id, ownerID)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

func (s *Store) query(ctx context.Context, query string, args ...any) ([]*Entry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query schedules: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (*Entry, error) {
	var (
		e                        Entry
		kind, freq               string
		dayOfWeek, dayOfMonth    sql.NullInt64
		scheduledDate, lastFired sql.NullString
		active                   int
		createdAt                string
	)
	err := row.Scan(&e.ID, &e.OwnerID, &kind, &freq, &dayOfWeek, &dayOfMonth,
		&scheduledDate, &e.TimeOfDay, &e.Content, &active, &createdAt, &lastFired)
	if err != nil {
		return nil, err
	}
	e.Kind = Kind(kind)
	e.Frequency = Frequency(freq)
	if dayOfWeek.Valid {
		v := int(dayOfWeek.Int64)
		e.DayOfWeek = &v
	}
	if dayOfMonth.Valid {
		v := int(dayOfMonth.Int64)
		e.DayOfMonth = &v
	}
	e.ScheduledDate = scheduledDate.String
	e.Active = active == 1
	e.CreatedAt = parseTime(createdAt)
	if lastFired.Valid {
		t := parseTime(lastFired.String)
		e.LastFiredAt = &t
	}
	return &e, nil
}

// CreateExecution persists a new execution record, assigning an ID
// if needed.
func (s *Store) CreateExecution(ctx context.Context, ex *Execution) error {
	if ex.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate execution id: %w", err)
		}
		ex.ID = id.String()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO schedule_executions (id, entry_id, scheduled_for, started_at, completed_at, status, result)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, ex.ID, ex.EntryID, formatTime(ex.ScheduledFor), nullTime(ex.StartedAt), nullTime(ex.CompletedAt),
		string(ex.Status), nullString(ex.Result))
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

// UpdateExecution records an execution's outcome.
func (s *Store) UpdateExecution(ctx context.Context, ex *Execution) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE schedule_executions SET started_at = ?, completed_at = ?, status = ?, result = ?
		WHERE id = ?
	`, nullTime(ex.StartedAt), nullTime(ex.CompletedAt), string(ex.Status), nullString(ex.Result), ex.ID)
	if err != nil {
		return fmt.Errorf("update execution %s: %w", ex.ID, err)
	}
	return nil
}

// ListExecutions returns the most recent executions of an entry,
// newest first.
func (s *Store) ListExecutions(ctx context.Context, entryID int64, limit int) ([]*Execution, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, entry_id, scheduled_for, started_at, completed_at, status, result
		FROM schedule_executions WHERE entry_id = ?
		ORDER BY scheduled_for DESC, id DESC LIMIT ?
	`, entryID, limit)
	if err != nil {
		return nil, fmt.Errorf("query executions: %w", err)
	}
	defer rows.Close()

	var out []*Execution
	for rows.Next() {
		var (
			ex                    Execution
			scheduledFor, status  string
			started, completed, r sql.NullString
		)
		if err := rows.Scan(&ex.ID, &ex.EntryID, &scheduledFor, &started, &completed, &status, &r); err != nil {
			return nil, err
		}
		ex.ScheduledFor = parseTime(scheduledFor)
		ex.StartedAt = parseNullTime(started)
		ex.CompletedAt = parseNullTime(completed)
		ex.Status = ExecutionStatus(status)
		ex.Result = r.String
		out = append(out, &ex)
	}
	return out, rows.Err()
}

// HasExecution reports whether any execution exists for the entry's
// occurrence at scheduledFor.
func (s *Store) HasExecution(ctx context.Context, entryID int64, scheduledFor time.Time) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM schedule_executions WHERE entry_id = ? AND scheduled_for = ?`,
		entryID, formatTime(scheduledFor)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("count executions: %w", err)
	}
	return n > 0, nil
}

func nullInt(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func parseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}
