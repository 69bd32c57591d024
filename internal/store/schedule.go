package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dukerupert/nudge/internal/model"
)

const scheduleColumns = `id, target, title, body, url, fire_at, recurrence_type, interval_seconds, until_at, status, created_at, updated_at`

type ScheduleStore struct {
	db  *sql.DB
	now func() time.Time
}

type ScheduleOption func(*ScheduleStore)

// WithClock overrides the clock used to validate fire times.
func WithClock(now func() time.Time) ScheduleOption {
	return func(s *ScheduleStore) {
		s.now = now
	}
}

func NewScheduleStore(db *sql.DB, opts ...ScheduleOption) *ScheduleStore {
	s := &ScheduleStore{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Put inserts or replaces a schedule. Pending schedules are validated
// against the current time first and never reach the database when invalid.
func (s *ScheduleStore) Put(ctx context.Context, sched *model.Schedule) error {
	if sched.ID == "" {
		return &model.ValidationError{Field: "id", Message: "is required"}
	}
	if !sched.Status.Valid() {
		return &model.ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", sched.Status)}
	}
	if err := sched.Validate(s.now()); err != nil {
		return err
	}

	target, err := json.Marshal(sched.Target)
	if err != nil {
		return fmt.Errorf("marshal target: %w", err)
	}

	now := s.now().UTC()
	if sched.CreatedAt.IsZero() {
		sched.CreatedAt = now
	}
	sched.UpdatedAt = now
	recType := sched.Recurrence.Type
	if recType == "" {
		recType = model.RecurNone
	}
	var until sql.NullInt64
	if sched.Recurrence.Until != nil {
		until = sql.NullInt64{Int64: toMillis(*sched.Recurrence.Until), Valid: true}
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO schedules (`+scheduleColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   target = excluded.target, title = excluded.title, body = excluded.body, url = excluded.url,
		   fire_at = excluded.fire_at, recurrence_type = excluded.recurrence_type,
		   interval_seconds = excluded.interval_seconds, until_at = excluded.until_at,
		   status = excluded.status, updated_at = excluded.updated_at`,
		sched.ID, string(target), sched.Payload.Title, sched.Payload.Body, sched.Payload.URL,
		toMillis(sched.FireAt), string(recType), sched.Recurrence.IntervalSeconds, until,
		string(sched.Status), toMillis(sched.CreatedAt), toMillis(sched.UpdatedAt),
	)
	if err != nil {
		return ioErr("put schedule", err)
	}
	return nil
}

func (s *ScheduleStore) Get(ctx context.Context, id string) (*model.Schedule, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`, id)
	sched, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, ioErr("get schedule", err)
	}
	return sched, nil
}

// SetStatus updates only the status column.
func (s *ScheduleStore) SetStatus(ctx context.Context, id string, status model.Status) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), toMillis(s.now()), id,
	)
	if err != nil {
		return ioErr("set schedule status", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a schedule. Deleting a missing id is not an error.
func (s *ScheduleStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id); err != nil {
		return ioErr("delete schedule", err)
	}
	return nil
}

// ListPending returns every schedule the engine must hold a timer for,
// including ones left in firing by an interrupted delivery.
func (s *ScheduleStore) ListPending(ctx context.Context) ([]model.Schedule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+scheduleColumns+` FROM schedules WHERE status IN (?, ?) ORDER BY fire_at, id`,
		string(model.StatusPending), string(model.StatusFiring),
	)
	if err != nil {
		return nil, ioErr("list pending schedules", err)
	}
	defer rows.Close()
	return scanSchedules(rows)
}

// ListUpcoming returns pending schedules ordered by fire time.
func (s *ScheduleStore) ListUpcoming(ctx context.Context, limit int) ([]model.Schedule, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+scheduleColumns+` FROM schedules WHERE status = ? ORDER BY fire_at, id LIMIT ?`,
		string(model.StatusPending), limit,
	)
	if err != nil {
		return nil, ioErr("list upcoming schedules", err)
	}
	defer rows.Close()
	return scanSchedules(rows)
}

func (s *ScheduleStore) ListByStatus(ctx context.Context, status model.Status) ([]model.Schedule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+scheduleColumns+` FROM schedules WHERE status = ? ORDER BY fire_at, id`,
		string(status),
	)
	if err != nil {
		return nil, ioErr("list schedules by status", err)
	}
	defer rows.Close()
	return scanSchedules(rows)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSchedule(row scanner) (*model.Schedule, error) {
	var (
		sched                       model.Schedule
		target, recType, status     string
		fireAt, createdAt, updateAt int64
		until                       sql.NullInt64
	)
	err := row.Scan(&sched.ID, &target, &sched.Payload.Title, &sched.Payload.Body, &sched.Payload.URL,
		&fireAt, &recType, &sched.Recurrence.IntervalSeconds, &until, &status, &createdAt, &updateAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(target), &sched.Target); err != nil {
		return nil, fmt.Errorf("unmarshal target of %s: %w", sched.ID, err)
	}
	sched.FireAt = fromMillis(fireAt)
	sched.Recurrence.Type = model.RecurrenceType(recType)
	if until.Valid {
		u := fromMillis(until.Int64)
		sched.Recurrence.Until = &u
	}
	sched.Status = model.Status(status)
	sched.CreatedAt = fromMillis(createdAt)
	sched.UpdatedAt = fromMillis(updateAt)
	return &sched, nil
}

func scanSchedules(rows *sql.Rows) ([]model.Schedule, error) {
	var out []model.Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, ioErr("scan schedule", err)
		}
		out = append(out, *sched)
	}
	if err := rows.Err(); err != nil {
		return nil, ioErr("iterate schedules", err)
	}
	return out, nil
}
