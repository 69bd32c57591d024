package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/dukerupert/nudge/internal/model"
)

// DeliveryStore is the per-occurrence delivery log. It doubles as the dedup
// record that keeps an occurrence from being sent twice.
type DeliveryStore struct {
	db *sql.DB
}

func NewDeliveryStore(db *sql.DB) *DeliveryStore {
	return &DeliveryStore{db: db}
}

// Record stores the outcome of one occurrence. A second record for the same
// schedule and fire time is ignored.
func (s *DeliveryStore) Record(ctx context.Context, d model.Delivery) error {
	if d.AttemptedAt.IsZero() {
		d.AttemptedAt = time.Now()
	}
	var errMsg sql.NullString
	if d.Error != "" {
		errMsg = sql.NullString{String: d.Error, Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO deliveries (schedule_id, fire_at, status, error, attempted_at)
		 VALUES (?, ?, ?, ?, ?)`,
		d.ScheduleID, toMillis(d.FireAt), string(d.Status), errMsg, toMillis(d.AttemptedAt),
	)
	if err != nil {
		return ioErr("record delivery", err)
	}
	return nil
}

// WasAttempted reports whether the occurrence at fireAt was already sent.
func (s *DeliveryStore) WasAttempted(ctx context.Context, scheduleID string, fireAt time.Time) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM deliveries WHERE schedule_id = ? AND fire_at = ?`,
		scheduleID, toMillis(fireAt),
	).Scan(&count)
	if err != nil {
		return false, ioErr("check delivery", err)
	}
	return count > 0, nil
}

// ListBySchedule returns the most recent deliveries of a schedule, newest first.
func (s *DeliveryStore) ListBySchedule(ctx context.Context, scheduleID string, limit int) ([]model.Delivery, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, schedule_id, fire_at, status, error, attempted_at
		 FROM deliveries WHERE schedule_id = ? ORDER BY fire_at DESC LIMIT ?`,
		scheduleID, limit,
	)
	if err != nil {
		return nil, ioErr("list deliveries", err)
	}
	defer rows.Close()

	var out []model.Delivery
	for rows.Next() {
		var (
			d                   model.Delivery
			status              string
			errMsg              sql.NullString
			fireAt, attemptedAt int64
		)
		if err := rows.Scan(&d.ID, &d.ScheduleID, &fireAt, &status, &errMsg, &attemptedAt); err != nil {
			return nil, ioErr("scan delivery", err)
		}
		d.FireAt = fromMillis(fireAt)
		d.Status = model.DeliveryStatus(status)
		d.Error = errMsg.String
		d.AttemptedAt = fromMillis(attemptedAt)
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, ioErr("iterate deliveries", err)
	}
	return out, nil
}

// Prune deletes deliveries attempted before the given time.
func (s *DeliveryStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM deliveries WHERE attempted_at < ?`, toMillis(before))
	if err != nil {
		return 0, ioErr("prune deliveries", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}
