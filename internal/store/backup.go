package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/dukerupert/nudge/internal/model"
)

const backupColumns = `id, filename, s3_key, size_bytes, status, error_message, started_at, completed_at`

type BackupStore struct {
	db *sql.DB
}

func NewBackupStore(db *sql.DB) *BackupStore {
	return &BackupStore{db: db}
}

func (s *BackupStore) Create(ctx context.Context, filename, s3Key string) (*model.Backup, error) {
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO backups (filename, s3_key, status, started_at) VALUES (?, ?, ?, ?)`,
		filename, s3Key, string(model.BackupStatusPending), toMillis(now),
	)
	if err != nil {
		return nil, ioErr("create backup", err)
	}
	id, _ := result.LastInsertId()
	return &model.Backup{
		ID:        id,
		Filename:  filename,
		S3Key:     s3Key,
		Status:    model.BackupStatusPending,
		StartedAt: fromMillis(toMillis(now)),
	}, nil
}

func (s *BackupStore) GetByID(ctx context.Context, id int64) (*model.Backup, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+backupColumns+` FROM backups WHERE id = ?`, id)
	b, err := scanBackup(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, ioErr("get backup", err)
	}
	return b, nil
}

// List returns the newest backups first.
func (s *BackupStore) List(ctx context.Context, limit int) ([]model.Backup, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+backupColumns+` FROM backups ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, ioErr("list backups", err)
	}
	defer rows.Close()
	return scanBackups(rows)
}

// LatestCompleted returns the most recent successful backup, or nil.
func (s *BackupStore) LatestCompleted(ctx context.Context) (*model.Backup, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+backupColumns+` FROM backups WHERE status = ? ORDER BY completed_at DESC, id DESC LIMIT 1`,
		string(model.BackupStatusCompleted))
	b, err := scanBackup(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, ioErr("latest completed backup", err)
	}
	return b, nil
}

// DeleteOlderThan removes backups started before the cutoff and returns
// their object keys so the caller can remove the uploaded files.
func (s *BackupStore) DeleteOlderThan(ctx context.Context, before time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT s3_key FROM backups WHERE started_at < ? ORDER BY started_at`, toMillis(before))
	if err != nil {
		return nil, ioErr("list old backups", err)
	}
	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			rows.Close()
			return nil, ioErr("scan backup key", err)
		}
		keys = append(keys, key)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, ioErr("iterate old backups", err)
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM backups WHERE started_at < ?`, toMillis(before)); err != nil {
		return nil, ioErr("delete old backups", err)
	}
	return keys, nil
}

func (s *BackupStore) UpdateStatus(ctx context.Context, id int64, status model.BackupStatus, errMsg string) error {
	var msg sql.NullString
	if errMsg != "" {
		msg = sql.NullString{String: errMsg, Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE backups SET status = ?, error_message = ? WHERE id = ?`,
		string(status), msg, id,
	)
	if err != nil {
		return ioErr("update backup status", err)
	}
	return nil
}

func (s *BackupStore) UpdateCompleted(ctx context.Context, id, sizeBytes int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE backups SET status = ?, size_bytes = ?, completed_at = ?, error_message = NULL WHERE id = ?`,
		string(model.BackupStatusCompleted), sizeBytes, toMillis(time.Now()), id,
	)
	if err != nil {
		return ioErr("complete backup", err)
	}
	return nil
}

func (s *BackupStore) Delete(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM backups WHERE id = ?`, id); err != nil {
		return ioErr("delete backup", err)
	}
	return nil
}

func scanBackup(row scanner) (*model.Backup, error) {
	var (
		b           model.Backup
		status      string
		errMsg      sql.NullString
		startedAt   int64
		completedAt sql.NullInt64
	)
	if err := row.Scan(&b.ID, &b.Filename, &b.S3Key, &b.SizeBytes, &status, &errMsg, &startedAt, &completedAt); err != nil {
		return nil, err
	}
	b.Status = model.BackupStatus(status)
	b.ErrorMessage = errMsg.String
	b.StartedAt = fromMillis(startedAt)
	if completedAt.Valid {
		t := fromMillis(completedAt.Int64)
		b.CompletedAt = &t
	}
	return &b, nil
}

func scanBackups(rows *sql.Rows) ([]model.Backup, error) {
	var out []model.Backup
	for rows.Next() {
		b, err := scanBackup(rows)
		if err != nil {
			return nil, ioErr("scan backup", err)
		}
		out = append(out, *b)
	}
	if err := rows.Err(); err != nil {
		return nil, ioErr("iterate backups", err)
	}
	return out, nil
}
