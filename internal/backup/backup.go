// Package backup snapshots the schedule database, encrypts it with a
// passphrase and keeps the archives in S3-compatible storage.
package backup

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	_ "modernc.org/sqlite"

	"github.com/dukerupert/nudge/internal/model"
	"github.com/dukerupert/nudge/internal/store"
)

var (
	ErrDisabled = errors.New("backup not configured")
	ErrRunning  = errors.New("backup already running")
)

// s3Client is an interface for testability.
type s3Client interface {
	PutObject(ctx context.Context, input *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, input *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, input *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Config holds S3-compatible storage configuration.
type S3Config struct {
	Endpoint  string
	Bucket    string
	Region    string
	AccessKey string
	SecretKey string
}

// Config holds backup manager configuration.
type Config struct {
	S3            S3Config
	Prefix        string
	Passphrase    string
	RetentionDays int
}

func (c Config) enabled() bool {
	return c.S3.Bucket != "" && c.S3.AccessKey != "" && c.S3.SecretKey != "" && c.Passphrase != ""
}

// State represents the backup manager state.
type State string

const (
	StateIdle     State = "idle"
	StateRunning  State = "running"
	StateDisabled State = "disabled"
	StateError    State = "error"
)

// Status holds the current backup manager status.
type Status struct {
	State      State      `json:"state"`
	LastBackup *time.Time `json:"lastBackup,omitempty"`
	Error      string     `json:"error,omitempty"`
	InProgress bool       `json:"inProgress"`
}

// StatusCallback is called whenever the backup state changes.
type StatusCallback func(Status)

// Manager runs encrypted backups and restores.
type Manager struct {
	mu       sync.RWMutex
	cfg      Config
	status   Status
	running  bool
	callback StatusCallback

	db      *sql.DB
	backups *store.BackupStore
	client  s3Client
	logger  *slog.Logger
	now     func() time.Time
}

// NewManager creates a backup manager. Without bucket credentials and a
// passphrase the manager is disabled and every operation returns
// ErrDisabled.
func NewManager(cfg Config, db *sql.DB, backups *store.BackupStore, logger *slog.Logger, callback StatusCallback) *Manager {
	m := &Manager{
		cfg:      cfg,
		db:       db,
		backups:  backups,
		callback: callback,
		logger:   logger.With("component", "backup"),
		now:      time.Now,
		status:   Status{State: StateDisabled},
	}
	if cfg.enabled() {
		m.client = newS3Client(cfg.S3)
		m.status.State = StateIdle
	}
	return m
}

func newS3Client(cfg S3Config) *s3.Client {
	opts := s3.Options{
		Region:       cfg.Region,
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		UsePathStyle: true,
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
	}
	return s3.New(opts)
}

func (m *Manager) Enabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.client != nil
}

// Status returns the current backup status.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

func (m *Manager) setStatus(s Status) {
	m.mu.Lock()
	if s.LastBackup == nil {
		s.LastBackup = m.status.LastBackup
	}
	m.status = s
	m.mu.Unlock()
	if m.callback != nil {
		m.callback(s)
	}
}

// List returns recorded backups, newest first.
func (m *Manager) List(ctx context.Context, limit int) ([]model.Backup, error) {
	return m.backups.List(ctx, limit)
}

// Run snapshots the database, encrypts the snapshot and uploads it.
func (m *Manager) Run(ctx context.Context) (*model.Backup, error) {
	m.mu.Lock()
	client := m.client
	if client == nil {
		m.mu.Unlock()
		return nil, ErrDisabled
	}
	if m.running {
		m.mu.Unlock()
		return nil, ErrRunning
	}
	m.running = true
	cfg := m.cfg
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
	}()

	m.setStatus(Status{State: StateRunning, InProgress: true})

	filename := fmt.Sprintf("nudge-%s.db.enc", m.now().UTC().Format("20060102T150405Z"))
	key := path.Join(cfg.Prefix, filename)

	record, err := m.backups.Create(ctx, filename, key)
	if err != nil {
		m.setStatus(Status{State: StateError, Error: err.Error()})
		return nil, fmt.Errorf("create backup record: %w", err)
	}
	fail := func(op string, err error) (*model.Backup, error) {
		if uerr := m.backups.UpdateStatus(context.WithoutCancel(ctx), record.ID, model.BackupStatusFailed, err.Error()); uerr != nil {
			m.logger.Error("mark backup failed", "id", record.ID, "error", uerr)
		}
		m.setStatus(Status{State: StateError, Error: err.Error()})
		m.logger.Error("backup failed", "id", record.ID, "op", op, "error", err)
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	dir, err := os.MkdirTemp("", "nudge-backup-")
	if err != nil {
		return fail("create temp dir", err)
	}
	defer os.RemoveAll(dir)

	snapshot := filepath.Join(dir, "snapshot.db")
	if _, err := m.db.ExecContext(ctx, "VACUUM INTO ?", snapshot); err != nil {
		return fail("snapshot database", err)
	}

	archive := filepath.Join(dir, filename)
	size, err := encryptFile(snapshot, archive, cfg.Passphrase)
	if err != nil {
		return fail("encrypt snapshot", err)
	}

	if err := m.backups.UpdateStatus(ctx, record.ID, model.BackupStatusUploading, ""); err != nil {
		return fail("mark uploading", err)
	}

	f, err := os.Open(archive)
	if err != nil {
		return fail("open archive", err)
	}
	defer f.Close()
	_, err = client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(cfg.S3.Bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		return fail("upload to s3", err)
	}

	if err := m.backups.UpdateCompleted(ctx, record.ID, size); err != nil {
		return fail("mark completed", err)
	}
	done, err := m.backups.GetByID(ctx, record.ID)
	if err != nil {
		return fail("reload backup", err)
	}

	finished := m.now().UTC()
	m.setStatus(Status{State: StateIdle, LastBackup: &finished})
	m.logger.Info("backup completed", "id", done.ID, "key", key, "bytes", size)
	return done, nil
}

func encryptFile(src, dst, passphrase string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return 0, err
	}
	n, err := Encrypt(out, in, passphrase)
	if err != nil {
		out.Close()
		return 0, err
	}
	return n, out.Close()
}

// Prune deletes backups older than the retention period from the store and
// the bucket. It returns the number of backups removed.
func (m *Manager) Prune(ctx context.Context) (int, error) {
	m.mu.RLock()
	client := m.client
	cfg := m.cfg
	m.mu.RUnlock()

	if client == nil || cfg.RetentionDays <= 0 {
		return 0, nil
	}

	before := m.now().UTC().AddDate(0, 0, -cfg.RetentionDays)
	keys, err := m.backups.DeleteOlderThan(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("delete old backups: %w", err)
	}

	for _, key := range keys {
		if _, err := client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(cfg.S3.Bucket),
			Key:    aws.String(key),
		}); err != nil {
			m.logger.Warn("delete backup object", "key", key, "error", err)
		}
	}
	if len(keys) > 0 {
		m.logger.Info("pruned backups", "count", len(keys), "before", before)
	}
	return len(keys), nil
}

// Restore downloads backup id, decrypts it and verifies the result is an
// intact SQLite database before writing it to dst. The live database is
// not touched; see Install.
func (m *Manager) Restore(ctx context.Context, id int64, dst string) error {
	m.mu.RLock()
	client := m.client
	cfg := m.cfg
	m.mu.RUnlock()

	if client == nil {
		return ErrDisabled
	}

	record, err := m.backups.GetByID(ctx, id)
	if err != nil {
		return fmt.Errorf("get backup %d: %w", id, err)
	}
	if !record.Restorable() {
		return fmt.Errorf("backup %d is %s", id, record.Status)
	}

	obj, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(cfg.S3.Bucket),
		Key:    aws.String(record.S3Key),
	})
	if err != nil {
		return fmt.Errorf("download from s3: %w", err)
	}
	defer obj.Body.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".nudge-restore-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := Decrypt(tmp, obj.Body, cfg.Passphrase); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write restored db: %w", err)
	}

	if err := checkIntegrity(ctx, tmpPath); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		return fmt.Errorf("move restored db: %w", err)
	}
	m.logger.Info("backup restored", "id", id, "path", dst)
	return nil
}

func checkIntegrity(ctx context.Context, dbPath string) error {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return fmt.Errorf("open restored db: %w", err)
	}
	defer db.Close()

	var result string
	if err := db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity check failed: %s", result)
	}
	return nil
}

// Install replaces the database at dbPath with the restored file src. The
// database must be closed.
func Install(src, dbPath string) error {
	if err := os.Rename(src, dbPath); err != nil {
		return fmt.Errorf("replace database: %w", err)
	}
	for _, suffix := range []string{"-wal", "-shm"} {
		if err := os.Remove(dbPath + suffix); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove %s: %w", suffix, err)
		}
	}
	return nil
}
