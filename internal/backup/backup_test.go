package backup

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/dukerupert/nudge/internal/database"
	"github.com/dukerupert/nudge/internal/model"
	"github.com/dukerupert/nudge/internal/store"
)

// mockS3Client implements s3Client for testing.
type mockS3Client struct {
	mu      sync.Mutex
	objects map[string][]byte
	putErr  error
	getErr  error
	delErr  error
}

func newMockS3() *mockS3Client {
	return &mockS3Client{objects: make(map[string][]byte)}
}

func (m *mockS3Client) PutObject(_ context.Context, input *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if m.putErr != nil {
		return nil, m.putErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	data, _ := io.ReadAll(input.Body)
	m.objects[*input.Key] = data
	return &s3.PutObjectOutput{}, nil
}

func (m *mockS3Client) GetObject(_ context.Context, input *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[*input.Key]
	if !ok {
		return nil, &s3NotFound{}
	}
	return &s3.GetObjectOutput{
		Body: io.NopCloser(bytes.NewReader(data)),
	}, nil
}

func (m *mockS3Client) DeleteObject(_ context.Context, input *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	if m.delErr != nil {
		return nil, m.delErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, *input.Key)
	return &s3.DeleteObjectOutput{}, nil
}

func (m *mockS3Client) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}

type s3NotFound struct{}

func (e *s3NotFound) Error() string { return "NoSuchKey" }

var testConfig = Config{
	S3:            S3Config{Bucket: "test", AccessKey: "key", SecretKey: "secret", Region: "us-east-1"},
	Prefix:        "nudge",
	Passphrase:    "correct horse battery staple",
	RetentionDays: 30,
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type harness struct {
	db      *sql.DB
	backups *store.BackupStore
	s3      *mockS3Client
	m       *Manager

	mu       sync.Mutex
	statuses []Status
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "nudge.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	h := &harness{db: db, backups: store.NewBackupStore(db), s3: newMockS3()}
	h.m = NewManager(testConfig, db, h.backups, testLogger(), func(s Status) {
		h.mu.Lock()
		h.statuses = append(h.statuses, s)
		h.mu.Unlock()
	})
	h.m.client = h.s3
	return h
}

func (h *harness) addSchedule(t *testing.T, id string) {
	t.Helper()
	s := &model.Schedule{
		ID:      id,
		Target:  model.Target{Type: model.TargetEmail, Address: "ops@example.com"},
		Payload: model.Payload{Title: "Rotate keys"},
		FireAt:  time.Now().Add(time.Hour),
		Status:  model.StatusPending,
	}
	if err := store.NewScheduleStore(h.db).Put(context.Background(), s); err != nil {
		t.Fatalf("put schedule: %v", err)
	}
}

func TestManagerDisabled(t *testing.T) {
	m := NewManager(Config{S3: testConfig.S3}, nil, nil, testLogger(), nil)
	if m.Status().State != StateDisabled {
		t.Errorf("state = %q, want %q", m.Status().State, StateDisabled)
	}
	if m.Enabled() {
		t.Error("manager without passphrase should be disabled")
	}

	ctx := context.Background()
	if _, err := m.Run(ctx); !errors.Is(err, ErrDisabled) {
		t.Errorf("Run err = %v, want ErrDisabled", err)
	}
	if err := m.Restore(ctx, 1, filepath.Join(t.TempDir(), "x.db")); !errors.Is(err, ErrDisabled) {
		t.Errorf("Restore err = %v, want ErrDisabled", err)
	}
	if n, err := m.Prune(ctx); n != 0 || err != nil {
		t.Errorf("Prune = %d, %v; want 0, nil", n, err)
	}
}

func TestManagerEnabled(t *testing.T) {
	m := NewManager(testConfig, nil, nil, testLogger(), nil)
	if m.Status().State != StateIdle {
		t.Errorf("state = %q, want %q", m.Status().State, StateIdle)
	}
}

func TestRunUploadsEncryptedSnapshot(t *testing.T) {
	h := newHarness(t)
	h.addSchedule(t, "s1")

	b, err := h.m.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if b.Status != model.BackupStatusCompleted {
		t.Errorf("status = %q, want completed", b.Status)
	}
	if !strings.HasPrefix(b.S3Key, "nudge/nudge-") || !strings.HasSuffix(b.S3Key, ".db.enc") {
		t.Errorf("key = %q", b.S3Key)
	}

	obj := h.s3.objects[b.S3Key]
	if int64(len(obj)) != b.SizeBytes {
		t.Errorf("uploaded %d bytes, recorded %d", len(obj), b.SizeBytes)
	}
	if !bytes.HasPrefix(obj, magic) {
		t.Error("uploaded object is not an encrypted archive")
	}
	if bytes.Contains(obj, []byte("SQLite format 3")) {
		t.Error("uploaded object contains plaintext database header")
	}

	st := h.m.Status()
	if st.State != StateIdle || st.LastBackup == nil {
		t.Errorf("status = %+v, want idle with last backup", st)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.statuses) != 2 || h.statuses[0].State != StateRunning || h.statuses[1].State != StateIdle {
		t.Errorf("status callbacks = %+v, want running then idle", h.statuses)
	}
}

func TestRunUploadFailure(t *testing.T) {
	h := newHarness(t)
	h.s3.putErr = errors.New("bucket unavailable")

	if _, err := h.m.Run(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if st := h.m.Status(); st.State != StateError || !strings.Contains(st.Error, "bucket unavailable") {
		t.Errorf("status = %+v", st)
	}

	list, err := h.m.List(context.Background(), 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 1 || list[0].Status != model.BackupStatusFailed {
		t.Fatalf("backups = %+v, want one failed", list)
	}
	if list[0].ErrorMessage == "" {
		t.Error("failed backup should carry an error message")
	}
}

func TestRestoreRoundTrip(t *testing.T) {
	h := newHarness(t)
	h.addSchedule(t, "keep-me")

	b, err := h.m.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	dst := filepath.Join(t.TempDir(), "restored.db")
	if err := h.m.Restore(context.Background(), b.ID, dst); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	restored, err := database.Open(dst)
	if err != nil {
		t.Fatalf("open restored: %v", err)
	}
	defer restored.Close()

	s, err := store.NewScheduleStore(restored).Get(context.Background(), "keep-me")
	if err != nil {
		t.Fatalf("get restored schedule: %v", err)
	}
	if s.Payload.Title != "Rotate keys" {
		t.Errorf("title = %q", s.Payload.Title)
	}
}

func TestRestoreWrongPassphrase(t *testing.T) {
	h := newHarness(t)
	b, err := h.m.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	h.m.cfg.Passphrase = "wrong"
	dst := filepath.Join(t.TempDir(), "restored.db")
	if err := h.m.Restore(context.Background(), b.ID, dst); !errors.Is(err, ErrDecrypt) {
		t.Fatalf("err = %v, want ErrDecrypt", err)
	}
	if _, err := os.Stat(dst); !errors.Is(err, os.ErrNotExist) {
		t.Error("nothing should be written on failure")
	}
}

func TestRestoreUnknownBackup(t *testing.T) {
	h := newHarness(t)
	err := h.m.Restore(context.Background(), 42, filepath.Join(t.TempDir(), "x.db"))
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestPrune(t *testing.T) {
	h := newHarness(t)
	if _, err := h.m.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	n, err := h.m.Prune(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("Prune = %d, %v; fresh backups should be kept", n, err)
	}

	h.m.now = func() time.Time { return time.Now().AddDate(0, 0, testConfig.RetentionDays+1) }
	n, err = h.m.Prune(context.Background())
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if n != 1 {
		t.Errorf("pruned %d, want 1", n)
	}
	if h.s3.count() != 0 {
		t.Errorf("%d objects left in bucket, want 0", h.s3.count())
	}
}

func TestInstall(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "nudge.db")
	src := filepath.Join(dir, "restored.db")
	for name, body := range map[string]string{dbPath: "old", dbPath + "-wal": "wal", src: "new"} {
		if err := os.WriteFile(name, []byte(body), 0o600); err != nil {
			t.Fatal(err)
		}
	}

	if err := Install(src, dbPath); err != nil {
		t.Fatalf("Install: %v", err)
	}
	got, _ := os.ReadFile(dbPath)
	if string(got) != "new" {
		t.Errorf("db contents = %q, want new", got)
	}
	if _, err := os.Stat(dbPath + "-wal"); !errors.Is(err, os.ErrNotExist) {
		t.Error("stale WAL should be removed")
	}
}
