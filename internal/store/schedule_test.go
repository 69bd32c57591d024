package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/dukerupert/nudge/internal/database"
	"github.com/dukerupert/nudge/internal/model"
)

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func setupScheduleStore(t *testing.T) *ScheduleStore {
	t.Helper()
	return NewScheduleStore(setupTestDB(t), WithClock(func() time.Time { return testNow }))
}

func newSchedule(id string, fireAt time.Time) *model.Schedule {
	return &model.Schedule{
		ID: id,
		Target: model.Target{
			Type:     model.TargetWebPush,
			Endpoint: "https://push.example.com/sub/abc",
			Keys:     &model.PushKeys{P256dh: "p256", Auth: "auth"},
		},
		Payload: model.Payload{Title: "Stand-up", Body: "in 5 minutes", URL: "/meetings"},
		FireAt:  fireAt,
		Status:  model.StatusPending,
	}
}

func TestSchedulePutGet(t *testing.T) {
	ss := setupScheduleStore(t)
	ctx := context.Background()

	until := testNow.Add(72 * time.Hour)
	s := newSchedule("s1", testNow.Add(time.Hour))
	s.Recurrence = model.Recurrence{Type: model.RecurDaily, Until: &until}

	if err := ss.Put(ctx, s); err != nil {
		t.Fatalf("put: %v", err)
	}
	if !s.CreatedAt.Equal(testNow) {
		t.Errorf("created_at = %v, want %v", s.CreatedAt, testNow)
	}

	got, err := ss.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.FireAt.Equal(s.FireAt) {
		t.Errorf("fire_at = %v, want %v", got.FireAt, s.FireAt)
	}
	if got.Target.Endpoint != s.Target.Endpoint || got.Target.Keys == nil || got.Target.Keys.Auth != "auth" {
		t.Errorf("target = %+v, want %+v", got.Target, s.Target)
	}
	if got.Payload != s.Payload {
		t.Errorf("payload = %+v, want %+v", got.Payload, s.Payload)
	}
	if got.Recurrence.Type != model.RecurDaily {
		t.Errorf("recurrence type = %q, want %q", got.Recurrence.Type, model.RecurDaily)
	}
	if got.Recurrence.Until == nil || !got.Recurrence.Until.Equal(until) {
		t.Errorf("until = %v, want %v", got.Recurrence.Until, until)
	}
	if got.Status != model.StatusPending {
		t.Errorf("status = %q, want %q", got.Status, model.StatusPending)
	}
}

func TestSchedulePutReplaces(t *testing.T) {
	ss := setupScheduleStore(t)
	ctx := context.Background()

	s := newSchedule("s1", testNow.Add(time.Hour))
	if err := ss.Put(ctx, s); err != nil {
		t.Fatalf("put: %v", err)
	}
	created := s.CreatedAt

	s.FireAt = testNow.Add(2 * time.Hour)
	s.Payload.Title = "Moved"
	if err := ss.Put(ctx, s); err != nil {
		t.Fatalf("put again: %v", err)
	}

	got, _ := ss.Get(ctx, "s1")
	if !got.FireAt.Equal(testNow.Add(2 * time.Hour)) {
		t.Errorf("fire_at = %v, want %v", got.FireAt, testNow.Add(2*time.Hour))
	}
	if got.Payload.Title != "Moved" {
		t.Errorf("title = %q, want %q", got.Payload.Title, "Moved")
	}
	if !got.CreatedAt.Equal(created) {
		t.Errorf("created_at changed: %v -> %v", created, got.CreatedAt)
	}
}

func TestSchedulePutRejectsPast(t *testing.T) {
	ss := setupScheduleStore(t)
	ctx := context.Background()

	for _, fireAt := range []time.Time{testNow, testNow.Add(-time.Minute)} {
		err := ss.Put(ctx, newSchedule("past", fireAt))
		var verr *model.ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("put at %v: err = %v, want ValidationError", fireAt, err)
		}
	}

	if _, err := ss.Get(ctx, "past"); err != ErrNotFound {
		t.Errorf("get after rejected put: err = %v, want ErrNotFound", err)
	}
}

func TestSchedulePutRequiresID(t *testing.T) {
	ss := setupScheduleStore(t)

	err := ss.Put(context.Background(), newSchedule("", testNow.Add(time.Hour)))
	var verr *model.ValidationError
	if !errors.As(err, &verr) || verr.Field != "id" {
		t.Errorf("err = %v, want ValidationError on id", err)
	}
}

func TestScheduleGetMissing(t *testing.T) {
	ss := setupScheduleStore(t)

	if _, err := ss.Get(context.Background(), "nope"); err != ErrNotFound {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestScheduleSetStatus(t *testing.T) {
	ss := setupScheduleStore(t)
	ctx := context.Background()

	ss.Put(ctx, newSchedule("s1", testNow.Add(time.Hour)))
	if err := ss.SetStatus(ctx, "s1", model.StatusFiring); err != nil {
		t.Fatalf("set status: %v", err)
	}
	got, _ := ss.Get(ctx, "s1")
	if got.Status != model.StatusFiring {
		t.Errorf("status = %q, want %q", got.Status, model.StatusFiring)
	}

	if err := ss.SetStatus(ctx, "missing", model.StatusFiring); err != ErrNotFound {
		t.Errorf("set status on missing: err = %v, want ErrNotFound", err)
	}
}

func TestScheduleDeleteIdempotent(t *testing.T) {
	ss := setupScheduleStore(t)
	ctx := context.Background()

	ss.Put(ctx, newSchedule("s1", testNow.Add(time.Hour)))
	if err := ss.Delete(ctx, "s1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := ss.Get(ctx, "s1"); err != ErrNotFound {
		t.Errorf("get after delete: err = %v, want ErrNotFound", err)
	}
	if err := ss.Delete(ctx, "s1"); err != nil {
		t.Errorf("second delete: %v", err)
	}
}

func TestScheduleListPending(t *testing.T) {
	ss := setupScheduleStore(t)
	ctx := context.Background()

	ss.Put(ctx, newSchedule("late", testNow.Add(3*time.Hour)))
	ss.Put(ctx, newSchedule("early", testNow.Add(time.Hour)))
	ss.Put(ctx, newSchedule("mid", testNow.Add(2*time.Hour)))
	ss.SetStatus(ctx, "mid", model.StatusFiring)

	done := newSchedule("done", testNow.Add(30*time.Minute))
	ss.Put(ctx, done)
	ss.SetStatus(ctx, "done", model.StatusDelivered)

	pending, err := ss.ListPending(ctx)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	want := []string{"early", "mid", "late"}
	if len(pending) != len(want) {
		t.Fatalf("len = %d, want %d", len(pending), len(want))
	}
	for i, id := range want {
		if pending[i].ID != id {
			t.Errorf("pending[%d] = %q, want %q", i, pending[i].ID, id)
		}
	}

	upcoming, err := ss.ListUpcoming(ctx, 10)
	if err != nil {
		t.Fatalf("list upcoming: %v", err)
	}
	if len(upcoming) != 2 {
		t.Errorf("upcoming len = %d, want 2", len(upcoming))
	}

	delivered, err := ss.ListByStatus(ctx, model.StatusDelivered)
	if err != nil {
		t.Fatalf("list by status: %v", err)
	}
	if len(delivered) != 1 || delivered[0].ID != "done" {
		t.Errorf("delivered = %+v, want [done]", delivered)
	}
}

func TestScheduleIOError(t *testing.T) {
	db := setupTestDB(t)
	ss := NewScheduleStore(db, WithClock(func() time.Time { return testNow }))
	db.Close()

	err := ss.Put(context.Background(), newSchedule("s1", testNow.Add(time.Hour)))
	var ioe *IOError
	if !errors.As(err, &ioe) {
		t.Errorf("err = %v, want IOError", err)
	}
}
