// Package scheduler keeps one in-memory timer per pending schedule, in
// step with the schedule store, and fires each occurrence once.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dukerupert/nudge/internal/dispatch"
	"github.com/dukerupert/nudge/internal/model"
	"github.com/dukerupert/nudge/internal/recurrence"
	"github.com/dukerupert/nudge/internal/store"

	"github.com/google/uuid"
)

// ErrInFlight is returned when a schedule cannot be changed because one of
// its occurrences is being delivered.
var ErrInFlight = errors.New("schedule delivery in progress")

const (
	retryDelay   = 30 * time.Second
	writeTimeout = 5 * time.Second
)

// ScheduleStore is the durable state the engine mirrors.
type ScheduleStore interface {
	Put(ctx context.Context, s *model.Schedule) error
	Get(ctx context.Context, id string) (*model.Schedule, error)
	SetStatus(ctx context.Context, id string, status model.Status) error
	Delete(ctx context.Context, id string) error
	ListPending(ctx context.Context) ([]model.Schedule, error)
	ListUpcoming(ctx context.Context, limit int) ([]model.Schedule, error)
}

// DeliveryLog records each attempted occurrence.
type DeliveryLog interface {
	Record(ctx context.Context, d model.Delivery) error
	WasAttempted(ctx context.Context, scheduleID string, fireAt time.Time) (bool, error)
}

// Dispatcher sends one occurrence to its target.
type Dispatcher interface {
	Dispatch(ctx context.Context, target model.Target, payload model.Payload) dispatch.Result
}

// entry is the in-memory projection of one schedule. gen is bumped every
// time the timer is replaced so a callback from a superseded timer is a
// no-op. done marks an entry that was cancelled or finished; it is removed
// from the engine once no delivery is in flight. unsaved holds an advanced
// occurrence the store failed to record; it replaces the stored record
// when the timer fires.
type entry struct {
	mu      sync.Mutex
	timer   Timer
	gen     uint64
	fireAt  time.Time
	firing  bool
	done    bool
	unsaved *model.Schedule
}

// Engine arms timers for pending schedules and drives each occurrence
// through the dispatcher.
type Engine struct {
	store      ScheduleStore
	deliveries DeliveryLog
	dispatcher Dispatcher
	clock      Clock
	logger     *slog.Logger
	onEvent    func(Event)

	mu      sync.Mutex
	entries map[string]*entry
	stopped bool
	wg      sync.WaitGroup

	// ctx scopes in-flight deliveries; cancelled when Stop gives up waiting.
	ctx    context.Context
	cancel context.CancelFunc
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces the wall clock, for tests.
func WithClock(c Clock) Option {
	return func(e *Engine) {
		e.clock = c
	}
}

// WithEventHandler registers a callback for lifecycle events. It is called
// synchronously and must not block.
func WithEventHandler(fn func(Event)) Option {
	return func(e *Engine) {
		e.onEvent = fn
	}
}

// New returns an Engine over the given store, delivery log and dispatcher.
// No timer is armed until Start.
func New(schedules ScheduleStore, deliveries DeliveryLog, dispatcher Dispatcher, logger *slog.Logger, opts ...Option) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		store:      schedules,
		deliveries: deliveries,
		dispatcher: dispatcher,
		clock:      realClock{},
		logger:     logger.With("component", "scheduler"),
		entries:    make(map[string]*entry),
		ctx:        ctx,
		cancel:     cancel,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start loads every pending schedule from the store and arms its timer.
// Schedules whose fire time passed while the process was down fire
// immediately.
func (e *Engine) Start(ctx context.Context) error {
	pending, err := e.store.ListPending(ctx)
	if err != nil {
		return fmt.Errorf("load pending schedules: %w", err)
	}

	now := e.clock.Now()
	overdue := 0
	for _, s := range pending {
		ent, _ := e.entryFor(s.ID)
		ent.mu.Lock()
		if !ent.firing && !ent.done {
			e.arm(s.ID, ent, s.FireAt)
		}
		ent.mu.Unlock()
		if !s.FireAt.After(now) {
			overdue++
		}
	}

	e.logger.Info("scheduler started", "pending", len(pending), "overdue", overdue)
	return nil
}

// Stop disarms every timer and waits for in-flight deliveries. If ctx ends
// first the deliveries are aborted and Stop returns ctx's error once they
// have unwound.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	e.stopped = true
	ents := make([]*entry, 0, len(e.entries))
	for _, ent := range e.entries {
		ents = append(ents, ent)
	}
	e.mu.Unlock()

	for _, ent := range ents {
		ent.mu.Lock()
		if ent.timer != nil {
			ent.timer.Stop()
			ent.timer = nil
		}
		ent.gen++
		ent.mu.Unlock()
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		e.cancel()
		<-done
	}
	e.cancel()
	e.logger.Info("scheduler stopped")
	return err
}

// Schedule persists a new schedule and arms its timer. An empty ID is
// assigned. The schedule is only armed once the store accepted it.
func (e *Engine) Schedule(ctx context.Context, s *model.Schedule) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	s.Status = model.StatusPending

	ent, created := e.lockEntry(s.ID)
	defer ent.mu.Unlock()
	if ent.firing {
		return ErrInFlight
	}

	if err := e.store.Put(ctx, s); err != nil {
		if created {
			e.retire(s.ID, ent)
		}
		return err
	}
	ent.unsaved = nil
	e.arm(s.ID, ent, s.FireAt)

	e.logger.Info("schedule created",
		"id", s.ID,
		"target", s.Target.Type,
		"fire_at", s.FireAt,
		"recurrence", recurrence.Describe(s.Recurrence),
	)
	e.emit(Event{Type: EventCreated, ScheduleID: s.ID, Status: model.StatusPending, FireAt: s.FireAt})
	return nil
}

// Reschedule moves the next occurrence of a schedule to fireAt.
func (e *Engine) Reschedule(ctx context.Context, id string, fireAt time.Time) (*model.Schedule, error) {
	ent, created := e.lockEntry(id)
	defer ent.mu.Unlock()
	if ent.done {
		return nil, store.ErrNotFound
	}
	if ent.firing {
		return nil, ErrInFlight
	}

	s, err := e.store.Get(ctx, id)
	if err != nil {
		if created {
			e.retire(id, ent)
		}
		return nil, err
	}
	s.FireAt = fireAt
	s.Status = model.StatusPending
	if err := e.store.Put(ctx, s); err != nil {
		if created {
			e.retire(id, ent)
		}
		return nil, err
	}
	ent.unsaved = nil
	e.arm(id, ent, fireAt)

	e.logger.Info("schedule rescheduled", "id", id, "fire_at", fireAt)
	e.emit(Event{Type: EventRescheduled, ScheduleID: id, Status: model.StatusPending, FireAt: fireAt})
	return s, nil
}

// Cancel removes a schedule. It returns store.ErrNotFound when there is no
// such schedule or it was already cancelled. When an occurrence is being
// delivered the delivery completes but no further occurrence is armed.
func (e *Engine) Cancel(ctx context.Context, id string) error {
	ent, created := e.lockEntry(id)
	defer ent.mu.Unlock()
	if ent.done {
		return store.ErrNotFound
	}

	if created {
		// Not armed, for example before Start. The store is authoritative.
		defer e.retire(id, ent)
		s, err := e.store.Get(ctx, id)
		if err != nil {
			return err
		}
		if err := e.store.Delete(ctx, id); err != nil {
			return err
		}
		e.logger.Info("schedule cancelled", "id", id)
		e.emit(Event{Type: EventCancelled, ScheduleID: id, Status: model.StatusCancelled, FireAt: s.FireAt})
		return nil
	}

	if err := e.store.Delete(ctx, id); err != nil {
		return err
	}

	if ent.timer != nil {
		ent.timer.Stop()
		ent.timer = nil
	}
	ent.gen++
	ent.done = true
	if !ent.firing {
		e.forget(id, ent)
	}

	e.logger.Info("schedule cancelled", "id", id, "in_flight", ent.firing)
	e.emit(Event{Type: EventCancelled, ScheduleID: id, Status: model.StatusCancelled, FireAt: ent.fireAt})
	return nil
}

// Get returns the stored schedule, or store.ErrNotFound.
func (e *Engine) Get(ctx context.Context, id string) (*model.Schedule, error) {
	return e.store.Get(ctx, id)
}

// List returns upcoming pending schedules.
func (e *Engine) List(ctx context.Context, limit int) ([]model.Schedule, error) {
	return e.store.ListUpcoming(ctx, limit)
}

// Armed returns the number of schedules the engine currently tracks.
func (e *Engine) Armed() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.entries)
}

// entryFor returns the entry for id, creating it if needed.
func (e *Engine) entryFor(id string) (*entry, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ent, ok := e.entries[id]; ok {
		return ent, false
	}
	ent := &entry{}
	e.entries[id] = ent
	return ent, true
}

// lockEntry returns the live entry for id with its lock held. A retired
// entry that is still being delivered is returned as is; one that has
// already been removed is replaced.
func (e *Engine) lockEntry(id string) (*entry, bool) {
	for {
		ent, created := e.entryFor(id)
		ent.mu.Lock()
		if ent.done && !ent.firing {
			ent.mu.Unlock()
			e.forget(id, ent)
			continue
		}
		return ent, created
	}
}

// forget drops ent from the engine if it is still the entry for id.
func (e *Engine) forget(id string, ent *entry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.entries[id] == ent {
		delete(e.entries, id)
	}
}

// retire marks ent finished and drops it. Caller holds ent.mu.
func (e *Engine) retire(id string, ent *entry) {
	if ent.timer != nil {
		ent.timer.Stop()
		ent.timer = nil
	}
	ent.gen++
	ent.done = true
	e.forget(id, ent)
}

// arm replaces the timer of ent. Caller holds ent.mu.
func (e *Engine) arm(id string, ent *entry, fireAt time.Time) {
	if ent.timer != nil {
		ent.timer.Stop()
		ent.timer = nil
	}
	ent.gen++
	ent.fireAt = fireAt

	e.mu.Lock()
	stopped := e.stopped
	e.mu.Unlock()
	if stopped {
		return
	}

	gen := ent.gen
	delay := fireAt.Sub(e.clock.Now())
	if delay < 0 {
		delay = 0
	}
	ent.timer = e.clock.AfterFunc(delay, func() {
		e.fire(id, ent, gen)
	})
}

func (e *Engine) emit(ev Event) {
	if e.onEvent != nil {
		e.onEvent(ev)
	}
}
