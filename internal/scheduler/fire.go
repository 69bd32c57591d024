package scheduler

import (
	"context"
	"errors"

	"github.com/dukerupert/nudge/internal/dispatch"
	"github.com/dukerupert/nudge/internal/model"
	"github.com/dukerupert/nudge/internal/recurrence"
	"github.com/dukerupert/nudge/internal/store"
)

// fire is the timer callback for one occurrence of id.
func (e *Engine) fire(id string, ent *entry, gen uint64) {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.wg.Add(1)
	ctx := e.ctx
	e.mu.Unlock()
	defer e.wg.Done()

	ent.mu.Lock()
	if ent.gen != gen || ent.done || ent.firing {
		ent.mu.Unlock()
		return
	}
	ent.timer = nil

	s, err := e.store.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		e.retire(id, ent)
		ent.mu.Unlock()
		return
	}
	if err == nil {
		if ent.unsaved != nil {
			// The store still holds the previous occurrence.
			s = ent.unsaved
			s.Status = model.StatusFiring
			err = e.store.Put(ctx, s)
		} else {
			err = e.store.SetStatus(ctx, id, model.StatusFiring)
		}
	}
	if err != nil {
		e.logger.Error("load schedule for firing", "id", id, "error", err)
		e.arm(id, ent, e.clock.Now().Add(retryDelay))
		ent.mu.Unlock()
		return
	}
	ent.unsaved = nil
	ent.firing = true
	ent.mu.Unlock()

	res := e.deliver(ctx, s)

	ent.mu.Lock()
	defer ent.mu.Unlock()
	ent.firing = false
	e.settle(id, ent, s, res)
}

// deliver sends one occurrence unless the delivery log shows it was already
// attempted, which happens when the process died between sending and
// settling the schedule.
func (e *Engine) deliver(ctx context.Context, s *model.Schedule) dispatch.Result {
	attempted, err := e.deliveries.WasAttempted(ctx, s.ID, s.FireAt)
	if err != nil {
		e.logger.Warn("check delivery log", "id", s.ID, "error", err)
	}
	if attempted {
		e.logger.Info("occurrence already attempted, skipping send", "id", s.ID, "fire_at", s.FireAt)
		return dispatch.Result{Status: model.DeliveryDelivered}
	}

	res := e.dispatcher.Dispatch(ctx, s.Target, s.Payload)

	d := model.Delivery{
		ScheduleID:  s.ID,
		FireAt:      s.FireAt,
		Status:      res.Status,
		AttemptedAt: e.clock.Now(),
	}
	if res.Err != nil {
		d.Error = res.Err.Error()
	}
	wctx, cancel := e.writeContext(ctx)
	defer cancel()
	if err := e.deliveries.Record(wctx, d); err != nil {
		e.logger.Error("record delivery", "id", s.ID, "error", err)
	}
	return res
}

// settle applies the outcome of an occurrence: the schedule is re-armed at
// its next occurrence or removed. Caller holds ent.mu.
func (e *Engine) settle(id string, ent *entry, s *model.Schedule, res dispatch.Result) {
	ctx, cancel := e.writeContext(e.ctx)
	defer cancel()

	occurrence := s.FireAt
	var errMsg string
	if res.Err != nil {
		errMsg = res.Err.Error()
	}

	if ent.done {
		// Cancelled while in flight; Cancel already removed the record.
		e.forget(id, ent)
		e.emit(Event{Type: outcomeEvent(res), ScheduleID: id, Status: model.StatusCancelled, FireAt: occurrence, Error: errMsg})
		return
	}

	if res.Status == model.DeliveryTargetGone {
		if err := e.store.Delete(ctx, id); err != nil {
			e.logger.Error("delete schedule with gone target", "id", id, "error", err)
		}
		e.retire(id, ent)
		e.logger.Info("target gone, schedule cancelled", "id", id, "target", s.Target.Type)
		e.emit(Event{Type: EventCancelled, ScheduleID: id, Status: model.StatusCancelled, FireAt: occurrence, Error: errMsg})
		return
	}

	next, ok := recurrence.Next(occurrence, s.Recurrence, e.clock.Now())
	if ok {
		s.FireAt = next
		s.Status = model.StatusPending
		if err := e.store.Put(ctx, s); err != nil {
			e.logger.Error("advance schedule, retrying when it fires", "id", id, "next", next, "error", err)
			ent.unsaved = s
		}
		e.arm(id, ent, next)
		e.logger.Info("occurrence fired", "id", id, "status", res.Status, "next", next)
		e.emit(Event{Type: outcomeEvent(res), ScheduleID: id, Status: model.StatusPending, FireAt: occurrence, Error: errMsg})
		return
	}

	final := model.StatusDelivered
	if s.Recurrence.IsRecurring() {
		final = model.StatusExpired
	}
	if err := e.store.Delete(ctx, id); err != nil {
		e.logger.Error("remove finished schedule", "id", id, "error", err)
	}
	e.retire(id, ent)

	e.logger.Info("schedule finished", "id", id, "status", final, "delivery", res.Status)
	e.emit(Event{Type: outcomeEvent(res), ScheduleID: id, Status: final, FireAt: occurrence, Error: errMsg})
	if final == model.StatusExpired {
		e.emit(Event{Type: EventExpired, ScheduleID: id, Status: final, FireAt: occurrence})
	}
}

// writeContext keeps outcome writes alive when in-flight sends are aborted
// by Stop.
func (e *Engine) writeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
}

func outcomeEvent(res dispatch.Result) EventType {
	if res.Status == model.DeliveryDelivered {
		return EventDelivered
	}
	return EventFailed
}
