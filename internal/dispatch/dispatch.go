// Package dispatch routes a payload to the transport for its target type
// and classifies the outcome.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dukerupert/nudge/internal/email"
	"github.com/dukerupert/nudge/internal/fcm"
	"github.com/dukerupert/nudge/internal/model"
	"github.com/dukerupert/nudge/internal/push"

	"golang.org/x/time/rate"
)

// ErrTargetGone marks a transport error meaning the target will never
// accept a delivery again.
var ErrTargetGone = errors.New("target gone")

// Transport delivers a payload to one kind of target.
type Transport interface {
	Send(ctx context.Context, target model.Target, payload model.Payload) error
}

// Result is the outcome of a single dispatch.
type Result struct {
	Status model.DeliveryStatus
	Err    error
}

// Stats counts dispatch outcomes since start.
type Stats struct {
	Sent   int64 `json:"sent"`
	Failed int64 `json:"failed"`
	Gone   int64 `json:"gone"`
}

// Dispatcher sends payloads through the registered transports.
type Dispatcher struct {
	mu         sync.RWMutex
	transports map[string]Transport
	limiter    *rate.Limiter
	timeout    time.Duration
	logger     *slog.Logger

	sent   atomic.Int64
	failed atomic.Int64
	gone   atomic.Int64
}

type Option func(*Dispatcher)

// WithTimeout bounds each send. Defaults to 10s.
func WithTimeout(d time.Duration) Option {
	return func(ds *Dispatcher) {
		if d > 0 {
			ds.timeout = d
		}
	}
}

// WithRateLimit caps sends per second across all transports. A value of
// zero or less disables the limit.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(ds *Dispatcher) {
		if perSecond <= 0 {
			ds.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		ds.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

func New(logger *slog.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		transports: make(map[string]Transport),
		timeout:    10 * time.Second,
		logger:     logger.With("component", "dispatch"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Register installs the transport for a target type, replacing any
// previous one.
func (d *Dispatcher) Register(targetType string, t Transport) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.transports[targetType] = t
}

// Supports reports whether a transport is registered for the target type.
func (d *Dispatcher) Supports(targetType string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.transports[targetType]
	return ok
}

// Dispatch sends the payload and never returns a Go error: the outcome is
// carried in the Result.
func (d *Dispatcher) Dispatch(ctx context.Context, target model.Target, payload model.Payload) Result {
	d.mu.RLock()
	t, ok := d.transports[target.Type]
	d.mu.RUnlock()
	if !ok {
		return d.result(target, fmt.Errorf("no transport for target type %q", target.Type))
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return d.result(target, fmt.Errorf("rate limit: %w", err))
		}
	}

	return d.result(target, t.Send(ctx, target, payload))
}

func (d *Dispatcher) result(target model.Target, err error) Result {
	switch {
	case err == nil:
		d.sent.Add(1)
		return Result{Status: model.DeliveryDelivered}
	case IsTargetGone(err):
		d.gone.Add(1)
		d.logger.Info("target gone", "type", target.Type, "error", err)
		return Result{Status: model.DeliveryTargetGone, Err: err}
	default:
		d.failed.Add(1)
		d.logger.Warn("delivery failed", "type", target.Type, "error", err)
		return Result{Status: model.DeliveryFailed, Err: err}
	}
}

// IsTargetGone reports whether err means the target is permanently invalid.
func IsTargetGone(err error) bool {
	return errors.Is(err, ErrTargetGone) ||
		errors.Is(err, push.ErrExpired) ||
		errors.Is(err, fcm.ErrUnregistered) ||
		errors.Is(err, email.ErrInactiveRecipient)
}

func (d *Dispatcher) Stats() Stats {
	return Stats{
		Sent:   d.sent.Load(),
		Failed: d.failed.Load(),
		Gone:   d.gone.Load(),
	}
}
