// Package housekeeping runs periodic maintenance jobs on cron schedules.
package housekeeping

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

const jobTimeout = 10 * time.Minute

// JobFunc is one maintenance task.
type JobFunc func(ctx context.Context) error

type job struct {
	name string
	schedule string
	fn   JobFunc
	id   cron.EntryID
}

// Runner owns a cron instance and the registered jobs. Overlapping runs of
// the same job are skipped.
type Runner struct {
	mu     sync.Mutex
	parser cron.Parser
	c      *cron.Cron
	jobs   map[string]*job
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

func New(logger *slog.Logger) *Runner {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		parser: parser,
		c: cron.New(
			cron.WithParser(parser),
			cron.WithLocation(time.UTC),
			cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
		),
		jobs:   make(map[string]*job),
		logger: logger.With("component", "housekeeping"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Add registers fn under name to run on schedule, a five-field cron expression
// or a descriptor such as "@hourly".
func (r *Runner) Add(name, schedule string, fn JobFunc) error {
	if _, err := r.parser.Parse(schedule); err != nil {
		return fmt.Errorf("job %s: invalid schedule %q: %w", name, schedule, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[name]; ok {
		return fmt.Errorf("job %s already registered", name)
	}
	j := &job{name: name, schedule: schedule, fn: fn}
	id, err := r.c.AddFunc(schedule, func() { r.run(r.ctx, j) })
	if err != nil {
		return fmt.Errorf("job %s: %w", name, err)
	}
	j.id = id
	r.jobs[name] = j
	r.logger.Debug("job registered", "job", name, "schedule", schedule)
	return nil
}

// RunNow runs the named job synchronously.
func (r *Runner) RunNow(ctx context.Context, name string) error {
	r.mu.Lock()
	j, ok := r.jobs[name]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown job %q", name)
	}
	return r.run(ctx, j)
}

func (r *Runner) run(ctx context.Context, j *job) error {
	ctx, cancel := context.WithTimeout(ctx, jobTimeout)
	defer cancel()

	start := time.Now()
	err := j.fn(ctx)
	if err != nil {
		r.logger.Error("job failed", "job", j.name, "duration", time.Since(start), "error", err)
		return err
	}
	r.logger.Debug("job finished", "job", j.name, "duration", time.Since(start))
	return nil
}

// Next returns the next scheduled run of the named job, or the zero time
// when the runner is not started.
func (r *Runner) Next(name string) time.Time {
	r.mu.Lock()
	j, ok := r.jobs[name]
	r.mu.Unlock()
	if !ok {
		return time.Time{}
	}
	return r.c.Entry(j.id).Next
}

func (r *Runner) Start() {
	r.c.Start()
	r.logger.Info("housekeeping started", "jobs", len(r.jobs))
}

// Stop halts scheduling and waits for running jobs, aborting them when ctx
// ends first.
func (r *Runner) Stop(ctx context.Context) error {
	done := r.c.Stop().Done()
	select {
	case <-done:
		r.cancel()
		return nil
	case <-ctx.Done():
		r.cancel()
		<-done
		return ctx.Err()
	}
}
