// Package worker runs a handler against jobs found in the registry: a
// set of goroutines polls for available work matching a filter,
// accepts a slot, executes, and publishes completion or cancellation.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	pool "github.com/OpenAgentsInc/openagents-pool"
	"github.com/OpenAgentsInc/openagents-pool/job"
	"github.com/OpenAgentsInc/openagents-pool/registry"
)

// Handler executes one accepted job and returns its output payload.
// The context carries the execution deadline; a handler that outlives
// it loses its slot to another worker anyway.
type Handler func(ctx context.Context, j *job.Job) (string, error)

// Runner polls the registry for available jobs and executes them.
type Runner struct {
	registry *registry.Registry
	handler  Handler
	logger   *slog.Logger

	filter       registry.Filter
	concurrency  int
	pollInterval time.Duration
	execTimeout  time.Duration

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	active  map[string]struct{}
}

// Option configures a Runner.
type Option func(*Runner)

// WithConcurrency sets the number of polling goroutines.
func WithConcurrency(n int) Option {
	return func(r *Runner) { r.concurrency = n }
}

// WithPollInterval sets how often idle goroutines look for work.
func WithPollInterval(d time.Duration) Option {
	return func(r *Runner) { r.pollInterval = d }
}

// WithFilter restricts the jobs this runner picks up (run-on, kind,
// customer). AvailableOnly is always forced on.
func WithFilter(f registry.Filter) Option {
	return func(r *Runner) { r.filter = f }
}

// WithExecutionTimeout bounds a single handler invocation.
func WithExecutionTimeout(d time.Duration) Option {
	return func(r *Runner) { r.execTimeout = d }
}

// NewRunner creates a Runner executing handler against reg.
func NewRunner(reg *registry.Registry, handler Handler, logger *slog.Logger, opts ...Option) *Runner {
	r := &Runner{
		registry:     reg,
		handler:      handler,
		logger:       logger,
		concurrency:  1,
		pollInterval: time.Second,
		execTimeout:  10 * time.Minute,
		stopCh:       make(chan struct{}),
		active:       make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.filter.AvailableOnly = true
	return r
}

// Start launches the polling goroutines. It returns immediately.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.mu.Unlock()

	for i := 0; i < r.concurrency; i++ {
		r.wg.Add(1)
		go r.run(ctx)
	}
}

// Stop halts polling and waits for in-flight executions.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	close(r.stopCh)
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *Runner) run(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.pollOnce(ctx)
		}
	}
}

func (r *Runner) pollOnce(ctx context.Context) {
	filter := r.filter
	r.mu.Lock()
	for id := range r.active {
		filter.ExcludeIDs = append(filter.ExcludeIDs, id)
	}
	r.mu.Unlock()

	jobs, err := r.registry.FindJobs(ctx, filter)
	if err != nil {
		r.logger.Warn("job poll failed", slog.String("error", err.Error()))
		return
	}
	for _, j := range jobs {
		if r.claim(j.ID) {
			r.execute(ctx, j.ID)
			return
		}
	}
}

func (r *Runner) claim(jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, taken := r.active[jobID]; taken {
		return false
	}
	r.active[jobID] = struct{}{}
	return true
}

func (r *Runner) release(jobID string) {
	r.mu.Lock()
	delete(r.active, jobID)
	r.mu.Unlock()
}

func (r *Runner) execute(ctx context.Context, jobID string) {
	defer r.release(jobID)

	if err := r.registry.AcceptJob(ctx, jobID); err != nil {
		// Lost the race or the inputs are not there yet; both are
		// routine.
		if !errors.Is(err, pool.ErrJobAlreadyAssigned) && !errors.Is(err, pool.ErrInputsNotAvailable) {
			r.logger.Warn("accept failed",
				slog.String("job_id", jobID),
				slog.String("error", err.Error()),
			)
		}
		return
	}

	j, err := r.registry.Job(ctx, jobID)
	if err != nil {
		return
	}

	execCtx, cancel := context.WithTimeout(ctx, r.execTimeout)
	output, handlerErr := r.runHandler(execCtx, j)
	cancel()

	if handlerErr != nil {
		r.logger.Warn("job failed",
			slog.String("job_id", jobID),
			slog.String("error", handlerErr.Error()),
		)
		if err := r.registry.CancelJob(ctx, jobID, handlerErr.Error()); err != nil {
			r.logger.Warn("cancel failed",
				slog.String("job_id", jobID),
				slog.String("error", err.Error()),
			)
		}
		return
	}

	if err := r.registry.CompleteJob(ctx, jobID, output, ""); err != nil {
		r.logger.Warn("complete failed",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
	}
}

// runHandler isolates handler panics so a bad plugin cannot take the
// runner down.
func (r *Runner) runHandler(ctx context.Context, j *job.Job) (output string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return r.handler(ctx, j)
}
