// Package scheduler drives the periodic runs described in spec.md §4.7: news
// ingestion validation, incremental aggregation, labeling, merge, and
// cleanup, each on its own cadence, each single-flight, each tolerant of a
// misfire grace window. The scheduler owns no business logic of its own; it
// only coordinates the Aggregation and Merge Engines (and any other task
// callers register), the same ticker-driven reconcile shape as the teacher's
// internal/controller.Controller.Start and the single-flight guard from its
// internal/rpc decision sweeper.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// JobFunc is one unit of scheduled work. A non-nil error is logged but never
// stops the job's recurring schedule — only ctx cancellation does that.
type JobFunc func(ctx context.Context) error

// Job declares one scheduled task: a name, a cadence, a misfire grace
// window, and the function to run.
type Job struct {
	Name         string
	Interval     time.Duration
	MisfireGrace time.Duration
	Run          JobFunc
}

// Status is the last-observed outcome of one job, exposed for health checks
// and tests.
type Status struct {
	Name      string
	Running   bool
	LastRunAt time.Time
	LastErr   error
}

type jobState struct {
	running   atomic.Bool
	mu        sync.Mutex
	lastRunAt time.Time
	lastErr   error
}

// Scheduler runs a fixed set of Jobs concurrently, each on its own ticker,
// each guarded against overlapping invocations of itself.
type Scheduler struct {
	jobs   []Job
	log    *slog.Logger
	states map[string]*jobState
}

// New builds a Scheduler over jobs. Jobs with a zero MisfireGrace default to
// half their Interval.
func New(log *slog.Logger, jobs ...Job) *Scheduler {
	states := make(map[string]*jobState, len(jobs))
	for i := range jobs {
		if jobs[i].MisfireGrace <= 0 {
			jobs[i].MisfireGrace = jobs[i].Interval / 2
		}
		states[jobs[i].Name] = &jobState{}
	}
	return &Scheduler{jobs: jobs, log: log, states: states}
}

// Start runs every job's ticker loop until ctx is cancelled, fanning them in
// via errgroup so a caller can block on the whole scheduler with one Wait.
// Each job runs once immediately on start, matching the teacher's
// Controller.Start "run once immediately" convention, then on its own
// cadence thereafter.
func (s *Scheduler) Start(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, job := range s.jobs {
		job := job
		g.Go(func() error {
			return s.runLoop(ctx, job)
		})
	}
	return g.Wait()
}

// Status reports the last-known state of every registered job.
func (s *Scheduler) Status() []Status {
	out := make([]Status, 0, len(s.jobs))
	for _, job := range s.jobs {
		state := s.states[job.Name]
		state.mu.Lock()
		out = append(out, Status{
			Name:      job.Name,
			Running:   state.running.Load(),
			LastRunAt: state.lastRunAt,
			LastErr:   state.lastErr,
		})
		state.mu.Unlock()
	}
	return out
}

func (s *Scheduler) runLoop(ctx context.Context, job Job) error {
	state := s.states[job.Name]

	s.execute(ctx, job, state)

	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.tick(ctx, job, state)
		}
	}
}

// tick fires one scheduled invocation of job, skipping it (a misfire) if the
// previous invocation is still in flight.
func (s *Scheduler) tick(ctx context.Context, job Job, state *jobState) {
	if !state.running.CompareAndSwap(false, true) {
		state.mu.Lock()
		overrun := time.Since(state.lastRunAt)
		state.mu.Unlock()
		if overrun > job.MisfireGrace {
			s.log.Warn("job still running past its misfire grace window, skipping tick", "job", job.Name, "overrun", overrun)
		} else {
			s.log.Info("job still in flight, skipping tick", "job", job.Name)
		}
		return
	}
	go func() {
		defer state.running.Store(false)
		s.runOnce(ctx, job, state)
	}()
}

// execute runs job synchronously, used for the immediate first invocation
// at scheduler start where there is no prior run to overlap with.
func (s *Scheduler) execute(ctx context.Context, job Job, state *jobState) {
	state.running.Store(true)
	defer state.running.Store(false)
	s.runOnce(ctx, job, state)
}

func (s *Scheduler) runOnce(ctx context.Context, job Job, state *jobState) {
	start := time.Now()
	err := job.Run(ctx)

	state.mu.Lock()
	state.lastRunAt = start
	state.lastErr = err
	state.mu.Unlock()

	if err != nil {
		s.log.Warn("scheduled job failed", "job", job.Name, "duration", time.Since(start), "error", err)
		return
	}
	s.log.Info("scheduled job completed", "job", job.Name, "duration", time.Since(start))
}
