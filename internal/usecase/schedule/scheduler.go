// Package schedule runs recurring sign-in flow checks on a cron schedule.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// defaultRunTimeout bounds one scheduled batch. Browser flows are slow; a
// full multi-provider batch can legitimately run for many minutes.
const defaultRunTimeout = 30 * time.Minute

// Runner executes one batch of provider checks.
type Runner func(ctx context.Context) error

// Scheduler triggers a batch runner on a recurring schedule. Overlapping
// runs are skipped, not queued: a batch still in flight when the next tick
// fires means the schedule is too tight, and stacking browser sessions would
// only make it worse.
type Scheduler struct {
	cron       *cron.Cron
	runner     Runner
	runTimeout time.Duration
	logger     *slog.Logger
	mu         sync.Mutex
	running    bool
	started    bool
	ctx        context.Context
	cancel     context.CancelFunc
}

// New creates a scheduler around the given batch runner.
func New(runner Runner, runTimeout time.Duration, logger *slog.Logger) *Scheduler {
	if runTimeout <= 0 {
		runTimeout = defaultRunTimeout
	}
	return &Scheduler{
		cron:       cron.New(),
		runner:     runner,
		runTimeout: runTimeout,
		logger:     logger,
	}
}

// Add registers a recurring trigger. The schedule can be a cron expression
// ("*/30 * * * *", "@hourly") or a duration string ("45m").
func (s *Scheduler) Add(schedule string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sched, err := parseSchedule(schedule)
	if err != nil {
		return fmt.Errorf("scheduler: invalid schedule %q: %w", schedule, err)
	}

	s.cron.Schedule(sched, cron.FuncJob(s.tick))
	s.logger.Info("monitoring schedule added", "schedule", schedule)
	return nil
}

func (s *Scheduler) tick() {
	s.mu.Lock()
	ctx := s.ctx
	if ctx == nil {
		s.mu.Unlock()
		s.logger.Debug("scheduler stopped, skipping run")
		return
	}
	if s.running {
		s.mu.Unlock()
		s.logger.Warn("previous batch still running, skipping this tick")
		return
	}
	s.running = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	runCtx, cancel := context.WithTimeout(ctx, s.runTimeout)
	defer cancel()

	start := time.Now()
	if err := s.runner(runCtx); err != nil {
		s.logger.Warn("scheduled batch failed", "error", err, "duration", time.Since(start))
		return
	}
	s.logger.Info("scheduled batch completed", "duration", time.Since(start))
}

// Start begins firing scheduled runs.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron.Start()
	s.started = true
}

// Stop halts scheduling and waits for a running batch to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return
	}
	if s.cancel != nil {
		s.cancel()
	}
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	s.started = false
	s.ctx = nil
}

// parseSchedule tries a cron expression first, then a duration.
func parseSchedule(schedule string) (cron.Schedule, error) {
	if schedule == "" {
		return nil, fmt.Errorf("empty schedule")
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if sched, err := parser.Parse(schedule); err == nil {
		return sched, nil
	}

	dur, err := time.ParseDuration(schedule)
	if err != nil {
		return nil, fmt.Errorf("not a valid cron expression or duration: %q", schedule)
	}
	if dur <= 0 {
		return nil, fmt.Errorf("duration must be positive: %q", schedule)
	}
	return &constantDelay{delay: dur}, nil
}

// constantDelay implements cron.Schedule for a fixed interval. Unlike
// cron.Every(), it supports sub-second durations.
type constantDelay struct {
	delay time.Duration
}

func (d *constantDelay) Next(t time.Time) time.Time {
	return t.Add(d.delay)
}
