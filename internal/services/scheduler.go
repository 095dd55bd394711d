package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Job is a unit of background work.
type Job func(ctx context.Context) error

type scheduledJob struct {
	name    string
	timeout time.Duration
	run     Job
}

// Scheduler runs the ledger's periodic jobs (rate refresh, topup expiry)
// on cron schedules with a start/stop lifecycle.
type Scheduler struct {
	cron *cron.Cron
	log  *logrus.Entry

	mu      sync.Mutex
	jobs    map[string]*scheduledJob
	baseCtx context.Context
	cancel  context.CancelFunc
	running bool
}

func NewScheduler(log *logrus.Entry) *Scheduler {
	log = log.WithField("component", "scheduler")
	cronLog := cron.PrintfLogger(log)
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(cronLog),
			cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
		),
		log:     log,
		jobs:    make(map[string]*scheduledJob),
		baseCtx: context.Background(),
	}
}

// Add registers job under name on a cron spec such as "@every 2m".
func (s *Scheduler) Add(name, spec string, timeout time.Duration, job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("job %q already registered", name)
	}

	j := &scheduledJob{name: name, timeout: timeout, run: job}
	if _, err := s.cron.AddFunc(spec, func() { s.execute(j) }); err != nil {
		return fmt.Errorf("schedule %q: %w", name, err)
	}
	s.jobs[name] = j
	return nil
}

// RunNow executes the named job synchronously.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("job %q not registered", name)
	}
	return s.runWithTimeout(ctx, j)
}

func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	s.baseCtx, s.cancel = context.WithCancel(ctx)
	s.running = true
	s.cron.Start()
	s.log.WithField("jobs", len(s.jobs)).Info("scheduler started")
	return nil
}

// Stop halts the schedule and waits for running jobs or ctx expiry.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	s.log.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) execute(j *scheduledJob) {
	s.mu.Lock()
	base := s.baseCtx
	s.mu.Unlock()

	if err := s.runWithTimeout(base, j); err != nil {
		s.log.WithError(err).WithField("job", j.name).Warn("scheduled job failed")
	}
}

func (s *Scheduler) runWithTimeout(ctx context.Context, j *scheduledJob) error {
	if j.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.timeout)
		defer cancel()
	}
	start := time.Now()
	err := j.run(ctx)
	s.log.WithFields(logrus.Fields{
		"job":         j.name,
		"duration_ms": time.Since(start).Milliseconds(),
	}).Debug("job finished")
	return err
}
