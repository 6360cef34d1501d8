// Package sweeper runs the push-auth storage hygiene job on a cron schedule.
package sweeper

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// runTimeout bounds a single sweep.
const runTimeout = 30 * time.Second

// Sweeper is the job the scheduler runs. *pushauth/service.Engine implements it.
type Sweeper interface {
	Sweep(ctx context.Context) (expired, deleted int64, err error)
}

// Scheduler runs Sweep on a cron spec. Overlapping runs are skipped.
type Scheduler struct {
	cron *cron.Cron
	job  Sweeper
	log  *zap.Logger
}

// New returns a Scheduler for spec (standard cron or descriptors such as "@every 1m").
func New(spec string, job Sweeper, log *zap.Logger) (*Scheduler, error) {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Scheduler{job: job, log: log.Named("sweeper")}
	s.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := s.cron.AddFunc(spec, s.RunOnce); err != nil {
		return nil, fmt.Errorf("sweeper: invalid schedule %q: %w", spec, err)
	}
	return s, nil
}

// Start begins running the schedule in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info("sweeper started", zap.Int("jobs", len(s.cron.Entries())))
}

// Stop stops the schedule and waits for a running sweep to finish or ctx to end.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce performs a single sweep and logs failures.
func (s *Scheduler) RunOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()
	if _, _, err := s.job.Sweep(ctx); err != nil {
		s.log.Error("scheduled push auth sweep failed", zap.Error(err))
	}
}
