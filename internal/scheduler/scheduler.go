package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Rescheduler restarts every running session.
type Rescheduler interface {
	RescheduleAll(ctx context.Context) ([]int64, error)
}

// Scheduler rebuilds all running sessions once a day so each date window
// is recomputed from the new "tomorrow".
type Scheduler struct {
	Registry Rescheduler
	Spec     string
	Location *time.Location
	Logger   *zap.Logger

	mu sync.Mutex
	wg sync.WaitGroup
}

// Validate checks Spec before anything is started.
func (s *Scheduler) Validate() error {
	if _, err := cron.ParseStandard(s.Spec); err != nil {
		return fmt.Errorf("reschedule spec %q: %w", s.Spec, err)
	}
	return nil
}

func (s *Scheduler) Run(ctx context.Context) error {
	loc := s.Location
	if loc == nil {
		loc = time.Local
	}
	log := s.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("scheduler")

	c := cron.New(cron.WithLocation(loc))
	if _, err := c.AddFunc(s.Spec, func() { s.tick(ctx, log) }); err != nil {
		return fmt.Errorf("reschedule spec %q: %w", s.Spec, err)
	}
	c.Start()
	log.Info("daily reschedule armed", zap.String("spec", s.Spec), zap.String("tz", loc.String()),
		zap.Time("next", c.Entries()[0].Next))

	<-ctx.Done()
	<-c.Stop().Done()
	s.wg.Wait()
	return ctx.Err()
}

// tick runs one reschedule; an overlapping trigger is skipped.
func (s *Scheduler) tick(ctx context.Context, log *zap.Logger) {
	if !s.mu.TryLock() {
		log.Warn("previous reschedule still running, skipping")
		return
	}
	defer s.mu.Unlock()
	if ctx.Err() != nil {
		return
	}
	s.wg.Add(1)
	defer s.wg.Done()

	start := time.Now()
	ids, err := s.Registry.RescheduleAll(ctx)
	if err != nil {
		log.Error("reschedule", zap.Error(err), zap.Int("restarted", len(ids)))
		return
	}
	log.Info("reschedule done", zap.Int("restarted", len(ids)), zap.Duration("took", time.Since(start)))
}
