package training

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/stitts-dev/hoops-projections/internal/ml/registry"
)

// DefaultMaxModelAge is how old an active model may get before a scheduled
// run retrains it.
const DefaultMaxModelAge = 7 * 24 * time.Hour

// Scheduler retrains stale models on a cron schedule.
type Scheduler struct {
	trainer   *Trainer
	registry  *registry.Registry
	stats     []string
	schedule  string
	maxAge    time.Duration
	onTrained func(stats []string)
	logger    *logrus.Entry
	now       func() time.Time

	cron      *cron.Cron
	mu        sync.Mutex
	isRunning bool
	guard     runGuard
	lastRun   time.Time
}

type SchedulerOption func(*Scheduler)

// WithMaxAge sets the age after which a model is retrained.
func WithMaxAge(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.maxAge = d
		}
	}
}

// WithOnTrained registers a callback invoked with the stats that produced a
// new active model.
func WithOnTrained(fn func(stats []string)) SchedulerOption {
	return func(s *Scheduler) { s.onTrained = fn }
}

func WithSchedulerLogger(logger *logrus.Entry) SchedulerOption {
	return func(s *Scheduler) { s.logger = logger }
}

func WithSchedulerClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) { s.now = now }
}

func NewScheduler(trainer *Trainer, reg *registry.Registry, statTypes []string, schedule string, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		trainer:  trainer,
		registry: reg,
		stats:    append([]string(nil), statTypes...),
		schedule: schedule,
		maxAge:   DefaultMaxModelAge,
		logger:   logrus.NewEntry(logrus.StandardLogger()),
		now:      time.Now,
		cron:     cron.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ShouldRetrain reports whether statType has no model or its active model was
// registered more than maxAge before asOf.
func (s *Scheduler) ShouldRetrain(statType string, asOf time.Time) bool {
	entry, ok := s.registry.ActiveEntry(statType)
	if !ok {
		return true
	}
	return asOf.Sub(entry.RegisteredAt) > s.maxAge
}

// RunScheduled trains every stale stat as of endDate. A call made while
// another run is in progress returns immediately with no results.
func (s *Scheduler) RunScheduled(ctx context.Context, endDate time.Time) (map[string]*Result, map[string]error) {
	if !s.guard.tryStart() {
		s.logger.Warn("Training run already in progress, skipping")
		return nil, nil
	}
	defer s.guard.done()

	var stale []string
	for _, st := range s.stats {
		if s.ShouldRetrain(st, endDate) {
			stale = append(stale, st)
		}
	}
	if len(stale) == 0 {
		s.logger.Info("All models are fresh, nothing to train")
		return map[string]*Result{}, map[string]error{}
	}

	s.logger.WithField("stats", stale).Info("Starting scheduled training")
	results, failures := s.trainer.TrainAll(ctx, stale, endDate, "")
	for st, err := range failures {
		s.logger.WithError(err).WithField("stat_type", st).Error("Scheduled training failed")
	}

	s.mu.Lock()
	s.lastRun = s.now()
	s.mu.Unlock()

	if s.onTrained != nil && len(results) > 0 {
		trained := make([]string, 0, len(results))
		for _, st := range stale {
			if _, ok := results[st]; ok {
				trained = append(trained, st)
			}
		}
		s.onTrained(trained)
	}
	return results, failures
}

// Start schedules RunScheduled on the configured cron schedule.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isRunning {
		return fmt.Errorf("training scheduler is already running")
	}
	_, err := s.cron.AddFunc(s.schedule, func() {
		s.RunScheduled(context.Background(), s.now())
	})
	if err != nil {
		return fmt.Errorf("failed to schedule training: %w", err)
	}

	s.cron.Start()
	s.isRunning = true
	s.logger.WithField("schedule", s.schedule).Info("Training scheduler started")
	return nil
}

// Stop halts the schedule and waits for a running job to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	ctx := s.cron.Stop()
	s.isRunning = false
	s.mu.Unlock()

	// A running job takes s.mu to record its finish time.
	<-ctx.Done()
	s.logger.Info("Training scheduler stopped")
}

// Status describes the scheduler for health endpoints.
func (s *Scheduler) Status() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.cron.Entries()
	nextRuns := make([]time.Time, 0, len(entries))
	for _, entry := range entries {
		nextRuns = append(nextRuns, entry.Next)
	}
	return map[string]interface{}{
		"is_running": s.isRunning,
		"schedule":   s.schedule,
		"max_age":    s.maxAge.String(),
		"last_run":   s.lastRun,
		"next_runs":  nextRuns,
	}
}
