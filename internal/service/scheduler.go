// internal/service/scheduler.go
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	appErrors "github.com/unclebandit/smsleopard-dispatch/internal/errors"
	"github.com/unclebandit/smsleopard-dispatch/internal/logging"
	"github.com/unclebandit/smsleopard-dispatch/internal/model"
	"github.com/unclebandit/smsleopard-dispatch/internal/queue"
	"github.com/unclebandit/smsleopard-dispatch/internal/repository"
)

const scanLimit = 100

type SchedulerConfig struct {
	Interval       time.Duration
	ResumeInterval time.Duration
	StaleAfter     time.Duration
}

func (c SchedulerConfig) withDefaults() SchedulerConfig {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.ResumeInterval <= 0 {
		c.ResumeInterval = time.Minute
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 5 * time.Minute
	}
	return c
}

// Activator is the part of the Dispatcher the scheduler needs.
type Activator interface {
	Activate(ctx context.Context, id int) (*model.Campaign, error)
}

// Scheduler activates due campaigns and re-submits stuck ones. Passes run
// on the dispatch queue, never on the scheduler's goroutine.
type Scheduler struct {
	Campaigns repository.CampaignRepositoryInterface
	Activator Activator
	Queue     queue.Queue
	Log       *zap.Logger

	cfg SchedulerConfig
	now func() time.Time

	mu     sync.Mutex
	cron   *cron.Cron
	cancel context.CancelFunc
}

func NewScheduler(campaigns repository.CampaignRepositoryInterface, activator Activator, q queue.Queue, log *zap.Logger, cfg SchedulerConfig) *Scheduler {
	return &Scheduler{
		Campaigns: campaigns,
		Activator: activator,
		Queue:     q,
		Log:       log,
		cfg:       cfg.withDefaults(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Start schedules Tick and ResumeStale. It is a no-op when already running.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return nil
	}

	// Runs outlive the caller's context; Stop cancels them.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	cl := logging.NewCronLogger(s.Log)
	c := cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))

	if _, err := c.AddFunc(fmt.Sprintf("@every %s", s.cfg.Interval), func() {
		if _, err := s.Tick(runCtx); err != nil {
			s.Log.Error("scheduler tick failed", zap.Error(err))
		}
	}); err != nil {
		cancel()
		return fmt.Errorf("schedule tick: %w", err)
	}
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", s.cfg.ResumeInterval), func() {
		if _, err := s.ResumeStale(runCtx); err != nil {
			s.Log.Error("resume sweep failed", zap.Error(err))
		}
	}); err != nil {
		cancel()
		return fmt.Errorf("schedule resume sweep: %w", err)
	}

	c.Start()
	s.cron = c
	s.cancel = cancel
	s.Log.Info("scheduler started",
		zap.Duration("interval", s.cfg.Interval),
		zap.Duration("resume_interval", s.cfg.ResumeInterval))
	return nil
}

// Stop halts the schedule and waits for running jobs until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	c, cancel := s.cron, s.cancel
	s.cron, s.cancel = nil, nil
	s.mu.Unlock()
	if c == nil {
		return nil
	}

	stopped := c.Stop()
	defer cancel()
	select {
	case <-stopped.Done():
		s.Log.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cron != nil
}

type TickReport struct {
	Due       int   `json:"due"`
	Activated []int `json:"activated"`
	Skipped   []int `json:"skipped"`
	Failed    []int `json:"failed"`
}

// Tick activates every scheduled campaign whose time has come and queues a
// pass for it. Concurrent ticks are safe: only one caller wins each
// campaign's conditional activation, the others skip it.
func (s *Scheduler) Tick(ctx context.Context) (TickReport, error) {
	report := TickReport{Activated: []int{}, Skipped: []int{}, Failed: []int{}}
	due, err := s.Campaigns.ListDue(ctx, s.now(), scanLimit)
	if err != nil {
		return report, fmt.Errorf("list due campaigns: %w", err)
	}
	report.Due = len(due)

	for _, c := range due {
		if _, err := s.Activator.Activate(ctx, c.ID); err != nil {
			var invalid *appErrors.ErrInvalidTransition
			if errors.Is(err, appErrors.ErrCampaignAlreadySending) || errors.As(err, &invalid) {
				report.Skipped = append(report.Skipped, c.ID)
				continue
			}
			s.Log.Error("failed to activate campaign", zap.Int("campaign_id", c.ID), zap.Error(err))
			report.Failed = append(report.Failed, c.ID)
			continue
		}
		report.Activated = append(report.Activated, c.ID)
		if err := EnqueueDispatch(ctx, s.Queue, c.ID, ActionResume); err != nil {
			// The resume sweep picks it up once it goes stale.
			s.Log.Error("failed to enqueue dispatch", zap.Int("campaign_id", c.ID), zap.Error(err))
		}
	}
	if report.Due > 0 {
		s.Log.Info("scheduler tick",
			zap.Int("due", report.Due),
			zap.Int("activated", len(report.Activated)),
			zap.Int("skipped", len(report.Skipped)))
	}
	return report, nil
}

// ResumeStale re-submits sending campaigns with no progress for StaleAfter.
func (s *Scheduler) ResumeStale(ctx context.Context) (int, error) {
	stale, err := s.Campaigns.ListStale(ctx, s.now().Add(-s.cfg.StaleAfter), scanLimit)
	if err != nil {
		return 0, fmt.Errorf("list stale campaigns: %w", err)
	}
	n := 0
	for _, c := range stale {
		if err := EnqueueDispatch(ctx, s.Queue, c.ID, ActionResume); err != nil {
			s.Log.Error("failed to enqueue resume", zap.Int("campaign_id", c.ID), zap.Error(err))
			continue
		}
		n++
	}
	if n > 0 {
		s.Log.Info("resubmitted stale campaigns", zap.Int("count", n))
	}
	return n, nil
}
