// Package scheduler refreshes the online catalogs on a cron schedule.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/extbridge/pkg/async"
)

// Refresher refreshes every catalog and runs the auto-updater
type Refresher interface {
	RefreshAll(ctx context.Context) error
}

// Scheduler runs Refresher on a schedule. A run still in progress when the
// next one is due is skipped.
type Scheduler struct {
	cron      *cron.Cron
	refresher Refresher
	timeout   time.Duration
	logger    *logrus.Logger
	running   atomic.Bool
	ctx       context.Context
	cancel    context.CancelFunc

	mu      sync.Mutex
	stopped bool
	manual  sync.WaitGroup
}

// New parses schedule (standard cron syntax or a descriptor such as
// "@every 6h"). Each run is bounded by timeout.
func New(schedule string, refresher Refresher, timeout time.Duration, logger *logrus.Logger) (*Scheduler, error) {
	if refresher == nil {
		return nil, fmt.Errorf("refresher is required")
	}
	if logger == nil {
		logger = logrus.New()
	}
	if timeout <= 0 {
		timeout = time.Hour
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cron:      cron.New(),
		refresher: refresher,
		timeout:   timeout,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
	}
	if _, err := s.cron.AddFunc(schedule, s.Run); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to schedule catalog refresh %q: %w", schedule, err)
	}
	return s, nil
}

// Start begins scheduling in the background
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Infof("Catalog refresh scheduled, next run at %s", s.Next().Format(time.RFC3339))
}

// Next returns when the refresh runs next. It is zero before Start.
func (s *Scheduler) Next() time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

// Run refreshes once unless a refresh is already running
func (s *Scheduler) Run() {
	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()
	s.refresh(ctx)
}

// RunNow starts a refresh in the background, outside the schedule. It
// shares the overlap guard with scheduled runs and Stop waits for it. The
// returned channel closes when the run returns or was skipped.
func (s *Scheduler) RunNow() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		done := make(chan struct{})
		close(done)
		return done
	}

	s.manual.Add(1)
	return async.SafeGo(s.ctx, s.logger, s.timeout, "catalog refresh", func(ctx context.Context) error {
		defer s.manual.Done()
		s.refresh(ctx)
		return nil
	})
}

func (s *Scheduler) refresh(ctx context.Context) {
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Warnf("Catalog refresh still running, skipping this run")
		return
	}
	defer s.running.Store(false)

	start := time.Now()
	s.logger.Infof("Refreshing online repositories")
	if err := s.refresher.RefreshAll(ctx); err != nil {
		s.logger.Errorf("Catalog refresh failed: %v", err)
		return
	}
	s.logger.Infof("Catalog refresh completed in %s", time.Since(start).Round(time.Millisecond))
}

// Stop cancels running refreshes, scheduled or started by RunNow, and
// waits for them to return or for ctx to expire
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	s.cancel()
	cronStopped := s.cron.Stop()

	finished := make(chan struct{})
	go func() {
		<-cronStopped.Done()
		s.manual.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
