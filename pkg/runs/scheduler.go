package runs

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// SyncFunc performs one incremental sync. It is satisfied by the
// reconciliation engine but avoids a dependency cycle.
type SyncFunc func(ctx context.Context, trigger Trigger) error

// SchedulerConfig controls periodic runs and history maintenance.
type SchedulerConfig struct {
	Interval            time.Duration // Incremental run period. Zero disables the ticker.
	StuckTimeout        time.Duration // Running rows older than this are aborted. Zero disables.
	RetentionDays       int           // Finished rows older than this are deleted. Zero disables.
	MaintenanceInterval time.Duration // Default 1m.
	RunOnStart          bool          // Fire one run as soon as Run starts.
}

// Scheduler fires incremental syncs on a ticker and on demand. Triggers that
// arrive while a sync is in flight join it instead of starting another.
type Scheduler struct {
	store  *Store
	sync   SyncFunc
	cfg    SchedulerConfig
	logger *slog.Logger

	group    singleflight.Group
	inFlight atomic.Bool
	wg       sync.WaitGroup

	mu      sync.Mutex
	baseCtx context.Context
}

// NewScheduler creates a new Scheduler. store may be nil, which disables
// history maintenance.
func NewScheduler(store *Store, fn SyncFunc, cfg SchedulerConfig, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaintenanceInterval <= 0 {
		cfg.MaintenanceInterval = time.Minute
	}
	return &Scheduler{
		store:   store,
		sync:    fn,
		cfg:     cfg,
		logger:  logger,
		baseCtx: context.Background(),
	}
}

// InProgress reports whether a sync started by this scheduler is running.
func (s *Scheduler) InProgress() bool {
	return s.inFlight.Load()
}

// Trigger runs a sync, or waits for the one already in flight. shared is
// true when the caller joined another caller's sync.
func (s *Scheduler) Trigger(ctx context.Context, trigger Trigger) (shared bool, err error) {
	_, err, shared = s.group.Do("sync", func() (any, error) {
		s.inFlight.Store(true)
		defer s.inFlight.Store(false)
		return nil, s.sync(ctx, trigger)
	})
	return shared, err
}

// TriggerAsync starts a sync in the background and returns false when one
// is already running. The sync outlives the request that asked for it and
// stops when the scheduler stops.
func (s *Scheduler) TriggerAsync(trigger Trigger) bool {
	if !s.inFlight.CompareAndSwap(false, true) {
		return false
	}
	s.mu.Lock()
	ctx := s.baseCtx
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_, err, _ := s.group.Do("sync", func() (any, error) {
			defer s.inFlight.Store(false)
			return nil, s.sync(ctx, trigger)
		})
		if err != nil {
			s.logger.Error("triggered sync failed", "trigger", trigger, "error", err)
		}
	}()
	return true
}

// Run starts the ticker and maintenance loops. It blocks until ctx is
// cancelled, then waits for in-flight work to finish.
func (s *Scheduler) Run(ctx context.Context) {
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()

	s.logger.Info("scheduler starting",
		"interval", s.cfg.Interval.String(),
		"stuckTimeout", s.cfg.StuckTimeout.String(),
		"retentionDays", s.cfg.RetentionDays)

	if s.store != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.maintenanceLoop(ctx)
		}()
	}

	if s.cfg.Interval > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.tickLoop(ctx)
		}()
	}

	<-ctx.Done()
	s.logger.Info("scheduler shutting down, waiting for running sync")
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) tickLoop(ctx context.Context) {
	if s.cfg.RunOnStart {
		s.fire(ctx)
	}

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.fire(ctx)
		}
	}
}

func (s *Scheduler) fire(ctx context.Context) {
	shared, err := s.Trigger(ctx, TriggerSchedule)
	if err != nil && ctx.Err() == nil {
		// The next tick is the retry.
		s.logger.Error("scheduled sync failed", "error", err, "shared", shared)
	}
}

func (s *Scheduler) maintenanceLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Maintain(ctx)
		}
	}
}

// Maintain recovers stuck runs and prunes old history once.
func (s *Scheduler) Maintain(ctx context.Context) {
	if s.store == nil {
		return
	}

	if s.cfg.StuckTimeout > 0 && !s.InProgress() {
		recovered, err := s.store.CleanupStuck(ctx, s.cfg.StuckTimeout)
		if err != nil {
			s.logger.Error("failed to cleanup stuck runs", "error", err)
		} else if recovered > 0 {
			s.logger.Warn("marked stuck runs aborted", "count", recovered)
		}
	}

	if s.cfg.RetentionDays > 0 {
		cutoff := time.Now().AddDate(0, 0, -s.cfg.RetentionDays)
		deleted, err := s.store.DeleteOlderThan(ctx, cutoff)
		if err != nil {
			s.logger.Error("failed to delete old runs", "error", err)
		} else if deleted > 0 {
			s.logger.Info("deleted old runs", "count", deleted)
		}
	}
}
