package engine

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openherd/openherd/pkg/telemetry"
)

// SchedulerConfig configures the action scheduler.
type SchedulerConfig struct {
	// InstanceID is this engine instance's identifier.
	InstanceID string

	// MaxWorkers bounds concurrent action executions. Default 10.
	MaxWorkers int

	// PollInterval is the fallback tick when no wake-up arrives.
	// Default 2s.
	PollInterval time.Duration

	// BatchSize bounds how many READY actions one tick reads from the
	// store. Default 50.
	BatchSize int

	// LockLease is the lease granted on acquisition; the executor
	// renews it per driver attempt. Default 30s.
	LockLease time.Duration
}

// Scheduler continuously pulls READY actions for clusters owned by the
// local instance, acquires target locks and feeds actions to executor
// workers. Actions for the same target run strictly sequentially
// (enforced by the lock); actions for different targets run
// concurrently up to MaxWorkers.
type Scheduler struct {
	cfg        SchedulerConfig
	store      Store
	executor   *Executor
	dispatcher *Dispatcher
	logger     zerolog.Logger
	metrics    *telemetry.Metrics

	// wake coalesces wake-up requests; the loop also ticks on
	// PollInterval so nothing is lost if a wake-up races a tick.
	wake chan struct{}

	// sem is the worker pool semaphore.
	sem chan struct{}

	// deferred maps action IDs to the earliest next attempt after a
	// Busy lock failure, giving re-queued actions jittered backoff.
	mu       sync.Mutex
	deferred map[string]deferredEntry

	wg sync.WaitGroup
}

type deferredEntry struct {
	notBefore time.Time
	attempts  int
}

// deferredRetention bounds how long a deferred entry survives past its
// notBefore without another launch attempt refreshing it. Entries for
// actions that were cancelled or completed elsewhere have no launch to
// clear them and are dropped here instead of accumulating.
const deferredRetention = time.Minute

// NewScheduler creates a scheduler.
func NewScheduler(cfg SchedulerConfig, store Store, executor *Executor, dispatcher *Dispatcher, metrics *telemetry.Metrics, logger zerolog.Logger) *Scheduler {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 10
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.LockLease <= 0 {
		cfg.LockLease = 30 * time.Second
	}
	return &Scheduler{
		cfg:        cfg,
		store:      store,
		executor:   executor,
		dispatcher: dispatcher,
		metrics:    metrics,
		logger:     logger.With().Str("component", "scheduler").Logger(),
		wake:       make(chan struct{}, 1),
		sem:        make(chan struct{}, cfg.MaxWorkers),
		deferred:   make(map[string]deferredEntry),
	}
}

// Wake nudges the scheduler to look for runnable actions now. Safe to
// call from any goroutine; redundant wake-ups coalesce.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run drives the scheduling loop until the context is cancelled, then
// waits for in-flight workers. Workers are never force-killed mid
// driver call; cancellation propagates through their contexts.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return ctx.Err()
		case <-s.wake:
		case <-ticker.C:
		}
		s.tick(ctx)
	}
}

// tick schedules one batch of READY actions.
func (s *Scheduler) tick(ctx context.Context) {
	actions, err := s.store.ListReadyActions(ctx, s.cfg.BatchSize)
	if err != nil {
		s.logger.Warn().Err(err).Msg("listing ready actions failed")
		return
	}
	if s.metrics != nil {
		s.metrics.SetQueueDepth(len(actions))
	}

	now := time.Now()
	s.pruneDeferred(now)
	for _, action := range actions {
		if !s.dispatcher.Owns(s.cfg.InstanceID, action.ClusterID) {
			continue
		}
		if s.isDeferred(action.ID, now) {
			continue
		}

		// Respect the worker bound without blocking the loop; what we
		// cannot start stays READY for the next tick.
		select {
		case s.sem <- struct{}{}:
		default:
			return
		}

		if !s.launch(ctx, action) {
			<-s.sem
		}
	}
}

// launch acquires the target lock and the action, then hands the
// action to a worker. Returns false if the slot was not consumed.
func (s *Scheduler) launch(ctx context.Context, action *Action) bool {
	lock, err := s.acquireTargetLock(ctx, action)
	if err != nil {
		if IsBusy(err) {
			s.deferAction(action.ID)
			if s.metrics != nil {
				s.metrics.ObserveLockAcquire("busy")
			}
		} else {
			s.logger.Warn().Err(err).Str("action", action.ID).Msg("lock acquisition failed")
		}
		return false
	}
	if s.metrics != nil {
		s.metrics.ObserveLockAcquire("acquired")
	}

	got, err := s.store.AcquireAction(ctx, action.ID, s.cfg.InstanceID)
	if err != nil || !got {
		// Another instance or a cancellation got there first.
		if err != nil {
			s.logger.Warn().Err(err).Str("action", action.ID).Msg("action acquisition failed")
		}
		if relErr := s.store.ReleaseLock(ctx, lock); relErr != nil {
			s.logger.Warn().Err(relErr).Msg("lock release failed")
		}
		return false
	}

	s.clearDeferred(action.ID)
	action.Owner = s.cfg.InstanceID
	action.Status = ActionStatusRunning

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() { <-s.sem }()

		started := time.Now()
		err := s.executor.Execute(ctx, action, lock)
		if s.metrics != nil {
			outcome := "succeeded"
			if err != nil {
				outcome = string(classify(err))
			}
			s.metrics.ObserveActionCompleted(string(action.Type), outcome, time.Since(started))
		}
		// Completion may have unblocked dependents.
		s.Wake()
	}()
	return true
}

// acquireTargetLock tries the lock once, breaking a stale lease first
// so reassigned clusters are not wedged behind a dead owner.
func (s *Scheduler) acquireTargetLock(ctx context.Context, action *Action) (*Lock, error) {
	lock, err := s.store.AcquireLock(ctx, action.Target, s.cfg.InstanceID, action.ID, s.cfg.LockLease)
	if err == nil || !IsBusy(err) {
		return lock, err
	}

	broken, bErr := s.store.BreakStale(ctx, action.Target)
	if bErr != nil {
		s.logger.Warn().Err(bErr).Str("target", action.Target).Msg("breaking stale lock failed")
		return nil, err
	}
	if !broken {
		return nil, err
	}
	s.logger.Info().Str("target", action.Target).Msg("broke stale lock")
	return s.store.AcquireLock(ctx, action.Target, s.cfg.InstanceID, action.ID, s.cfg.LockLease)
}

func (s *Scheduler) isDeferred(actionID string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.deferred[actionID]
	return ok && now.Before(entry.notBefore)
}

// deferAction re-queues a Busy action with jittered exponential
// backoff, capped at ten seconds.
func (s *Scheduler) deferAction(actionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := s.deferred[actionID]
	entry.attempts++
	base := 200 * time.Millisecond << uint(entry.attempts-1)
	if base > 10*time.Second {
		base = 10 * time.Second
	}
	jitter := time.Duration(rand.Int63n(int64(base)/2 + 1))
	entry.notBefore = time.Now().Add(base + jitter)
	s.deferred[actionID] = entry
}

func (s *Scheduler) clearDeferred(actionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.deferred, actionID)
}

// pruneDeferred drops entries whose backoff window passed long ago.
func (s *Scheduler) pruneDeferred(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, entry := range s.deferred {
		if now.Sub(entry.notBefore) > deferredRetention {
			delete(s.deferred, id)
		}
	}
}

func classify(err error) ErrorClass {
	if c, ok := classOf(err); ok {
		return c
	}
	return ErrorClassInternal
}
