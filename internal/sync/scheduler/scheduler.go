// Package scheduler decides when the outbox is drained: on reconnect, on
// startup with a non-empty queue, on manual request and on a retry timer.
// Every trigger goes through one channel of capacity 1 and a single worker
// runs the drains, so triggers that arrive while a drain is queued or
// running coalesce.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fieldops/spbsync/internal/connectivity"
	"github.com/fieldops/spbsync/internal/errors"
	"github.com/fieldops/spbsync/internal/logging"
	syncpkg "github.com/fieldops/spbsync/internal/sync"
)

// Reason records why a drain was requested.
type Reason string

const (
	ReasonStartup   Reason = "startup"
	ReasonReconnect Reason = "reconnect"
	ReasonManual    Reason = "manual"
	ReasonRetry     Reason = "retry"
	ReasonSave      Reason = "save"
)

// Backlog reports how many items wait in the outbox.
type Backlog interface {
	PendingCount(ctx context.Context) (int, error)
}

// Reconnector validates the session after connectivity returns.
type Reconnector interface {
	ValidateOnReconnect(ctx context.Context) error
}

// Config holds scheduler configuration.
type Config struct {
	// RetryInterval is how often the worker checks for items whose backoff
	// has elapsed.
	RetryInterval time.Duration
}

// DefaultConfig returns default scheduler configuration.
func DefaultConfig() Config {
	return Config{RetryInterval: time.Minute}
}

// Scheduler manages background drains.
type Scheduler struct {
	engine  syncpkg.Drainer
	backlog Backlog
	conn    connectivity.Observer
	auth    Reconnector
	cfg     Config
	log     *logging.Logger
	now     func() time.Time

	triggers   chan Reason
	revalidate atomic.Bool

	mu        sync.RWMutex
	isRunning bool
	stopCh    chan struct{}
	wg        sync.WaitGroup
	lastRun   time.Time
	lastCause Reason
	// holdUntil is the Retry-After deadline of the last rate limited drain.
	// Automatic triggers before it are skipped.
	holdUntil time.Time
}

// NewScheduler creates a new Scheduler. auth may be nil.
func NewScheduler(engine syncpkg.Drainer, backlog Backlog, conn connectivity.Observer, auth Reconnector, cfg Config, log *logging.Logger) *Scheduler {
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultConfig().RetryInterval
	}
	if log == nil {
		log = logging.Get()
	}
	return &Scheduler{
		engine:   engine,
		backlog:  backlog,
		conn:     conn,
		auth:     auth,
		cfg:      cfg,
		log:      log.With("scheduler"),
		now:      time.Now,
		triggers: make(chan Reason, 1),
	}
}

// Start launches the worker, the connectivity watcher and the retry timer.
// When online with a non-empty queue a drain is requested right away.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	updates, unsubscribe := s.conn.Subscribe()

	s.wg.Add(3)
	go s.worker(ctx)
	go s.watch(ctx, updates, unsubscribe)
	go s.retryLoop(ctx)

	if s.conn.Online() && s.hasBacklog(ctx) {
		s.enqueue(ReasonStartup)
	}
	s.log.Info("Background sync scheduler started", map[string]any{
		"retry_interval": s.cfg.RetryInterval.String(),
	})
}

// Stop stops the scheduler and waits for a running drain to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	s.log.Info("Background sync scheduler stopped")
}

// TriggerSync requests a drain that ignores retry backoff. It reports false
// when a request is already queued, in which case the two coalesce.
func (s *Scheduler) TriggerSync() bool {
	return s.enqueue(ReasonManual)
}

// Nudge requests a drain after a local write. Backoff is honored.
func (s *Scheduler) Nudge() bool {
	return s.enqueue(ReasonSave)
}

func (s *Scheduler) enqueue(r Reason) bool {
	select {
	case s.triggers <- r:
		return true
	default:
		s.log.Debug("Drain already requested, coalescing trigger", map[string]any{"reason": string(r)})
		return false
	}
}

func (s *Scheduler) worker(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case r := <-s.triggers:
			s.run(ctx, r)
		}
	}
}

func (s *Scheduler) run(ctx context.Context, r Reason) {
	if !s.conn.Online() {
		s.log.Debug("Skipping drain while offline", map[string]any{"reason": string(r)})
		return
	}

	if r != ReasonManual {
		if until := s.heldUntil(); !until.IsZero() {
			s.log.Debug("Skipping drain until rate limit ends", map[string]any{
				"reason": string(r),
				"until":  until.Format(time.RFC3339),
			})
			return
		}
	}

	if s.revalidate.Swap(false) && s.auth != nil {
		if err := s.auth.ValidateOnReconnect(ctx); err != nil {
			switch errors.KindOf(err) {
			case errors.KindAuth, errors.KindRateLimit:
				s.log.Warn("Session not usable after reconnect, drain skipped", map[string]any{
					"error": err.Error(),
				})
				s.hold(err)
				return
			}
			s.log.Warn("Session validation failed on reconnect", map[string]any{"error": err.Error()})
		}
	}

	opts := syncpkg.Options{Manual: r == ReasonManual}
	out, err := s.engine.Drain(ctx, opts)

	s.mu.Lock()
	s.lastRun = s.now()
	s.lastCause = r
	s.mu.Unlock()
	if out == nil || !out.Coalesced {
		s.hold(err)
	}

	if err != nil {
		s.log.ErrorWithCode("Drain failed", string(errors.ErrSyncFailed), err, map[string]any{"reason": string(r)})
		return
	}
	if out != nil && out.Processed > 0 {
		s.log.Info("Drain completed", map[string]any{
			"reason":    string(r),
			"succeeded": out.Succeeded,
			"failed":    out.Failed + out.Parked,
			"remaining": out.Remaining,
		})
	}
}

// watch turns offline to online transitions into reconnect triggers.
func (s *Scheduler) watch(ctx context.Context, updates <-chan bool, unsubscribe func()) {
	defer s.wg.Done()
	defer unsubscribe()

	// The first value is the state at subscription time.
	online, seen := false, false
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case v, ok := <-updates:
			if !ok {
				return
			}
			if v && !online && seen {
				s.log.Info("Connectivity restored")
				s.revalidate.Store(true)
				s.enqueue(ReasonReconnect)
			}
			online, seen = v, true
		}
	}
}

func (s *Scheduler) retryLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.RetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if !s.heldUntil().IsZero() {
				continue
			}
			if s.conn.Online() && s.hasBacklog(ctx) {
				s.enqueue(ReasonRetry)
			}
		}
	}
}

// hold records the Retry-After deadline carried by err. Any other outcome
// clears it.
func (s *Scheduler) hold(err error) {
	var until time.Time
	if wait := errors.RetryAfter(err); wait > 0 {
		until = s.now().Add(wait)
	}
	s.mu.Lock()
	s.holdUntil = until
	s.mu.Unlock()
}

// heldUntil returns the pending Retry-After deadline, zero once it passed.
func (s *Scheduler) heldUntil() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.holdUntil.IsZero() || !s.now().Before(s.holdUntil) {
		return time.Time{}
	}
	return s.holdUntil
}

func (s *Scheduler) hasBacklog(ctx context.Context) bool {
	n, err := s.backlog.PendingCount(ctx)
	if err != nil {
		s.log.Error("Failed to count pending items", err)
		return false
	}
	return n > 0
}

// Status is a snapshot of the scheduler.
type Status struct {
	IsRunning  bool       `json:"is_running"`
	IsOnline   bool       `json:"is_online"`
	Draining   bool       `json:"draining"`
	LastRun    *time.Time `json:"last_run,omitempty"`
	LastReason Reason     `json:"last_reason,omitempty"`
	// RetryAfter is set while automatic drains wait out a rate limit.
	RetryAfter *time.Time `json:"retry_after,omitempty"`
}

// GetStatus returns the current status of the scheduler.
func (s *Scheduler) GetStatus() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Status{
		IsRunning:  s.isRunning,
		IsOnline:   s.conn.Online(),
		Draining:   s.engine.Status().Status == syncpkg.StatusSyncing,
		LastReason: s.lastCause,
	}
	if !s.lastRun.IsZero() {
		t := s.lastRun
		st.LastRun = &t
	}
	if !s.holdUntil.IsZero() && s.now().Before(s.holdUntil) {
		t := s.holdUntil
		st.RetryAfter = &t
	}
	return st
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}
