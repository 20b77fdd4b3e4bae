// Package scheduler decides when the device agent syncs. Triggers from the
// call log, a timer, the user and the recording watcher all funnel into one
// loop. At most one cycle runs per data dir, across processes.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/marcus/callsync/internal/db"
	"github.com/marcus/callsync/internal/models"
	"github.com/marcus/callsync/internal/recording"
	csync "github.com/marcus/callsync/internal/sync"
)

// Trigger names the reason a cycle ran.
const (
	TriggerCallEnded = "call_ended"
	TriggerInterval  = "interval"
	TriggerManual    = "manual"
	TriggerBoot      = "boot"
	TriggerRecording = "recording_appeared"
)

// DefaultInterval is the periodic sync interval when none is configured.
const DefaultInterval = 15 * time.Minute

// DefaultBusyRetry is how long a trigger that found another process syncing
// waits before it is queued again.
const DefaultBusyRetry = 30 * time.Second

// Runner runs one sync cycle. *sync.Engine implements it.
type Runner interface {
	RunCycle(ctx context.Context, trigger string) (*csync.CycleReport, error)
}

// Config tunes a Scheduler.
type Config struct {
	Interval time.Duration

	// BusyRetry delays a trigger that found the cycle lock held by another
	// process. Zero means DefaultBusyRetry.
	BusyRetry time.Duration

	// BackgroundAllowed is consulted before every automatic cycle. A false
	// answer skips the cycle; the work waits for the next trigger. Manual
	// triggers always run. Nil means always allowed.
	BackgroundAllowed func() bool

	// Watcher, when set, turns newly written recordings into triggers.
	Watcher      *recording.Watcher
	WatcherRoots []string

	// OnCycle is called after every cycle with its report.
	OnCycle func(*csync.CycleReport, error)

	Logger *slog.Logger
}

// Scheduler serializes sync cycles and coalesces triggers that arrive while
// a cycle runs into a single follow-up cycle.
type Scheduler struct {
	runner Runner
	store  *db.DB
	cfg    Config
	logger *slog.Logger

	kick chan struct{}

	mu      sync.Mutex
	pending string
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	busy    *time.Timer

	cycleMu sync.Mutex
}

// New creates a scheduler. It does nothing until Start.
func New(runner Runner, store *db.DB, cfg Config) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.BusyRetry <= 0 {
		cfg.BusyRetry = DefaultBusyRetry
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		runner: runner,
		store:  store,
		cfg:    cfg,
		logger: logger.With("component", "scheduler"),
		kick:   make(chan struct{}, 1),
	}
}

// Start starts the watcher and the loop, and queues a boot cycle.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already running")
	}
	s.running = true
	s.mu.Unlock()

	var batches <-chan []string
	var watchErrs <-chan error
	if s.cfg.Watcher != nil {
		if err := s.cfg.Watcher.Start(s.cfg.WatcherRoots); err != nil {
			// Interval and call-ended triggers still cover new recordings.
			s.logger.Warn("recording watcher disabled", "err", err)
		} else {
			batches = s.cfg.Watcher.Batches()
			watchErrs = s.cfg.Watcher.Errors()
		}
	}

	lctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.mu.Lock()
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	go s.loop(lctx, batches, watchErrs, done)
	s.Trigger(TriggerBoot)
	return nil
}

// Stop cancels the loop and waits for it to exit. A cycle in progress sees
// its context cancelled; an in-flight chunk finishes before it returns.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	var err error
	if s.cfg.Watcher != nil {
		err = s.cfg.Watcher.Stop()
	}
	s.setStopped()
	return err
}

func (s *Scheduler) setStopped() {
	s.mu.Lock()
	s.running = false
	s.cancel = nil
	s.done = nil
	if s.busy != nil {
		s.busy.Stop()
		s.busy = nil
	}
	s.mu.Unlock()
}

// Trigger asks for a cycle. It never blocks; if a cycle is already queued
// the request merges into it. A merged manual request keeps the queued cycle
// exempt from BackgroundAllowed.
func (s *Scheduler) Trigger(reason string) {
	s.mu.Lock()
	if s.pending == "" || reason == TriggerManual {
		s.pending = reason
	}
	s.mu.Unlock()

	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Manual queues a user-requested cycle.
func (s *Scheduler) Manual() {
	s.Trigger(TriggerManual)
}

// CallEnded records a finished call and queues a cycle for it.
func (s *Scheduler) CallEnded(ctx context.Context, rec models.CallRecord) error {
	if _, err := s.store.UpsertCall(ctx, rec); err != nil {
		return fmt.Errorf("record call: %w", err)
	}
	s.Trigger(TriggerCallEnded)
	return nil
}

// RunNow runs one cycle synchronously. It waits for a cycle in progress in
// this process, but fails with db.ErrCycleRunning when another process holds
// the cycle lock. Recordings left compressing or uploading by a process that
// died are requeued first, under the same lock, so a live upload is never
// mistaken for an interrupted one.
func (s *Scheduler) RunNow(ctx context.Context, reason string) (*csync.CycleReport, error) {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()

	lock, err := s.store.TryCycleLock()
	if err != nil {
		return nil, err
	}
	defer lock.Release()

	n, err := s.store.RecoverInterrupted(ctx)
	if err != nil {
		return nil, fmt.Errorf("recover interrupted uploads: %w", err)
	}
	if n > 0 {
		s.logger.Info("requeued interrupted recordings", "count", n)
	}
	return s.runner.RunCycle(ctx, reason)
}

// retryWhenFree queues reason again after BusyRetry. Repeated calls while a
// retry is pending merge into it.
func (s *Scheduler) retryWhenFree(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || s.busy != nil {
		return
	}
	s.busy = time.AfterFunc(s.cfg.BusyRetry, func() {
		s.mu.Lock()
		s.busy = nil
		s.mu.Unlock()
		s.Trigger(reason)
	})
}

func (s *Scheduler) loop(ctx context.Context, batches <-chan []string, watchErrs <-chan error, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			s.Trigger(TriggerInterval)

		case batch, ok := <-batches:
			if !ok {
				batches = nil
				continue
			}
			s.logger.Debug("recordings appeared", "files", len(batch))
			s.Trigger(TriggerRecording)

		case err, ok := <-watchErrs:
			if !ok {
				watchErrs = nil
				continue
			}
			s.logger.Warn("recording watcher error", "err", err)

		case <-s.kick:
			s.mu.Lock()
			reason := s.pending
			s.pending = ""
			s.mu.Unlock()
			if reason == "" {
				continue
			}
			s.run(ctx, reason)
		}
	}
}

func (s *Scheduler) run(ctx context.Context, reason string) {
	if reason != TriggerManual && s.cfg.BackgroundAllowed != nil && !s.cfg.BackgroundAllowed() {
		s.logger.Debug("background sync not allowed, skipping", "trigger", reason)
		return
	}

	rep, err := s.RunNow(ctx, reason)
	if errors.Is(err, db.ErrCycleRunning) {
		s.logger.Debug("another process is syncing, will retry", "trigger", reason, "err", err)
		s.retryWhenFree(reason)
		return
	}
	if err != nil && ctx.Err() == nil {
		s.logger.Warn("sync cycle had errors", "trigger", reason, "err", err)
	}
	if s.cfg.OnCycle != nil {
		s.cfg.OnCycle(rep, err)
	}
}
