package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/marcus/callsync/internal/db"
	"github.com/marcus/callsync/internal/models"
	csync "github.com/marcus/callsync/internal/sync"
)

// blockingRunner records each cycle and holds it until released.
type blockingRunner struct {
	started chan string
	release chan struct{}

	mu       sync.Mutex
	triggers []string
}

func newBlockingRunner() *blockingRunner {
	return &blockingRunner{started: make(chan string, 16), release: make(chan struct{})}
}

func (r *blockingRunner) RunCycle(ctx context.Context, trigger string) (*csync.CycleReport, error) {
	r.mu.Lock()
	r.triggers = append(r.triggers, trigger)
	r.mu.Unlock()
	r.started <- trigger
	select {
	case <-r.release:
	case <-ctx.Done():
	}
	return &csync.CycleReport{Trigger: trigger}, nil
}

func (r *blockingRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.triggers)
}

func waitStarted(t *testing.T, r *blockingRunner) string {
	t.Helper()
	select {
	case trig := <-r.started:
		return trig
	case <-time.After(5 * time.Second):
		t.Fatal("cycle did not start")
		return ""
	}
}

func newTestStore(t *testing.T) *db.DB {
	t.Helper()
	store, err := db.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func quietConfig() Config {
	return Config{
		Interval: time.Hour,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func TestBootCycleRunsOnStart(t *testing.T) {
	r := newBlockingRunner()
	s := New(r, newTestStore(t), quietConfig())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	if trig := waitStarted(t, r); trig != TriggerBoot {
		t.Fatalf("first trigger = %q, want %q", trig, TriggerBoot)
	}
	r.release <- struct{}{}

	if err := s.Start(context.Background()); err == nil {
		t.Error("second Start should fail")
	}
}

func TestTriggersDuringCycleCoalesce(t *testing.T) {
	r := newBlockingRunner()
	s := New(r, newTestStore(t), quietConfig())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	waitStarted(t, r) // boot cycle is now blocked

	s.Manual()
	s.Trigger(TriggerCallEnded)
	s.Trigger(TriggerRecording)

	r.release <- struct{}{}
	if trig := waitStarted(t, r); trig != TriggerManual {
		t.Errorf("follow-up trigger = %q, want %q", trig, TriggerManual)
	}
	r.release <- struct{}{}

	time.Sleep(100 * time.Millisecond)
	if n := r.count(); n != 2 {
		t.Fatalf("cycles = %d, want exactly 2", n)
	}
}

func TestBackgroundNotAllowed(t *testing.T) {
	r := newBlockingRunner()
	cfg := quietConfig()
	cfg.BackgroundAllowed = func() bool { return false }
	s := New(r, newTestStore(t), cfg)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	s.Trigger(TriggerInterval)
	s.Manual()

	if trig := waitStarted(t, r); trig != TriggerManual {
		t.Fatalf("trigger = %q, want only the manual cycle", trig)
	}
	r.release <- struct{}{}
	if n := r.count(); n != 1 {
		t.Fatalf("cycles = %d, want 1", n)
	}
}

func TestCallEndedStoresCall(t *testing.T) {
	r := newBlockingRunner()
	store := newTestStore(t)
	cfg := quietConfig()
	reports := make(chan *csync.CycleReport, 4)
	cfg.OnCycle = func(rep *csync.CycleReport, err error) { reports <- rep }
	s := New(r, store, cfg)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()
	waitStarted(t, r)
	r.release <- struct{}{}
	<-reports

	rec := models.CallRecord{
		CompositeID:     models.CompositeID(models.CallOutgoing, "dev1", "5550100", 1710513000000),
		PhoneNumber:     "5550100",
		CallType:        models.CallOutgoing,
		StartedAt:       1710513000000,
		DurationSeconds: 12,
	}
	if err := s.CallEnded(context.Background(), rec); err != nil {
		t.Fatalf("CallEnded: %v", err)
	}
	if trig := waitStarted(t, r); trig != TriggerCallEnded {
		t.Fatalf("trigger = %q, want %q", trig, TriggerCallEnded)
	}
	r.release <- struct{}{}
	if rep := <-reports; rep.Trigger != TriggerCallEnded {
		t.Errorf("report trigger = %q", rep.Trigger)
	}

	got, err := store.GetCall(context.Background(), rec.CompositeID)
	if err != nil {
		t.Fatalf("GetCall: %v", err)
	}
	if got.MetadataSyncStatus != models.MetadataPending {
		t.Errorf("metadata = %s, want pending", got.MetadataSyncStatus)
	}
}

// runnerFunc adapts a function to Runner.
type runnerFunc func(ctx context.Context, trigger string) (*csync.CycleReport, error)

func (f runnerFunc) RunCycle(ctx context.Context, trigger string) (*csync.CycleReport, error) {
	return f(ctx, trigger)
}

// compressingCall stores a call whose recording a dead process left mid-compression.
func compressingCall(t *testing.T, store *db.DB) string {
	t.Helper()
	ctx := context.Background()
	rec := models.CallRecord{
		CompositeID:     "incoming-dev1-5550100-1",
		PhoneNumber:     "5550100",
		CallType:        models.CallIncoming,
		StartedAt:       1,
		DurationSeconds: 30,
	}
	if _, err := store.UpsertCall(ctx, rec); err != nil {
		t.Fatalf("UpsertCall: %v", err)
	}
	if err := store.SetRecordingStatus(ctx, rec.CompositeID, models.RecordingCompressing); err != nil {
		t.Fatalf("SetRecordingStatus: %v", err)
	}
	return rec.CompositeID
}

func TestCycleRecoversInterruptedUploads(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	id := compressingCall(t, store)

	var seen models.RecordingStatus
	s := New(runnerFunc(func(ctx context.Context, trigger string) (*csync.CycleReport, error) {
		got, err := store.GetCall(ctx, id)
		if err != nil {
			return nil, err
		}
		seen = got.RecordingSyncStatus
		return &csync.CycleReport{Trigger: trigger}, nil
	}), store, quietConfig())

	if _, err := s.RunNow(ctx, TriggerManual); err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	if seen != models.RecordingFailed {
		t.Fatalf("recording at cycle start = %s, want failed", seen)
	}
}

func TestRunNowWhileAnotherProcessSyncs(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	id := compressingCall(t, store)

	// A second handle on the lock file stands in for the daemon's cycle.
	held, err := store.TryCycleLock()
	if err != nil {
		t.Fatalf("TryCycleLock: %v", err)
	}

	calls := 0
	s := New(runnerFunc(func(ctx context.Context, trigger string) (*csync.CycleReport, error) {
		calls++
		return &csync.CycleReport{Trigger: trigger}, nil
	}), store, quietConfig())

	if _, err := s.RunNow(ctx, TriggerManual); !errors.Is(err, db.ErrCycleRunning) {
		t.Fatalf("RunNow = %v, want ErrCycleRunning", err)
	}
	if calls != 0 {
		t.Fatalf("runner ran %d times while the lock was held", calls)
	}
	got, _ := store.GetCall(ctx, id)
	if got.RecordingSyncStatus != models.RecordingCompressing {
		t.Fatalf("recording = %s, the other process's upload must be left alone", got.RecordingSyncStatus)
	}

	held.Release()
	if _, err := s.RunNow(ctx, TriggerManual); err != nil {
		t.Fatalf("RunNow after release: %v", err)
	}
	if calls != 1 {
		t.Fatalf("runner calls = %d, want 1", calls)
	}
}

func TestBusyTriggerRetriesWhenLockFrees(t *testing.T) {
	store := newTestStore(t)
	held, err := store.TryCycleLock()
	if err != nil {
		t.Fatalf("TryCycleLock: %v", err)
	}

	r := newBlockingRunner()
	cfg := quietConfig()
	cfg.BusyRetry = 20 * time.Millisecond
	s := New(r, store, cfg)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	time.Sleep(100 * time.Millisecond)
	if n := r.count(); n != 0 {
		t.Fatalf("cycles = %d while another process held the lock", n)
	}

	held.Release()
	if trig := waitStarted(t, r); trig != TriggerBoot {
		t.Fatalf("retried trigger = %q, want %q", trig, TriggerBoot)
	}
	r.release <- struct{}{}
}

func TestStopCancelsRunningCycle(t *testing.T) {
	r := newBlockingRunner()
	s := New(r, newTestStore(t), quietConfig())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitStarted(t, r)

	stopped := make(chan error, 1)
	go func() { stopped <- s.Stop() }()
	select {
	case err := <-stopped:
		if err != nil {
			t.Fatalf("Stop: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}
