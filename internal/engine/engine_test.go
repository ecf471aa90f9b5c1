package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"autocron/internal/analytics"
	"autocron/internal/eventbus"
	"autocron/internal/exec"
	"autocron/internal/task"
	"autocron/pkg/logx"
)

func newTestEngine(t *testing.T, cfg Config) (*Engine, eventbus.Bus) {
	t.Helper()
	if cfg.Tick == 0 {
		cfg.Tick = 50 * time.Millisecond
	}
	bus := eventbus.New()
	e := New(cfg, logx.Nop(), bus, nil, nil)
	t.Cleanup(e.Stop)
	return e, bus
}

// collect drains typed events into a guarded slice for later assertions.
func collect(t *testing.T, bus eventbus.Bus, types ...string) func() []eventbus.Event {
	t.Helper()
	want := map[string]bool{}
	for _, typ := range types {
		want[typ] = true
	}
	var mu sync.Mutex
	var got []eventbus.Event
	ch, unsub := bus.Subscribe(128)
	t.Cleanup(unsub)
	go func() {
		for ev := range ch {
			if len(want) == 0 || want[ev.Type] {
				mu.Lock()
				got = append(got, ev)
				mu.Unlock()
			}
		}
	}()
	return func() []eventbus.Event {
		mu.Lock()
		defer mu.Unlock()
		return append([]eventbus.Event(nil), got...)
	}
}

func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRetriesExhaustedCountsOneFailure(t *testing.T) {
	t.Parallel()
	e, bus := newTestEngine(t, Config{Workers: 2})
	failed := collect(t, bus, task.EventFailed)

	var attempts atomic.Int64
	boom := errors.New("always fails")
	if _, err := e.Register(task.Config{
		Name:       "flaky",
		Func:       func() error { attempts.Add(1); return boom },
		Every:      "1h", // first run is immediate, the rest never come
		Retries:    3,
		RetryDelay: 30 * time.Millisecond,
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	e.Start()

	waitFor(t, 10*time.Second, func() bool { return len(failed()) == 1 })
	if attempts.Load() != 4 {
		t.Fatalf("attempts = %d, want 4 (1 initial + 3 retries)", attempts.Load())
	}
	snap, ok := e.regTaskByName("flaky")
	if !ok {
		t.Fatal("flaky task missing")
	}
	if snap.FailCount != 1 {
		t.Fatalf("FailCount = %d, want exactly 1 per terminal failure", snap.FailCount)
	}
	if snap.RunCount != 0 {
		t.Fatalf("RunCount = %d, want 0", snap.RunCount)
	}
	ev := failed()[0].Data.(task.Event)
	if ev.Attempt != 4 {
		t.Fatalf("terminal attempt = %d, want 4", ev.Attempt)
	}
	if !errors.Is(ev.Err, boom) {
		t.Fatalf("terminal Err = %v", ev.Err)
	}
}

func TestStartStopIdempotent(t *testing.T) {
	t.Parallel()
	e, _ := newTestEngine(t, Config{})
	e.Start()
	e.Start()
	e.Stop()
	e.Stop()
	// The engine can be restarted.
	e.Start()
	e.Stop()
}

func TestRestartResumesTaskStoppedMidBackoff(t *testing.T) {
	t.Parallel()
	e, _ := newTestEngine(t, Config{Workers: 1})

	var attempts atomic.Int64
	if _, err := e.Register(task.Config{
		Name:       "interrupted",
		Func:       func() error { attempts.Add(1); return errors.New("still failing") },
		Every:      "1h",
		Retries:    3,
		RetryDelay: time.Hour, // the retry timer never fires within the test
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	e.Start()

	// First attempt fails and the task parks waiting for its retry timer.
	waitFor(t, 5*time.Second, func() bool {
		snap, ok := e.regTaskByName("interrupted")
		return ok && snap.Status == task.StatusRetryPending
	})
	e.Stop()

	// Stopping discarded the timer; a restart must still pick the task up
	// rather than leaving it parked forever.
	e.Start()
	waitFor(t, 5*time.Second, func() bool { return attempts.Load() >= 2 })
}

func TestTimeoutDoesNotBlockScheduling(t *testing.T) {
	t.Parallel()
	e, _ := newTestEngine(t, Config{Workers: 2})

	release := make(chan struct{})
	defer close(release)
	if _, err := e.Register(task.Config{
		Name:    "stuck",
		Func:    func() error { <-release; return nil },
		Every:   "1h",
		Timeout: 100 * time.Millisecond,
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	var fastRuns atomic.Int64
	if _, err := e.Register(task.Config{
		Name:  "fast",
		Func:  func() error { fastRuns.Add(1); return nil },
		Every: "1s",
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	e.Start()

	// The stuck task must be failed with a timeout promptly and must not
	// prevent the fast task from running on schedule.
	waitFor(t, 5*time.Second, func() bool {
		snap, _ := e.regTaskByName("stuck")
		return snap.FailCount == 1
	})
	waitFor(t, 5*time.Second, func() bool { return fastRuns.Load() >= 2 })

	snap, ok := e.regTaskByName("stuck")
	if !ok {
		t.Fatal("stuck task missing")
	}
	if snap.RunCount != 0 {
		t.Fatalf("RunCount = %d, want 0", snap.RunCount)
	}
}

// regTaskByName is a test-only accessor around the snapshot.
func (e *Engine) regTaskByName(name string) (task.Task, bool) {
	for _, t := range e.Snapshot() {
		if t.Name == name {
			return t, true
		}
	}
	return task.Task{}, false
}

func TestIntervalCadence(t *testing.T) {
	t.Parallel()
	e, _ := newTestEngine(t, Config{Workers: 2})
	var runs atomic.Int64
	if _, err := e.Register(task.Config{
		Name:  "cadence",
		Func:  func() error { runs.Add(1); return nil },
		Every: "1s",
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	e.Start()
	time.Sleep(2500 * time.Millisecond)
	e.Stop()

	// Due immediately, then roughly once per second.
	if n := runs.Load(); n < 2 || n > 4 {
		t.Fatalf("runs in 2.5s = %d, want 2..4", n)
	}
}

func TestPoolSaturationDefers(t *testing.T) {
	t.Parallel()
	e, bus := newTestEngine(t, Config{Workers: 1, QueueSize: 1})
	deferred := collect(t, bus, task.EventDeferred)

	release := make(chan struct{})
	slow := func() error { <-release; return nil }
	for _, name := range []string{"s1", "s2", "s3"} {
		if _, err := e.Register(task.Config{Name: name, Func: slow, Every: "1h"}); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}
	e.Start()

	waitFor(t, 5*time.Second, func() bool { return len(deferred()) >= 1 })
	close(release)

	// Deferred tasks keep their past due time and run on a later tick.
	waitFor(t, 5*time.Second, func() bool {
		total := 0
		for _, tk := range e.Snapshot() {
			total += tk.RunCount
		}
		return total == 3
	})
}

func TestRetrySucceedsOnSecondAttempt(t *testing.T) {
	t.Parallel()
	e, bus := newTestEngine(t, Config{Workers: 2})
	finished := collect(t, bus, task.EventFinished)
	retries := collect(t, bus, task.EventRetry)

	var attempts atomic.Int64
	if _, err := e.Register(task.Config{
		Name: "second-try",
		Func: func() error {
			if attempts.Add(1) == 1 {
				return errors.New("transient")
			}
			return nil
		},
		Every:      "1h",
		Retries:    2,
		RetryDelay: 50 * time.Millisecond,
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	e.Start()

	waitFor(t, 5*time.Second, func() bool { return len(finished()) == 1 })
	if attempts.Load() != 2 {
		t.Fatalf("attempts = %d, want 2", attempts.Load())
	}
	if len(retries()) != 1 {
		t.Fatalf("retry events = %d, want 1", len(retries()))
	}
	snap, _ := e.regTaskByName("second-try")
	if snap.RunCount != 1 || snap.FailCount != 0 {
		t.Fatalf("RunCount/FailCount = %d/%d, want 1/0", snap.RunCount, snap.FailCount)
	}
	fin := finished()[0].Data.(task.Event)
	if fin.Attempt != 2 {
		t.Fatalf("finishing attempt = %d, want 2", fin.Attempt)
	}
}

func TestDisabledTaskNeverRuns(t *testing.T) {
	t.Parallel()
	e, _ := newTestEngine(t, Config{Workers: 1})
	var runs atomic.Int64
	if _, err := e.Register(task.Config{
		Name:     "off",
		Func:     func() error { runs.Add(1); return nil },
		Every:    "1s",
		Disabled: true,
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	e.Start()
	time.Sleep(300 * time.Millisecond)
	if runs.Load() != 0 {
		t.Fatalf("disabled task ran %d times", runs.Load())
	}

	e.EnableTask("off")
	waitFor(t, 5*time.Second, func() bool { return runs.Load() >= 1 })
}

func TestTimeoutOutcomeIsTimeoutError(t *testing.T) {
	t.Parallel()
	e, bus := newTestEngine(t, Config{Workers: 1})
	failed := collect(t, bus, task.EventFailed)

	release := make(chan struct{})
	defer close(release)
	if _, err := e.Register(task.Config{
		Name:    "deadline",
		Func:    func() error { <-release; return nil },
		Every:   "1h",
		Timeout: 50 * time.Millisecond,
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	e.Start()

	waitFor(t, 5*time.Second, func() bool { return len(failed()) == 1 })
	ev := failed()[0].Data.(task.Event)
	var te *exec.TimeoutError
	if !errors.As(ev.Err, &te) {
		t.Fatalf("Err = %v, want *exec.TimeoutError", ev.Err)
	}
}

func TestUnregisterDiscardsOutcome(t *testing.T) {
	t.Parallel()
	e, _ := newTestEngine(t, Config{Workers: 1})
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	if _, err := e.Register(task.Config{
		Name: "gone",
		Func: func() error {
			started <- struct{}{}
			<-release
			return errors.New("late failure")
		},
		Every:   "1h",
		Retries: 5,
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	e.Start()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("task never started")
	}
	if !e.Unregister("gone") {
		t.Fatal("Unregister failed")
	}
	close(release)

	// No retry timer may fire for a removed task; give it a moment.
	time.Sleep(200 * time.Millisecond)
	if len(e.Snapshot()) != 0 {
		t.Fatal("removed task reappeared")
	}
}

func TestAnalyticsBestEffort(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	e := New(Config{Tick: 50 * time.Millisecond, Workers: 1}, logx.Nop(), bus, failingRecorder{}, nil)
	t.Cleanup(e.Stop)

	var runs atomic.Int64
	if _, err := e.Register(task.Config{
		Name:  "recorded",
		Func:  func() error { runs.Add(1); return nil },
		Every: "1h",
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	e.Start()
	waitFor(t, 5*time.Second, func() bool { return runs.Load() == 1 })

	snap, _ := e.regTaskByName("recorded")
	if snap.RunCount != 1 {
		t.Fatalf("recorder failure affected scheduling: %+v", snap)
	}
}

type failingRecorder struct{}

func (failingRecorder) Record(context.Context, analytics.Execution) error {
	return errors.New("history store down")
}

func (failingRecorder) TaskStats(_ context.Context, name string) (analytics.Stats, error) {
	return analytics.Stats{TaskName: name}, errors.New("history store down")
}

func (failingRecorder) Close() error { return nil }
