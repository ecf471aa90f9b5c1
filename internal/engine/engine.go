// Package engine ties the scheduler together: a single control loop scans
// the registry on a fixed tick, hands due tasks to the worker pool and
// applies outcomes back to the registry. Retries run on one-shot timers
// independent of the tick, layered on top of the task's normal cadence.
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"autocron/internal/analytics"
	"autocron/internal/eventbus"
	"autocron/internal/exec"
	"autocron/internal/metrics"
	"autocron/internal/persist"
	"autocron/internal/pool"
	"autocron/internal/retry"
	"autocron/internal/task"
	"autocron/pkg/logx"
)

type Config struct {
	Tick      time.Duration // due scan interval, default 1s
	Workers   int           // default 4
	QueueSize int
	StopGrace time.Duration // how long Stop waits for in-flight work, default 5s
	Exec      exec.Config
}

func (c Config) withDefaults() Config {
	if c.Tick <= 0 {
		c.Tick = time.Second
	}
	if c.StopGrace <= 0 {
		c.StopGrace = 5 * time.Second
	}
	return c
}

// Engine owns the scheduler loop, the worker pool and the retry timers.
// Construct with New, then Start; both Start and Stop are idempotent.
type Engine struct {
	cfg  Config
	log  logx.Logger
	reg  *task.Registry
	bus  eventbus.Bus
	rec  analytics.Recorder
	met  *metrics.Metrics
	pool *pool.Pool

	mu       sync.Mutex
	running  bool
	cancel   context.CancelFunc
	loopDone chan struct{}
	timers   map[string]*time.Timer
}

// New wires an engine. rec and met may be nil to disable execution history
// and Prometheus counters respectively.
func New(cfg Config, log logx.Logger, bus eventbus.Bus, rec analytics.Recorder, met *metrics.Metrics) *Engine {
	if rec == nil {
		rec = analytics.Nop()
	}
	e := &Engine{
		cfg: cfg.withDefaults(),
		log: log,
		reg: task.NewRegistry(),
		bus: bus,
		rec: rec,
		met: met,
	}
	e.pool = pool.New(pool.Config{Workers: e.cfg.Workers, QueueSize: e.cfg.QueueSize}, log, e.onDone)
	return e
}

// Register validates and adds a task. The returned copy carries the assigned
// id and the computed first run instant.
func (e *Engine) Register(cfg task.Config) (task.Task, error) {
	t, err := task.New(cfg)
	if err != nil {
		return task.Task{}, err
	}
	if err := e.reg.Add(t); err != nil {
		return task.Task{}, err
	}
	e.log.Info("task registered",
		logx.String("task", t.Name),
		logx.String("body", task.BodyKind(t.Body)),
		logx.String("schedule", t.Schedule.Value()),
		logx.Time("next_run", t.NextRun))
	return *t, nil
}

// Unregister removes a task by name. An in-flight execution finishes but its
// outcome is discarded.
func (e *Engine) Unregister(name string) bool {
	return e.reg.RemoveByName(name)
}

func (e *Engine) EnableTask(name string) bool  { return e.reg.SetEnabled(name, true) }
func (e *Engine) DisableTask(name string) bool { return e.reg.SetEnabled(name, false) }

// Snapshot returns a consistent point-in-time copy of every task.
func (e *Engine) Snapshot() []task.Task { return e.reg.List() }

// PoolStats reports worker pool occupancy for diagnostics.
func (e *Engine) PoolStats() pool.Stats { return e.pool.Stats() }

// TaskStats exposes the recorded execution history for one task.
func (e *Engine) TaskStats(ctx context.Context, name string) (analytics.Stats, error) {
	return e.rec.TaskStats(ctx, name)
}

// SaveTasks persists every script-bodied task; the names of skipped
// in-process tasks are returned.
func (e *Engine) SaveTasks(path string) ([]string, error) {
	return persist.Save(e.reg, path)
}

// LoadTasks restores tasks from a saved document.
func (e *Engine) LoadTasks(path string, mode persist.Mode) error {
	return persist.Load(e.reg, path, mode)
}

// WatchTasks reloads path into the registry whenever it changes, until ctx
// is cancelled.
func (e *Engine) WatchTasks(ctx context.Context, path string) {
	persist.Watch(ctx, e.reg, path, e.log)
}

func (e *Engine) Start() {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.loopDone = make(chan struct{})
	e.timers = map[string]*time.Timer{}
	e.mu.Unlock()

	// Tasks left Due, Running or RetryPending by a previous run lost their
	// timers with it; put them back where the due scan can claim them.
	e.reg.ResetInFlight()
	e.pool.Start()
	go e.loop(ctx)
	e.log.Info("scheduler started", logx.Duration("tick", e.cfg.Tick))
}

// Stop ceases issuing new submissions, cancels pending retry timers and
// waits up to the grace period for in-flight executions.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	e.cancel()
	for _, t := range e.timers {
		t.Stop()
	}
	e.timers = nil
	loopDone := e.loopDone
	e.mu.Unlock()

	<-loopDone
	graceCtx, cancel := context.WithTimeout(context.Background(), e.cfg.StopGrace)
	e.pool.Stop(graceCtx)
	cancel()
	e.log.Info("scheduler stopped")
}

func (e *Engine) loop(ctx context.Context) {
	defer close(e.loopDone)
	ticker := time.NewTicker(e.cfg.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.tick(time.Now())
		}
	}
}

// tick is panic-guarded so a bug in dispatch can never kill the loop.
func (e *Engine) tick(now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("scheduler tick recovered from panic", logx.Any("panic", r))
		}
	}()
	for _, run := range e.reg.ClaimDue(now) {
		e.submit(run, 1)
	}
	if e.met != nil {
		st := e.pool.Stats()
		e.met.Queued.Set(float64(st.Queued))
		e.met.Active.Set(float64(st.Active))
	}
}

// submit hands one attempt to the pool. On queue rejection a first attempt
// is deferred to the next tick; a retry attempt re-arms its timer instead,
// so the backoff sequence is stretched rather than abandoned.
func (e *Engine) submit(run task.Run, attempt int) {
	if !e.reg.MarkRunning(run.ID) {
		return
	}
	job := pool.Job{
		TaskID:   run.ID,
		Name:     run.Name,
		Attempt:  attempt,
		Timeout:  run.Timeout,
		Strategy: exec.ForBody(run.Body, run.SafeMode, e.cfg.Exec),
	}
	if err := e.pool.TrySubmit(job); err != nil {
		if attempt == 1 {
			e.reg.Defer(run.ID)
			if e.met != nil {
				e.met.Deferred.Inc()
			}
			e.bus.Publish(eventbus.Event{Type: task.EventDeferred, Data: task.Event{
				ID: run.ID, Name: run.Name, Attempt: attempt, Err: err,
			}})
			e.log.Debug("task deferred, queue full", logx.String("task", run.Name))
			return
		}
		e.reg.MarkRetryPending(run.ID)
		e.armRetry(run.ID, attempt, e.cfg.Tick)
		return
	}
	e.bus.Publish(eventbus.Event{Type: task.EventStarted, Data: task.Event{
		ID: run.ID, Name: run.Name, Attempt: attempt,
	}})
}

// onDone runs on a worker goroutine for every finished attempt.
func (e *Engine) onDone(j pool.Job, res exec.Result) {
	now := time.Now()
	if e.met != nil {
		e.met.Duration.WithLabelValues(j.Name).Observe(res.Duration.Seconds())
	}
	if len(res.Degraded) > 0 {
		e.log.Warn("resource ceilings degraded",
			logx.String("task", j.Name),
			logx.Strings("degraded", res.Degraded))
	}

	if res.Err == nil {
		next, serr := e.reg.CompleteSuccess(j.TaskID, now)
		if serr != nil {
			e.log.Warn("task went dormant, schedule has no future match",
				logx.String("task", j.Name), logx.Err(serr))
		}
		if e.met != nil {
			e.met.Runs.WithLabelValues(j.Name, "success").Inc()
		}
		e.bus.Publish(eventbus.Event{Type: task.EventFinished, Data: task.Event{
			ID: j.TaskID, Name: j.Name, Attempt: j.Attempt,
			Started: res.Start, Duration: res.Duration, Degraded: res.Degraded,
			NextRun: next,
		}})
		e.record(analytics.Execution{
			TaskName: j.Name, Success: true, Duration: res.Duration,
			RetryCount: j.Attempt - 1, At: now,
		})
		e.log.Debug("task finished",
			logx.String("task", j.Name),
			logx.Int("attempt", j.Attempt),
			logx.Duration("took", res.Duration))
		return
	}

	if errors.Is(res.Err, context.Canceled) {
		// Shutdown abandoned the attempt; leave the task idle and due so a
		// restarted engine picks it up without counting a failure.
		e.reg.Defer(j.TaskID)
		return
	}

	run, ok := e.reg.RunHandle(j.TaskID)
	if !ok {
		// Unregistered mid-flight; the outcome is discarded.
		return
	}
	dec := retry.Decide(run.Retries, run.RetryDelay, j.Attempt)
	if dec.Retry {
		if !e.reg.MarkRetryPending(j.TaskID) {
			return
		}
		if e.met != nil {
			e.met.Retries.WithLabelValues(j.Name).Inc()
		}
		e.bus.Publish(eventbus.Event{Type: task.EventRetry, Data: task.Event{
			ID: j.TaskID, Name: j.Name, Attempt: j.Attempt,
			Started: res.Start, Duration: res.Duration, Err: res.Err,
			RetryAt: now.Add(dec.After),
		}})
		e.log.Info("task failed, retry scheduled",
			logx.String("task", j.Name),
			logx.Int("attempt", j.Attempt),
			logx.Duration("after", dec.After),
			logx.Err(res.Err))
		e.armRetry(j.TaskID, j.Attempt+1, dec.After)
		return
	}

	next, serr := e.reg.CompleteFailure(j.TaskID, now)
	if serr != nil {
		e.log.Warn("task went dormant, schedule has no future match",
			logx.String("task", j.Name), logx.Err(serr))
	}
	if e.met != nil {
		e.met.Runs.WithLabelValues(j.Name, outcomeLabel(res.Err)).Inc()
	}
	e.bus.Publish(eventbus.Event{Type: task.EventFailed, Data: task.Event{
		ID: j.TaskID, Name: j.Name, Attempt: j.Attempt,
		Started: res.Start, Duration: res.Duration, Err: res.Err,
		Degraded: res.Degraded, NextRun: next,
	}})
	e.record(analytics.Execution{
		TaskName: j.Name, Success: false, Duration: res.Duration,
		Error: res.Err.Error(), RetryCount: j.Attempt - 1, At: now,
	})
	e.log.Warn("task failed terminally",
		logx.String("task", j.Name),
		logx.Int("attempts", j.Attempt),
		logx.Err(res.Err))
}

// armRetry schedules a one-shot resubmission independent of the tick. Only
// one timer per task can exist; arming replaces any previous one.
func (e *Engine) armRetry(id string, attempt int, after time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return
	}
	if old := e.timers[id]; old != nil {
		old.Stop()
	}
	e.timers[id] = time.AfterFunc(after, func() {
		e.mu.Lock()
		delete(e.timers, id)
		running := e.running
		e.mu.Unlock()
		if !running {
			return
		}
		run, ok := e.reg.RunHandle(id)
		if !ok {
			return
		}
		e.submit(run, attempt)
	})
}

// record reports to the analytics recorder off the worker goroutine;
// failures are logged and otherwise ignored.
func (e *Engine) record(ex analytics.Execution) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.rec.Record(ctx, ex); err != nil {
			e.log.Warn("analytics record failed",
				logx.String("task", ex.TaskName), logx.Err(err))
		}
	}()
}

func outcomeLabel(err error) string {
	var te *exec.TimeoutError
	if errors.As(err, &te) {
		return "timeout"
	}
	return "failure"
}
