// Package pool is a fixed-size worker pool with a bounded queue. Submission
// never blocks: when the queue is full the caller gets ErrQueueFull and
// decides what to do with the job, which keeps the scheduler tick responsive
// no matter how slow the workers are.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"autocron/internal/exec"
	"autocron/pkg/logx"
)

var (
	ErrQueueFull = errors.New("pool: queue full")
	ErrStopped   = errors.New("pool: not running")
)

// Job is one execution attempt handed to a worker.
type Job struct {
	TaskID   string
	Name     string
	Attempt  int // 1-based; attempt 1 is the scheduled run
	Timeout  time.Duration
	Strategy exec.Strategy
}

// DoneFunc receives every finished attempt, on the worker goroutine.
type DoneFunc func(Job, exec.Result)

type Config struct {
	Workers   int // default 4
	QueueSize int // default 2x workers
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = c.Workers * 2
	}
	return c
}

// Pool runs jobs on a fixed set of workers. Start and Stop are idempotent;
// the queue is recreated on every Start so a stopped pool can be reused.
type Pool struct {
	cfg  Config
	log  logx.Logger
	done DoneFunc

	mu       sync.Mutex
	queue    chan Job
	stopDone chan struct{}
	running  bool
	wg       sync.WaitGroup

	baseCtx context.Context
	cancel  context.CancelFunc

	active    atomic.Int64
	submitted atomic.Uint64
	rejected  atomic.Uint64
}

func New(cfg Config, log logx.Logger, done DoneFunc) *Pool {
	return &Pool{cfg: cfg.withDefaults(), log: log, done: done}
}

func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.queue = make(chan Job, p.cfg.QueueSize)
	p.stopDone = make(chan struct{})
	p.baseCtx, p.cancel = context.WithCancel(context.Background())
	p.running = true

	p.wg.Add(p.cfg.Workers)
	for i := 0; i < p.cfg.Workers; i++ {
		go p.worker(i)
	}
	go func() {
		p.wg.Wait()
		close(p.stopDone)
	}()
	p.log.Info("worker pool started",
		logx.Int("workers", p.cfg.Workers),
		logx.Int("queue_size", p.cfg.QueueSize))
}

// Stop drains the queue and waits for in-flight jobs until ctx expires, then
// cancels their contexts and returns. Safe to call more than once.
func (p *Pool) Stop(ctx context.Context) {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.queue)
	stopDone := p.stopDone
	p.mu.Unlock()

	select {
	case <-stopDone:
	case <-ctx.Done():
		p.cancel()
		<-stopDone
	}
	p.cancel()
	p.log.Info("worker pool stopped")
}

// TrySubmit enqueues a job without blocking.
func (p *Pool) TrySubmit(j Job) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return ErrStopped
	}
	select {
	case p.queue <- j:
		p.submitted.Add(1)
		return nil
	default:
		p.rejected.Add(1)
		return ErrQueueFull
	}
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for j := range p.queue {
		p.runJob(id, j)
	}
}

func (p *Pool) runJob(id int, j Job) {
	p.active.Add(1)
	defer p.active.Add(-1)

	res := p.execute(id, j)
	if p.done != nil {
		p.finish(id, j, res)
	}
}

// execute guards the strategy separately from the completion callback: a
// panicking strategy still produces a failed result, so the callback always
// runs and the job's state transitions are never skipped.
func (p *Pool) execute(id int, j Job) (res exec.Result) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("worker recovered from panic",
				logx.Int("worker", id),
				logx.String("task", j.Name),
				logx.Any("panic", r))
			res = exec.Result{
				Start:    start,
				Duration: time.Since(start),
				Err:      fmt.Errorf("execution panicked: %v", r),
			}
		}
	}()
	return j.Strategy.Run(p.baseCtx, j.Timeout)
}

func (p *Pool) finish(id int, j Job, res exec.Result) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("completion callback recovered from panic",
				logx.Int("worker", id),
				logx.String("task", j.Name),
				logx.Any("panic", r))
		}
	}()
	p.done(j, res)
}

// Stats is a point-in-time view for diagnostics.
type Stats struct {
	Workers   int
	Queued    int
	Active    int
	Submitted uint64
	Rejected  uint64
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	queued := 0
	if p.running {
		queued = len(p.queue)
	}
	p.mu.Unlock()
	return Stats{
		Workers:   p.cfg.Workers,
		Queued:    queued,
		Active:    int(p.active.Load()),
		Submitted: p.submitted.Load(),
		Rejected:  p.rejected.Load(),
	}
}
