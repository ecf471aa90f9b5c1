// Package notify fans terminal task outcomes out to notification sinks.
// Sinks hang off the event bus rather than being called from scheduler
// goroutines, so a slow or panicking sink can never corrupt scheduling
// state.
package notify

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"autocron/internal/eventbus"
	"autocron/internal/task"
	"autocron/pkg/logx"
)

// Sink receives terminal outcomes. Called sequentially from the dispatcher
// goroutine; implementations that block should buffer internally.
type Sink interface {
	OnSuccess(taskName string)
	OnFailure(taskName string, err error)
}

// LogSink writes outcomes to the log. Useful as a default sink and in tests.
type LogSink struct {
	Log logx.Logger
}

func (s LogSink) OnSuccess(taskName string) {
	s.Log.Info("task succeeded", logx.String("task", taskName))
}

func (s LogSink) OnFailure(taskName string, err error) {
	s.Log.Warn("task failed", logx.String("task", taskName), logx.Err(err))
}

// Dispatcher subscribes to the bus and forwards terminal events to its
// sinks, rate-limited so a flapping task cannot flood a paging sink.
type Dispatcher struct {
	bus   eventbus.Bus
	log   logx.Logger
	sinks []Sink
	lim   *rate.Limiter

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewDispatcher builds a dispatcher. maxPerSec <= 0 disables rate limiting.
func NewDispatcher(bus eventbus.Bus, log logx.Logger, maxPerSec float64, sinks ...Sink) *Dispatcher {
	var lim *rate.Limiter
	if maxPerSec > 0 {
		lim = rate.NewLimiter(rate.Limit(maxPerSec), int(maxPerSec)+1)
	}
	return &Dispatcher{bus: bus, log: log, sinks: sinks, lim: lim}
}

// Start begins consuming bus events. Idempotent.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	done := make(chan struct{})
	d.done = done

	ch, unsub := d.bus.Subscribe(64)
	go func() {
		defer close(done)
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				d.handle(ctx, ev)
			}
		}
	}()
}

// Stop halts dispatch and waits for the worker goroutine. Idempotent.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	cancel, done := d.cancel, d.done
	d.cancel, d.done = nil, nil
	d.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (d *Dispatcher) handle(ctx context.Context, ev eventbus.Event) {
	if ev.Type != task.EventFinished && ev.Type != task.EventFailed {
		return
	}
	te, ok := ev.Data.(task.Event)
	if !ok {
		return
	}
	if d.lim != nil {
		if err := d.lim.Wait(ctx); err != nil {
			return
		}
	}
	for _, s := range d.sinks {
		d.deliver(s, ev.Type, te)
	}
}

func (d *Dispatcher) deliver(s Sink, typ string, te task.Event) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("notification sink panicked",
				logx.String("task", te.Name),
				logx.Any("panic", r))
		}
	}()
	if typ == task.EventFinished {
		s.OnSuccess(te.Name)
		return
	}
	s.OnFailure(te.Name, te.Err)
}
