package exec

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// syncStrategy joins a plain callable with a deadline. When the deadline
// fires the goroutine running the callable is left to finish on its own and
// its eventual return value is discarded.
type syncStrategy struct {
	fn func() error
}

func (s syncStrategy) Run(ctx context.Context, timeout time.Duration) Result {
	start := time.Now()
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("task body panicked: %v", r)
			}
		}()
		done <- s.fn()
	}()

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	select {
	case err := <-done:
		return Result{Start: start, Duration: time.Since(start), Err: err}
	case <-deadline:
		return Result{Start: start, Duration: time.Since(start), Err: &TimeoutError{Timeout: timeout}}
	case <-ctx.Done():
		return Result{Start: start, Duration: time.Since(start), Err: ctx.Err()}
	}
}

// ctxStrategy runs a context-aware callable with a real deadline. The body
// must return promptly once its context is cancelled; Run blocks until it
// does, so an uncooperative body keeps its worker slot past the timeout.
type ctxStrategy struct {
	fn func(ctx context.Context) error
}

func (s ctxStrategy) Run(ctx context.Context, timeout time.Duration) Result {
	start := time.Now()
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("task body panicked: %v", r)
			}
		}()
		return s.fn(runCtx)
	}()

	dur := time.Since(start)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && timeout > 0 {
		return Result{Start: start, Duration: dur, Err: &TimeoutError{Timeout: timeout}}
	}
	return Result{Start: start, Duration: dur, Err: err}
}
