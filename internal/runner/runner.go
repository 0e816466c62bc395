// Package runner drives a worker loop and stops it cleanly on signals.
package runner

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// Step runs one cycle and returns how long to wait before the next.
type Step func(ctx context.Context) (time.Duration, error)

// ErrDone ends Run cleanly after the step that returned it.
var ErrDone = errors.New("runner: done")

// Latch records whether an item is mid-flight. A stop request waits for it.
type Latch struct {
	busy atomic.Bool
}

func (l *Latch) Set(busy bool) { l.busy.Store(busy) }

func (l *Latch) Busy() bool { return l.busy.Load() }

// Runner repeats a Step until a stop signal arrives or the parent context
// ends. Cycles run on a context detached from cancellation so a signal never
// tears down a half-committed item; the loop exits at the next safe point.
type Runner struct {
	log     *zap.Logger
	latch   *Latch
	signals <-chan os.Signal
	poll    time.Duration
}

// Option configures a Runner.
type Option func(*Runner)

// WithSignals replaces the process signal channel. Tests use it to inject signals.
func WithSignals(ch <-chan os.Signal) Option {
	return func(r *Runner) { r.signals = ch }
}

// WithPoll sets how often a pending stop re-checks the latch.
func WithPoll(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.poll = d
		}
	}
}

func New(log *zap.Logger, opts ...Option) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	r := &Runner{
		log:   log,
		latch: &Latch{},
		poll:  100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Latch returns the in-flight latch to hand to the worker.
func (r *Runner) Latch() *Latch { return r.latch }

// Run loops until stopped. A stop request while idle or sleeping returns at
// once; one that lands mid-cycle returns after the cycle finishes. A step
// returning ErrDone ends the loop with nil; other step errors are returned.
func (r *Runner) Run(ctx context.Context, step Step) error {
	signals := r.signals
	if signals == nil {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
		defer signal.Stop(ch)
		signals = ch
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case sig := <-signals:
			r.log.Info("stop requested", zap.String("signal", sig.String()), zap.Bool("in_flight", r.latch.Busy()))
		case <-ctx.Done():
			r.log.Info("stop requested", zap.Error(ctx.Err()))
		case <-done:
			return
		}
		close(stop)
	}()

	cycleCtx := context.WithoutCancel(ctx)
	for {
		select {
		case <-stop:
			r.drain()
			return nil
		default:
		}

		wait, err := step(cycleCtx)
		if errors.Is(err, ErrDone) {
			r.drain()
			return nil
		}
		if err != nil {
			return err
		}
		if wait <= 0 {
			continue
		}
		timer := time.NewTimer(wait)
		select {
		case <-stop:
			timer.Stop()
			r.drain()
			return nil
		case <-timer.C:
		}
	}
}

// drain waits until no item is in flight.
func (r *Runner) drain() {
	for r.latch.Busy() {
		time.Sleep(r.poll)
	}
	r.log.Info("worker stopped")
}
