// Package schedule runs the coordinator's background jobs: countdown loops, reveal delays, round
// deadlines and session teardown.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type Config struct {
	NewTickerFunc func(d time.Duration) Ticker
}

// Scheduler tracks background jobs so Stop can cancel them and wait for them to return.
type Scheduler struct {
	newTicker func(d time.Duration) Ticker

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	stopped bool
}

func New(c Config) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())

	s := &Scheduler{
		newTicker: c.NewTickerFunc,
		ctx:       ctx,
		cancel:    cancel,
	}

	if s.newTicker == nil {
		s.newTicker = newTimeTicker
	}

	return s
}

// Go runs fn in the background. fn's context is cancelled by Stop.
func (s *Scheduler) Go(name string, fn func(ctx context.Context)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		slog.WarnContext(s.ctx, "schedule: job dropped after stop", "job", name)
		return
	}

	s.wg.Add(1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.ErrorContext(s.ctx, "schedule: job panic",
					"job", name,
					"error", fmt.Errorf("%v, stack: %s", r, debug.Stack()),
				)
			}
			s.wg.Done()
		}()

		fn(s.ctx)
	}()
}

// After runs fn once, d from now, unless the scheduler is stopped first.
func (s *Scheduler) After(d time.Duration, name string, fn func(ctx context.Context)) {
	s.Go(name, func(ctx context.Context) {
		t := time.NewTimer(d)
		defer t.Stop()

		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}

		fn(ctx)
	})
}

// Every calls fn on every tick of interval until fn returns false or the scheduler is stopped.
func (s *Scheduler) Every(interval time.Duration, name string, fn func(ctx context.Context) bool) {
	s.Go(name, func(ctx context.Context) {
		t := s.newTicker(interval)
		defer t.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C():
				if !fn(ctx) {
					return
				}
			}
		}
	})
}

// Stop cancels every job and waits for them to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}

type timeTicker struct {
	t *time.Ticker
}

func newTimeTicker(d time.Duration) Ticker {
	return timeTicker{t: time.NewTicker(d)}
}

func (t timeTicker) C() <-chan time.Time { return t.t.C }

func (t timeTicker) Stop() { t.t.Stop() }
