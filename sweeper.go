package lifetime

import (
	"context"
	"sync"
	"time"

	"github.com/juju/clock"
)

// sweeper calls tick every interval until tick asks it to stop, ctx is done,
// or stop is called. The interval can be changed while it runs.
type sweeper struct {
	clock    clock.Clock
	interval time.Duration

	resetCh  chan time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func newSweeper(c clock.Clock, interval time.Duration) *sweeper {
	return &sweeper{
		clock:    c,
		interval: interval,
		resetCh:  make(chan time.Duration, 1),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (s *sweeper) run(ctx context.Context, tick func(context.Context) bool) {
	defer close(s.done)

	timer := s.clock.NewTimer(s.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-s.stopCh:
			return

		case d := <-s.resetCh:
			s.interval = d
			// Drain before Reset, see the docs on Timer.Reset.
			if !timer.Stop() {
				select {
				case <-timer.Chan():
				default:
				}
			}
			timer.Reset(d)

		case <-timer.Chan():
			if tick(ctx) {
				return
			}
			timer.Reset(s.interval)
		}
	}
}

// reschedule changes the interval and restarts the current wait. Only the
// latest pending interval is kept.
func (s *sweeper) reschedule(d time.Duration) {
	for {
		select {
		case s.resetCh <- d:
			return
		default:
		}
		select {
		case <-s.resetCh:
		default:
		}
	}
}

// signal asks the loop to end without waiting for it.
func (s *sweeper) signal() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// stop ends the loop and waits for it to return.
func (s *sweeper) stop() {
	s.signal()
	<-s.done
}
