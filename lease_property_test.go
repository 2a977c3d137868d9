package lifetime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// Renewals only ever move the expiry forward, whatever order they come in.
func TestProperty_RenewNeverShortens(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("expiry is monotonic under renewals", prop.ForAll(
		func(steps []int, renewals []int) bool {
			clk := testclock.NewClock(epoch)
			l := NewLease(testDefaults(), WithLeaseClock(clk))
			l.Activate()

			last := l.ExpireAt()
			for i, r := range renewals {
				if i < len(steps) {
					clk.Advance(time.Duration(steps[i]) * time.Second)
				}
				remaining, err := l.Renew(time.Duration(r) * time.Second)
				if err != nil {
					return false
				}
				if remaining < time.Duration(r)*time.Second {
					return false
				}
				next := l.ExpireAt()
				if next.Before(last) {
					return false
				}
				last = next
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 600)),
		gen.SliceOf(gen.IntRange(0, 900)),
	))

	properties.TestingRun(t)
}

// Once a lease has left the Initial state its settings are frozen.
func TestProperty_SettersFrozenAfterActivation(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("setters fail with ErrInvalidState after activation", prop.ForAll(
		func(seconds int) bool {
			l := NewLease(testDefaults(), WithLeaseClock(testclock.NewClock(epoch)))
			l.Activate()
			before := l.Info()

			d := time.Duration(seconds) * time.Second
			for _, set := range []func(time.Duration) error{
				l.SetInitialLeaseTime,
				l.SetRenewOnCallTime,
				l.SetSponsorshipTimeout,
			} {
				if err := set(d); !errors.Is(err, ErrInvalidState) {
					return false
				}
			}
			return l.Info() == before
		},
		gen.IntRange(-3600, 3600),
	))

	properties.TestingRun(t)
}

// Expired is terminal: no operation brings a lease back.
func TestProperty_ExpiredIsTerminal(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("expired leases stay expired", prop.ForAll(
		func(ops []int) bool {
			clk := testclock.NewClock(epoch)
			l := NewLease(testDefaults(), WithLeaseClock(clk))
			l.Activate()
			clk.Advance(time.Hour)
			if !l.UpdateState(context.Background()).Expired() {
				return false
			}

			for _, op := range ops {
				switch op {
				case 0:
					l.Activate()
				case 1:
					_, _ = l.Renew(time.Hour)
				case 2:
					l.RenewOnCall()
				case 3:
					_ = l.Register(NewFixedSponsor(time.Hour), time.Hour)
				case 4:
					clk.Advance(time.Minute)
					l.UpdateState(context.Background())
				}
				if l.CurrentState() != StateExpired || l.CurrentLeaseTime() != 0 {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 4)),
	))

	properties.TestingRun(t)
}
