package lifetime

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
)

// LeaseInfo is a point-in-time snapshot of a lease. It is what sponsors see.
type LeaseInfo struct {
	ID                 string
	State              LeaseState
	ExpireAt           time.Time
	Remaining          time.Duration
	InitialLeaseTime   time.Duration
	RenewOnCallTime    time.Duration
	SponsorshipTimeout time.Duration
	Sponsors           int
}

// LeaseOption configures a Lease.
type LeaseOption func(*Lease)

// WithLeaseID sets the lease ID instead of a generated one.
func WithLeaseID(id string) LeaseOption {
	return func(l *Lease) {
		if id != "" {
			l.id = id
		}
	}
}

// WithLeaseClock sets the clock the lease reads time from.
func WithLeaseClock(c clock.Clock) LeaseOption {
	return func(l *Lease) {
		if c != nil {
			l.clock = c
		}
	}
}

// WithLeaseLogger sets the lease logger.
func WithLeaseLogger(logger *slog.Logger) LeaseOption {
	return func(l *Lease) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// Lease tracks the remaining lifetime of one object. Its expiry only moves
// forward, and once Expired it never changes state again.
type Lease struct {
	id     string
	clock  clock.Clock
	logger *slog.Logger

	mu                 sync.Mutex
	state              LeaseState
	expireAt           time.Time
	renewedUntil       time.Time
	initialLeaseTime   time.Duration
	renewOnCallTime    time.Duration
	sponsorshipTimeout time.Duration
	sponsors           []Sponsor
}

// NewLease creates a lease in the Initial state from the given settings. A
// zero LeaseTime creates a Null lease. A non-positive SponsorshipTimeout
// falls back to DefaultSponsorshipTimeout.
func NewLease(d Defaults, opts ...LeaseOption) *Lease {
	l := &Lease{
		id:                 uuid.NewString(),
		clock:              clock.WallClock,
		logger:             slog.Default(),
		state:              StateInitial,
		initialLeaseTime:   d.LeaseTime,
		renewOnCallTime:    d.RenewOnCallTime,
		sponsorshipTimeout: d.SponsorshipTimeout,
	}
	for _, opt := range opts {
		opt(l)
	}

	if l.initialLeaseTime < 0 {
		l.initialLeaseTime = DefaultLeaseTime
	}
	if l.renewOnCallTime < 0 {
		l.renewOnCallTime = DefaultRenewOnCallTime
	}
	if l.sponsorshipTimeout <= 0 {
		l.sponsorshipTimeout = DefaultSponsorshipTimeout
	}
	l.logger = l.logger.With("component", "lease", "lease", l.id)
	l.expireAt = l.clock.Now().Add(l.initialLeaseTime)
	if l.initialLeaseTime == 0 {
		l.state = StateNull
	}
	return l
}

// ID returns the lease ID.
func (l *Lease) ID() string {
	return l.id
}

// CurrentState returns the lease state.
func (l *Lease) CurrentState() LeaseState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// CurrentLeaseTime returns the time left before the lease runs out. It is
// computed from the expiry time on every call and is negative once the
// expiry has passed without a renewal. Expired and Null leases report zero.
func (l *Lease) CurrentLeaseTime() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.remainingLocked(l.clock.Now())
}

// ExpireAt returns the absolute expiry time.
func (l *Lease) ExpireAt() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.expireAt
}

// InitialLeaseTime returns the lifetime granted on activation.
func (l *Lease) InitialLeaseTime() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.initialLeaseTime
}

// RenewOnCallTime returns the renewal applied by RenewOnCall.
func (l *Lease) RenewOnCallTime() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.renewOnCallTime
}

// SponsorshipTimeout returns how long each sponsor is waited on.
func (l *Lease) SponsorshipTimeout() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sponsorshipTimeout
}

// SetInitialLeaseTime sets the lifetime granted on activation. Zero turns the
// lease into a Null lease. Only valid in the Initial state.
func (l *Lease) SetInitialLeaseTime(d time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.checkMutableLocked("initial lease time", d); err != nil {
		return err
	}
	l.initialLeaseTime = d
	// Renewals made before activation stay in effect.
	l.expireAt = l.clock.Now().Add(d)
	if l.renewedUntil.After(l.expireAt) {
		l.expireAt = l.renewedUntil
	}
	if d == 0 {
		l.state = StateNull
	}
	return nil
}

// SetRenewOnCallTime sets the renewal applied by RenewOnCall. Only valid in
// the Initial state.
func (l *Lease) SetRenewOnCallTime(d time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.checkMutableLocked("renew on call time", d); err != nil {
		return err
	}
	l.renewOnCallTime = d
	return nil
}

// SetSponsorshipTimeout sets how long each sponsor is waited on. Only valid
// in the Initial state.
func (l *Lease) SetSponsorshipTimeout(d time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.checkMutableLocked("sponsorship timeout", d); err != nil {
		return err
	}
	l.sponsorshipTimeout = d
	return nil
}

func (l *Lease) checkMutableLocked(property string, d time.Duration) error {
	if l.state != StateInitial {
		return fmt.Errorf("cannot set %s in state %s: %w", property, l.state, ErrInvalidState)
	}
	if d < 0 {
		return fmt.Errorf("%s %s: %w", property, d, ErrInvalidDuration)
	}
	return nil
}

// Activate moves an Initial lease to Active and starts its lifetime. It
// returns the resulting state; leases in any other state are left alone.
func (l *Lease) Activate() LeaseState {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state != StateInitial {
		return l.state
	}
	l.extendLocked(l.clock.Now(), l.initialLeaseTime)
	l.state = StateActive
	l.logger.Debug("lease activated", "ttl", l.initialLeaseTime)
	return l.state
}

// Renew extends the lease so that at least d remains, and returns the time
// remaining afterwards. A renewal never shortens the lease. Renewing an
// Expired lease is accepted and has no effect.
func (l *Lease) Renew(d time.Duration) (time.Duration, error) {
	if d < 0 {
		return 0, fmt.Errorf("renew by %s: %w", d, ErrInvalidDuration)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	if l.state != StateExpired {
		l.extendLocked(now, d)
	}
	return l.remainingLocked(now), nil
}

// RenewOnCall renews the lease by its renew-on-call time. It is meant to be
// invoked whenever the leased object is used.
func (l *Lease) RenewOnCall() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	if l.state == StateActive || l.state == StateRenewing {
		l.extendLocked(now, l.renewOnCallTime)
	}
	return l.remainingLocked(now)
}

// Register adds a sponsor to the lease. Registering a sponsor that is already
// registered does not add it twice. A positive renewalTime also renews the
// lease by that much. Registering on an Expired lease is accepted and has
// no effect.
func (l *Lease) Register(sponsor Sponsor, renewalTime time.Duration) error {
	if sponsor == nil {
		return ErrNilSponsor
	}
	if renewalTime < 0 {
		return fmt.Errorf("register renewal %s: %w", renewalTime, ErrInvalidDuration)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state == StateExpired {
		return nil
	}
	if !slices.Contains(l.sponsors, sponsor) {
		l.sponsors = append(l.sponsors, sponsor)
	}
	if renewalTime > 0 {
		l.extendLocked(l.clock.Now(), renewalTime)
	}
	return nil
}

// Unregister removes a sponsor from the lease. Unknown sponsors are ignored.
func (l *Lease) Unregister(sponsor Sponsor) {
	if sponsor == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if i := slices.Index(l.sponsors, sponsor); i >= 0 {
		l.sponsors = slices.Delete(l.sponsors, i, i+1)
	}
}

// Sponsors returns the registered sponsors in registration order.
func (l *Lease) Sponsors() []Sponsor {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.sponsors)
}

// Info returns a snapshot of the lease.
func (l *Lease) Info() LeaseInfo {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.infoLocked(l.clock.Now())
}

func (l *Lease) infoLocked(now time.Time) LeaseInfo {
	return LeaseInfo{
		ID:                 l.id,
		State:              l.state,
		ExpireAt:           l.expireAt,
		Remaining:          l.remainingLocked(now),
		InitialLeaseTime:   l.initialLeaseTime,
		RenewOnCallTime:    l.renewOnCallTime,
		SponsorshipTimeout: l.sponsorshipTimeout,
		Sponsors:           len(l.sponsors),
	}
}

func (l *Lease) remainingLocked(now time.Time) time.Duration {
	if l.state == StateExpired || l.state == StateNull {
		return 0
	}
	return l.expireAt.Sub(now)
}

func (l *Lease) extendLocked(now time.Time, d time.Duration) {
	next := now.Add(d)
	if next.After(l.expireAt) {
		l.expireAt = next
	}
	if l.state == StateInitial && next.After(l.renewedUntil) {
		l.renewedUntil = next
	}
}

// UpdateState advances an Active lease whose time has run out. Without
// sponsors it expires immediately. Otherwise it enters Renewing and asks the
// sponsors registered at that moment, in registration order, each bounded by
// the sponsorship timeout. The first positive grant renews the lease and
// returns it to Active; if every sponsor refuses, fails or times out the
// lease expires. A renewal made by a caller while the round is running also
// returns the lease to Active.
//
// Cancelling ctx aborts the round and leaves the lease Active so that the
// next sweep can retry.
func (l *Lease) UpdateState(ctx context.Context) UpdateResult {
	l.mu.Lock()
	now := l.clock.Now()
	if l.state != StateActive || l.expireAt.After(now) {
		state := l.state
		l.mu.Unlock()
		return UpdateResult{State: state}
	}

	if len(l.sponsors) == 0 {
		l.state = StateExpired
		l.mu.Unlock()
		l.logger.Debug("lease expired, no sponsors")
		return UpdateResult{State: StateExpired}
	}

	round := slices.Clone(l.sponsors)
	timeout := l.sponsorshipTimeout
	l.state = StateRenewing
	info := l.infoLocked(now)
	l.mu.Unlock()

	l.logger.Debug("lease renewing", "sponsors", len(round), "timeout", timeout)

	result := UpdateResult{}
	cancelled := false
	for _, sponsor := range round {
		attempt := l.askSponsor(ctx, sponsor, info, timeout)
		result.Attempts = append(result.Attempts, attempt)

		if attempt.Outcome == OutcomeGranted {
			result.Granted = attempt.Grant
			break
		}
		if attempt.Outcome == OutcomeCancelled {
			cancelled = true
			break
		}
		l.logAttempt(attempt)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now = l.clock.Now()
	switch {
	case result.Granted > 0:
		l.extendLocked(now, result.Granted)
		l.state = StateActive
		l.logger.Debug("lease renewed by sponsor", "grant", result.Granted)
	case l.expireAt.After(now), cancelled:
		l.state = StateActive
	default:
		l.state = StateExpired
		l.logger.Debug("lease expired, sponsors exhausted", "attempts", len(result.Attempts))
	}
	result.State = l.state
	return result
}

type sponsorReply struct {
	grant time.Duration
	err   error
}

func (l *Lease) askSponsor(ctx context.Context, sponsor Sponsor, info LeaseInfo, timeout time.Duration) SponsorAttempt {
	start := l.clock.Now()
	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	replies := make(chan sponsorReply, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				replies <- sponsorReply{err: fmt.Errorf("%w: %v", ErrSponsorPanic, r)}
			}
		}()
		grant, err := sponsor.Renewal(callCtx, info)
		replies <- sponsorReply{grant: grant, err: err}
	}()

	attempt := SponsorAttempt{Sponsor: sponsor}
	select {
	case reply := <-replies:
		switch {
		case reply.err != nil:
			attempt.Outcome = OutcomeFailed
			attempt.Err = reply.err
		case reply.grant > 0:
			attempt.Outcome = OutcomeGranted
			attempt.Grant = reply.grant
		default:
			attempt.Outcome = OutcomeRefused
		}
	case <-l.clock.After(timeout):
		attempt.Outcome = OutcomeTimedOut
		attempt.Err = ErrSponsorTimeout
	case <-ctx.Done():
		attempt.Outcome = OutcomeCancelled
		attempt.Err = ctx.Err()
	}
	attempt.Elapsed = l.clock.Now().Sub(start)
	return attempt
}

func (l *Lease) logAttempt(attempt SponsorAttempt) {
	switch attempt.Outcome {
	case OutcomeFailed:
		l.logger.Warn("sponsor failed, skipping for this round", "error", attempt.Err, "elapsed", attempt.Elapsed)
	case OutcomeTimedOut:
		l.logger.Info("sponsor timed out, skipping for this round", "elapsed", attempt.Elapsed)
	default:
		l.logger.Debug("sponsor refused renewal", "elapsed", attempt.Elapsed)
	}
}
