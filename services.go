package lifetime

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	DefaultLeaseManagerPollTime = 10 * time.Second
	DefaultLeaseTime            = 5 * time.Minute
	DefaultRenewOnCallTime      = 2 * time.Minute
	DefaultSponsorshipTimeout   = 2 * time.Minute
)

// Defaults is a snapshot of the four lifetime settings.
type Defaults struct {
	LeaseManagerPollTime time.Duration
	LeaseTime            time.Duration
	RenewOnCallTime      time.Duration
	SponsorshipTimeout   time.Duration
}

// DefaultDefaults returns the built-in lifetime settings.
func DefaultDefaults() Defaults {
	return Defaults{
		LeaseManagerPollTime: DefaultLeaseManagerPollTime,
		LeaseTime:            DefaultLeaseTime,
		RenewOnCallTime:      DefaultRenewOnCallTime,
		SponsorshipTimeout:   DefaultSponsorshipTimeout,
	}
}

func (d *Defaults) applyDefaults() {
	if d.LeaseManagerPollTime <= 0 {
		d.LeaseManagerPollTime = DefaultLeaseManagerPollTime
	}
	if d.LeaseTime < 0 {
		d.LeaseTime = DefaultLeaseTime
	}
	if d.RenewOnCallTime < 0 {
		d.RenewOnCallTime = DefaultRenewOnCallTime
	}
	if d.SponsorshipTimeout <= 0 {
		d.SponsorshipTimeout = DefaultSponsorshipTimeout
	}
}

// Services holds the lifetime settings shared by every lease created from it
// and by the managers bound to it. Each value is read and written atomically
// and the last writer wins. Leases copy the values once, at construction.
type Services struct {
	pollTime           atomic.Int64
	leaseTime          atomic.Int64
	renewOnCallTime    atomic.Int64
	sponsorshipTimeout atomic.Int64

	mu           sync.Mutex
	listeners    map[uint64]func(time.Duration)
	nextListener uint64
}

// NewServices creates a settings holder seeded with the given defaults.
// A zero LeaseTime is kept (it produces Null leases); other zero or
// negative values fall back to the built-in defaults.
func NewServices(d Defaults) *Services {
	d.applyDefaults()
	s := &Services{listeners: make(map[uint64]func(time.Duration))}
	s.pollTime.Store(int64(d.LeaseManagerPollTime))
	s.leaseTime.Store(int64(d.LeaseTime))
	s.renewOnCallTime.Store(int64(d.RenewOnCallTime))
	s.sponsorshipTimeout.Store(int64(d.SponsorshipTimeout))
	return s
}

// LeaseManagerPollTime returns the sweep cadence of bound managers.
func (s *Services) LeaseManagerPollTime() time.Duration {
	return time.Duration(s.pollTime.Load())
}

// SetLeaseManagerPollTime sets the sweep cadence and pushes it to every
// manager bound to these services.
func (s *Services) SetLeaseManagerPollTime(d time.Duration) {
	s.pollTime.Store(int64(d))

	s.mu.Lock()
	listeners := make([]func(time.Duration), 0, len(s.listeners))
	for _, fn := range s.listeners {
		listeners = append(listeners, fn)
	}
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(d)
	}
}

// LeaseTime returns the initial time-to-live of new leases.
func (s *Services) LeaseTime() time.Duration {
	return time.Duration(s.leaseTime.Load())
}

// SetLeaseTime sets the initial time-to-live of new leases.
func (s *Services) SetLeaseTime(d time.Duration) {
	s.leaseTime.Store(int64(d))
}

// RenewOnCallTime returns the per-call renewal of new leases.
func (s *Services) RenewOnCallTime() time.Duration {
	return time.Duration(s.renewOnCallTime.Load())
}

// SetRenewOnCallTime sets the per-call renewal of new leases.
func (s *Services) SetRenewOnCallTime(d time.Duration) {
	s.renewOnCallTime.Store(int64(d))
}

// SponsorshipTimeout returns the per-sponsor wait of new leases.
func (s *Services) SponsorshipTimeout() time.Duration {
	return time.Duration(s.sponsorshipTimeout.Load())
}

// SetSponsorshipTimeout sets the per-sponsor wait of new leases.
func (s *Services) SetSponsorshipTimeout(d time.Duration) {
	s.sponsorshipTimeout.Store(int64(d))
}

// Defaults returns a snapshot of the current settings.
func (s *Services) Defaults() Defaults {
	return Defaults{
		LeaseManagerPollTime: s.LeaseManagerPollTime(),
		LeaseTime:            s.LeaseTime(),
		RenewOnCallTime:      s.RenewOnCallTime(),
		SponsorshipTimeout:   s.SponsorshipTimeout(),
	}
}

// CreateLease creates a lease in the Initial state seeded with the current settings.
func (s *Services) CreateLease(opts ...LeaseOption) *Lease {
	return NewLease(s.Defaults(), opts...)
}

// onPollTimeChange registers fn for poll time changes and returns a func
// that removes it.
func (s *Services) onPollTimeChange(fn func(time.Duration)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listeners == nil {
		s.listeners = make(map[uint64]func(time.Duration))
	}
	id := s.nextListener
	s.nextListener++
	s.listeners[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

func (s *Services) listenerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listeners)
}
