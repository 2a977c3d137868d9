package lifetime

import (
	"context"
	"sync"
	"time"
)

// Sponsor is consulted when a lease it is registered on runs out of time.
// A positive duration extends the lease by that much; zero refuses. An error
// is treated as a refusal for the current negotiation round.
//
// The context is cancelled when the lease's sponsorship timeout elapses, so
// implementations that block should select on ctx.Done().
type Sponsor interface {
	Renewal(ctx context.Context, lease LeaseInfo) (time.Duration, error)
}

type funcSponsor struct {
	fn func(ctx context.Context, lease LeaseInfo) (time.Duration, error)
}

// NewSponsorFunc adapts a function to the Sponsor interface. Each call returns
// a distinct sponsor, so the result can be registered and unregistered by
// identity.
func NewSponsorFunc(fn func(ctx context.Context, lease LeaseInfo) (time.Duration, error)) Sponsor {
	return &funcSponsor{fn: fn}
}

func (s *funcSponsor) Renewal(ctx context.Context, lease LeaseInfo) (time.Duration, error) {
	return s.fn(ctx, lease)
}

// FixedSponsor always grants the same duration.
type FixedSponsor struct {
	Grant time.Duration
}

// NewFixedSponsor creates a sponsor granting d on every request.
func NewFixedSponsor(d time.Duration) *FixedSponsor {
	return &FixedSponsor{Grant: d}
}

func (s *FixedSponsor) Renewal(ctx context.Context, _ LeaseInfo) (time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return s.Grant, nil
}

// ClientSponsor grants RenewalTime to every lease it is registered on and
// remembers those leases so Close can unregister from all of them.
type ClientSponsor struct {
	RenewalTime time.Duration

	mu     sync.Mutex
	leases map[string]*Lease
	closed bool
}

// NewClientSponsor creates a sponsor granting renewalTime.
func NewClientSponsor(renewalTime time.Duration) *ClientSponsor {
	return &ClientSponsor{
		RenewalTime: renewalTime,
		leases:      make(map[string]*Lease),
	}
}

// RegisterLease registers the sponsor on the lease, without an immediate renewal.
func (s *ClientSponsor) RegisterLease(lease *Lease) error {
	if lease == nil {
		return ErrNilLease
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSponsorClosed
	}
	s.leases[lease.ID()] = lease
	s.mu.Unlock()

	return lease.Register(s, 0)
}

// UnregisterLease removes the sponsor from a single lease.
func (s *ClientSponsor) UnregisterLease(lease *Lease) {
	if lease == nil {
		return
	}
	s.mu.Lock()
	delete(s.leases, lease.ID())
	s.mu.Unlock()

	lease.Unregister(s)
}

// Leases returns the number of leases the sponsor is registered on.
func (s *ClientSponsor) Leases() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.leases)
}

// Renewal grants RenewalTime unless the sponsor was closed.
func (s *ClientSponsor) Renewal(ctx context.Context, _ LeaseInfo) (time.Duration, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()

	if closed {
		return 0, nil
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return s.RenewalTime, nil
}

// Close unregisters the sponsor from every lease it was registered on.
func (s *ClientSponsor) Close() error {
	s.mu.Lock()
	leases := s.leases
	s.leases = make(map[string]*Lease)
	s.closed = true
	s.mu.Unlock()

	for _, l := range leases {
		l.Unregister(s)
	}
	return nil
}

var (
	_ Sponsor = (*funcSponsor)(nil)
	_ Sponsor = (*FixedSponsor)(nil)
	_ Sponsor = (*ClientSponsor)(nil)
)
