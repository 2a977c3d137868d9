package lifetime

import (
	"context"
	"time"
)

// Owner is the object whose lifetime a tracked lease governs. The manager
// calls OnLifetimeExpired exactly once, from the sweep that observes the
// lease Expired. It may call Manager.Close. Owners are used as map keys, so
// they must be comparable; pointer types are the usual choice.
type Owner interface {
	OnLifetimeExpired()
}

type funcOwner struct {
	fn func()
}

// NewOwnerFunc adapts a function to the Owner interface. Each call returns a
// distinct owner.
func NewOwnerFunc(fn func()) Owner {
	return &funcOwner{fn: fn}
}

func (o *funcOwner) OnLifetimeExpired() {
	if o.fn != nil {
		o.fn()
	}
}

// ManagerHooks lets callers observe what the sweep does to tracked leases.
// All methods are called synchronously from the sweep, outside the manager
// lock; implementations should spawn goroutines if they need to block. They
// may call Manager.Close.
type ManagerHooks interface {
	// OnLeaseRenewed is called when a sponsor grant returns a lease to Active.
	OnLeaseRenewed(ctx context.Context, lease LeaseInfo, grant time.Duration) error

	// OnLeaseExpired is called after a lease expired and was dropped from tracking.
	OnLeaseExpired(ctx context.Context, lease LeaseInfo) error

	// OnSponsorFailed is called for every sponsor that errored or timed out.
	OnSponsorFailed(ctx context.Context, lease LeaseInfo, attempt SponsorAttempt) error
}

// NoOpManagerHooks is a default implementation of ManagerHooks that does nothing.
type NoOpManagerHooks struct{}

func (NoOpManagerHooks) OnLeaseRenewed(context.Context, LeaseInfo, time.Duration) error { return nil }
func (NoOpManagerHooks) OnLeaseExpired(context.Context, LeaseInfo) error                { return nil }
func (NoOpManagerHooks) OnSponsorFailed(context.Context, LeaseInfo, SponsorAttempt) error {
	return nil
}

var (
	_ ManagerHooks = NoOpManagerHooks{}
	_ Owner        = (*funcOwner)(nil)
)
