// Package lifetime provides lease-based lifetime management for objects in
// Go.
//
// Every managed object gets a [Lease] that says how long it may live. The
// lease expires unless it is renewed, either directly by a caller or by
// [Sponsor]s that are asked for more time once the lease runs out. A
// [Manager] sweeps the tracked leases on a fixed poll interval and tells the
// owner of each expired lease that its lifetime is over.
//
// # Quick Start
//
// Implement [Owner] on the object and hand its lease to a manager:
//
//	type Session struct{}
//
//	func (s *Session) OnLifetimeExpired() {
//	    log.Println("session expired")
//	}
//
//	func main() {
//	    mgr, err := lifetime.NewManager(lifetime.WithName("sessions"))
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//	    defer mgr.Close()
//
//	    lease := mgr.CreateLease()
//	    _ = lease.Register(lifetime.NewFixedSponsor(time.Minute), 0)
//
//	    if err := mgr.TrackLifetime(&Session{}, lease); err != nil {
//	        log.Fatal(err)
//	    }
//
//	    // Using the session keeps it alive.
//	    lease.RenewOnCall()
//	}
//
// # Lease States
//
// A lease starts Initial, becomes Active when tracked, enters Renewing while
// its sponsors are asked for more time and ends Expired. A lease created
// with a zero lease time is Null and never expires. Renewals only ever move
// the expiry forward, and an Expired lease never changes again.
//
// # Sponsors
//
// Sponsors are asked one at a time in registration order, each bounded by
// the lease's sponsorship timeout. The first positive grant renews the
// lease. A sponsor that refuses, fails, panics or times out is skipped for
// that round; when none grants, the lease expires.
//
// # Configuration
//
// [Services] holds the four lifetime settings new leases are created from
// and bound managers sweep with:
//
//   - LeaseManagerPollTime: sweep interval (default: 10s)
//   - LeaseTime: initial lease time (default: 5m)
//   - RenewOnCallTime: renewal applied by RenewOnCall (default: 2m)
//   - SponsorshipTimeout: how long each sponsor is waited on (default: 2m)
//
// # Over NATS
//
// [Service] exposes a manager as a NATS micro service so that other
// processes can hold leases, with [Client] as its caller. Sponsors can live
// in other processes through [SponsorServer] and [RemoteSponsor], and
// lease events can be published with [NATSEvents].
//
// # Sub-packages
//
//   - health: NATS-based health checking that reports manager status
//   - testutil: embedded NATS server for tests
package lifetime
