package lifetime

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/micro"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ozanturksever/go-lifetime/testutil"
)

type serviceFixture struct {
	nc      *nats.Conn
	manager *Manager
	service *Service
	client  *Client
}

func setupService(t *testing.T) *serviceFixture {
	t.Helper()
	ns := testutil.StartNATS(t)
	nc := ns.Connect(t)

	m, err := NewManager(
		WithName("sessions"),
		WithServices(NewServices(Defaults{
			LeaseManagerPollTime: 10 * time.Millisecond,
			LeaseTime:            5 * time.Second,
			RenewOnCallTime:      5 * time.Second,
			SponsorshipTimeout:   2 * time.Second,
		})),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })

	svc, err := NewService(ServiceConfig{Domain: "sessions", NodeID: "node-1"}, nc, m)
	require.NoError(t, err)
	require.NoError(t, svc.Start())
	t.Cleanup(func() { _ = svc.Stop() })

	client, err := NewClient(ns.Connect(t), "sessions")
	require.NoError(t, err)

	return &serviceFixture{nc: nc, manager: m, service: svc, client: client}
}

func msValue(d time.Duration) *int64 {
	v := d.Milliseconds()
	return &v
}

func TestSubjects(t *testing.T) {
	assert.Equal(t, "lifetime_sessions", ServiceName("sessions"))
	assert.Equal(t, "lifetime.sessions.lease.create", LeaseSubject("sessions", "create"))
	assert.Equal(t, "lifetime.sessions.lease.expired.abc", ExpiredSubject("sessions", "abc"))
	assert.Equal(t, "lifetime.sessions.status.node-1", StatusSubject("sessions", "node-1"))
}

func TestNewService_Validation(t *testing.T) {
	m, err := NewManager()
	require.NoError(t, err)
	defer m.Close()

	_, err = NewService(ServiceConfig{Domain: "sessions"}, nil, m)
	assert.Error(t, err)

	ns := testutil.StartNATS(t)
	nc := ns.Connect(t)
	_, err = NewService(ServiceConfig{Domain: "sessions"}, nc, nil)
	assert.Error(t, err)
	_, err = NewService(ServiceConfig{}, nc, m)
	assert.ErrorContains(t, err, "domain is required")

	_, err = NewClient(nil, "sessions")
	assert.Error(t, err)
	_, err = NewClient(nc, "")
	assert.Error(t, err)
}

func TestService_StartTwice(t *testing.T) {
	f := setupService(t)

	assert.ErrorIs(t, f.service.Start(), ErrAlreadyStarted)

	info := f.service.Info()
	assert.Equal(t, "lifetime_sessions", info.Name)
	assert.Equal(t, DefaultServiceVersion, info.Version)
	assert.Len(t, info.Endpoints, 7)
}

func TestService_CreateAndInfo(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()

	created, err := f.client.Create(ctx, CreateLeaseRequest{
		ID:                "session-1",
		LeaseTimeMs:       msValue(time.Minute),
		RenewOnCallTimeMs: msValue(10 * time.Second),
	})
	require.NoError(t, err)
	assert.Equal(t, "session-1", created.ID)
	assert.Equal(t, StateActive, created.State)
	assert.Equal(t, time.Minute, created.InitialLeaseTime)
	assert.Equal(t, 10*time.Second, created.RenewOnCallTime)
	assert.Equal(t, 2*time.Second, created.SponsorshipTimeout)

	info, err := f.client.Info(ctx, "session-1")
	require.NoError(t, err)
	assert.Equal(t, created.ID, info.ID)
	assert.Equal(t, created.ExpireAt, info.ExpireAt)

	assert.Equal(t, 1, f.service.Leases())
	assert.Equal(t, 1, f.manager.Tracked())

	// Without an ID the service generates one.
	generated, err := f.client.Create(ctx, CreateLeaseRequest{})
	require.NoError(t, err)
	assert.NotEmpty(t, generated.ID)
	assert.Equal(t, 5*time.Second, generated.InitialLeaseTime)
}

func TestService_CreateDuplicate(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()

	_, err := f.client.Create(ctx, CreateLeaseRequest{ID: "dup"})
	require.NoError(t, err)

	_, err = f.client.Create(ctx, CreateLeaseRequest{ID: "dup"})
	assert.ErrorContains(t, err, "already exists")
	assert.Equal(t, 1, f.service.Leases())
}

func TestService_CreateInvalid(t *testing.T) {
	f := setupService(t)

	_, err := f.client.Create(context.Background(), CreateLeaseRequest{LeaseTimeMs: msValue(-time.Second)})
	assert.ErrorContains(t, err, "bad request")
	assert.Equal(t, 0, f.service.Leases())

	msg, err := f.nc.Request(LeaseSubject("sessions", "create"), []byte("{not json"), 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "400", msg.Header.Get(micro.ErrorCodeHeader))
}

func TestService_CreateRejectsSubjectUnsafeIDs(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()

	for _, id := range []string{"a.b", "*", ">", "with space", "tab\tid"} {
		_, err := f.client.Create(ctx, CreateLeaseRequest{ID: id})
		assert.ErrorContains(t, err, "bad request", "id %q", id)
		assert.ErrorContains(t, err, "invalid lease id", "id %q", id)
	}
	assert.Equal(t, 0, f.service.Leases())

	created, err := f.client.Create(ctx, CreateLeaseRequest{ID: "session_1-a"})
	require.NoError(t, err)
	assert.Equal(t, "session_1-a", created.ID)
}

func TestService_NullLease(t *testing.T) {
	f := setupService(t)

	created, err := f.client.Create(context.Background(), CreateLeaseRequest{ID: "forever", LeaseTimeMs: msValue(0)})
	require.NoError(t, err)
	assert.Equal(t, StateNull, created.State)

	assert.Equal(t, 1, f.service.Leases())
	assert.Equal(t, 0, f.manager.Tracked())
}

func TestService_NotFound(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()

	_, err := f.client.Info(ctx, "missing")
	assert.ErrorIs(t, err, ErrLeaseNotFound)

	_, err = f.client.Renew(ctx, "missing", time.Second)
	assert.ErrorIs(t, err, ErrLeaseNotFound)

	_, err = f.client.Register(ctx, "missing", SponsorSubject("sessions", "x"), 0)
	assert.ErrorIs(t, err, ErrLeaseNotFound)

	assert.ErrorIs(t, f.client.Release(ctx, "missing"), ErrLeaseNotFound)
}

func TestService_Renew(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()

	_, err := f.client.Create(ctx, CreateLeaseRequest{ID: "s", LeaseTimeMs: msValue(time.Second)})
	require.NoError(t, err)

	renewed, err := f.client.Renew(ctx, "s", time.Minute)
	require.NoError(t, err)
	assert.Greater(t, renewed.Remaining, 55*time.Second)

	// Zero renews on call; a shorter renewal never shortens the lease.
	renewed, err = f.client.Renew(ctx, "s", 0)
	require.NoError(t, err)
	assert.Greater(t, renewed.Remaining, 55*time.Second)

	_, err = f.client.Renew(ctx, "s", -time.Second)
	assert.ErrorContains(t, err, "bad request")
}

func TestService_Release(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()

	var notices atomic.Int32
	sub, err := f.client.WatchExpired("*", func(ExpiredNotice) { notices.Add(1) })
	require.NoError(t, err)
	defer sub.Unsubscribe()

	_, err = f.client.Create(ctx, CreateLeaseRequest{ID: "s", LeaseTimeMs: msValue(50 * time.Millisecond)})
	require.NoError(t, err)
	require.NoError(t, f.client.Release(ctx, "s"))

	assert.Equal(t, 0, f.service.Leases())
	assert.Equal(t, 0, f.manager.Tracked())

	_, err = f.client.Info(ctx, "s")
	assert.ErrorIs(t, err, ErrLeaseNotFound)

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, int32(0), notices.Load())
}

func TestService_Expiry(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()

	notices := make(chan ExpiredNotice, 1)
	sub, err := f.client.WatchExpired("short", func(n ExpiredNotice) { notices <- n })
	require.NoError(t, err)
	defer sub.Unsubscribe()

	_, err = f.client.Create(ctx, CreateLeaseRequest{ID: "short", LeaseTimeMs: msValue(50 * time.Millisecond)})
	require.NoError(t, err)

	select {
	case n := <-notices:
		assert.Equal(t, "short", n.Lease.ID)
		assert.Equal(t, StateExpired, n.Lease.State)
		assert.False(t, n.Timestamp.IsZero())
	case <-time.After(5 * time.Second):
		t.Fatal("no expiry notice")
	}

	_, err = f.client.Info(ctx, "short")
	assert.ErrorIs(t, err, ErrLeaseNotFound)

	// The ID can be reused once the lease is gone.
	_, err = f.client.Create(ctx, CreateLeaseRequest{ID: "short"})
	assert.NoError(t, err)
}

func TestService_RemoteSponsor(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()

	var calls atomic.Int32
	subject := startSponsorServer(t, f.nc, "keeper", NewSponsorFunc(func(context.Context, LeaseInfo) (time.Duration, error) {
		if calls.Add(1) > 2 {
			return 0, nil
		}
		return 50 * time.Millisecond, nil
	}))

	notices := make(chan ExpiredNotice, 1)
	sub, err := f.client.WatchExpired("sponsored", func(n ExpiredNotice) { notices <- n })
	require.NoError(t, err)
	defer sub.Unsubscribe()

	_, err = f.client.Create(ctx, CreateLeaseRequest{ID: "sponsored", LeaseTimeMs: msValue(500 * time.Millisecond)})
	require.NoError(t, err)

	info, err := f.client.Register(ctx, "sponsored", subject, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, info.Sponsors)

	// Registering the same subject again does not add a second sponsor.
	info, err = f.client.Register(ctx, "sponsored", subject, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, info.Sponsors)

	select {
	case <-notices:
	case <-time.After(5 * time.Second):
		t.Fatal("no expiry notice")
	}
	assert.Equal(t, int32(3), calls.Load())
}

func TestService_Unregister(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()

	subject := startSponsorServer(t, f.nc, "temp", NewFixedSponsor(time.Minute))

	_, err := f.client.Create(ctx, CreateLeaseRequest{ID: "s"})
	require.NoError(t, err)

	info, err := f.client.Register(ctx, "s", subject, 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, info.Sponsors)
	assert.Greater(t, info.Remaining, 25*time.Second)

	info, err = f.client.Unregister(ctx, "s", subject)
	require.NoError(t, err)
	assert.Equal(t, 0, info.Sponsors)

	// Unknown sponsors are ignored.
	info, err = f.client.Unregister(ctx, "s", SponsorSubject("sessions", "other"))
	require.NoError(t, err)
	assert.Equal(t, 0, info.Sponsors)
}

func TestService_Status(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()

	_, err := f.client.Create(ctx, CreateLeaseRequest{ID: "a"})
	require.NoError(t, err)
	_, err = f.client.Create(ctx, CreateLeaseRequest{ID: "b"})
	require.NoError(t, err)

	status, err := f.client.Status(ctx, "node-1")
	require.NoError(t, err)
	assert.Equal(t, "node-1", status.NodeID)
	assert.Equal(t, 2, status.Leases)
	assert.Equal(t, "sessions", status.Manager.Name)
	assert.Equal(t, 2, status.Manager.Tracked)
	assert.True(t, status.Manager.Running)
	assert.Equal(t, 10*time.Millisecond, status.Manager.PollTime)
	assert.GreaterOrEqual(t, status.UptimeMs, int64(0))

	f.client.SetTimeout(200 * time.Millisecond)
	_, err = f.client.Status(ctx, "node-2")
	assert.Error(t, err)
}

func TestService_StopReleasesLeases(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		_, err := f.client.Create(ctx, CreateLeaseRequest{ID: id})
		require.NoError(t, err)
	}
	require.Equal(t, 3, f.manager.Tracked())

	require.NoError(t, f.service.Stop())
	require.NoError(t, f.service.Stop())

	assert.Equal(t, 0, f.service.Leases())
	assert.Equal(t, 0, f.manager.Tracked())
}

func TestService_Stats(t *testing.T) {
	f := setupService(t)

	_, err := f.client.Info(context.Background(), "missing")
	require.Error(t, err)

	stats := f.service.Stats()
	var infoEndpoint *micro.EndpointStats
	for i := range stats.Endpoints {
		if stats.Endpoints[i].Name == "info" {
			infoEndpoint = stats.Endpoints[i]
		}
	}
	require.NotNil(t, infoEndpoint)
	assert.Equal(t, 1, infoEndpoint.NumRequests)
	assert.Equal(t, 1, infoEndpoint.NumErrors)
}
