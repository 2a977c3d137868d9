package lifetime

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ozanturksever/go-lifetime/testutil"
)

func TestEventSubject(t *testing.T) {
	assert.Equal(t, "lifetime.sessions.events.expired", EventSubject("sessions", EventExpired))
	assert.Equal(t, "lifetime.sessions.events.*", EventSubject("sessions", "*"))
}

func TestNewNATSEvents_Validation(t *testing.T) {
	_, err := NewNATSEvents(nil, "sessions", "node-1")
	assert.Error(t, err)

	ns := testutil.StartNATS(t)
	_, err = NewNATSEvents(ns.Connect(t), "", "node-1")
	assert.ErrorContains(t, err, "domain is required")
}

func receiveEvent(t *testing.T, sub *EventSubscription) LeaseEvent {
	t.Helper()
	select {
	case e := <-sub.C():
		return e
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for lease event")
		return LeaseEvent{}
	}
}

func TestNATSEvents_PublishSubscribe(t *testing.T) {
	ns := testutil.StartNATS(t)
	nc := ns.Connect(t)

	events, err := NewNATSEvents(nc, "sessions", "node-1")
	require.NoError(t, err)
	defer events.Stop()

	all, err := events.Subscribe("*")
	require.NoError(t, err)
	expired, err := events.Subscribe(EventExpired)
	require.NoError(t, err)
	require.NoError(t, nc.Flush())

	renewed := LeaseEvent{
		Type:      EventRenewed,
		Manager:   "sessions",
		Lease:     LeaseInfo{ID: "lease-1", State: StateActive, InitialLeaseTime: time.Minute},
		Grant:     30 * time.Second,
		Timestamp: epoch,
	}
	require.NoError(t, events.Publish(context.Background(), renewed))
	require.NoError(t, events.Publish(context.Background(), LeaseEvent{
		Type:  EventExpired,
		Lease: LeaseInfo{ID: "lease-1", State: StateExpired},
	}))

	got := receiveEvent(t, all)
	assert.Equal(t, renewed, got)
	assert.Equal(t, EventExpired, receiveEvent(t, all).Type)

	got = receiveEvent(t, expired)
	assert.Equal(t, "lease-1", got.Lease.ID)
	assert.Equal(t, StateExpired, got.Lease.State)

	select {
	case e := <-expired.C():
		t.Fatalf("unexpected event %s on expired subscription", e.Type)
	case <-time.After(50 * time.Millisecond):
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, events.Publish(ctx, renewed), context.Canceled)
}

func TestNATSEvents_ManagerLifecycle(t *testing.T) {
	ns := testutil.StartNATS(t)
	nc := ns.Connect(t)

	events, err := NewNATSEvents(nc, "sessions", "node-1")
	require.NoError(t, err)
	defer events.Stop()

	sub, err := events.Subscribe("*")
	require.NoError(t, err)
	require.NoError(t, nc.Flush())

	m, err := NewManager(
		WithName("sessions"),
		WithEvents(events),
		WithServices(NewServices(Defaults{LeaseManagerPollTime: 10 * time.Millisecond, LeaseTime: 30 * time.Millisecond})),
	)
	require.NoError(t, err)
	defer m.Close()

	l := m.CreateLease()
	require.NoError(t, m.TrackLifetime(&countingOwner{}, l))

	tracked := receiveEvent(t, sub)
	assert.Equal(t, EventTracked, tracked.Type)
	assert.Equal(t, "sessions", tracked.Manager)
	assert.Equal(t, l.ID(), tracked.Lease.ID)

	expired := receiveEvent(t, sub)
	assert.Equal(t, EventExpired, expired.Type)
	assert.Equal(t, StateExpired, expired.Lease.State)
}

func TestNATSEvents_Replay(t *testing.T) {
	ns := testutil.StartNATS(t)
	nc := ns.Connect(t)

	events, err := NewNATSEvents(nc, "replay", "node-1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stream, err := events.EnsureStream(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "lifetime_replay_events", stream.CachedInfo().Config.Name)

	// Idempotent.
	_, err = events.EnsureStream(ctx, time.Hour)
	require.NoError(t, err)

	for _, eventType := range []string{EventTracked, EventRenewed, EventExpired} {
		require.NoError(t, events.Publish(ctx, LeaseEvent{Type: eventType, Lease: LeaseInfo{ID: "lease-1"}}))
	}
	require.NoError(t, nc.Flush())

	var replayed []LeaseEvent
	assert.Eventually(t, func() bool {
		replayed, err = events.Replay(ctx, 10)
		return err == nil && len(replayed) == 3
	}, 5*time.Second, 50*time.Millisecond)

	require.Len(t, replayed, 3)
	assert.Equal(t, EventTracked, replayed[0].Type)
	assert.Equal(t, EventRenewed, replayed[1].Type)
	assert.Equal(t, EventExpired, replayed[2].Type)

	first, err := events.Replay(ctx, 1)
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, EventTracked, first[0].Type)
}
