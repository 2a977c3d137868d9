package lifetime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
	"golang.org/x/sync/errgroup"
)

// Manager supervises tracked leases. A background sweep runs every poll
// interval while at least one lease is tracked; it drives each lease's state
// machine and notifies the owners of leases that expired.
type Manager struct {
	name     string
	clock    clock.Clock
	logger   *slog.Logger
	services *Services
	hooks    ManagerHooks
	metrics  *Metrics
	events   EventPublisher
	workers  int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// sweepMu serializes sweep ticks.
	sweepMu sync.Mutex
	// callbacks counts owner and hook calls in progress.
	callbacks atomic.Int32
	unwatch   func()

	mu        sync.Mutex
	tracked   map[Owner]*trackedLease
	pollTime  time.Duration
	sweeper   *sweeper
	closed    bool
	sweeps    uint64
	lastSweep time.Time
}

type trackedLease struct {
	owner Owner
	lease *Lease
	since time.Time
}

// SweepResult summarizes one sweep tick.
type SweepResult struct {
	Processed int
	Renewed   int
	Expired   int
	Remaining int
}

// NewManager creates a lease manager. No goroutine runs until the first
// lease is tracked.
func NewManager(opts ...ManagerOption) (*Manager, error) {
	o := defaultManagerOptions()
	for _, opt := range opts {
		opt(o)
	}

	if o.clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.hooks == nil {
		o.hooks = NoOpManagerHooks{}
	}
	if o.workers <= 0 {
		o.workers = defaultSweepWorkers
	}
	if o.services == nil {
		o.services = NewServices(DefaultDefaults())
	}
	pollTime := o.pollTime
	if pollTime == 0 {
		pollTime = o.services.LeaseManagerPollTime()
	}
	if pollTime <= 0 {
		return nil, fmt.Errorf("poll time %s: %w", pollTime, ErrInvalidDuration)
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		name:     o.name,
		clock:    o.clock,
		logger:   o.logger.With("component", "lease-manager", "manager", o.name),
		services: o.services,
		hooks:    o.hooks,
		metrics:  o.metrics,
		events:   o.events,
		workers:  o.workers,
		ctx:      ctx,
		cancel:   cancel,
		tracked:  make(map[Owner]*trackedLease),
		pollTime: pollTime,
	}

	if o.pollTime == 0 {
		m.unwatch = o.services.onPollTimeChange(func(d time.Duration) {
			if err := m.SetPollTime(d); err != nil {
				m.logger.Warn("ignoring poll time change", "poll_time", d, "error", err)
			}
		})
	}

	return m, nil
}

// Name returns the manager name.
func (m *Manager) Name() string {
	return m.name
}

// Services returns the settings the manager creates leases from.
func (m *Manager) Services() *Services {
	return m.services
}

// CreateLease creates an Initial lease from the manager's services, sharing
// the manager's clock and logger.
func (m *Manager) CreateLease(opts ...LeaseOption) *Lease {
	base := []LeaseOption{WithLeaseClock(m.clock), WithLeaseLogger(m.logger)}
	return m.services.CreateLease(append(base, opts...)...)
}

// TrackLifetime activates the lease and puts it under supervision on behalf
// of owner. Tracking an owner again replaces its previous lease. Null leases
// are activated but not tracked, since they never expire.
func (m *Manager) TrackLifetime(owner Owner, lease *Lease) error {
	if owner == nil {
		return ErrNilOwner
	}
	if lease == nil {
		return ErrNilLease
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}

	switch state := lease.Activate(); state {
	case StateNull:
		m.mu.Unlock()
		m.logger.Debug("not tracking null lease", "lease", lease.ID())
		return nil
	case StateExpired:
		m.mu.Unlock()
		return fmt.Errorf("track lease %s: %w", lease.ID(), ErrInvalidState)
	}

	m.tracked[owner] = &trackedLease{
		owner: owner,
		lease: lease,
		since: m.clock.Now(),
	}
	if m.sweeper == nil {
		m.startSweeperLocked()
	}
	count := len(m.tracked)
	m.mu.Unlock()

	m.logger.Debug("tracking lease", "lease", lease.ID(), "tracked", count)
	if m.metrics != nil {
		m.metrics.SetTracked(m.name, count)
	}
	m.publish(EventTracked, lease.Info(), 0)
	return nil
}

// StopTrackingLifetime drops the owner's lease from supervision without
// notifying the owner. Unknown owners are ignored.
func (m *Manager) StopTrackingLifetime(owner Owner) {
	if owner == nil {
		return
	}

	m.mu.Lock()
	entry, ok := m.tracked[owner]
	if ok {
		delete(m.tracked, owner)
	}
	count := len(m.tracked)
	m.mu.Unlock()

	if !ok {
		return
	}

	m.logger.Debug("stopped tracking lease", "lease", entry.lease.ID(), "tracked", count)
	if m.metrics != nil {
		m.metrics.SetTracked(m.name, count)
	}
	m.publish(EventUntracked, entry.lease.Info(), 0)
}

// IsTracking returns true if the owner has a lease under supervision.
func (m *Manager) IsTracking(owner Owner) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.tracked[owner]
	return ok
}

// Tracked returns the number of leases under supervision.
func (m *Manager) Tracked() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tracked)
}

// Leases returns snapshots of the tracked leases.
func (m *Manager) Leases() []LeaseInfo {
	m.mu.Lock()
	leases := make([]*Lease, 0, len(m.tracked))
	for _, entry := range m.tracked {
		leases = append(leases, entry.lease)
	}
	m.mu.Unlock()

	infos := make([]LeaseInfo, 0, len(leases))
	for _, l := range leases {
		infos = append(infos, l.Info())
	}
	return infos
}

// PollTime returns the sweep cadence.
func (m *Manager) PollTime() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pollTime
}

// SetPollTime changes the sweep cadence. A running sweep is rescheduled
// immediately; an idle manager uses the new value when it next starts.
func (m *Manager) SetPollTime(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("poll time %s: %w", d, ErrInvalidDuration)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.pollTime = d
	if m.sweeper != nil {
		m.sweeper.reschedule(d)
	}
	return nil
}

// Running returns true while the background sweep is active.
func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sweeper != nil
}

func (m *Manager) startSweeperLocked() {
	s := newSweeper(m.clock, m.pollTime)
	m.sweeper = s

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		s.run(m.ctx, func(ctx context.Context) bool {
			return m.tick(ctx, s)
		})
	}()
	m.logger.Debug("sweeper started", "poll_time", m.pollTime)
}

// tick runs one sweep and reports whether the sweeper should stop because
// nothing is left to track.
func (m *Manager) tick(ctx context.Context, s *sweeper) bool {
	m.ManageLeases(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.tracked) == 0 && m.sweeper == s {
		m.sweeper = nil
		m.logger.Debug("no leases tracked, sweeper stopped")
		return true
	}
	return false
}

// ManageLeases runs one sweep tick over a snapshot of the tracked leases.
// Leases tracked while the tick runs are picked up by the next one. Leases
// are updated in parallel, so one lease's sponsor negotiation does not hold
// up the others. Leases found Expired are dropped and their owners notified,
// unless the owner stopped tracking them in the meantime.
func (m *Manager) ManageLeases(ctx context.Context) SweepResult {
	m.sweepMu.Lock()
	defer m.sweepMu.Unlock()

	start := m.clock.Now()

	m.mu.Lock()
	snapshot := make([]*trackedLease, 0, len(m.tracked))
	for _, entry := range m.tracked {
		snapshot = append(snapshot, entry)
	}
	m.mu.Unlock()

	results := make([]UpdateResult, len(snapshot))
	var g errgroup.Group
	g.SetLimit(m.workers)
	for i, entry := range snapshot {
		i, entry := i, entry
		g.Go(func() error {
			results[i] = entry.lease.UpdateState(ctx)
			return nil
		})
	}
	_ = g.Wait()

	var expired []*trackedLease
	m.mu.Lock()
	for i, entry := range snapshot {
		if !results[i].Expired() {
			continue
		}
		if current, ok := m.tracked[entry.owner]; ok && current == entry {
			delete(m.tracked, entry.owner)
			expired = append(expired, entry)
		}
	}
	remaining := len(m.tracked)
	m.sweeps++
	m.lastSweep = start
	m.mu.Unlock()

	result := SweepResult{
		Processed: len(snapshot),
		Expired:   len(expired),
		Remaining: remaining,
	}

	for i, entry := range snapshot {
		if m.observe(ctx, entry.lease, results[i]) {
			result.Renewed++
		}
	}
	for _, entry := range expired {
		m.notifyExpired(ctx, entry)
	}

	if m.metrics != nil {
		m.metrics.ObserveSweep(m.name, m.clock.Now().Sub(start))
		m.metrics.SetTracked(m.name, remaining)
		if len(expired) > 0 {
			m.metrics.AddExpired(m.name, len(expired))
		}
	}
	if result.Expired > 0 || result.Renewed > 0 {
		m.logger.Debug("sweep complete",
			"processed", result.Processed,
			"renewed", result.Renewed,
			"expired", result.Expired,
			"remaining", result.Remaining,
		)
	}
	return result
}

// observe reports a lease update to metrics and hooks, returning true if a
// sponsor renewed the lease.
func (m *Manager) observe(ctx context.Context, lease *Lease, result UpdateResult) bool {
	if !result.Negotiated() {
		return false
	}

	info := lease.Info()
	for _, attempt := range result.Attempts {
		if m.metrics != nil {
			m.metrics.ObserveSponsor(m.name, attempt)
		}
		if attempt.Outcome == OutcomeFailed || attempt.Outcome == OutcomeTimedOut {
			if err := m.callback(func() error { return m.hooks.OnSponsorFailed(ctx, info, attempt) }); err != nil {
				m.logger.Warn("sponsor failure hook failed", "lease", info.ID, "error", err)
			}
		}
	}

	if result.Granted <= 0 || result.State != StateActive {
		return false
	}

	if m.metrics != nil {
		m.metrics.IncRenewed(m.name)
	}
	if err := m.callback(func() error { return m.hooks.OnLeaseRenewed(ctx, info, result.Granted) }); err != nil {
		m.logger.Warn("lease renewed hook failed", "lease", info.ID, "error", err)
	}
	m.publish(EventRenewed, info, result.Granted)
	return true
}

func (m *Manager) notifyExpired(ctx context.Context, entry *trackedLease) {
	info := entry.lease.Info()
	m.logger.Debug("lease expired", "lease", info.ID, "tracked_for", m.clock.Now().Sub(entry.since))

	_ = m.callback(func() error {
		defer func() {
			if r := recover(); r != nil {
				m.logger.Error("owner panicked on lifetime expiry", "lease", info.ID, "panic", r)
			}
		}()
		entry.owner.OnLifetimeExpired()
		return nil
	})

	if err := m.callback(func() error { return m.hooks.OnLeaseExpired(ctx, info) }); err != nil {
		m.logger.Warn("lease expired hook failed", "lease", info.ID, "error", err)
	}
	m.publish(EventExpired, info, 0)
}

// callback runs an owner or hook call made from a sweep.
func (m *Manager) callback(fn func() error) error {
	m.callbacks.Add(1)
	defer m.callbacks.Add(-1)
	return fn()
}

func (m *Manager) publish(eventType string, info LeaseInfo, grant time.Duration) {
	if m.events == nil {
		return
	}
	event := LeaseEvent{
		Type:      eventType,
		Manager:   m.name,
		Lease:     info,
		Grant:     grant,
		Timestamp: m.clock.Now(),
	}
	if err := m.events.Publish(m.ctx, event); err != nil {
		m.logger.Warn("failed to publish lease event", "type", eventType, "lease", info.ID, "error", err)
	}
}

// Status returns a snapshot of the manager state.
func (m *Manager) Status() ManagerStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	return ManagerStatus{
		Name:      m.name,
		Tracked:   len(m.tracked),
		PollTime:  m.pollTime,
		Running:   m.sweeper != nil,
		Closed:    m.closed,
		Sweeps:    m.sweeps,
		LastSweep: m.lastSweep,
		Defaults:  m.services.Defaults(),
	}
}

// Close stops the sweep, aborts negotiations in progress and drops every
// tracked lease without notifying owners. It waits for the sweep goroutine
// to exit, except when called from an Owner or ManagerHooks callback: the
// sweep is then only signalled and exits once the callback returns.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	s := m.sweeper
	m.sweeper = nil
	m.tracked = make(map[Owner]*trackedLease)
	m.mu.Unlock()

	if m.unwatch != nil {
		m.unwatch()
	}
	m.cancel()
	if m.callbacks.Load() > 0 {
		if s != nil {
			s.signal()
		}
	} else {
		if s != nil {
			s.stop()
		}
		m.wg.Wait()
	}

	if m.metrics != nil {
		m.metrics.SetTracked(m.name, 0)
	}
	m.logger.Debug("lease manager closed")
	return nil
}
