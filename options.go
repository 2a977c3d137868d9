package lifetime

import (
	"log/slog"
	"time"

	"github.com/juju/clock"
)

// ManagerOption configures a Manager.
type ManagerOption func(*managerOptions)

type managerOptions struct {
	name     string
	clock    clock.Clock
	logger   *slog.Logger
	services *Services
	pollTime time.Duration
	workers  int
	hooks    ManagerHooks
	metrics  *Metrics
	events   EventPublisher
}

const defaultSweepWorkers = 16

func defaultManagerOptions() *managerOptions {
	return &managerOptions{
		name:    "default",
		clock:   clock.WallClock,
		logger:  slog.Default(),
		workers: defaultSweepWorkers,
		hooks:   NoOpManagerHooks{},
	}
}

// WithName sets the manager name used in logs, metrics and events.
func WithName(name string) ManagerOption {
	return func(o *managerOptions) {
		o.name = name
	}
}

// WithClock sets the clock used for sweeps and created leases.
func WithClock(c clock.Clock) ManagerOption {
	return func(o *managerOptions) {
		o.clock = c
	}
}

// WithLogger sets a custom logger for the manager.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(o *managerOptions) {
		o.logger = logger
	}
}

// WithServices binds the manager to a settings holder. The manager takes its
// poll time from it and follows later changes to LeaseManagerPollTime.
func WithServices(s *Services) ManagerOption {
	return func(o *managerOptions) {
		o.services = s
	}
}

// WithPollTime sets the sweep cadence, overriding the bound services.
func WithPollTime(d time.Duration) ManagerOption {
	return func(o *managerOptions) {
		o.pollTime = d
	}
}

// WithSweepWorkers bounds how many leases are updated concurrently per sweep.
func WithSweepWorkers(n int) ManagerOption {
	return func(o *managerOptions) {
		o.workers = n
	}
}

// WithHooks sets the sweep observers.
func WithHooks(hooks ManagerHooks) ManagerOption {
	return func(o *managerOptions) {
		o.hooks = hooks
	}
}

// WithMetrics records sweep and sponsor metrics.
func WithMetrics(m *Metrics) ManagerOption {
	return func(o *managerOptions) {
		o.metrics = m
	}
}

// WithEvents publishes lease lifecycle events.
func WithEvents(p EventPublisher) ManagerOption {
	return func(o *managerOptions) {
		o.events = p
	}
}
