package lifetime

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics manages Prometheus metrics for lease managers.
type Metrics struct {
	registry *prometheus.Registry
	server   *http.Server

	TrackedLeases   *prometheus.GaugeVec
	SweepsTotal     *prometheus.CounterVec
	SweepDuration   *prometheus.HistogramVec
	ExpiredTotal    *prometheus.CounterVec
	RenewedTotal    *prometheus.CounterVec
	SponsorCalls    *prometheus.CounterVec
	SponsorDuration *prometheus.HistogramVec
}

// NewMetrics creates lease metrics on a fresh registry.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.NewRegistry())
}

// NewMetricsWithRegistry creates lease metrics on the given registry.
func NewMetricsWithRegistry(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		registry: registry,

		TrackedLeases: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lifetime_tracked_leases",
			Help: "Number of leases under supervision",
		}, []string{"manager"}),

		SweepsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lifetime_sweeps_total",
			Help: "Total sweep ticks",
		}, []string{"manager"}),

		SweepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lifetime_sweep_duration_seconds",
			Help:    "Sweep tick duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 18),
		}, []string{"manager"}),

		ExpiredTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lifetime_leases_expired_total",
			Help: "Total leases expired and dropped from supervision",
		}, []string{"manager"}),

		RenewedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lifetime_leases_renewed_total",
			Help: "Total leases renewed by a sponsor",
		}, []string{"manager"}),

		SponsorCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lifetime_sponsor_calls_total",
			Help: "Total sponsor renewal requests by outcome",
		}, []string{"manager", "outcome"}),

		SponsorDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lifetime_sponsor_call_duration_seconds",
			Help:    "Sponsor renewal request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		}, []string{"manager"}),
	}

	registry.MustRegister(
		m.TrackedLeases,
		m.SweepsTotal,
		m.SweepDuration,
		m.ExpiredTotal,
		m.RenewedTotal,
		m.SponsorCalls,
		m.SponsorDuration,
	)

	return m
}

// Registry returns the registry the metrics are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler serving the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Start begins serving the metrics endpoint on addr until ctx is done.
func (m *Metrics) Start(ctx context.Context, addr string, logger *slog.Logger) error {
	if m.server != nil {
		return ErrAlreadyStarted
	}
	if logger == nil {
		logger = slog.Default()
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	m.server = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := m.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "addr", addr, "error", err)
		}
	}()

	go func() {
		<-ctx.Done()
		m.Stop()
	}()

	return nil
}

// Stop stops the metrics server.
func (m *Metrics) Stop() {
	if m.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.server.Shutdown(ctx)
	}
}

// SetTracked updates the tracked lease gauge.
func (m *Metrics) SetTracked(manager string, count int) {
	m.TrackedLeases.WithLabelValues(manager).Set(float64(count))
}

// ObserveSweep records a sweep tick.
func (m *Metrics) ObserveSweep(manager string, duration time.Duration) {
	m.SweepsTotal.WithLabelValues(manager).Inc()
	m.SweepDuration.WithLabelValues(manager).Observe(duration.Seconds())
}

// AddExpired increments the expired lease counter.
func (m *Metrics) AddExpired(manager string, n int) {
	m.ExpiredTotal.WithLabelValues(manager).Add(float64(n))
}

// IncRenewed increments the sponsor renewal counter.
func (m *Metrics) IncRenewed(manager string) {
	m.RenewedTotal.WithLabelValues(manager).Inc()
}

// ObserveSponsor records a single sponsor request.
func (m *Metrics) ObserveSponsor(manager string, attempt SponsorAttempt) {
	m.SponsorCalls.WithLabelValues(manager, attempt.Outcome.String()).Inc()
	m.SponsorDuration.WithLabelValues(manager).Observe(attempt.Elapsed.Seconds())
}
