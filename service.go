package lifetime

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/micro"
)

// CreateLeaseRequest asks the lease service for a new tracked lease. Unset
// durations fall back to the service defaults; a zero lease time creates a
// lease that never expires.
type CreateLeaseRequest struct {
	ID                   string `json:"id,omitempty"`
	LeaseTimeMs          *int64 `json:"leaseTimeMs,omitempty"`
	RenewOnCallTimeMs    *int64 `json:"renewOnCallTimeMs,omitempty"`
	SponsorshipTimeoutMs *int64 `json:"sponsorshipTimeoutMs,omitempty"`
}

// RenewLeaseRequest renews a lease. A zero duration renews by the lease's
// renew-on-call time.
type RenewLeaseRequest struct {
	ID         string `json:"id"`
	DurationMs int64  `json:"durationMs,omitempty"`
}

// LeaseRequest names a lease.
type LeaseRequest struct {
	ID string `json:"id"`
}

// SponsorLeaseRequest registers or unregisters a remote sponsor, identified
// by the subject it is served on.
type SponsorLeaseRequest struct {
	ID        string `json:"id"`
	Sponsor   string `json:"sponsor"`
	RenewalMs int64  `json:"renewalMs,omitempty"`
}

// LeaseResponse carries a lease snapshot.
type LeaseResponse struct {
	Lease LeaseInfo `json:"lease"`
}

// ReleaseResponse reports whether a lease was released.
type ReleaseResponse struct {
	OK bool `json:"ok"`
}

// StatusResponse represents the response from the status endpoint.
type StatusResponse struct {
	NodeID   string        `json:"nodeId"`
	Leases   int           `json:"leases"`
	UptimeMs int64         `json:"uptimeMs"`
	Manager  ManagerStatus `json:"manager"`
}

// ExpiredNotice is published on ExpiredSubject when a service lease expires.
type ExpiredNotice struct {
	Lease     LeaseInfo `json:"lease"`
	Timestamp time.Time `json:"ts"`
}

// ServiceConfig configures the lease service.
type ServiceConfig struct {
	Domain  string
	NodeID  string
	Version string
	Logger  *slog.Logger

	// Middleware wraps every endpoint. Defaults to panic recovery and
	// request logging.
	Middleware *MiddlewareChain
}

// ServiceName returns the micro service name for the domain. NATS micro
// service names allow only alphanumerics, dashes and underscores.
func ServiceName(domain string) string {
	return fmt.Sprintf("lifetime_%s", domain)
}

// LeaseSubject returns the subject of a lease service operation.
func LeaseSubject(domain, op string) string {
	return fmt.Sprintf("lifetime.%s.lease.%s", domain, op)
}

// ExpiredSubject returns the subject an expiry notice for the lease is
// published on. Pass "*" to watch every lease.
func ExpiredSubject(domain, leaseID string) string {
	return fmt.Sprintf("lifetime.%s.lease.expired.%s", domain, leaseID)
}

// StatusSubject returns the subject for querying a node's status.
func StatusSubject(domain, nodeID string) string {
	return fmt.Sprintf("lifetime.%s.status.%s", domain, nodeID)
}

// Service exposes a Manager over a NATS micro service, so that processes
// without a manager of their own can hold leases. The owner of each lease
// is the service itself; expiry is announced on ExpiredSubject.
type Service struct {
	cfg        ServiceConfig
	logger     *slog.Logger
	nc         *nats.Conn
	manager    *Manager
	middleware *MiddlewareChain
	service    micro.Service

	mu        sync.RWMutex
	startedAt time.Time
	stopped   bool
	leases    map[string]*serviceLease
	sponsors  map[string]*RemoteSponsor
}

type serviceLease struct {
	lease *Lease
	owner *serviceOwner
}

// serviceOwner publishes the expiry of one service lease.
type serviceOwner struct {
	svc   *Service
	lease *Lease
}

func (o *serviceOwner) OnLifetimeExpired() {
	o.svc.expired(o)
}

// NewService creates a lease service backed by manager.
func NewService(cfg ServiceConfig, nc *nats.Conn, manager *Manager) (*Service, error) {
	if nc == nil {
		return nil, fmt.Errorf("NATS connection is required")
	}
	if manager == nil {
		return nil, fmt.Errorf("manager is required")
	}
	if cfg.Domain == "" {
		return nil, fmt.Errorf("domain is required")
	}
	if cfg.Version == "" {
		cfg.Version = DefaultServiceVersion
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	logger = logger.With("component", "service", "domain", cfg.Domain, "node", cfg.NodeID)
	middleware := cfg.Middleware
	if middleware == nil {
		middleware = NewMiddlewareChain(
			RecoveryMiddleware(logger),
			LoggingMiddleware(logger, time.Second),
		)
	}

	return &Service{
		cfg:        cfg,
		logger:     logger,
		nc:         nc,
		manager:    manager,
		middleware: middleware,
		leases:     make(map[string]*serviceLease),
		sponsors:   make(map[string]*RemoteSponsor),
	}, nil
}

// Start starts the micro service and registers endpoints.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.service != nil {
		return ErrAlreadyStarted
	}

	srv, err := micro.AddService(s.nc, micro.Config{
		Name:        ServiceName(s.cfg.Domain),
		Version:     s.cfg.Version,
		Description: fmt.Sprintf("Lease service for %s", s.cfg.Domain),
	})
	if err != nil {
		return fmt.Errorf("failed to create micro service: %w", err)
	}

	endpoints := []struct {
		name    string
		subject string
		handler micro.HandlerFunc
	}{
		{"create", LeaseSubject(s.cfg.Domain, "create"), s.handleCreate},
		{"renew", LeaseSubject(s.cfg.Domain, "renew"), s.handleRenew},
		{"info", LeaseSubject(s.cfg.Domain, "info"), s.handleInfo},
		{"register", LeaseSubject(s.cfg.Domain, "register"), s.handleRegister},
		{"unregister", LeaseSubject(s.cfg.Domain, "unregister"), s.handleUnregister},
		{"release", LeaseSubject(s.cfg.Domain, "release"), s.handleRelease},
		{"status", StatusSubject(s.cfg.Domain, s.cfg.NodeID), s.handleStatus},
	}
	for _, ep := range endpoints {
		if err := srv.AddEndpoint(ep.name, s.middleware.Wrap(ep.name, ep.handler), micro.WithEndpointSubject(ep.subject)); err != nil {
			_ = srv.Stop()
			return fmt.Errorf("failed to add %s endpoint: %w", ep.name, err)
		}
	}

	s.service = srv
	s.startedAt = time.Now()
	s.stopped = false

	s.logger.Info("micro service started",
		"name", ServiceName(s.cfg.Domain),
		"version", s.cfg.Version,
		"status_subject", StatusSubject(s.cfg.Domain, s.cfg.NodeID),
	)
	return nil
}

// Stop stops the micro service and releases every lease it holds.
func (s *Service) Stop() error {
	s.mu.Lock()
	if s.service == nil || s.stopped {
		s.mu.Unlock()
		return nil
	}
	srv := s.service
	leases := s.leases
	s.leases = make(map[string]*serviceLease)
	s.stopped = true
	s.mu.Unlock()

	for _, sl := range leases {
		s.manager.StopTrackingLifetime(sl.owner)
	}

	if err := srv.Stop(); err != nil {
		return fmt.Errorf("failed to stop micro service: %w", err)
	}
	s.logger.Info("micro service stopped", "released", len(leases))
	return nil
}

// Info returns the service info.
func (s *Service) Info() micro.Info {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.service == nil {
		return micro.Info{}
	}
	return s.service.Info()
}

// Stats returns the service stats.
func (s *Service) Stats() micro.Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.service == nil {
		return micro.Stats{}
	}
	return s.service.Stats()
}

// Leases returns the number of leases held through the service.
func (s *Service) Leases() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.leases)
}

func (s *Service) handleCreate(req micro.Request) {
	var r CreateLeaseRequest
	if !s.decode(req, &r) {
		return
	}

	if err := validateLeaseID(r.ID); err != nil {
		_ = req.Error("400", err.Error(), nil)
		return
	}

	s.mu.Lock()
	if r.ID != "" {
		if _, ok := s.leases[r.ID]; ok {
			s.mu.Unlock()
			_ = req.Error("409", fmt.Sprintf("lease %s already exists", r.ID), nil)
			return
		}
	}
	lease := s.manager.CreateLease(WithLeaseID(r.ID))
	if err := applyCreateRequest(lease, r); err != nil {
		s.mu.Unlock()
		_ = req.Error("400", err.Error(), nil)
		return
	}
	sl := &serviceLease{lease: lease, owner: &serviceOwner{svc: s, lease: lease}}
	s.leases[lease.ID()] = sl
	s.mu.Unlock()

	if err := s.manager.TrackLifetime(sl.owner, lease); err != nil {
		s.forget(sl)
		s.logger.Warn("failed to track lease", "lease", lease.ID(), "error", err)
		_ = req.Error("500", err.Error(), nil)
		return
	}

	s.logger.Debug("lease created", "lease", lease.ID())
	s.respond(req, LeaseResponse{Lease: lease.Info()})
}

// validateLeaseID rejects IDs that would not form a single token of the
// expiry notice subject. An empty ID is generated by the lease.
func validateLeaseID(id string) error {
	if strings.ContainsAny(id, ".*> \t\r\n") {
		return fmt.Errorf("lease id %q: %w", id, ErrInvalidLeaseID)
	}
	return nil
}

func applyCreateRequest(lease *Lease, r CreateLeaseRequest) error {
	if r.RenewOnCallTimeMs != nil {
		if err := lease.SetRenewOnCallTime(ms(*r.RenewOnCallTimeMs)); err != nil {
			return err
		}
	}
	if r.SponsorshipTimeoutMs != nil {
		if err := lease.SetSponsorshipTimeout(ms(*r.SponsorshipTimeoutMs)); err != nil {
			return err
		}
	}
	// Set last: a zero lease time leaves the lease Null, which is no longer
	// mutable.
	if r.LeaseTimeMs != nil {
		if err := lease.SetInitialLeaseTime(ms(*r.LeaseTimeMs)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) handleRenew(req micro.Request) {
	var r RenewLeaseRequest
	if !s.decode(req, &r) {
		return
	}
	sl, ok := s.lookup(req, r.ID)
	if !ok {
		return
	}

	if r.DurationMs == 0 {
		sl.lease.RenewOnCall()
	} else if _, err := sl.lease.Renew(ms(r.DurationMs)); err != nil {
		_ = req.Error("400", err.Error(), nil)
		return
	}
	s.respond(req, LeaseResponse{Lease: sl.lease.Info()})
}

func (s *Service) handleInfo(req micro.Request) {
	var r LeaseRequest
	if !s.decode(req, &r) {
		return
	}
	sl, ok := s.lookup(req, r.ID)
	if !ok {
		return
	}
	s.respond(req, LeaseResponse{Lease: sl.lease.Info()})
}

func (s *Service) handleRegister(req micro.Request) {
	var r SponsorLeaseRequest
	if !s.decode(req, &r) {
		return
	}
	sl, ok := s.lookup(req, r.ID)
	if !ok {
		return
	}

	sponsor, err := s.remoteSponsor(r.Sponsor)
	if err != nil {
		_ = req.Error("400", err.Error(), nil)
		return
	}
	if err := sl.lease.Register(sponsor, ms(r.RenewalMs)); err != nil {
		_ = req.Error("400", err.Error(), nil)
		return
	}

	s.logger.Debug("remote sponsor registered", "lease", r.ID, "sponsor", r.Sponsor)
	s.respond(req, LeaseResponse{Lease: sl.lease.Info()})
}

func (s *Service) handleUnregister(req micro.Request) {
	var r SponsorLeaseRequest
	if !s.decode(req, &r) {
		return
	}
	sl, ok := s.lookup(req, r.ID)
	if !ok {
		return
	}

	s.mu.RLock()
	sponsor := s.sponsors[r.Sponsor]
	s.mu.RUnlock()
	if sponsor != nil {
		sl.lease.Unregister(sponsor)
	}
	s.respond(req, LeaseResponse{Lease: sl.lease.Info()})
}

func (s *Service) handleRelease(req micro.Request) {
	var r LeaseRequest
	if !s.decode(req, &r) {
		return
	}
	sl, ok := s.lookup(req, r.ID)
	if !ok {
		return
	}

	s.manager.StopTrackingLifetime(sl.owner)
	s.forget(sl)
	s.logger.Debug("lease released", "lease", r.ID)
	s.respond(req, ReleaseResponse{OK: true})
}

func (s *Service) handleStatus(req micro.Request) {
	s.mu.RLock()
	startedAt := s.startedAt
	leases := len(s.leases)
	s.mu.RUnlock()

	var uptimeMs int64
	if !startedAt.IsZero() {
		uptimeMs = time.Since(startedAt).Milliseconds()
	}

	s.respond(req, StatusResponse{
		NodeID:   s.cfg.NodeID,
		Leases:   leases,
		UptimeMs: uptimeMs,
		Manager:  s.manager.Status(),
	})
}

// remoteSponsor returns the sponsor for subject, creating it on first use.
// Sharing one value per subject lets unregister find what register added.
func (s *Service) remoteSponsor(subject string) (*RemoteSponsor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sponsor, ok := s.sponsors[subject]; ok {
		return sponsor, nil
	}
	sponsor, err := NewRemoteSponsor(s.nc, subject)
	if err != nil {
		return nil, err
	}
	s.sponsors[subject] = sponsor
	return sponsor, nil
}

func (s *Service) expired(o *serviceOwner) {
	s.mu.Lock()
	sl, ok := s.leases[o.lease.ID()]
	if ok && sl.owner == o {
		delete(s.leases, o.lease.ID())
	}
	s.mu.Unlock()

	notice := ExpiredNotice{Lease: o.lease.Info(), Timestamp: time.Now()}
	data, err := json.Marshal(notice)
	if err != nil {
		s.logger.Error("failed to marshal expiry notice", "error", err)
		return
	}
	if err := s.nc.Publish(ExpiredSubject(s.cfg.Domain, o.lease.ID()), data); err != nil {
		s.logger.Warn("failed to publish expiry notice", "lease", o.lease.ID(), "error", err)
	}
}

func (s *Service) forget(sl *serviceLease) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if current, ok := s.leases[sl.lease.ID()]; ok && current == sl {
		delete(s.leases, sl.lease.ID())
	}
}

func (s *Service) lookup(req micro.Request, id string) (*serviceLease, bool) {
	s.mu.RLock()
	sl, ok := s.leases[id]
	s.mu.RUnlock()
	if !ok {
		_ = req.Error("404", fmt.Sprintf("lease %q not found", id), nil)
	}
	return sl, ok
}

func (s *Service) decode(req micro.Request, v any) bool {
	if len(req.Data()) == 0 {
		return true
	}
	if err := json.Unmarshal(req.Data(), v); err != nil {
		_ = req.Error("400", fmt.Sprintf("invalid request: %v", err), nil)
		return false
	}
	return true
}

func (s *Service) respond(req micro.Request, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("failed to marshal response", "error", err)
		_ = req.Error("500", "internal error", nil)
		return
	}
	_ = req.Respond(data)
}

// serviceError converts an error reply from the lease service.
func serviceError(msg *nats.Msg) error {
	code := msg.Header.Get(micro.ErrorCodeHeader)
	if code == "" {
		return nil
	}
	desc := msg.Header.Get(micro.ErrorHeader)
	switch code {
	case "404":
		return fmt.Errorf("%s: %w", desc, ErrLeaseNotFound)
	case "400":
		return fmt.Errorf("bad request: %s", desc)
	default:
		return errors.New(desc)
	}
}
