package lifetime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// SponsorRequest is sent to a remote sponsor when a lease needs renewing.
type SponsorRequest struct {
	Lease LeaseInfo `json:"lease"`
}

// SponsorResponse is a remote sponsor's answer. A zero grant refuses.
type SponsorResponse struct {
	GrantMs int64  `json:"grantMs"`
	Error   string `json:"error,omitempty"`
}

// SponsorSubject returns the subject a named sponsor is served on.
func SponsorSubject(domain, name string) string {
	return fmt.Sprintf("lifetime.%s.sponsor.%s", domain, name)
}

// RemoteSponsor is a Sponsor reached by NATS request/reply. The request is
// bounded by the context the lease passes in, so an unreachable sponsor
// counts as a timeout like any slow local one.
type RemoteSponsor struct {
	nc      *nats.Conn
	subject string
}

// NewRemoteSponsor creates a sponsor that asks whoever serves subject.
func NewRemoteSponsor(nc *nats.Conn, subject string) (*RemoteSponsor, error) {
	if nc == nil {
		return nil, fmt.Errorf("NATS connection is required")
	}
	if subject == "" {
		return nil, fmt.Errorf("subject is required")
	}
	return &RemoteSponsor{nc: nc, subject: subject}, nil
}

// Subject returns the subject the sponsor is asked on.
func (r *RemoteSponsor) Subject() string {
	return r.subject
}

// Renewal asks the remote sponsor for more time.
func (r *RemoteSponsor) Renewal(ctx context.Context, lease LeaseInfo) (time.Duration, error) {
	data, err := json.Marshal(SponsorRequest{Lease: lease})
	if err != nil {
		return 0, fmt.Errorf("failed to marshal sponsor request: %w", err)
	}

	// NATS requires a deadline; the lease itself only cancels.
	if _, ok := ctx.Deadline(); !ok {
		timeout := lease.SponsorshipTimeout
		if timeout <= 0 {
			timeout = DefaultSponsorshipTimeout
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	msg, err := r.nc.RequestWithContext(ctx, r.subject, data)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return 0, ErrSponsorTimeout
		}
		return 0, fmt.Errorf("sponsor request to %s: %w", r.subject, err)
	}

	var resp SponsorResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return 0, fmt.Errorf("failed to parse sponsor response: %w", err)
	}
	if resp.Error != "" {
		return 0, fmt.Errorf("remote sponsor: %s", resp.Error)
	}
	return ms(resp.GrantMs), nil
}

// SponsorServer answers renewal requests on a subject with a local Sponsor.
type SponsorServer struct {
	nc      *nats.Conn
	subject string
	sponsor Sponsor
	nodeID  string
	logger  *slog.Logger

	mu  sync.Mutex
	sub *nats.Subscription
}

// NewSponsorServer creates a server for sponsor on subject.
func NewSponsorServer(nc *nats.Conn, subject, nodeID string, sponsor Sponsor, logger *slog.Logger) (*SponsorServer, error) {
	if nc == nil {
		return nil, fmt.Errorf("NATS connection is required")
	}
	if sponsor == nil {
		return nil, ErrNilSponsor
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SponsorServer{
		nc:      nc,
		subject: subject,
		sponsor: sponsor,
		nodeID:  nodeID,
		logger:  logger.With("component", "sponsor-server", "subject", subject),
	}, nil
}

// Start subscribes to the sponsor subject.
func (s *SponsorServer) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sub != nil {
		return ErrAlreadyStarted
	}

	sub, err := s.nc.Subscribe(s.subject, s.handleRequest)
	if err != nil {
		return fmt.Errorf("failed to subscribe to sponsor subject: %w", err)
	}
	s.sub = sub
	s.logger.Info("sponsor server started")
	return nil
}

func (s *SponsorServer) handleRequest(msg *nats.Msg) {
	var req SponsorRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.respond(msg, 0, err)
		return
	}

	timeout := req.Lease.SponsorshipTimeout
	if timeout <= 0 {
		timeout = DefaultSponsorshipTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	grant, err := s.sponsor.Renewal(ctx, req.Lease)
	s.logger.Debug("renewal requested", "lease", req.Lease.ID, "grant", grant, "error", err)
	s.respond(msg, grant, err)
}

func (s *SponsorServer) respond(msg *nats.Msg, grant time.Duration, err error) {
	if msg.Reply == "" {
		return
	}

	resp := SponsorResponse{GrantMs: grant.Milliseconds()}
	if err != nil {
		resp.Error = err.Error()
	}
	data, _ := json.Marshal(resp)

	reply := &nats.Msg{
		Subject: msg.Reply,
		Data:    data,
		Header:  nats.Header{},
	}
	reply.Header.Set("X-Node", s.nodeID)
	if err := s.nc.PublishMsg(reply); err != nil {
		s.logger.Warn("failed to send sponsor response", "error", err)
	}
}

// Stop unsubscribes from the sponsor subject.
func (s *SponsorServer) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sub == nil {
		return ErrNotStarted
	}
	err := s.sub.Unsubscribe()
	s.sub = nil
	return err
}

var _ Sponsor = (*RemoteSponsor)(nil)
