package lifetime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

const defaultClientTimeout = 5 * time.Second

// Client calls a lease service over NATS.
type Client struct {
	nc      *nats.Conn
	domain  string
	timeout time.Duration
}

// NewClient creates a client for the lease service of domain.
func NewClient(nc *nats.Conn, domain string) (*Client, error) {
	if nc == nil {
		return nil, fmt.Errorf("NATS connection is required")
	}
	if domain == "" {
		return nil, fmt.Errorf("domain is required")
	}
	return &Client{nc: nc, domain: domain, timeout: defaultClientTimeout}, nil
}

// SetTimeout sets the request timeout used when ctx carries no deadline.
func (c *Client) SetTimeout(d time.Duration) {
	if d > 0 {
		c.timeout = d
	}
}

// Create creates a tracked lease.
func (c *Client) Create(ctx context.Context, req CreateLeaseRequest) (LeaseInfo, error) {
	var resp LeaseResponse
	err := c.call(ctx, LeaseSubject(c.domain, "create"), req, &resp)
	return resp.Lease, err
}

// Renew renews a lease by d, or by its renew-on-call time when d is zero.
func (c *Client) Renew(ctx context.Context, id string, d time.Duration) (LeaseInfo, error) {
	var resp LeaseResponse
	err := c.call(ctx, LeaseSubject(c.domain, "renew"), RenewLeaseRequest{ID: id, DurationMs: d.Milliseconds()}, &resp)
	return resp.Lease, err
}

// Info returns a lease snapshot.
func (c *Client) Info(ctx context.Context, id string) (LeaseInfo, error) {
	var resp LeaseResponse
	err := c.call(ctx, LeaseSubject(c.domain, "info"), LeaseRequest{ID: id}, &resp)
	return resp.Lease, err
}

// Register registers the sponsor served on sponsorSubject with a lease.
func (c *Client) Register(ctx context.Context, id, sponsorSubject string, renewal time.Duration) (LeaseInfo, error) {
	var resp LeaseResponse
	err := c.call(ctx, LeaseSubject(c.domain, "register"), SponsorLeaseRequest{
		ID:        id,
		Sponsor:   sponsorSubject,
		RenewalMs: renewal.Milliseconds(),
	}, &resp)
	return resp.Lease, err
}

// Unregister removes the sponsor served on sponsorSubject from a lease.
func (c *Client) Unregister(ctx context.Context, id, sponsorSubject string) (LeaseInfo, error) {
	var resp LeaseResponse
	err := c.call(ctx, LeaseSubject(c.domain, "unregister"), SponsorLeaseRequest{ID: id, Sponsor: sponsorSubject}, &resp)
	return resp.Lease, err
}

// Release stops tracking a lease without expiring it.
func (c *Client) Release(ctx context.Context, id string) error {
	var resp ReleaseResponse
	return c.call(ctx, LeaseSubject(c.domain, "release"), LeaseRequest{ID: id}, &resp)
}

// Status queries the status endpoint of a node.
func (c *Client) Status(ctx context.Context, nodeID string) (StatusResponse, error) {
	var resp StatusResponse
	err := c.call(ctx, StatusSubject(c.domain, nodeID), nil, &resp)
	return resp, err
}

// WatchExpired delivers expiry notices for the lease; "*" watches every
// lease of the domain.
func (c *Client) WatchExpired(id string, fn func(ExpiredNotice)) (*nats.Subscription, error) {
	sub, err := c.nc.Subscribe(ExpiredSubject(c.domain, id), func(msg *nats.Msg) {
		var notice ExpiredNotice
		if err := json.Unmarshal(msg.Data, &notice); err != nil {
			return
		}
		fn(notice)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to expiry notices: %w", err)
	}
	return sub, nil
}

func (c *Client) call(ctx context.Context, subject string, req, resp any) error {
	var data []byte
	if req != nil {
		var err error
		if data, err = json.Marshal(req); err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	msg, err := c.nc.RequestWithContext(ctx, subject, data)
	if err != nil {
		return fmt.Errorf("request %s: %w", subject, err)
	}
	if err := serviceError(msg); err != nil {
		return err
	}
	if err := json.Unmarshal(msg.Data, resp); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}
