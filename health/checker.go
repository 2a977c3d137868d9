package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	lifetime "github.com/ozanturksever/go-lifetime"
)

// overdueSweeps is how many poll intervals a running manager may go without
// completing a sweep before the node reports itself unhealthy.
const overdueSweeps = 3

// StatusProvider reports the state of a lease manager.
type StatusProvider interface {
	Status() lifetime.ManagerStatus
}

type Config struct {
	Domain          string
	NodeID          string
	NATSURLs        []string
	NATSCredentials string
	Provider        StatusProvider
	Logger          *slog.Logger
}

func (c *Config) Validate() error {
	switch {
	case c.Domain == "":
		return fmt.Errorf("lease domain is required")
	case c.NodeID == "":
		return fmt.Errorf("node id is required")
	case len(c.NATSURLs) == 0:
		return fmt.Errorf("nats servers are required")
	}
	return nil
}

// Response is what a node reports about its lease manager.
type Response struct {
	NodeID         string                  `json:"nodeId"`
	Healthy        bool                    `json:"healthy"`
	Reason         string                  `json:"reason,omitempty"`
	State          string                  `json:"state,omitempty"`
	Tracked        int                     `json:"tracked"`
	LastSweepAgeMs int64                   `json:"lastSweepAgeMs,omitempty"`
	Manager        *lifetime.ManagerStatus `json:"manager,omitempty"`
	UptimeMs       int64                   `json:"uptimeMs"`
	Timestamp      int64                   `json:"timestamp"`
	Custom         map[string]any          `json:"custom,omitempty"`
}

// Subject returns the health subject of a node.
func Subject(domain, nodeID string) string {
	return fmt.Sprintf("lifetime.%s.health.%s", domain, nodeID)
}

// Checker answers health requests for one lease service node and queries
// other nodes.
type Checker struct {
	cfg       Config
	logger    *slog.Logger
	subject   string
	mu        sync.RWMutex
	custom    map[string]any
	startedAt time.Time
	nc        *nats.Conn
	sub       *nats.Subscription
}

func NewChecker(cfg Config) (*Checker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{
		cfg:     cfg,
		logger:  logger.With("component", "lease-health", "domain", cfg.Domain, "node", cfg.NodeID),
		subject: Subject(cfg.Domain, cfg.NodeID),
		custom:  make(map[string]any),
	}, nil
}

func (c *Checker) connect(extra ...nats.Option) (*nats.Conn, error) {
	opts := append([]nats.Option{nats.Name("lifetime-health-" + c.cfg.NodeID)}, extra...)
	if c.cfg.NATSCredentials != "" {
		opts = append(opts, nats.UserCredentials(c.cfg.NATSCredentials))
	}
	nc, err := nats.Connect(c.cfg.NATSURLs[0], opts...)
	if err != nil {
		return nil, fmt.Errorf("connect NATS: %w", err)
	}
	return nc, nil
}

// Start connects and serves the node's health subject. Starting twice is a
// no-op.
func (c *Checker) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.nc != nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	nc, err := c.connect(nats.MaxReconnects(-1), nats.ReconnectWait(2*time.Second))
	if err != nil {
		return err
	}
	sub, err := nc.Subscribe(c.subject, c.handleRequest)
	if err != nil {
		nc.Close()
		return fmt.Errorf("subscribe %s: %w", c.subject, err)
	}

	c.nc = nc
	c.sub = sub
	c.startedAt = time.Now()

	c.logger.Info("lease health checker started", "subject", c.subject)
	return nil
}

func (c *Checker) Stop() {
	c.mu.Lock()
	sub, nc := c.sub, c.nc
	c.sub, c.nc = nil, nil
	c.mu.Unlock()

	if sub != nil {
		_ = sub.Unsubscribe()
	}
	if nc != nil {
		nc.Close()
	}
	c.logger.Info("lease health checker stopped")
}

// SetCustom adds a value to every report.
func (c *Checker) SetCustom(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.custom[key] = value
}

// QueryNode asks another node for its report. Without a running connection a
// temporary one is used.
func (c *Checker) QueryNode(ctx context.Context, nodeID string, timeout time.Duration) (Response, error) {
	if nodeID == "" {
		return Response{}, fmt.Errorf("node id is required")
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c.mu.RLock()
	nc := c.nc
	c.mu.RUnlock()

	if nc == nil || !nc.IsConnected() {
		tmp, err := c.connect(nats.Timeout(timeout))
		if err != nil {
			return Response{}, err
		}
		defer tmp.Close()
		nc = tmp
	}

	msg, err := nc.RequestWithContext(ctx, Subject(c.cfg.Domain, nodeID), nil)
	if err != nil {
		return Response{}, fmt.Errorf("query node %s: %w", nodeID, err)
	}

	var resp Response
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return Response{}, fmt.Errorf("decode report from %s: %w", nodeID, err)
	}
	return resp, nil
}

func (c *Checker) handleRequest(msg *nats.Msg) {
	if msg.Reply == "" {
		return
	}

	data, err := json.Marshal(c.report(time.Now()))
	if err != nil {
		c.logger.Error("failed to marshal lease health report", "error", err)
		return
	}
	if err := msg.Respond(data); err != nil {
		c.logger.Error("failed to respond to lease health request", "error", err)
	}
}

func (c *Checker) report(now time.Time) Response {
	c.mu.RLock()
	defer c.mu.RUnlock()

	resp := Response{
		NodeID:    c.cfg.NodeID,
		Healthy:   true,
		Timestamp: now.UnixMilli(),
		Custom:    maps.Clone(c.custom),
	}
	if !c.startedAt.IsZero() {
		resp.UptimeMs = now.Sub(c.startedAt).Milliseconds()
	}
	if c.cfg.Provider == nil {
		return resp
	}

	status := c.cfg.Provider.Status()
	resp.Manager = &status
	resp.State = status.String()
	resp.Tracked = status.Tracked
	if !status.LastSweep.IsZero() {
		resp.LastSweepAgeMs = now.Sub(status.LastSweep).Milliseconds()
	}
	resp.Healthy, resp.Reason = assess(status, now)
	return resp
}

// assess decides whether a lease manager is doing its job: it must be open,
// and while it is sweeping the last sweep must not be overdue.
func assess(status lifetime.ManagerStatus, now time.Time) (bool, string) {
	if status.Closed {
		return false, "lease manager closed"
	}
	if !status.Running || status.LastSweep.IsZero() || status.PollTime <= 0 {
		return true, ""
	}
	if age := now.Sub(status.LastSweep); age > overdueSweeps*status.PollTime {
		return false, fmt.Sprintf("last sweep %s ago, poll time %s", age.Round(time.Millisecond), status.PollTime)
	}
	return true, ""
}
