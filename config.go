package lifetime

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	DefaultReconnectWait  = 2 * time.Second
	DefaultMaxReconnects  = -1 // Unlimited
	DefaultServiceVersion = "1.0.0"
	DefaultMetricsAddr    = ":9090"
)

// FileConfig is the lease service configuration loaded from a JSON file.
// Durations are given in milliseconds.
type FileConfig struct {
	Domain   string             `json:"domain"`
	NodeID   string             `json:"nodeId"`
	NATS     NATSFileConfig     `json:"nats"`
	Lifetime LifetimeFileConfig `json:"lifetime,omitempty"`
	Metrics  MetricsFileConfig  `json:"metrics,omitempty"`
	Service  ServiceFileConfig  `json:"service,omitempty"`
}

// NATSFileConfig contains NATS connection settings.
type NATSFileConfig struct {
	Servers       []string `json:"servers"`
	Credentials   string   `json:"credentials,omitempty"`
	ReconnectWait int64    `json:"reconnectWaitMs,omitempty"`
	MaxReconnects int      `json:"maxReconnects,omitempty"`
}

// LifetimeFileConfig contains the lease defaults.
type LifetimeFileConfig struct {
	PollTimeMs           int64 `json:"pollTimeMs,omitempty"`
	LeaseTimeMs          int64 `json:"leaseTimeMs,omitempty"`
	RenewOnCallTimeMs    int64 `json:"renewOnCallTimeMs,omitempty"`
	SponsorshipTimeoutMs int64 `json:"sponsorshipTimeoutMs,omitempty"`
}

// MetricsFileConfig contains the Prometheus endpoint settings. An empty
// address disables the endpoint.
type MetricsFileConfig struct {
	Addr string `json:"addr,omitempty"`
}

// ServiceFileConfig contains micro service settings.
type ServiceFileConfig struct {
	Version string `json:"version,omitempty"`
}

// LoadConfigFromFile loads configuration from a JSON file.
func LoadConfigFromFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg FileConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return &cfg, nil
}

// WriteConfigToFile writes the configuration to a JSON file.
func WriteConfigToFile(cfg *FileConfig, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate validates the configuration.
func (c *FileConfig) Validate() error {
	if c.Domain == "" {
		return fmt.Errorf("domain is required")
	}
	if c.NodeID == "" {
		return fmt.Errorf("nodeId is required")
	}
	if len(c.NATS.Servers) == 0 {
		return fmt.Errorf("nats.servers is required")
	}

	l := c.Lifetime
	if l.PollTimeMs < 0 || l.LeaseTimeMs < 0 || l.RenewOnCallTimeMs < 0 || l.SponsorshipTimeoutMs < 0 {
		return fmt.Errorf("lifetime durations must not be negative: %w", ErrInvalidDuration)
	}
	return nil
}

// ApplyDefaults applies default values to unset configuration fields.
func (c *FileConfig) ApplyDefaults() {
	if c.NATS.ReconnectWait == 0 {
		c.NATS.ReconnectWait = DefaultReconnectWait.Milliseconds()
	}
	if c.NATS.MaxReconnects == 0 {
		c.NATS.MaxReconnects = DefaultMaxReconnects
	}
	if c.Lifetime.PollTimeMs == 0 {
		c.Lifetime.PollTimeMs = DefaultLeaseManagerPollTime.Milliseconds()
	}
	if c.Lifetime.LeaseTimeMs == 0 {
		c.Lifetime.LeaseTimeMs = DefaultLeaseTime.Milliseconds()
	}
	if c.Lifetime.RenewOnCallTimeMs == 0 {
		c.Lifetime.RenewOnCallTimeMs = DefaultRenewOnCallTime.Milliseconds()
	}
	if c.Lifetime.SponsorshipTimeoutMs == 0 {
		c.Lifetime.SponsorshipTimeoutMs = DefaultSponsorshipTimeout.Milliseconds()
	}
	if c.Service.Version == "" {
		c.Service.Version = DefaultServiceVersion
	}
}

// ToDefaults converts the lifetime section to lease defaults.
func (c *FileConfig) ToDefaults() Defaults {
	return Defaults{
		LeaseManagerPollTime: ms(c.Lifetime.PollTimeMs),
		LeaseTime:            ms(c.Lifetime.LeaseTimeMs),
		RenewOnCallTime:      ms(c.Lifetime.RenewOnCallTimeMs),
		SponsorshipTimeout:   ms(c.Lifetime.SponsorshipTimeoutMs),
	}
}

// NATSOptions returns the connection options for the configured servers.
func (c *FileConfig) NATSOptions() []nats.Option {
	opts := []nats.Option{
		nats.Name(fmt.Sprintf("lifetime-%s-%s", c.Domain, c.NodeID)),
		nats.ReconnectWait(ms(c.NATS.ReconnectWait)),
		nats.MaxReconnects(c.NATS.MaxReconnects),
	}
	if c.NATS.Credentials != "" {
		opts = append(opts, nats.UserCredentials(c.NATS.Credentials))
	}
	return opts
}

// NewDefaultFileConfig creates a FileConfig with the given required fields
// and default values.
func NewDefaultFileConfig(domain, nodeID string, natsServers []string) *FileConfig {
	cfg := &FileConfig{
		Domain: domain,
		NodeID: nodeID,
		NATS: NATSFileConfig{
			Servers: natsServers,
		},
	}
	cfg.ApplyDefaults()
	return cfg
}
