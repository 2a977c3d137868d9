package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	lifetime "github.com/ozanturksever/go-lifetime"
	"github.com/ozanturksever/go-lifetime/health"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the lease service",
	Long: `Start a go-lifetime node that serves leases for a domain.

The node will:
- Connect to NATS and start the lease micro service
- Sweep tracked leases and ask their sponsors for renewals
- Publish lease events, optionally into a JetStream stream
- Answer health checks and serve Prometheus metrics

Example:
  go-lifetime run --domain orders --node node-1
  go-lifetime run --file lifetime.json`,
	RunE: runDaemon,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().String("file", "", "JSON service configuration file")
	runCmd.Flags().String("metrics-addr", lifetime.DefaultMetricsAddr, "Prometheus metrics HTTP address (empty disables)")
	runCmd.Flags().Duration("poll-time", lifetime.DefaultLeaseManagerPollTime, "Lease sweep interval")
	runCmd.Flags().Duration("lease-time", lifetime.DefaultLeaseTime, "Initial lease time of new leases")
	runCmd.Flags().Duration("renew-on-call", lifetime.DefaultRenewOnCallTime, "Renewal applied when a lease is used")
	runCmd.Flags().Duration("sponsorship-timeout", lifetime.DefaultSponsorshipTimeout, "How long each sponsor is waited on")
	runCmd.Flags().Duration("events-max-age", 0, "Keep lease events in JetStream for this long (0 disables)")

	_ = viper.BindPFlag("file", runCmd.Flags().Lookup("file"))
	_ = viper.BindPFlag("metrics_addr", runCmd.Flags().Lookup("metrics-addr"))
	_ = viper.BindPFlag("lifetime.poll_time", runCmd.Flags().Lookup("poll-time"))
	_ = viper.BindPFlag("lifetime.lease_time", runCmd.Flags().Lookup("lease-time"))
	_ = viper.BindPFlag("lifetime.renew_on_call", runCmd.Flags().Lookup("renew-on-call"))
	_ = viper.BindPFlag("lifetime.sponsorship_timeout", runCmd.Flags().Lookup("sponsorship-timeout"))
	_ = viper.BindPFlag("events_max_age", runCmd.Flags().Lookup("events-max-age"))
}

// loadFileConfig builds the service configuration from --file, or from
// flags, environment and the YAML config file when no file is given.
func loadFileConfig() (*lifetime.FileConfig, error) {
	var cfg *lifetime.FileConfig
	if path := viper.GetString("file"); path != "" {
		loaded, err := lifetime.LoadConfigFromFile(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		d, err := getDomain()
		if err != nil {
			return nil, err
		}
		cfg = &lifetime.FileConfig{
			Domain: d,
			NodeID: getNodeID(),
			NATS: lifetime.NATSFileConfig{
				Servers:     strings.Split(getNATSURL(), ","),
				Credentials: viper.GetString("nats_creds"),
			},
			Lifetime: lifetime.LifetimeFileConfig{
				PollTimeMs:           viper.GetDuration("lifetime.poll_time").Milliseconds(),
				LeaseTimeMs:          viper.GetDuration("lifetime.lease_time").Milliseconds(),
				RenewOnCallTimeMs:    viper.GetDuration("lifetime.renew_on_call").Milliseconds(),
				SponsorshipTimeoutMs: viper.GetDuration("lifetime.sponsorship_timeout").Milliseconds(),
			},
			Metrics: lifetime.MetricsFileConfig{
				Addr: viper.GetString("metrics_addr"),
			},
		}
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := loadFileConfig()
	if err != nil {
		return err
	}

	logger, flush := newLogger()
	defer flush()

	nc, err := nats.Connect(strings.Join(cfg.NATS.Servers, ","), cfg.NATSOptions()...)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	defer nc.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	events, err := lifetime.NewNATSEvents(nc, cfg.Domain, cfg.NodeID)
	if err != nil {
		return err
	}
	defer events.Stop()

	if maxAge := viper.GetDuration("events_max_age"); maxAge > 0 {
		if _, err := events.EnsureStream(ctx, maxAge); err != nil {
			return err
		}
	}

	metrics := lifetime.NewMetrics()
	manager, err := lifetime.NewManager(
		lifetime.WithName(cfg.NodeID),
		lifetime.WithLogger(logger),
		lifetime.WithServices(lifetime.NewServices(cfg.ToDefaults())),
		lifetime.WithMetrics(metrics),
		lifetime.WithEvents(events),
	)
	if err != nil {
		return fmt.Errorf("failed to create lease manager: %w", err)
	}
	defer manager.Close()

	svc, err := lifetime.NewService(lifetime.ServiceConfig{
		Domain:  cfg.Domain,
		NodeID:  cfg.NodeID,
		Version: cfg.Service.Version,
		Logger:  logger,
	}, nc, manager)
	if err != nil {
		return err
	}
	if err := svc.Start(); err != nil {
		return err
	}
	defer svc.Stop()

	checker, err := health.NewChecker(health.Config{
		Domain:          cfg.Domain,
		NodeID:          cfg.NodeID,
		NATSURLs:        cfg.NATS.Servers,
		NATSCredentials: cfg.NATS.Credentials,
		Provider:        manager,
		Logger:          logger,
	})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := checker.Start(gctx); err != nil {
			return fmt.Errorf("failed to start health checker: %w", err)
		}
		<-gctx.Done()
		checker.Stop()
		return nil
	})
	if cfg.Metrics.Addr != "" {
		g.Go(func() error {
			if err := metrics.Start(gctx, cfg.Metrics.Addr, logger); err != nil {
				return fmt.Errorf("failed to start metrics server: %w", err)
			}
			<-gctx.Done()
			return nil
		})
	}

	logger.Info("lease service running",
		"domain", cfg.Domain,
		"node", cfg.NodeID,
		"nats", cfg.NATS.Servers,
		"poll_time", time.Duration(cfg.Lifetime.PollTimeMs)*time.Millisecond,
		"metrics", cfg.Metrics.Addr,
	)

	if err := g.Wait(); err != nil {
		return err
	}

	logger.Info("lease service stopping", "leases", svc.Leases())
	return nil
}
