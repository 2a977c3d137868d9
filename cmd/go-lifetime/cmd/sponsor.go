package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	lifetime "github.com/ozanturksever/go-lifetime"
)

var sponsorCmd = &cobra.Command{
	Use:   "sponsor <name>",
	Short: "Serve a sponsor that renews leases",
	Long: `Serve a sponsor on lifetime.<domain>.sponsor.<name>. Leases that
register the sponsor (see "lease register") are renewed by --grant every time
they run out, until --renewals grants have been made.

Example:
  go-lifetime sponsor keeper --domain orders --grant 30s`,
	Args: cobra.ExactArgs(1),
	RunE: runSponsor,
}

func init() {
	rootCmd.AddCommand(sponsorCmd)

	sponsorCmd.Flags().Duration("grant", time.Minute, "Renewal granted per request")
	sponsorCmd.Flags().Int("renewals", 0, "Refuse after this many grants (0 means unlimited)")
}

func runSponsor(cmd *cobra.Command, args []string) error {
	d, err := getDomain()
	if err != nil {
		return err
	}
	grant, _ := cmd.Flags().GetDuration("grant")
	limit, _ := cmd.Flags().GetInt("renewals")

	logger, flush := newLogger()
	defer flush()

	nc, err := nats.Connect(getNATSURL())
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	defer nc.Close()

	var sponsor lifetime.Sponsor = lifetime.NewFixedSponsor(grant)
	if limit > 0 {
		var granted atomic.Int64
		fixed := sponsor
		sponsor = lifetime.NewSponsorFunc(func(ctx context.Context, lease lifetime.LeaseInfo) (time.Duration, error) {
			if granted.Add(1) > int64(limit) {
				return 0, nil
			}
			return fixed.Renewal(ctx, lease)
		})
	}

	subject := lifetime.SponsorSubject(d, args[0])
	server, err := lifetime.NewSponsorServer(nc, subject, getNodeID(), sponsor, logger)
	if err != nil {
		return err
	}
	if err := server.Start(); err != nil {
		return err
	}
	defer server.Stop()

	fmt.Printf("Sponsor %s serving on %s (grant %s)\n", args[0], subject, grant)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	return nil
}
