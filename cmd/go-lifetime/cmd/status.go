package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	lifetime "github.com/ozanturksever/go-lifetime"
	"github.com/ozanturksever/go-lifetime/health"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the status of a lease service node",
	RunE:  runStatus,
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the health of a lease service node",
	RunE:  runHealth,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(healthCmd)

	statusCmd.Flags().Bool("json", false, "Output in JSON format")
}

func runStatus(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	node := getNodeID()

	return withClient(func(ctx context.Context, c *lifetime.Client) error {
		status, err := c.Status(ctx, node)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(status)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "Node:\t%s\n", status.NodeID)
		fmt.Fprintf(w, "State:\t%s\n", status.Manager)
		fmt.Fprintf(w, "Leases:\t%d held, %d tracked\n", status.Leases, status.Manager.Tracked)
		fmt.Fprintf(w, "Poll time:\t%s\n", status.Manager.PollTime)
		fmt.Fprintf(w, "Sweeps:\t%d\n", status.Manager.Sweeps)
		if !status.Manager.LastSweep.IsZero() {
			fmt.Fprintf(w, "Last sweep:\t%s\n", status.Manager.LastSweep.Format(time.RFC3339))
		}
		fmt.Fprintf(w, "Lease time:\t%s\n", status.Manager.Defaults.LeaseTime)
		fmt.Fprintf(w, "Renew on call:\t%s\n", status.Manager.Defaults.RenewOnCallTime)
		fmt.Fprintf(w, "Sponsorship timeout:\t%s\n", status.Manager.Defaults.SponsorshipTimeout)
		fmt.Fprintf(w, "Uptime:\t%s\n", (time.Duration(status.UptimeMs) * time.Millisecond).Round(time.Second))
		return w.Flush()
	})
}

func runHealth(cmd *cobra.Command, args []string) error {
	d, err := getDomain()
	if err != nil {
		return err
	}

	checker, err := health.NewChecker(health.Config{
		Domain:   d,
		NodeID:   "cli",
		NATSURLs: []string{getNATSURL()},
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	resp, err := checker.QueryNode(ctx, getNodeID(), 5*time.Second)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if err := printJSON(resp); err != nil {
		return err
	}
	if !resp.Healthy {
		return fmt.Errorf("node %s is unhealthy", resp.NodeID)
	}
	return nil
}
