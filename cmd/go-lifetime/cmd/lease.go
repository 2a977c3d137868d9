package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	lifetime "github.com/ozanturksever/go-lifetime"
)

var leaseCmd = &cobra.Command{
	Use:   "lease",
	Short: "Manage leases held by a lease service",
}

var leaseCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a tracked lease",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		req := lifetime.CreateLeaseRequest{}
		req.ID, _ = cmd.Flags().GetString("id")
		if cmd.Flags().Changed("ttl") {
			d, _ := cmd.Flags().GetDuration("ttl")
			req.LeaseTimeMs = msPtr(d)
		}
		if cmd.Flags().Changed("renew-on-call") {
			d, _ := cmd.Flags().GetDuration("renew-on-call")
			req.RenewOnCallTimeMs = msPtr(d)
		}
		if cmd.Flags().Changed("sponsorship-timeout") {
			d, _ := cmd.Flags().GetDuration("sponsorship-timeout")
			req.SponsorshipTimeoutMs = msPtr(d)
		}
		return withClient(func(ctx context.Context, c *lifetime.Client) error {
			info, err := c.Create(ctx, req)
			if err != nil {
				return err
			}
			return printJSON(info)
		})
	},
}

var leaseRenewCmd = &cobra.Command{
	Use:   "renew <id>",
	Short: "Renew a lease (by its renew-on-call time unless --by is given)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		by, _ := cmd.Flags().GetDuration("by")
		return withClient(func(ctx context.Context, c *lifetime.Client) error {
			info, err := c.Renew(ctx, args[0], by)
			if err != nil {
				return err
			}
			return printJSON(info)
		})
	},
}

var leaseInfoCmd = &cobra.Command{
	Use:   "info <id>",
	Short: "Show a lease",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *lifetime.Client) error {
			info, err := c.Info(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(info)
		})
	},
}

var leaseRegisterCmd = &cobra.Command{
	Use:   "register <id> <sponsor>",
	Short: "Register a sponsor served with \"go-lifetime sponsor\"",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		renewal, _ := cmd.Flags().GetDuration("renewal")
		return withDomainClient(func(ctx context.Context, d string, c *lifetime.Client) error {
			info, err := c.Register(ctx, args[0], lifetime.SponsorSubject(d, args[1]), renewal)
			if err != nil {
				return err
			}
			return printJSON(info)
		})
	},
}

var leaseUnregisterCmd = &cobra.Command{
	Use:   "unregister <id> <sponsor>",
	Short: "Unregister a sponsor",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDomainClient(func(ctx context.Context, d string, c *lifetime.Client) error {
			info, err := c.Unregister(ctx, args[0], lifetime.SponsorSubject(d, args[1]))
			if err != nil {
				return err
			}
			return printJSON(info)
		})
	},
}

var leaseReleaseCmd = &cobra.Command{
	Use:   "release <id>",
	Short: "Stop tracking a lease without expiring it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *lifetime.Client) error {
			if err := c.Release(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("Lease %s released\n", args[0])
			return nil
		})
	},
}

var leaseWatchCmd = &cobra.Command{
	Use:   "watch [id]",
	Short: "Print expiry notices (for every lease unless an id is given)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := "*"
		if len(args) == 1 {
			id = args[0]
		}
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return withClient(func(_ context.Context, c *lifetime.Client) error {
			sub, err := c.WatchExpired(id, func(n lifetime.ExpiredNotice) {
				fmt.Printf("%s  lease %s expired\n", n.Timestamp.Format(time.RFC3339), n.Lease.ID)
			})
			if err != nil {
				return err
			}
			defer sub.Unsubscribe()
			<-ctx.Done()
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(leaseCmd)
	leaseCmd.AddCommand(leaseCreateCmd, leaseRenewCmd, leaseInfoCmd,
		leaseRegisterCmd, leaseUnregisterCmd, leaseReleaseCmd, leaseWatchCmd)

	leaseCreateCmd.Flags().String("id", "", "Lease ID (default: generated)")
	leaseCreateCmd.Flags().Duration("ttl", 0, "Initial lease time (0 creates a lease that never expires)")
	leaseCreateCmd.Flags().Duration("renew-on-call", 0, "Renew-on-call time")
	leaseCreateCmd.Flags().Duration("sponsorship-timeout", 0, "Sponsorship timeout")

	leaseRenewCmd.Flags().Duration("by", 0, "Renew so that at least this much remains")
	leaseRegisterCmd.Flags().Duration("renewal", 0, "Renew the lease by this much on registration")
}

func msPtr(d time.Duration) *int64 {
	v := d.Milliseconds()
	return &v
}

func withClient(fn func(context.Context, *lifetime.Client) error) error {
	return withDomainClient(func(ctx context.Context, _ string, c *lifetime.Client) error {
		return fn(ctx, c)
	})
}

func withDomainClient(fn func(context.Context, string, *lifetime.Client) error) error {
	d, err := getDomain()
	if err != nil {
		return err
	}

	nc, err := nats.Connect(getNATSURL())
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	defer nc.Close()

	client, err := lifetime.NewClient(nc, d)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return fn(ctx, d, client)
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
