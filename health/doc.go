// Package health provides NATS-based health checking for lease service nodes
// using a request/reply pattern.
//
// A node answers on its health subject with its uptime and, when a
// StatusProvider is configured, a lease report: tracked leases, the age of
// the last sweep and the manager status. A node whose manager has been
// closed, or whose running manager has missed three sweeps, reports itself
// unhealthy.
//
// # Usage
//
//	checker, err := health.NewChecker(health.Config{
//	    Domain:   "orders",
//	    NodeID:   "node-1",
//	    NATSURLs: []string{"nats://localhost:4222"},
//	    Provider: manager,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	if err := checker.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer checker.Stop()
//
//	checker.SetCustom("region", "eu-west-1")
//
//	// Query another node
//	resp, err := checker.QueryNode(ctx, "node-2", 5*time.Second)
//
// # NATS Subject Pattern
//
// Health checks use the subject pattern: lifetime.<domain>.health.<nodeID>
package health
