package main

import (
	"context"
	"fmt"

	"github.com/cuemby/clusterrunner/pkg/client"
	"github.com/spf13/cobra"
)

// stopCmd and deployCmd are named by spec.md's CLI surface, but their
// Python-original internals (SSH-based remote process management, from
// app/deployment/) are out of scope. stop does the one thing reachable
// through the in-scope HTTP API: draining a manager's worker fleet.
// Actually terminating the manager or worker process itself is left to
// the process supervisor (systemd, a container runtime, Ctrl-C), the
// same way original_source's deployment tooling stops processes it
// started over SSH rather than through the cluster API.
var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Drain a manager's connected workers",
	RunE:  runStop,
}

func init() {
	stopCmd.Flags().String("manager-url", "http://localhost:43000", "Manager base URL")
	stopCmd.Flags().String("secret", "", "Shared HMAC secret")
}

func runStop(cmd *cobra.Command, args []string) error {
	managerURL, _ := cmd.Flags().GetString("manager-url")
	secret, _ := cmd.Flags().GetString("secret")

	c := client.NewClient(managerURL, secret)
	if err := c.GracefulShutdownAllWorkers(context.Background()); err != nil {
		return fmt.Errorf("shutdown workers: %w", err)
	}
	fmt.Println("✓ requested graceful shutdown of all connected workers")
	fmt.Println("(the manager process itself is stopped by its process supervisor, not this command)")
	return nil
}

var deployCmd = &cobra.Command{
	Use:   "deploy",
	Short: "Deploy ClusterRunner to a remote host",
	RunE: func(cmd *cobra.Command, args []string) error {
		return fmt.Errorf("deploy: not implemented in this deployment")
	},
}
