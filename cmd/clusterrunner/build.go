package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/cuemby/clusterrunner/pkg/client"
	"github.com/spf13/cobra"
)

// buildCmd groups the operations a build's requester or an operator
// needs against a running manager, the way apply.go drives a Warren
// manager through its client package.
var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Submit and inspect builds against a manager",
}

func init() {
	buildCmd.PersistentFlags().String("manager-url", "http://localhost:43000", "Manager base URL")
	buildCmd.PersistentFlags().String("secret", "", "Shared HMAC secret")

	buildCmd.AddCommand(buildSubmitCmd)
	buildCmd.AddCommand(buildStatusCmd)
	buildCmd.AddCommand(buildCancelCmd)
	buildCmd.AddCommand(buildArtifactsCmd)
	buildCmd.AddCommand(workersCmd)
}

func newClientFor(cmd *cobra.Command) *client.Client {
	managerURL, _ := cmd.Flags().GetString("manager-url")
	secret, _ := cmd.Flags().GetString("secret")
	return client.NewClient(managerURL, secret)
}

var buildSubmitCmd = &cobra.Command{
	Use:   "submit key=value [key=value...]",
	Short: "Submit a new build with the given request parameters",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		params := make(map[string]any, len(args))
		for _, kv := range args {
			key, value, ok := splitKV(kv)
			if !ok {
				return fmt.Errorf("malformed parameter %q, want key=value", kv)
			}
			params[key] = value
		}

		wait, _ := cmd.Flags().GetBool("wait")
		c := newClientFor(cmd)
		ctx := context.Background()

		data, err := c.PostNewBuild(ctx, params)
		if err != nil {
			return fmt.Errorf("submit build: %w", err)
		}
		buildID, _ := data["build_id"].(float64)
		fmt.Printf("✓ build %d queued\n", int(buildID))

		if !wait {
			return nil
		}
		ok, err := c.BlockUntilBuildFinished(ctx, int(buildID), 30*time.Minute, func(b map[string]any) {
			status, _ := b["status"].(string)
			fmt.Printf("  ... %s\n", status)
		})
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("timed out waiting for build %d to finish", int(buildID))
		}
		return printBuildStatus(ctx, c, int(buildID))
	},
}

func init() {
	buildSubmitCmd.Flags().Bool("wait", false, "Block until the build reaches a terminal state, printing status transitions")
}

var buildStatusCmd = &cobra.Command{
	Use:   "status build-id",
	Short: "Print a build's current status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("build-id must be an integer: %w", err)
		}
		return printBuildStatus(context.Background(), newClientFor(cmd), id)
	},
}

var buildCancelCmd = &cobra.Command{
	Use:   "cancel build-id",
	Short: "Cancel a running build",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("build-id must be an integer: %w", err)
		}
		if _, err := newClientFor(cmd).CancelBuild(context.Background(), id); err != nil {
			return fmt.Errorf("cancel build %d: %w", id, err)
		}
		fmt.Printf("✓ build %d canceled\n", id)
		return nil
	},
}

var buildArtifactsCmd = &cobra.Command{
	Use:   "artifacts build-id output.zip",
	Short: "Download a build's artifact archive",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("build-id must be an integer: %w", err)
		}
		body, status, err := newClientFor(cmd).GetBuildArtifacts(context.Background(), id)
		if err != nil {
			return fmt.Errorf("download artifacts for build %d: %w", id, err)
		}
		if status != 200 {
			return fmt.Errorf("manager returned status %d for build %d artifacts", status, id)
		}
		if err := os.WriteFile(args[1], body, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", args[1], err)
		}
		fmt.Printf("✓ wrote %s (%d bytes)\n", args[1], len(body))
		return nil
	},
}

var workersCmd = &cobra.Command{
	Use:   "workers",
	Short: "List workers known to the manager",
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := newClientFor(cmd).GetWorkers(context.Background())
		if err != nil {
			return fmt.Errorf("list workers: %w", err)
		}
		return printJSON(data)
	},
}

func printBuildStatus(ctx context.Context, c *client.Client, id int) error {
	data, err := c.GetBuildStatus(ctx, id)
	if err != nil {
		return fmt.Errorf("get status for build %d: %w", id, err)
	}
	return printJSON(data)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func splitKV(s string) (key, value string, ok bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == '=' {
			return s[:i], s[i+1:], true
		}
	}
	return "", "", false
}
