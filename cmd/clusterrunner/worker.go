package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cuemby/clusterrunner/pkg/log"
	"github.com/cuemby/clusterrunner/pkg/workerd"
	"github.com/spf13/cobra"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a ClusterRunner worker",
	Long: `worker registers with a manager and then executes the subjobs it
is dispatched, running each atom's command through a shell subprocess.`,
	RunE: runWorker,
}

func init() {
	workerCmd.Flags().String("manager-url", "", "Manager base URL, e.g. http://localhost:43000 (required, here or in --config-file)")
	workerCmd.Flags().Int("port", 43001, "Port this worker listens on for manager RPCs")
	workerCmd.Flags().Int("num-executors", 1, "Number of atoms this worker can run concurrently")
	workerCmd.Flags().String("eventlog-file", "", "Unused by the worker; accepted for CLI-surface parity with manager")
	workerCmd.Flags().String("secret", "", "Shared HMAC secret, must match the manager's")
	workerCmd.Flags().String("work-dir", "./work", "Directory subjob work trees are created under")
	workerCmd.Flags().String("config-file", "", "YAML file supplying any of the above")
}

func runWorker(cmd *cobra.Command, args []string) error {
	flagManagerURL, _ := cmd.Flags().GetString("manager-url")
	flagPort, _ := cmd.Flags().GetInt("port")
	flagNumExecutors, _ := cmd.Flags().GetInt("num-executors")
	flagSecret, _ := cmd.Flags().GetString("secret")
	flagWorkDir, _ := cmd.Flags().GetString("work-dir")
	configPath, _ := cmd.Flags().GetString("config-file")

	// A flag left at its default does not hide a config-file value.
	if !cmd.Flags().Changed("port") {
		flagPort = 0
	}
	if !cmd.Flags().Changed("num-executors") {
		flagNumExecutors = 0
	}
	if !cmd.Flags().Changed("work-dir") {
		flagWorkDir = ""
	}

	cfgFile, err := loadConfigFile(configPath)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	managerURL := firstNonEmpty(flagManagerURL, cfgFile.ManagerURL)
	if managerURL == "" {
		return fmt.Errorf("--manager-url is required")
	}
	port := firstNonZero(flagPort, cfgFile.Port, 43001)
	numExecutors := firstNonZero(flagNumExecutors, cfgFile.NumExecutors, 1)
	secret := firstNonEmpty(flagSecret, cfgFile.Secret)
	workDir := firstNonEmpty(flagWorkDir, cfgFile.WorkDir, "./work")

	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return fmt.Errorf("create work directory: %w", err)
	}

	addr := fmt.Sprintf(":%d", port)
	publicURL := fmt.Sprintf("http://localhost:%d", port)

	d := workerd.New(workerd.Config{
		ManagerURL:   managerURL,
		PublicURL:    publicURL,
		NumExecutors: numExecutors,
		Secret:       secret,
		WorkDir:      workDir,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go func() {
		fmt.Printf("clusterrunner worker listening on %s, registering with %s\n", addr, managerURL)
		if _, err := d.Register(ctx); err != nil {
			log.Errorf("failed to register with manager: %v", err)
		}
	}()

	if err := d.Run(ctx, addr); err != nil {
		return fmt.Errorf("worker server: %w", err)
	}
	log.Info("worker stopped")
	return nil
}
