package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cuemby/clusterrunner/pkg/api"
	"github.com/cuemby/clusterrunner/pkg/log"
	"github.com/cuemby/clusterrunner/pkg/manager"
	"github.com/spf13/cobra"
)

var managerCmd = &cobra.Command{
	Use:   "manager",
	Short: "Run a ClusterRunner manager",
	Long: `manager starts the build store, scheduler pool, worker allocator,
and HTTP API that workers and clients talk to.`,
	RunE: runManager,
}

func init() {
	managerCmd.Flags().Int("port", 43000, "API listen port")
	managerCmd.Flags().String("data-dir", "./data", "Directory for the build database and event log if no explicit paths are given")
	managerCmd.Flags().String("db-path", "", "SQLite database path (default: <data-dir>/clusterrunner.db)")
	managerCmd.Flags().String("eventlog-file", "", "Event log path (default: <data-dir>/events.log)")
	managerCmd.Flags().String("secret", "", "Shared HMAC secret for worker/client requests (default: generated per-process, printed at startup)")
	managerCmd.Flags().String("config-file", "", "YAML file supplying any of the above")
}

func runManager(cmd *cobra.Command, args []string) error {
	flagPort, _ := cmd.Flags().GetInt("port")
	flagDataDir, _ := cmd.Flags().GetString("data-dir")
	flagDBPath, _ := cmd.Flags().GetString("db-path")
	flagEventLog, _ := cmd.Flags().GetString("eventlog-file")
	flagSecret, _ := cmd.Flags().GetString("secret")
	configPath, _ := cmd.Flags().GetString("config-file")

	// A flag left at its default does not hide a config-file value.
	if !cmd.Flags().Changed("port") {
		flagPort = 0
	}
	if !cmd.Flags().Changed("data-dir") {
		flagDataDir = ""
	}

	cfgFile, err := loadConfigFile(configPath)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	dataDir := firstNonEmpty(flagDataDir, cfgFile.DataDir, "./data")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	dbPath := firstNonEmpty(flagDBPath, cfgFile.DBPath, dataDir+"/clusterrunner.db")
	eventLogFile := firstNonEmpty(flagEventLog, cfgFile.EventLogFile, dataDir+"/events.log")
	secret := firstNonEmpty(flagSecret, cfgFile.Secret)
	port := firstNonZero(flagPort, cfgFile.Port, 43000)

	if secret == "" {
		secret = randomSecret()
		fmt.Printf("No --secret given; generated one for this process:\n  %s\n", secret)
		fmt.Println("Pass the same value to every `worker` process with --secret.")
	}

	mgr, err := manager.New(manager.Config{
		DataDir:      dataDir,
		DBPath:       dbPath,
		EventLogFile: eventLogFile,
		Secret:       secret,
	})
	if err != nil {
		return fmt.Errorf("create manager: %w", err)
	}
	defer mgr.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	addr := fmt.Sprintf(":%d", port)
	fmt.Printf("clusterrunner manager listening on %s\n", addr)
	log.Info("manager starting")

	if err := api.Start(ctx, addr, mgr); err != nil {
		return fmt.Errorf("API server: %w", err)
	}
	log.Info("manager stopped")
	return nil
}
