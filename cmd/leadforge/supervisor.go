package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/leadforge/leadforge/pkg/log"
	"github.com/leadforge/leadforge/pkg/supervisor"
	"github.com/leadforge/leadforge/pkg/types"
)

var supervisorCmd = &cobra.Command{
	Use:   "supervisor",
	Short: "Run the per-node slot reconciliation loop",
	Long: `supervisor reconciles every slot under SLOTS_ROOT against its
declared command and mode: spawning, stopping, and heartbeat-watching the
worker process for each one.`,
	RunE: runSupervisor,
}

func init() {
	supervisorCmd.Flags().String("slots-root", envOr("SLOTS_ROOT", "./slots"), "Root directory of slot subdirectories")
	supervisorCmd.Flags().String("pid-file", envOr("SUPERVISOR_PID_FILE", "./supervisor.pid"), "Single-instance lock file path")
	supervisorCmd.Flags().String("worker-binary", envOr("WORKER_BINARY", "leadforge-worker"), "Path to the leadforge-worker executable")
	supervisorCmd.Flags().String("default-slot-worker", envOr("DEFAULT_SLOT_WORKER", "indiamart_worker"), "Portal adapter name assigned to newly-seen slots")
	supervisorCmd.Flags().String("default-slot-mode", envOr("DEFAULT_SLOT_MODE", "ACTIVE"), "Mode (ACTIVE or OBSERVER) assigned to newly-seen slots")
	supervisorCmd.Flags().Duration("heartbeat-timeout", envDuration("HEARTBEAT_TIMEOUT", 30*time.Second), "Max age of last_heartbeat before a running slot is declared dead")
	supervisorCmd.Flags().Duration("startup-grace", envDuration("STARTUP_GRACE_SECONDS", 60*time.Second), "Grace window after started_at before heartbeat absence counts as dead")
	supervisorCmd.Flags().Duration("check-interval", envDuration("CHECK_INTERVAL", 3*time.Second), "Reconciliation cycle period")

	rootCmd.AddCommand(supervisorCmd)
}

func runSupervisor(cmd *cobra.Command, args []string) error {
	slotsRoot, _ := cmd.Flags().GetString("slots-root")
	pidFilePath, _ := cmd.Flags().GetString("pid-file")
	workerBinary, _ := cmd.Flags().GetString("worker-binary")
	defaultWorker, _ := cmd.Flags().GetString("default-slot-worker")
	defaultModeStr, _ := cmd.Flags().GetString("default-slot-mode")
	heartbeatTimeout, _ := cmd.Flags().GetDuration("heartbeat-timeout")
	startupGrace, _ := cmd.Flags().GetDuration("startup-grace")
	checkInterval, _ := cmd.Flags().GetDuration("check-interval")

	defaultMode := types.ModeActive
	if defaultModeStr == string(types.ModeObserver) {
		defaultMode = types.ModeObserver
	}

	pidFile := supervisor.NewPIDFile(pidFilePath)
	if err := pidFile.Acquire(); err != nil {
		log.WithComponent("supervisor").Error().Err(err).Msg("pid lock conflict, another supervisor is already running")
		os.Exit(1)
	}
	defer pidFile.Release()

	sup := supervisor.New(supervisor.Config{
		SlotsRoot:        slotsRoot,
		WorkerBinary:     workerBinary,
		DefaultWorker:    defaultWorker,
		DefaultMode:      defaultMode,
		HeartbeatTimeout: heartbeatTimeout,
		StartupGrace:     startupGrace,
		CheckInterval:    checkInterval,
	})

	sup.Start()
	log.WithComponent("supervisor").Info().Str("slots_root", slotsRoot).Msg("supervisor running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	sup.Stop()
	fmt.Println("supervisor shut down")
	return nil
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	// Bare integers in the env are seconds (HEARTBEAT_TIMEOUT=30, not "30s").
	var secs int
	if _, err := fmt.Sscanf(v, "%d", &secs); err == nil {
		return time.Duration(secs) * time.Second
	}
	return def
}
