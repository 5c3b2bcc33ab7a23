package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/repoharvest/scmsync/pkg/backoff"
	"github.com/repoharvest/scmsync/pkg/reaper"
)

var (
	reapGraceSeconds      int
	reapMaxRunSeconds     int
	reapLockGraceSeconds  int
	reapPolicy            string
	reapRetryDelaySeconds int
	reapTransientMult     float64
	reapBackoffBaseSecs   int
	reapBackoffMaxSecs    int
	reapBatchSize         int
	reapIntervalSeconds   int
	reapDryRun            bool
	reapOnce              bool
	reapMetricsAddr       string
)

var reapCmd = &cobra.Command{
	Use:   "reap",
	Short: "Recover expired jobs, runs and locks",
	Long: `Reap scans for jobs whose worker lease expired, runs that exceeded
their duration budget, and stale advisory locks, and recovers each
according to the configured policy. By default it runs on an interval
until interrupted; with --once it performs a single pass, prints the
result as JSON and exits non-zero if any pass failed.`,
	Run: runReap,
}

func init() {
	reapCmd.Flags().IntVar(&reapGraceSeconds, "grace-seconds", 0, "job lease grace period (default 300)")
	reapCmd.Flags().IntVar(&reapMaxRunSeconds, "max-run-seconds", 0, "wall-clock budget for a single run (default 3600)")
	reapCmd.Flags().IntVar(&reapLockGraceSeconds, "lock-grace-seconds", 0, "lock age before force release (default 600)")
	reapCmd.Flags().StringVar(&reapPolicy, "policy", "", "recovery policy for unclassified jobs: to_failed or to_pending (default to_failed)")
	reapCmd.Flags().IntVar(&reapRetryDelaySeconds, "retry-delay-seconds", 0, "retry delay applied by the to_failed policy (default 60)")
	reapCmd.Flags().Float64Var(&reapTransientMult, "transient-multiplier", 0, "backoff multiplier for transient-error recovery (default 1)")
	reapCmd.Flags().IntVar(&reapBackoffBaseSecs, "backoff-base-seconds", 0, "base backoff for transient-error recovery (default 30)")
	reapCmd.Flags().IntVar(&reapBackoffMaxSecs, "backoff-max-seconds", 0, "backoff ceiling for transient-error recovery (default 1800)")
	reapCmd.Flags().IntVar(&reapBatchSize, "batch-size", 0, "rows per discovery query (default 500)")
	reapCmd.Flags().IntVar(&reapIntervalSeconds, "interval-seconds", 0, "seconds between passes in loop mode (default 60)")
	reapCmd.Flags().BoolVar(&reapDryRun, "dry-run", false, "report what would be recovered without mutating")
	reapCmd.Flags().BoolVar(&reapOnce, "once", false, "run a single pass and exit")
	reapCmd.Flags().StringVar(&reapMetricsAddr, "metrics-addr", "", "listen address for /metrics and /health in loop mode (disabled when empty)")
	rootCmd.AddCommand(reapCmd)
}

func runReap(cmd *cobra.Command, args []string) {
	cfg, store := mustSetup()
	defer func() {
		_ = store.Close()
	}()

	rcfg := cfg.ReaperConfig()
	applyReapFlags(cmd, &rcfg)
	rcfg.DryRun = reapDryRun

	r, err := reaper.New(store, rcfg)
	if err != nil {
		slog.Error("Failed to create reaper", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if reapOnce {
		result, err := r.RunOnce(ctx)
		out, merr := json.MarshalIndent(result, "", "  ")
		if merr == nil {
			fmt.Println(string(out))
		}
		if err != nil {
			slog.Error("Reaper pass failed", "error", err)
			os.Exit(1)
		}
		return
	}

	if reapMetricsAddr != "" {
		startMetricsServer(ctx, reapMetricsAddr)
	}

	interval := cfg.ReaperInterval()
	if cmd.Flags().Changed("interval-seconds") {
		interval = time.Duration(reapIntervalSeconds) * time.Second
	}
	if err := r.Run(ctx, interval); err != nil {
		slog.Error("Reaper stopped with error", "error", err)
		os.Exit(1)
	}
}

// applyReapFlags overlays explicitly set flags onto the file-derived
// config. Fields left at zero are defaulted by the reaper constructor.
func applyReapFlags(cmd *cobra.Command, rcfg *reaper.Config) {
	flags := cmd.Flags()
	if flags.Changed("grace-seconds") {
		rcfg.JobGrace = time.Duration(reapGraceSeconds) * time.Second
	}
	if flags.Changed("max-run-seconds") {
		rcfg.MaxRunDuration = time.Duration(reapMaxRunSeconds) * time.Second
	}
	if flags.Changed("lock-grace-seconds") {
		rcfg.LockGrace = time.Duration(reapLockGraceSeconds) * time.Second
	}
	if flags.Changed("policy") {
		rcfg.RecoveryPolicy = reaper.Policy(reapPolicy)
	}
	if flags.Changed("retry-delay-seconds") {
		rcfg.RetryDelay = time.Duration(reapRetryDelaySeconds) * time.Second
	}
	if flags.Changed("transient-multiplier") {
		rcfg.TransientRetryMultiplier = reapTransientMult
	}
	if flags.Changed("backoff-base-seconds") || flags.Changed("backoff-max-seconds") {
		rcfg.Backoff = backoff.Policy{
			Base: time.Duration(reapBackoffBaseSecs) * time.Second,
			Max:  time.Duration(reapBackoffMaxSecs) * time.Second,
		}
	}
	if flags.Changed("batch-size") {
		rcfg.BatchSize = reapBatchSize
	}
}
