package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/repoharvest/scmsync/pkg/jobtype"
	"github.com/repoharvest/scmsync/pkg/worker"
)

var (
	workTypes            []string
	workConcurrency      int
	workPollSeconds      int
	workHeartbeatSeconds int
	workWorkerID         string
	workExec             string
	workMetricsAddr      string
)

var workCmd = &cobra.Command{
	Use:   "work",
	Short: "Run a sync worker",
	Long: `Work claims pending sync jobs and executes the configured sync command
for each one. The command runs under sh -c with the job's identity in
SCMSYNC_REPO_ID, SCMSYNC_JOB_TYPE, SCMSYNC_JOB_ID and SCMSYNC_ATTEMPT;
a non-zero exit fails the run and its output feeds error
classification. Applications embedding scmsync as a library register
Go sync functions instead.`,
	Run: runWork,
}

func init() {
	workCmd.Flags().StringSliceVar(&workTypes, "type", nil, "physical job types to claim (default: all)")
	workCmd.Flags().IntVar(&workConcurrency, "concurrency", 0, "concurrent sync runs (default 4)")
	workCmd.Flags().IntVar(&workPollSeconds, "poll-seconds", 0, "claim poll interval when idle (default 1)")
	workCmd.Flags().IntVar(&workHeartbeatSeconds, "heartbeat-seconds", 0, "lease heartbeat interval (default 60)")
	workCmd.Flags().StringVar(&workWorkerID, "worker-id", "", "worker identity (default: generated)")
	workCmd.Flags().StringVar(&workExec, "exec", "", "sync command to run per job (overrides worker.sync_command)")
	workCmd.Flags().StringVar(&workMetricsAddr, "metrics-addr", "", "listen address for /metrics and /health (disabled when empty)")
	rootCmd.AddCommand(workCmd)
}

func runWork(cmd *cobra.Command, args []string) {
	cfg, store := mustSetup()
	defer func() {
		_ = store.Close()
	}()

	command := cfg.Worker.SyncCommand
	if workExec != "" {
		command = workExec
	}
	if command == "" {
		slog.Error("No sync command configured; set worker.sync_command or pass --exec")
		os.Exit(1)
	}

	types := workTypes
	if len(types) == 0 {
		types = cfg.Worker.JobTypes
	}
	if len(types) == 0 {
		reg := jobtype.New()
		types = append(reg.SupportedPhysicalTypes(jobtype.RepoKindGit),
			reg.SupportedPhysicalTypes(jobtype.RepoKindSVN)...)
	}

	opts := []worker.Option{
		worker.WithLogger(slog.Default()),
	}
	if workWorkerID != "" {
		opts = append(opts, worker.WorkerID(workWorkerID))
	}
	if concurrency := pick(workConcurrency, cfg.Worker.Concurrency); concurrency > 0 {
		opts = append(opts, worker.Concurrency(concurrency))
	}
	if cmd.Flags().Changed("poll-seconds") {
		opts = append(opts, worker.PollInterval(time.Duration(workPollSeconds)*time.Second))
	} else if d := cfg.Worker.PollInterval(); d > 0 {
		opts = append(opts, worker.PollInterval(d))
	}
	if cmd.Flags().Changed("heartbeat-seconds") {
		opts = append(opts, worker.HeartbeatInterval(time.Duration(workHeartbeatSeconds)*time.Second))
	} else if d := cfg.Worker.HeartbeatInterval(); d > 0 {
		opts = append(opts, worker.HeartbeatInterval(d))
	}

	w := worker.New(store, opts...)
	fn := execSyncFunc(command)
	for _, jt := range types {
		w.Register(jt, fn)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if workMetricsAddr != "" {
		startMetricsServer(ctx, workMetricsAddr)
	}

	slog.Info("Worker starting", "job_types", types, "sync_command", command)
	if err := w.Start(ctx); err != nil && ctx.Err() == nil {
		slog.Error("Worker stopped with error", "error", err)
		os.Exit(1)
	}
	slog.Info("Worker stopped")
}

// execSyncFunc adapts a shell command into a sync function. Combined
// output from a failing command becomes the error message so HTTP
// status lines and timeout text from the underlying tool reach the
// classifier.
func execSyncFunc(command string) worker.SyncFunc {
	return func(ctx context.Context, rc *worker.RunContext) (*worker.SyncResult, error) {
		c := exec.CommandContext(ctx, "sh", "-c", command)
		c.Env = append(os.Environ(),
			"SCMSYNC_REPO_ID="+rc.Job.RepoID,
			"SCMSYNC_JOB_TYPE="+rc.Job.JobType,
			"SCMSYNC_JOB_ID="+rc.Job.ID,
			fmt.Sprintf("SCMSYNC_ATTEMPT=%d", rc.Job.Attempts),
		)
		out, err := c.CombinedOutput()
		if err != nil {
			if msg := strings.TrimSpace(string(out)); msg != "" {
				return nil, fmt.Errorf("%w: %s", err, msg)
			}
			return nil, err
		}
		return &worker.SyncResult{}, nil
	}
}

func startMetricsServer(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		slog.Info("Metrics server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Metrics server failed", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
}

// pick returns the flag value when set, otherwise the config value.
func pick(flag, file int) int {
	if flag > 0 {
		return flag
	}
	return file
}
