package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/repoharvest/scmsync/pkg/scheduler"
)

var pauseReason string

var pauseCmd = &cobra.Command{
	Use:   "pause REPO_ID",
	Short: "Pause sync job creation for a repository",
	Long: `Pause stops new sync jobs from being enqueued for a repository.
Jobs already queued or running are unaffected.`,
	Args: cobra.ExactArgs(1),
	Run:  runPause,
}

var resumeCmd = &cobra.Command{
	Use:   "resume REPO_ID",
	Short: "Resume sync job creation for a repository",
	Args:  cobra.ExactArgs(1),
	Run:   runResume,
}

func init() {
	pauseCmd.Flags().StringVar(&pauseReason, "reason", "", "why the repository is paused")
	rootCmd.AddCommand(pauseCmd)
	rootCmd.AddCommand(resumeCmd)
}

func runPause(cmd *cobra.Command, args []string) {
	_, store := mustSetup()
	defer func() {
		_ = store.Close()
	}()

	sched := scheduler.New(store, scheduler.WithLogger(slog.Default()))
	if err := sched.PauseRepo(context.Background(), args[0], pauseReason); err != nil {
		slog.Error("Failed to pause repository", "repo_id", args[0], "error", err)
		os.Exit(1)
	}
	fmt.Printf("Repository %s paused\n", args[0])
}

func runResume(cmd *cobra.Command, args []string) {
	_, store := mustSetup()
	defer func() {
		_ = store.Close()
	}()

	sched := scheduler.New(store, scheduler.WithLogger(slog.Default()))
	if err := sched.ResumeRepo(context.Background(), args[0]); err != nil {
		slog.Error("Failed to resume repository", "repo_id", args[0], "error", err)
		os.Exit(1)
	}
	fmt.Printf("Repository %s resumed\n", args[0])
}
