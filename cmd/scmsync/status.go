package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/repoharvest/scmsync/pkg/core"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue depth by status and paused repositories",
	Run:   runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) {
	_, store := mustSetup()
	defer func() {
		_ = store.Close()
	}()

	ctx := context.Background()
	counts, err := store.CountJobsByStatus(ctx)
	if err != nil {
		slog.Error("Failed to count jobs", "error", err)
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	_, _ = fmt.Fprintln(w, "STATUS\tJOBS")

	var total int64
	statuses := []core.JobStatus{
		core.JobStatusPending,
		core.JobStatusRunning,
		core.JobStatusFailed,
		core.JobStatusDead,
		core.JobStatusCompleted,
	}
	for _, status := range statuses {
		_, _ = fmt.Fprintf(w, "%s\t%d\n", status, counts[status])
		total += counts[status]
	}
	_, _ = fmt.Fprintf(w, "total\t%d\n", total)
	_ = w.Flush()

	paused, err := store.ListPausedRepos(ctx)
	if err != nil {
		slog.Error("Failed to list paused repositories", "error", err)
		os.Exit(1)
	}
	if len(paused) == 0 {
		return
	}

	fmt.Println()
	w = tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	_, _ = fmt.Fprintln(w, "PAUSED REPO\tSINCE\tREASON")
	for _, state := range paused {
		since := "-"
		if state.PausedAt != nil {
			since = state.PausedAt.Format(time.RFC3339)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", state.RepoID, since, state.Reason)
	}
	_ = w.Flush()
}
