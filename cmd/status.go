package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/quantmill/marketsync/internal/ingest/runlog"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show recent ingestion runs",
	Long:  "Displays the most recent pipeline runs from the run log, newest first.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		pool, err := storePool(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		limit, _ := cmd.Flags().GetInt("limit")
		rl := runlog.New(pool)
		runs, err := rl.Recent(ctx, limit)
		if err != nil {
			return eris.Wrap(err, "status")
		}

		if len(runs) == 0 {
			zap.L().Info("no runs recorded, run 'marketsync sync' to start ingesting")
			return nil
		}

		formatRunEntries(os.Stdout, runs)

		if runID, _ := cmd.Flags().GetString("run"); runID != "" {
			tasks, err := rl.TasksForRun(ctx, runID)
			if err != nil {
				return eris.Wrap(err, "status")
			}
			fmt.Println()
			formatTaskEntries(os.Stdout, tasks)
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().Int("limit", 20, "number of runs to show")
	statusCmd.Flags().String("run", "", "also show the tasks of one run by id")
	rootCmd.AddCommand(statusCmd)
}

func formatRunEntries(w io.Writer, runs []runlog.RunEntry) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tPIPELINE\tSTATUS\tSTARTED\tELAPSED\tTASKS")
	for _, r := range runs {
		elapsed := "-"
		if r.FinishedAt != nil {
			elapsed = r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\n",
			r.ID, r.Pipeline, r.Status,
			r.StartedAt.Format(time.RFC3339), elapsed, r.TaskCount)
	}
	tw.Flush()
}

func formatTaskEntries(w io.Writer, tasks []runlog.TaskEntry) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TASK\tINTERFACE\tSTATUS\tFETCHED\tINSERTED\tSKIPPED\tREJECTED\tERROR")
	for _, t := range tasks {
		errMsg := t.Error
		if len(errMsg) > 60 {
			errMsg = errMsg[:57] + "..."
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%s\n",
			t.Task, t.Interface, t.Status,
			t.Fetched, t.Inserted, t.Skipped, t.Rejected, errMsg)
	}
	tw.Flush()
}
