package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/quantmill/marketsync/internal/catalog"
	"github.com/quantmill/marketsync/internal/ingest"
	"github.com/quantmill/marketsync/internal/ingest/runlog"
	"github.com/quantmill/marketsync/internal/provider"
	"github.com/quantmill/marketsync/internal/resilience"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run an ingestion pipeline",
	Long: `Run an ingestion pipeline: fetch each configured interface, clean and
deduplicate the records, and load the novel ones into Postgres.

By default runs the configured default pipeline. Use --pipeline for a named
pipeline from the catalog, --file for a pipeline definition from a YAML file,
or --interfaces for an ad-hoc run over specific interfaces.

Exit codes: 0 every task succeeded; 1 at least one task failed (or partially
failed, with --strict-exit); 2 configuration or startup error.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		log := zap.L().With(zap.String("command", "sync"))

		cat, err := catalog.Load(cfg.Ingest.CatalogFile)
		if err != nil {
			return err
		}

		pipe, err := resolvePipeline(cmd, cat)
		if err != nil {
			return err
		}
		tasks, err := ingest.ResolveTasks(cat, pipe)
		if err != nil {
			return err
		}

		pool, err := storePool(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		if err := ingest.Migrate(ctx, pool); err != nil {
			return eris.Wrap(err, "sync: migrate")
		}

		client := provider.NewHTTPClient(provider.HTTPOptions{
			BaseURL:   cfg.Provider.BaseURL,
			APIKey:    cfg.Provider.APIKey,
			UserAgent: cfg.Provider.UserAgent,
			Timeout:   cfg.Provider.Timeout(),
			RateLimit: cfg.Provider.RateLimit,
			Burst:     cfg.Provider.Burst,
		})

		retry := resilience.DefaultRetryConfig()
		if cfg.Ingest.MaxAttempts > 0 {
			retry.MaxAttempts = cfg.Ingest.MaxAttempts
		}
		if cfg.Ingest.BackoffMS > 0 {
			retry.InitialBackoff = time.Duration(cfg.Ingest.BackoffMS) * time.Millisecond
		}

		exec := ingest.NewExecutor(client, ingest.NewSQLStore(pool), ingest.ExecutorOptions{
			Retry:        retry,
			StoreTimeout: cfg.Ingest.StoreTimeout(),
		})

		parallel, _ := cmd.Flags().GetInt("parallel")
		if parallel == 0 {
			parallel = cfg.Ingest.Parallel
		}
		runner := ingest.NewRunner(exec, ingest.RunnerOptions{
			Parallel: parallel,
			Recorder: runlog.New(pool),
		})

		log.Info("starting sync",
			zap.String("pipeline", pipe.Name),
			zap.Int("tasks", len(tasks)),
			zap.Int("parallel", parallel),
		)

		run := runner.Run(ctx, pipe.Name, tasks)
		formatRunSummary(os.Stdout, run)

		strict, _ := cmd.Flags().GetBool("strict-exit")
		strict = strict || cfg.Ingest.StrictExit

		switch {
		case run.Status == ingest.StatusFailure:
			return &exitCodeError{code: 1, msg: "one or more tasks failed"}
		case run.Status == ingest.StatusPartialFailure && strict:
			return &exitCodeError{code: 1, msg: "one or more tasks partially failed"}
		}
		return nil
	},
}

func init() {
	syncCmd.Flags().String("pipeline", "", "named pipeline from the catalog (default from config)")
	syncCmd.Flags().String("file", "", "pipeline definition YAML file")
	syncCmd.Flags().String("interfaces", "", "comma-separated interface names for an ad-hoc run")
	syncCmd.Flags().Int("parallel", 0, "tasks in flight (default from config; 1 = sequential)")
	syncCmd.Flags().Bool("strict-exit", false, "exit 1 on partial failures too")
	rootCmd.AddCommand(syncCmd)
}

// resolvePipeline picks the task list source: --file, --interfaces, or a
// named catalog pipeline.
func resolvePipeline(cmd *cobra.Command, cat *catalog.Catalog) (*catalog.PipelineSpec, error) {
	file, _ := cmd.Flags().GetString("file")
	names, _ := cmd.Flags().GetString("interfaces")
	pipeline, _ := cmd.Flags().GetString("pipeline")

	set := 0
	for _, s := range []string{file, names, pipeline} {
		if s != "" {
			set++
		}
	}
	if set > 1 {
		return nil, eris.New("sync: --pipeline, --file and --interfaces are mutually exclusive")
	}

	switch {
	case file != "":
		return catalog.LoadPipelineFile(cat, file)
	case names != "":
		pipe := &catalog.PipelineSpec{Name: "adhoc"}
		for _, n := range strings.Split(names, ",") {
			n = strings.TrimSpace(n)
			if n == "" {
				continue
			}
			pipe.Tasks = append(pipe.Tasks, catalog.TaskSpec{Name: n, Interface: n})
		}
		if len(pipe.Tasks) == 0 {
			return nil, eris.New("sync: --interfaces given but no names parsed")
		}
		return pipe, nil
	default:
		if pipeline == "" {
			pipeline = cfg.Ingest.DefaultPipeline
		}
		return cat.Pipeline(pipeline)
	}
}

// formatRunSummary writes a tabular per-task summary of a run to w.
func formatRunSummary(w io.Writer, run *ingest.PipelineRun) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TASK\tINTERFACE\tSTATUS\tFETCHED\tINSERTED\tSKIPPED\tREJECTED\tERROR")
	for _, res := range run.Tasks {
		errMsg := ""
		if res.Err != nil {
			errMsg = res.Err.Error()
			if len(errMsg) > 60 {
				errMsg = errMsg[:57] + "..."
			}
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%s\n",
			res.Task, res.Interface, res.Status,
			res.Fetched, res.Inserted, res.Skipped, res.Rejected, errMsg)
	}
	tw.Flush()
	fmt.Fprintf(w, "\nRun %s: %s (%d tasks, %s)\n",
		run.ID, run.Status, len(run.Tasks), run.Finished.Sub(run.Started).Round(time.Millisecond))
}
