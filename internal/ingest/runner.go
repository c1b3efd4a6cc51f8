package ingest

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// RunRecorder persists run and task provenance. Implemented by runlog.Log;
// a nil recorder disables recording.
type RunRecorder interface {
	StartRun(ctx context.Context, run *PipelineRun) error
	RecordTask(ctx context.Context, runID string, res TaskResult) error
	CompleteRun(ctx context.Context, run *PipelineRun) error
}

// RunnerOptions tunes a pipeline runner.
type RunnerOptions struct {
	// Parallel is the number of tasks allowed in flight. Values below 2
	// mean strictly sequential execution in task order.
	Parallel int

	// Recorder receives run and task provenance rows. Optional.
	Recorder RunRecorder

	// Clock overrides time.Now in tests.
	Clock func() time.Time
}

// Runner sequences the tasks of one pipeline run. Each task owns its own
// transaction, so one task's failure never disturbs what earlier tasks
// committed.
type Runner struct {
	exec     *Executor
	recorder RunRecorder
	parallel int
	now      func() time.Time
}

// NewRunner creates a runner around the given executor.
func NewRunner(exec *Executor, opts RunnerOptions) *Runner {
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	return &Runner{
		exec:     exec,
		recorder: opts.Recorder,
		parallel: opts.Parallel,
		now:      now,
	}
}

// Run executes every task and returns the aggregated run. Failures do not
// stop later tasks; cancellation stops tasks that have not started, while
// in-flight tasks finish or abort their own transaction.
func (r *Runner) Run(ctx context.Context, pipeline string, tasks []Task) *PipelineRun {
	run := &PipelineRun{
		ID:       uuid.NewString(),
		Pipeline: pipeline,
		Started:  r.now(),
	}
	log := zap.L().With(
		zap.String("component", "runner"),
		zap.String("run_id", run.ID),
		zap.String("pipeline", pipeline),
	)
	log.Info("pipeline run starting", zap.Int("tasks", len(tasks)))

	if r.recorder != nil {
		if err := r.recorder.StartRun(ctx, run); err != nil {
			log.Warn("failed to record run start", zap.Error(err))
		}
	}

	if r.parallel > 1 {
		run.Tasks = r.runParallel(ctx, run.ID, tasks, log)
	} else {
		run.Tasks = r.runSequential(ctx, run.ID, tasks)
	}

	run.Status = StatusSuccess
	for _, res := range run.Tasks {
		run.Status = run.Status.Worse(res.Status)
	}
	if ctx.Err() != nil && len(run.Tasks) < len(tasks) {
		run.Status = run.Status.Worse(StatusFailure)
	}
	run.Finished = r.now()

	if r.recorder != nil {
		if err := r.recorder.CompleteRun(ctx, run); err != nil {
			log.Warn("failed to record run completion", zap.Error(err))
		}
	}

	log.Info("pipeline run finished",
		zap.String("status", run.Status.String()),
		zap.Int("tasks", len(run.Tasks)),
		zap.Duration("elapsed", run.Finished.Sub(run.Started)),
	)
	return run
}

func (r *Runner) runSequential(ctx context.Context, runID string, tasks []Task) []TaskResult {
	results := make([]TaskResult, 0, len(tasks))
	for _, task := range tasks {
		if ctx.Err() != nil {
			break
		}
		res := r.exec.Execute(ctx, task)
		r.record(ctx, runID, res)
		results = append(results, res)
	}
	return results
}

func (r *Runner) runParallel(ctx context.Context, runID string, tasks []Task, log *zap.Logger) []TaskResult {
	slots := make([]*TaskResult, len(tasks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.parallel)
	for i, task := range tasks {
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			res := r.exec.Execute(gctx, task)
			r.record(gctx, runID, res)
			slots[i] = &res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.Warn("parallel execution interrupted", zap.Error(err))
	}

	results := make([]TaskResult, 0, len(tasks))
	for _, res := range slots {
		if res != nil {
			results = append(results, *res)
		}
	}
	return results
}

func (r *Runner) record(ctx context.Context, runID string, res TaskResult) {
	if r.recorder == nil {
		return
	}
	// Recording is best effort; provenance loss never fails the run.
	if err := r.recorder.RecordTask(context.WithoutCancel(ctx), runID, res); err != nil {
		zap.L().Warn("failed to record task result",
			zap.String("component", "runner"),
			zap.String("run_id", runID),
			zap.String("task", res.Task),
			zap.Error(err),
		)
	}
}
