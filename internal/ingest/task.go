package ingest

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/quantmill/marketsync/internal/catalog"
	"github.com/quantmill/marketsync/internal/provider"
	"github.com/quantmill/marketsync/internal/resilience"
)

// Task is one resolved unit of work: an interface invocation with its final
// parameter set and duplicate mode.
type Task struct {
	Name   string
	Iface  *catalog.Interface
	Params []catalog.Param
	Mode   catalog.DuplicateMode
}

// ResolveTasks expands a pipeline spec into executable tasks. Task params
// override the interface defaults by name; the duplicate mode falls back to
// the interface's.
func ResolveTasks(c *catalog.Catalog, pipe *catalog.PipelineSpec) ([]Task, error) {
	tasks := make([]Task, 0, len(pipe.Tasks))
	for _, spec := range pipe.Tasks {
		iface, err := c.Get(spec.Interface)
		if err != nil {
			return nil, eris.Wrapf(err, "ingest: pipeline %s", pipe.Name)
		}
		mode := spec.Mode
		if mode == "" {
			mode = iface.Mode
		}
		tasks = append(tasks, Task{
			Name:   spec.Name,
			Iface:  iface,
			Params: catalog.MergeParams(iface.Params, spec.Params),
			Mode:   mode,
		})
	}
	return tasks, nil
}

// ExecutorOptions tunes a task executor.
type ExecutorOptions struct {
	// Retry governs fetch attempts. Zero values take the defaults.
	Retry resilience.RetryConfig

	// StoreTimeout bounds the key lookup plus the write transaction of one
	// task. Zero disables the bound.
	StoreTimeout time.Duration

	// Clock overrides time.Now in tests.
	Clock func() time.Time
}

// Executor runs one task through fetch, clean, compare and store. It owns
// the control flow; every other stage is a pure function except the store.
type Executor struct {
	client       provider.Client
	store        Persister
	retry        resilience.RetryConfig
	storeTimeout time.Duration
	now          func() time.Time
}

// NewExecutor creates an executor over the given provider client and store.
func NewExecutor(client provider.Client, store Persister, opts ExecutorOptions) *Executor {
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	return &Executor{
		client:       client,
		store:        store,
		retry:        opts.Retry,
		storeTimeout: opts.StoreTimeout,
		now:          now,
	}
}

// Execute runs one task to a terminal status. Only the fetch is retried, and
// only on transient provider errors; cleaning, comparing and storing are
// deterministic, so a retry there cannot change the outcome.
func (e *Executor) Execute(ctx context.Context, task Task) TaskResult {
	res := TaskResult{
		Task:      task.Name,
		Interface: task.Iface.Name,
		Started:   e.now(),
	}
	log := zap.L().With(
		zap.String("component", "executor"),
		zap.String("task", task.Name),
		zap.String("interface", task.Iface.Name),
	)

	retry := e.retry
	if task.Iface.MaxAttempts > 0 {
		retry.MaxAttempts = task.Iface.MaxAttempts
	}
	retry.ShouldRetry = provider.IsTransient
	retry.OnRetry = resilience.RetryLogger("executor", "fetch "+task.Iface.ProviderFunc)

	raws, err := resilience.DoVal(ctx, retry, func(ctx context.Context) ([]provider.Record, error) {
		return e.client.Call(ctx, task.Iface.ProviderFunc, task.Params)
	})
	fetchTime := e.now()
	if err != nil {
		return e.fail(log, res, eris.Wrapf(err, "ingest: fetch %s", task.Iface.ProviderFunc))
	}
	res.Fetched = len(raws)
	if len(raws) == 0 && !task.Iface.AllowEmpty {
		return e.fail(log, res, eris.Errorf("ingest: %s returned no records", task.Iface.ProviderFunc))
	}

	cleaned, rejects := Clean(raws, task.Iface, task.Params, fetchTime)
	res.Cleaned = len(cleaned)
	res.Rejected = len(rejects)
	for _, rej := range rejects {
		log.Warn("record rejected",
			zap.String("field", rej.Field),
			zap.String("reason", string(rej.Reason)),
			zap.String("detail", rej.Detail),
		)
	}

	storeCtx := ctx
	if e.storeTimeout > 0 {
		var cancel context.CancelFunc
		storeCtx, cancel = context.WithTimeout(ctx, e.storeTimeout)
		defer cancel()
	}

	existing, err := e.store.ExistingKeys(storeCtx, task.Iface, cleaned)
	if err != nil {
		return e.fail(log, res, err)
	}
	novel, dups := Diff(cleaned, existing, task.Iface)
	res.Skipped = len(dups)

	pr, err := e.store.Persist(storeCtx, task.Iface, task.Mode, novel)
	if err != nil {
		return e.fail(log, res, err)
	}
	res.Inserted = int(pr.Inserted)
	res.Skipped += int(pr.Skipped)

	// Duplicates the comparator filtered are expected on re-runs; only
	// cleaning rejects and store-level conflict skips degrade the status.
	if res.Rejected > 0 || pr.Skipped > 0 {
		res.Status = StatusPartialFailure
	} else {
		res.Status = StatusSuccess
	}
	res.Finished = e.now()

	log.Info("task finished",
		zap.String("status", res.Status.String()),
		zap.Int("fetched", res.Fetched),
		zap.Int("inserted", res.Inserted),
		zap.Int("skipped", res.Skipped),
		zap.Int("rejected", res.Rejected),
	)
	return res
}

func (e *Executor) fail(log *zap.Logger, res TaskResult, err error) TaskResult {
	res.Status = StatusFailure
	res.Err = err
	res.Finished = e.now()
	log.Error("task failed", zap.Error(err))
	return res
}
