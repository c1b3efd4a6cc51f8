// Package runlog records pipeline run and task provenance in
// market_data.ingest_run and market_data.ingest_task.
package runlog

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/quantmill/marketsync/internal/db"
	"github.com/quantmill/marketsync/internal/ingest"
)

// RunEntry represents a row in market_data.ingest_run.
type RunEntry struct {
	ID         string     `json:"id"`
	Pipeline   string     `json:"pipeline"`
	Status     string     `json:"status"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	TaskCount  int64      `json:"task_count"`
}

// TaskEntry represents a row in market_data.ingest_task.
type TaskEntry struct {
	ID         int64      `json:"id"`
	RunID      string     `json:"run_id"`
	Task       string     `json:"task"`
	Interface  string     `json:"interface"`
	Status     string     `json:"status"`
	Fetched    int        `json:"fetched"`
	Cleaned    int        `json:"cleaned"`
	Rejected   int        `json:"rejected"`
	Inserted   int        `json:"inserted"`
	Skipped    int        `json:"skipped"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Log provides read/write access to the run provenance tables.
type Log struct {
	pool db.Pool
}

// New creates a Log backed by the given connection pool.
func New(pool db.Pool) *Log {
	return &Log{pool: pool}
}

// StartRun records the beginning of a pipeline run.
func (l *Log) StartRun(ctx context.Context, run *ingest.PipelineRun) error {
	_, err := l.pool.Exec(ctx,
		`INSERT INTO market_data.ingest_run (id, pipeline, status, started_at)
		 VALUES ($1, $2, 'running', $3)`,
		run.ID, run.Pipeline, run.Started,
	)
	if err != nil {
		return eris.Wrapf(err, "runlog: start run %s", run.ID)
	}
	return nil
}

// RecordTask records the outcome of one task within a run.
func (l *Log) RecordTask(ctx context.Context, runID string, res ingest.TaskResult) error {
	var errStr *string
	if res.Err != nil {
		s := res.Err.Error()
		errStr = &s
	}
	_, err := l.pool.Exec(ctx,
		`INSERT INTO market_data.ingest_task
		 (run_id, task, interface, status, fetched, cleaned, rejected, inserted, skipped, error, started_at, finished_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		runID, res.Task, res.Interface, res.Status.String(),
		res.Fetched, res.Cleaned, res.Rejected, res.Inserted, res.Skipped,
		errStr, res.Started, res.Finished,
	)
	if err != nil {
		return eris.Wrapf(err, "runlog: record task %s", res.Task)
	}
	return nil
}

// CompleteRun marks a run finished with its aggregate status.
func (l *Log) CompleteRun(ctx context.Context, run *ingest.PipelineRun) error {
	_, err := l.pool.Exec(ctx,
		`UPDATE market_data.ingest_run
		 SET status = $1, finished_at = $2
		 WHERE id = $3`,
		run.Status.String(), run.Finished, run.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "runlog: complete run %s", run.ID)
	}
	return nil
}

// LastSuccess returns the finish time of the most recent fully successful
// task for an interface. Returns nil if the interface has never succeeded.
func (l *Log) LastSuccess(ctx context.Context, iface string) (*time.Time, error) {
	var t time.Time
	err := l.pool.QueryRow(ctx,
		`SELECT finished_at FROM market_data.ingest_task
		 WHERE interface = $1 AND status = 'success'
		 ORDER BY finished_at DESC LIMIT 1`,
		iface,
	).Scan(&t)
	if err != nil {
		if err.Error() == "no rows in result set" {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "runlog: last success for %s", iface)
	}
	return &t, nil
}

// Recent returns the latest runs, most recent first.
func (l *Log) Recent(ctx context.Context, limit int) ([]RunEntry, error) {
	rows, err := l.pool.Query(ctx,
		`SELECT r.id, r.pipeline, r.status, r.started_at, r.finished_at,
		        (SELECT count(*) FROM market_data.ingest_task t WHERE t.run_id = r.id)
		 FROM market_data.ingest_run r
		 ORDER BY r.started_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "runlog: recent runs")
	}
	defer rows.Close()

	var entries []RunEntry
	for rows.Next() {
		var e RunEntry
		if err := rows.Scan(&e.ID, &e.Pipeline, &e.Status, &e.StartedAt, &e.FinishedAt, &e.TaskCount); err != nil {
			return nil, eris.Wrap(err, "runlog: scan run")
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// TasksForRun returns the tasks recorded for one run in insertion order.
func (l *Log) TasksForRun(ctx context.Context, runID string) ([]TaskEntry, error) {
	rows, err := l.pool.Query(ctx,
		`SELECT id, run_id, task, interface, status, fetched, cleaned, rejected, inserted, skipped, error, started_at, finished_at
		 FROM market_data.ingest_task
		 WHERE run_id = $1 ORDER BY id`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "runlog: tasks for run %s", runID)
	}
	defer rows.Close()

	var entries []TaskEntry
	for rows.Next() {
		var e TaskEntry
		var errStr *string
		if err := rows.Scan(&e.ID, &e.RunID, &e.Task, &e.Interface, &e.Status,
			&e.Fetched, &e.Cleaned, &e.Rejected, &e.Inserted, &e.Skipped,
			&errStr, &e.StartedAt, &e.FinishedAt); err != nil {
			return nil, eris.Wrap(err, "runlog: scan task")
		}
		if errStr != nil {
			e.Error = *errStr
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
