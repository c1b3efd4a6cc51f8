// Package ingest implements the fetch → clean → diff → persist pipeline.
package ingest

import (
	"time"

	"github.com/quantmill/marketsync/internal/provider"
)

// Record is one cleaned, typed row ready for persistence. Field values are
// string, float64, time.Time, bool, or nil for null.
type Record struct {
	// Interface is the catalog interface this record came from.
	Interface string
	// FetchTime is when the provider call returned, captured once per
	// batch by the executor.
	FetchTime time.Time
	Fields    map[string]any
}

// RejectReason classifies why a raw record was rejected during cleaning.
type RejectReason string

const (
	// RejectMissingKey marks a record lacking a business-key value.
	RejectMissingKey RejectReason = "missing_key"
	// RejectTypeMismatch marks a value that could not be coerced to its
	// declared type, or a null in a non-nullable field.
	RejectTypeMismatch RejectReason = "type_mismatch"
	// RejectOutOfRange marks a value that parsed but is outside the
	// plausible domain (non-finite decimal, date in a wrong century).
	RejectOutOfRange RejectReason = "out_of_range"
)

// Reject is a raw record that failed cleaning, kept for reporting. Rejects
// are counted in the task result; they are never silently dropped.
type Reject struct {
	Raw    provider.Record
	Field  string
	Reason RejectReason
	Detail string
}

// Status is the terminal state of a task or run.
type Status int

const (
	StatusSuccess Status = iota
	StatusPartialFailure
	StatusFailure
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusPartialFailure:
		return "partial_failure"
	case StatusFailure:
		return "failure"
	default:
		return "unknown"
	}
}

// Worse returns the more severe of two statuses.
func (s Status) Worse(other Status) Status {
	if other > s {
		return other
	}
	return s
}

// TaskResult reports the outcome of one task execution. Every count is
// surfaced so a run that dropped rows can never look clean.
type TaskResult struct {
	Task      string    `json:"task"`
	Interface string    `json:"interface"`
	Status    Status    `json:"-"`
	Fetched   int       `json:"fetched"`
	Cleaned   int       `json:"cleaned"`
	Rejected  int       `json:"rejected"`
	Inserted  int       `json:"inserted"`
	Skipped   int       `json:"skipped"`
	Err       error     `json:"-"`
	Started   time.Time `json:"started"`
	Finished  time.Time `json:"finished"`
}

// PipelineRun aggregates the results of one pipeline execution. Overall
// status is the worst of the constituent task statuses.
type PipelineRun struct {
	ID       string
	Pipeline string
	Status   Status
	Tasks    []TaskResult
	Started  time.Time
	Finished time.Time
}

// ByTask returns the result for the named task.
func (r *PipelineRun) ByTask(name string) (TaskResult, bool) {
	for _, t := range r.Tasks {
		if t.Task == name {
			return t, true
		}
	}
	return TaskResult{}, false
}
