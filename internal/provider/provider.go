// Package provider implements the client for the external market-data API.
//
// The provider is treated as untyped and potentially schema-drifting: a call
// returns raw rows as loose maps, and all shaping happens downstream in the
// cleaner. The client performs exactly one call per invocation; retry policy
// belongs to the task executor.
package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/quantmill/marketsync/internal/catalog"
	"github.com/quantmill/marketsync/internal/resilience"
)

// Record is one raw row as returned by the provider.
type Record = map[string]any

// Client calls a named provider function with ordered parameters.
type Client interface {
	Call(ctx context.Context, fn string, params []catalog.Param) ([]Record, error)
}

// CallError describes a failed provider call. Transient errors (timeouts,
// 429, 5xx) may be retried by the caller; permanent ones (bad parameters,
// authentication) must not be.
type CallError struct {
	Func       string
	StatusCode int
	Transient  bool
	Err        error
}

func (e *CallError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("provider: call %s: http %d: %v", e.Func, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("provider: call %s: %v", e.Func, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a retryable provider failure.
func IsTransient(err error) bool {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Transient
	}
	return resilience.IsTransient(err)
}
