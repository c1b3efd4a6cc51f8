package provider

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/quantmill/marketsync/internal/catalog"
	"github.com/quantmill/marketsync/internal/resilience"
)

// HTTPOptions configures the HTTP provider client.
type HTTPOptions struct {
	BaseURL   string
	APIKey    string
	UserAgent string
	Timeout   time.Duration
	// RateLimit caps outbound calls per second across all call sites
	// sharing this client. Default 5/s with matching burst.
	RateLimit float64
	Burst     int
}

// HTTPClient implements Client over the provider's JSON-over-HTTP API.
// All call sites share one rate limiter and one circuit breaker.
type HTTPClient struct {
	client  *http.Client
	opts    HTTPOptions
	limiter *rate.Limiter
	breaker *resilience.CircuitBreaker
}

// NewHTTPClient creates an HTTPClient with the given options.
func NewHTTPClient(opts HTTPOptions) *HTTPClient {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = 5
	}
	if opts.Burst <= 0 {
		opts.Burst = int(opts.RateLimit)
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "marketsync/1.0"
	}

	transport := &http.Transport{
		MaxIdleConnsPerHost: 10,
		MaxConnsPerHost:     20,
		IdleConnTimeout:     90 * time.Second,
	}
	return &HTTPClient{
		client: &http.Client{
			Timeout:   opts.Timeout,
			Transport: transport,
		},
		opts:    opts,
		limiter: rate.NewLimiter(rate.Limit(opts.RateLimit), opts.Burst),
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			ShouldTrip: IsTransient,
			OnStateChange: func(from, to resilience.CircuitState) {
				zap.L().Warn("provider circuit state change",
					zap.String("from", from.String()),
					zap.String("to", to.String()),
				)
			},
		}),
	}
}

// Call invokes one provider function. The response is decoded into loose
// maps; no field is interpreted here.
func (c *HTTPClient) Call(ctx context.Context, fn string, params []catalog.Param) ([]Record, error) {
	if !c.breaker.Allow() {
		// Not transient: retrying immediately would hammer a provider
		// that is already failing.
		return nil, &CallError{Func: fn, Err: resilience.ErrCircuitOpen}
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &CallError{Func: fn, Err: eris.Wrap(err, "rate limiter wait")}
	}

	req, err := c.buildRequest(ctx, fn, params)
	if err != nil {
		return nil, &CallError{Func: fn, Err: err}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		callErr := &CallError{Func: fn, Transient: resilience.IsTransient(err), Err: err}
		c.breaker.RecordFailure(callErr)
		return nil, callErr
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		callErr := &CallError{
			Func:       fn,
			StatusCode: resp.StatusCode,
			Transient:  resilience.IsTransientHTTPStatus(resp.StatusCode),
			Err:        eris.Errorf("%s", strings.TrimSpace(string(snippet))),
		}
		c.breaker.RecordFailure(callErr)
		return nil, callErr
	}

	rows, err := decodeRows(resp.Body)
	if err != nil {
		// A malformed body is permanent: the same request would yield
		// the same payload.
		return nil, &CallError{Func: fn, Err: eris.Wrapf(err, "decode %s response", fn)}
	}

	c.breaker.RecordSuccess()
	return rows, nil
}

func (c *HTTPClient) buildRequest(ctx context.Context, fn string, params []catalog.Param) (*http.Request, error) {
	u, err := url.Parse(strings.TrimRight(c.opts.BaseURL, "/") + "/api/public/" + url.PathEscape(fn))
	if err != nil {
		return nil, eris.Wrapf(err, "build url for %s", fn)
	}

	q := u.Query()
	for _, p := range params {
		q.Set(p.Name, p.Value)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, eris.Wrapf(err, "create request for %s", fn)
	}
	req.Header.Set("User-Agent", c.opts.UserAgent)
	req.Header.Set("Accept", "application/json")
	if c.opts.APIKey != "" {
		req.Header.Set("X-Api-Key", c.opts.APIKey)
	}
	return req, nil
}

// decodeRows accepts either a bare JSON array of objects or a {"data": [...]}
// wrapper, the two shapes the provider has been observed to return.
func decodeRows(r io.Reader) ([]Record, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, eris.Wrap(err, "read body")
	}

	var rows []Record
	if err := json.Unmarshal(data, &rows); err == nil {
		return rows, nil
	}

	var wrapper struct {
		Data []Record `json:"data"`
	}
	if err := json.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrap(err, "unmarshal rows")
	}
	return wrapper.Data, nil
}
