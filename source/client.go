package source

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"time"

	"github.com/hazyhaar/licita/connectivity"
	"github.com/hazyhaar/licita/observability"
	"github.com/hazyhaar/licita/tender"
)

// Page is one fetched response: its records and the cursor of the next page.
type Page struct {
	Number  int
	Records []tender.RawRecord
	Next    string
}

// Client is the single entry point to one provider. It owns the provider's
// circuit breaker; live fetches and canary probes share it.
type Client struct {
	cfg     Config
	adapter Adapter
	breaker *connectivity.CircuitBreaker
	limiter *connectivity.RateLimiter
	call    connectivity.Handler
	probe   connectivity.Handler
	closeFn func()
	logger  *slog.Logger
	now     func() time.Time
}

type options struct {
	logger      *slog.Logger
	httpClient  *http.Client
	limiter     *connectivity.RateLimiter
	metrics     *observability.MetricsManager
	adapter     Adapter
	pageTimeout time.Duration
	breakerOpts []connectivity.BreakerOption
	now         func() time.Time
}

// Option configures a Client.
type Option func(*options)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(c *http.Client) Option { return func(o *options) { o.httpClient = c } }

// WithRateLimiter shares a limiter between clients. The client registers
// its own rate on it.
func WithRateLimiter(rl *connectivity.RateLimiter) Option {
	return func(o *options) { o.limiter = rl }
}

// WithMetrics records per-call durations and error kinds.
func WithMetrics(mm *observability.MetricsManager) Option {
	return func(o *options) { o.metrics = mm }
}

// WithAdapter overrides the adapter chosen from the source ID.
func WithAdapter(a Adapter) Option { return func(o *options) { o.adapter = a } }

// WithPageTimeout bounds each individual request attempt.
func WithPageTimeout(d time.Duration) Option { return func(o *options) { o.pageTimeout = d } }

// WithBreakerOptions appends options to the client's circuit breaker, for
// example a transition observer.
func WithBreakerOptions(opts ...connectivity.BreakerOption) Option {
	return func(o *options) { o.breakerOpts = append(o.breakerOpts, opts...) }
}

// WithClock sets the time source used for canary windows.
func WithClock(fn func() time.Time) Option { return func(o *options) { o.now = fn } }

// New builds the client and its middleware stack:
//
//	live:   CallLogging > Observability > Retry > RateLimit > CircuitBreaker > Timeout > HTTP
//	canary: RateLimit > CircuitBreaker > Timeout > HTTP
func New(cfg Config, opts ...Option) (*Client, error) {
	o := options{now: time.Now}
	for _, fn := range opts {
		fn(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.httpClient == nil {
		o.httpClient = &http.Client{}
	}
	if o.limiter == nil {
		o.limiter = connectivity.NewRateLimiter()
	}
	if o.adapter == nil {
		a, err := NewAdapter(cfg)
		if err != nil {
			return nil, err
		}
		o.adapter = a
	}

	logger := o.logger.With("source", string(cfg.ID))
	o.limiter.SetRate(string(cfg.ID), cfg.RatePerSecond)

	breakerOpts := []connectivity.BreakerOption{
		connectivity.WithBreakerThreshold(cfg.FailureThreshold),
		connectivity.WithBreakerResetTimeout(cfg.RecoveryTimeout),
		connectivity.WithBreakerHalfOpenMax(cfg.HalfOpenRequests),
	}
	breaker := connectivity.NewCircuitBreaker(string(cfg.ID), append(breakerOpts, o.breakerOpts...)...)

	transport, closeFn := connectivity.HTTPTransport(o.httpClient)
	// Connectivity middlewares label their lines with req.Source themselves.
	transport = connectivity.Recovery(o.logger)(transport)

	var observe connectivity.HandlerMiddleware
	if o.metrics != nil {
		observe = connectivity.WithObservability(o.metrics)
	}

	c := &Client{
		cfg:     cfg,
		adapter: o.adapter,
		breaker: breaker,
		limiter: o.limiter,
		closeFn: closeFn,
		logger:  logger,
		now:     o.now,
	}
	c.call = connectivity.Chain(
		connectivity.WithCallLogging(o.logger),
		observe,
		connectivity.WithRetry(cfg.Retry, o.logger),
		connectivity.WithRateLimit(o.limiter),
		connectivity.WithCircuitBreaker(breaker),
		connectivity.WithTimeout(o.pageTimeout),
	)(transport)
	c.probe = connectivity.Chain(
		connectivity.WithRateLimit(o.limiter),
		connectivity.WithCircuitBreaker(breaker),
		connectivity.WithTimeout(o.pageTimeout),
	)(transport)
	return c, nil
}

// ID returns the source identifier.
func (c *Client) ID() tender.SourceID { return c.cfg.ID }

// Config returns the client's static configuration.
func (c *Client) Config() Config { return c.cfg }

// Breaker returns the client's circuit breaker.
func (c *Client) Breaker() *connectivity.CircuitBreaker { return c.breaker }

func (c *Client) authorize(req *connectivity.Request) {
	if c.cfg.Credential == "" {
		return
	}
	if req.Header == nil {
		req.Header = http.Header{}
	}
	req.Header.Set(c.cfg.credentialHeader(), c.cfg.Credential)
}

// FetchPage fetches and parses one page. cursor "" requests the first page.
// An open breaker yields *connectivity.ErrCircuitOpen with no network I/O.
func (c *Client) FetchPage(ctx context.Context, p tender.Partition, w tender.Window, cursor string) (Page, error) {
	req, err := c.adapter.BuildRequest(p, w, cursor)
	if err != nil {
		return Page{}, err
	}
	c.authorize(req)

	body, err := c.call(ctx, req)
	if err != nil {
		return Page{}, err
	}
	records, err := c.adapter.ParseRecords(body)
	if err != nil {
		return Page{}, err
	}
	next, err := c.adapter.ParseCursor(body)
	if err != nil {
		return Page{}, err
	}
	return Page{Records: records, Next: next}, nil
}

// Pages iterates the partition's pages in order. Page N+1 is requested only
// after page N's cursor is known. Iteration stops at the first error (which
// is yielded), at the last page, or after MaxPages pages.
func (c *Client) Pages(ctx context.Context, p tender.Partition, w tender.Window) iter.Seq2[Page, error] {
	return func(yield func(Page, error) bool) {
		cursor := ""
		for n := 1; ; n++ {
			if c.cfg.MaxPages > 0 && n > c.cfg.MaxPages {
				c.logger.WarnContext(ctx, "partition truncated at max pages",
					"partition", p.Key(),
					"max_pages", c.cfg.MaxPages)
				return
			}
			page, err := c.FetchPage(ctx, p, w, cursor)
			page.Number = n
			if !yield(page, err) || err != nil || page.Next == "" {
				return
			}
			if page.Next == cursor {
				yield(Page{Number: n + 1}, &connectivity.ErrMalformedResponse{
					Source: string(c.cfg.ID),
					Cause:  fmt.Errorf("cursor %q did not advance", cursor),
				})
				return
			}
			cursor = page.Next
		}
	}
}

// FetchAll collects every page of a partition. On error it returns the
// records of the pages already fetched together with the error, so a
// timed-out partition keeps its partial data.
func (c *Client) FetchAll(ctx context.Context, p tender.Partition, w tender.Window) ([]tender.RawRecord, error) {
	var out []tender.RawRecord
	for page, err := range c.Pages(ctx, p, w) {
		if err != nil {
			return out, fmt.Errorf("source: %s: %s page %d: %w", c.cfg.ID, p.Key(), page.Number, err)
		}
		out = append(out, page.Records...)
	}
	return out, nil
}

// Probe issues the adapter's canary request through the same breaker as
// live traffic, without retries. A response the adapter cannot parse is a
// terminal error and does not count against the breaker.
func (c *Client) Probe(ctx context.Context) error {
	req := c.adapter.CanaryRequest(c.now())
	c.authorize(req)
	body, err := c.probe(ctx, req)
	if err != nil {
		return err
	}
	if _, err := c.adapter.ParseRecords(body); err != nil {
		return err
	}
	return nil
}

// Close releases idle connections.
func (c *Client) Close() {
	if c.closeFn != nil {
		c.closeFn()
	}
}
