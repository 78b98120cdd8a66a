package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/election-app/election-app/internal/keys"
	"github.com/election-app/election-app/internal/metrics"
	"github.com/election-app/election-app/internal/templates"
)

// DefaultLocator renders the results feed URL for a key. House races are
// served from the districts endpoint.
const DefaultLocator = `{{ .BaseURL | trimSuffix "/" }}/v2/{{ if eq .Category "H" }}districts{{ else }}elections{{ end }}/{{ .Date }}?statepostal={{ .Region }}&raceTypeId={{ .SubType }}&level=ru&officeId={{ .Category }}`

const (
	defaultMaxAttempts    = 3
	defaultBackoffBase    = time.Second
	defaultBackoffMax     = 20 * time.Second
	defaultRequestTimeout = 10 * time.Second
)

var retryableStatus = map[int]bool{
	http.StatusForbidden:           true,
	http.StatusNotFound:            true,
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
}

// StatsSink receives per-attempt upstream counters.
type StatsSink interface {
	AddUpstream(calls, bytes int64)
}

type Options struct {
	BaseURL        string
	Date           string
	Locator        string
	RequestTimeout time.Duration
	MaxAttempts    int
	BackoffBase    time.Duration
	BackoffMax     time.Duration

	HTTPClient *http.Client
	Stats      StatsSink
	Metrics    *metrics.Recorder
	Logger     *slog.Logger
	Tracer     trace.Tracer
}

// Client fetches raw result documents with bounded retries.
type Client struct {
	baseURL     string
	date        string
	locator     *templates.Template
	maxAttempts int
	rc          *retryablehttp.Client
	metrics     *metrics.Recorder
	logger      *slog.Logger
	tracer      trace.Tracer
}

type locatorData struct {
	BaseURL  string
	Date     string
	Region   string
	Category string
	SubType  string
}

func New(opts Options) (*Client, error) {
	source := opts.Locator
	if source == "" {
		source = DefaultLocator
	}
	locator, err := templates.NewRenderer().CompileInline("locator", source)
	if err != nil {
		return nil, fmt.Errorf("upstream: %w", err)
	}

	attempts := opts.MaxAttempts
	if attempts <= 0 {
		attempts = defaultMaxAttempts
	}
	base := opts.BackoffBase
	if base <= 0 {
		base = defaultBackoffBase
	}
	maxWait := opts.BackoffMax
	if maxWait <= 0 {
		maxWait = defaultBackoffMax
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "upstream"))
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer("github.com/election-app/election-app/internal/upstream")
	}

	httpClient := &http.Client{}
	if opts.HTTPClient != nil {
		cp := *opts.HTTPClient
		httpClient = &cp
	}
	httpClient.Timeout = timeout
	httpClient.Transport = &countingTransport{
		base:    httpClient.Transport,
		stats:   opts.Stats,
		metrics: opts.Metrics,
	}

	c := &Client{
		baseURL:     opts.BaseURL,
		date:        opts.Date,
		locator:     locator,
		maxAttempts: attempts,
		metrics:     opts.Metrics,
		logger:      logger,
		tracer:      tracer,
	}
	c.rc = &retryablehttp.Client{
		HTTPClient:   httpClient,
		Logger:       logger,
		RetryWaitMin: base,
		RetryWaitMax: maxWait,
		RetryMax:     attempts - 1,
		CheckRetry:   checkRetry,
		Backoff:      exponentialBackoff,
		ErrorHandler: exhausted,
	}
	return c, nil
}

// Locator renders the request URL for key. It is a pure function of the key
// and the configured base URL and date.
func (c *Client) Locator(key keys.Key) (string, error) {
	return c.locator.Render(locatorData{
		BaseURL:  c.baseURL,
		Date:     c.date,
		Region:   key.Region,
		Category: key.Category,
		SubType:  key.SubType,
	})
}

// Fetch returns the raw body for key or an *Error.
func (c *Client) Fetch(ctx context.Context, key keys.Key) ([]byte, error) {
	loc, err := c.Locator(key)
	if err != nil {
		return nil, &Error{Kind: ErrTransport, Err: err}
	}

	ctx, span := c.tracer.Start(ctx, "upstream.fetch", trace.WithAttributes(
		attribute.String("hub.key", key.String()),
		attribute.String("url.full", loc),
	))
	defer span.End()

	state := &attemptState{}
	ctx = context.WithValue(ctx, attemptStateKey{}, state)
	started := time.Now()

	body, err := c.do(ctx, loc)

	attempts, status := state.snapshot()
	span.SetAttributes(
		attribute.Int("hub.upstream.attempts", attempts),
		attribute.Int("http.response.status_code", status),
	)
	c.metrics.ObserveUpstreamFetch(Outcome(err), time.Since(started))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, Outcome(err))
		c.logger.Debug("upstream fetch failed", slog.String("key", key.String()), slog.Int("attempts", attempts), slog.Any("error", err))
		return nil, err
	}
	c.logger.Debug("upstream fetch complete", slog.String("key", key.String()), slog.Int("attempts", attempts), slog.Int("bytes", len(body)))
	return body, nil
}

func (c *Client) do(ctx context.Context, loc string) ([]byte, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, loc, nil)
	if err != nil {
		return nil, &Error{Kind: ErrTransport, Err: err}
	}
	req.Header.Set("Accept", "application/xml")

	resp, err := c.rc.Do(req)
	if err != nil {
		return nil, classify(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, statusError(resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classify(err)
	}
	return body, nil
}

func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return true, nil
	}
	return retryableStatus[resp.StatusCode], nil
}

// exponentialBackoff waits base * 2^attempt, attempt 0 being the first retry.
func exponentialBackoff(base, maxWait time.Duration, attempt int, _ *http.Response) time.Duration {
	if attempt > 30 {
		return maxWait
	}
	wait := base << uint(attempt)
	if wait <= 0 || wait > maxWait {
		return maxWait
	}
	return wait
}

// exhausted is called by the retry loop once it stops without success.
func exhausted(resp *http.Response, err error, tries int) (*http.Response, error) {
	status := 0
	if resp != nil {
		status = resp.StatusCode
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}
	switch {
	case err != nil && errors.Is(err, context.Canceled):
		return nil, &Error{Kind: ErrTransport, Attempts: tries, Err: err}
	case err != nil:
		return nil, &Error{Kind: ErrUnreachable, Attempts: tries, Err: classify(err)}
	default:
		return nil, &Error{Kind: ErrUnreachable, Attempts: tries, Err: statusError(status)}
	}
}

type attemptStateKey struct{}

type attemptState struct {
	mu       sync.Mutex
	attempts int
	status   int
}

func (s *attemptState) record(status int) {
	s.mu.Lock()
	s.attempts++
	if status > 0 {
		s.status = status
	}
	s.mu.Unlock()
}

func (s *attemptState) snapshot() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts, s.status
}

// countingTransport reports one call and the bytes read for every response
// once its body is closed.
type countingTransport struct {
	base    http.RoundTripper
	stats   StatsSink
	metrics *metrics.Recorder
}

func (t *countingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	state, _ := req.Context().Value(attemptStateKey{}).(*attemptState)
	resp, err := base.RoundTrip(req)
	if err != nil {
		if state != nil {
			state.record(0)
		}
		return nil, err
	}
	if state != nil {
		state.record(resp.StatusCode)
	}
	resp.Body = &countingBody{ReadCloser: resp.Body, status: resp.StatusCode, transport: t}
	return resp, nil
}

type countingBody struct {
	io.ReadCloser
	status    int
	n         int64
	once      sync.Once
	transport *countingTransport
}

func (b *countingBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	b.n += int64(n)
	return n, err
}

func (b *countingBody) Close() error {
	b.once.Do(func() {
		if b.transport.stats != nil {
			b.transport.stats.AddUpstream(1, b.n)
		}
		b.transport.metrics.ObserveUpstreamAttempt(b.status, b.n)
	})
	return b.ReadCloser.Close()
}
