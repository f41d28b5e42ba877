package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"inbox-sync-go/internal/config"
	"inbox-sync-go/internal/metrics"
)

const maxBodyBytes = 32 << 20

var (
	// ErrRateLimited is returned once every attempt was rate limited
	ErrRateLimited = errors.New("provider rate limit exceeded")
	// ErrTransient is returned once every attempt failed with a server or network error
	ErrTransient = errors.New("provider temporarily unavailable")
	// ErrMalformedBody is returned when no JSON object can be read from a response
	ErrMalformedBody = errors.New("malformed provider response body")
	// ErrCircuitOpen is returned while the circuit breaker rejects calls
	ErrCircuitOpen = errors.New("provider circuit open")
)

var (
	retryAfterText = regexp.MustCompile(`(?i)retry\s+after\s+([0-9T:.\-+Z]+)`)
	rateLimitText  = regexp.MustCompile(`(?i)(rate\s*limit|too\s+many\s+requests|quota\s+exceeded|ratelimitexceeded|resource_exhausted)`)
)

// StatusError is a non-retryable HTTP failure
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	body := e.Body
	if len(body) > 200 {
		body = body[:200]
	}
	return fmt.Sprintf("provider returned status %d: %s", e.Status, body)
}

// IsNotFound reports whether err is a provider 404
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Status == http.StatusNotFound
}

// Result is the outcome of one logical provider call
type Result struct {
	OK          bool
	Status      int
	Data        []byte
	Err         error
	RateLimited bool
	Transient   bool
	Attempts    int
}

// Fetcher performs provider HTTP calls with pacing, retries and a circuit breaker
type Fetcher struct {
	client  *http.Client
	cfg     config.FetcherConfig
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	metrics *metrics.Metrics
	sleep   func(ctx context.Context, d time.Duration) error
	now     func() time.Time
}

// Option customizes a Fetcher
type Option func(*Fetcher)

// WithHTTPClient replaces the default HTTP client
func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) { f.client = c }
}

// WithMetrics records provider call outcomes
func WithMetrics(m *metrics.Metrics) Option {
	return func(f *Fetcher) { f.metrics = m }
}

// WithSleep replaces the backoff wait
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(f *Fetcher) { f.sleep = fn }
}

// WithClock replaces the clock used to resolve absolute retry hints
func WithClock(now func() time.Time) Option {
	return func(f *Fetcher) { f.now = now }
}

// NewFetcher creates a fetcher bounded by cfg
func NewFetcher(cfg config.FetcherConfig, opts ...Option) *Fetcher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}

	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	f := &Fetcher{
		client:  &http.Client{},
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, burst),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "gmail-api",
			MaxRequests: 3,
			Interval:    60 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures > 5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logrus.WithFields(logrus.Fields{
					"breaker": name,
					"from":    from.String(),
					"to":      to.String(),
				}).Warn("Circuit breaker state changed")
			},
		}),
		sleep: sleepContext,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

type response struct {
	status int
	header http.Header
	body   []byte
}

// Fetch performs one logical call, retrying rate limits and transient failures
func (f *Fetcher) Fetch(ctx context.Context, method, url string, headers http.Header, body []byte) Result {
	var (
		lastErr     error
		rateLimited bool
	)

	for attempt := 1; attempt <= f.cfg.MaxAttempts; attempt++ {
		if err := f.limiter.Wait(ctx); err != nil {
			return Result{Err: err, Transient: true, Attempts: attempt}
		}

		out, err := f.breaker.Execute(func() (interface{}, error) {
			return f.do(ctx, method, url, headers, body)
		})

		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				f.observe("circuit_open")
				return Result{Err: fmt.Errorf("%w: %v", ErrCircuitOpen, err), Transient: true, Attempts: attempt}
			}
			if ctx.Err() != nil {
				return Result{Err: ctx.Err(), Transient: true, Attempts: attempt}
			}
			f.observe("transient")
			lastErr, rateLimited = err, false
			logrus.WithFields(logrus.Fields{
				"url":     url,
				"attempt": attempt,
			}).Warnf("Provider call failed: %v", err)
			if attempt < f.cfg.MaxAttempts {
				if err := f.sleep(ctx, f.backoff(attempt, 0)); err != nil {
					return Result{Err: err, Transient: true, Attempts: attempt}
				}
			}
			continue
		}

		resp := out.(*response)
		if hint, limited := f.rateLimitSignal(resp); limited {
			f.observe("rate_limited")
			if f.metrics != nil {
				f.metrics.RateLimited.Inc()
			}
			lastErr, rateLimited = nil, true
			delay := f.backoff(attempt, hint)
			logrus.WithFields(logrus.Fields{
				"url":     url,
				"status":  resp.status,
				"attempt": attempt,
				"delay":   delay.String(),
			}).Warn("Provider rate limited request")
			if attempt < f.cfg.MaxAttempts {
				if err := f.sleep(ctx, delay); err != nil {
					return Result{Err: err, Transient: true, RateLimited: true, Attempts: attempt}
				}
			}
			continue
		}

		if resp.status >= 400 {
			f.observe("client_error")
			return Result{
				Status:   resp.status,
				Err:      &StatusError{Status: resp.status, Body: string(resp.body)},
				Attempts: attempt,
			}
		}

		data, err := extractJSON(resp.header.Get("Content-Type"), resp.body)
		if err != nil {
			f.observe("malformed")
			return Result{Status: resp.status, Err: err, Attempts: attempt}
		}

		f.observe("ok")
		return Result{OK: true, Status: resp.status, Data: data, Attempts: attempt}
	}

	if rateLimited {
		return Result{Err: ErrRateLimited, RateLimited: true, Transient: true, Attempts: f.cfg.MaxAttempts}
	}
	return Result{Err: fmt.Errorf("%w: %v", ErrTransient, lastErr), Transient: true, Attempts: f.cfg.MaxAttempts}
}

// do runs a single attempt. Server and network failures are returned as
// errors so they count against the breaker; everything else is a response.
func (f *Fetcher) do(ctx context.Context, method, url string, headers http.Header, body []byte) (*response, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, f.cfg.RequestTimeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(attemptCtx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= 500 {
		return nil, &StatusError{Status: resp.StatusCode, Body: string(raw)}
	}
	return &response{status: resp.StatusCode, header: resp.Header, body: raw}, nil
}

func (f *Fetcher) observe(outcome string) {
	if f.metrics != nil {
		f.metrics.ProviderRequests.WithLabelValues(outcome).Inc()
	}
}

// backoff returns the wait before the attempt after attempt
func (f *Fetcher) backoff(attempt int, hint time.Duration) time.Duration {
	if hint > 0 {
		if hint > f.cfg.MaxDelay {
			return f.cfg.MaxDelay
		}
		return hint
	}
	d := f.cfg.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= f.cfg.MaxDelay {
			return f.cfg.MaxDelay
		}
	}
	return d
}

type googleError struct {
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
		Errors  []struct {
			Reason string `json:"reason"`
		} `json:"errors"`
	} `json:"error"`
}

// rateLimitSignal reports whether resp asks the caller to slow down, and
// the wait the provider suggested, if any
func (f *Fetcher) rateLimitSignal(resp *response) (time.Duration, bool) {
	limited := false

	switch {
	case resp.status == http.StatusTooManyRequests:
		limited = true
	case resp.status == http.StatusForbidden:
		limited = isRateLimitError(resp.body)
	case resp.status < 300:
		if obj, err := extractJSON(resp.header.Get("Content-Type"), resp.body); err == nil && obj != nil {
			limited = isRateLimitError(obj) || hasRateLimitMessage(obj)
		} else {
			limited = rateLimitText.Match(resp.body)
		}
	}
	if !limited {
		return 0, false
	}
	return f.retryHint(resp), true
}

func isRateLimitError(body []byte) bool {
	var ge googleError
	if err := json.Unmarshal(bytes.TrimSpace(body), &ge); err != nil || ge.Error == nil {
		return false
	}
	if ge.Error.Code == http.StatusTooManyRequests || ge.Error.Status == "RESOURCE_EXHAUSTED" {
		return true
	}
	for _, e := range ge.Error.Errors {
		if e.Reason == "rateLimitExceeded" || e.Reason == "userRateLimitExceeded" {
			return true
		}
	}
	return false
}

// hasRateLimitMessage reports whether a top-level error or message string in
// body reads as a rate limit notice
func hasRateLimitMessage(body []byte) bool {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(bytes.TrimSpace(body), &fields); err != nil {
		return false
	}
	for _, key := range []string{"error", "message"} {
		var text string
		if raw, ok := fields[key]; ok && json.Unmarshal(raw, &text) == nil && rateLimitText.MatchString(text) {
			return true
		}
	}
	return false
}

func (f *Fetcher) retryHint(resp *response) time.Duration {
	if v := strings.TrimSpace(resp.header.Get("Retry-After")); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
		if t, err := http.ParseTime(v); err == nil {
			if d := t.Sub(f.now()); d > 0 {
				return d
			}
		}
	}
	if m := retryAfterText.FindSubmatch(resp.body); m != nil {
		raw := strings.TrimRight(string(m[1]), ".")
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			if d := t.Sub(f.now()); d > 0 {
				return d
			}
		}
	}
	return 0
}

func isJSON(contentType string, body []byte) bool {
	if contentType == "" {
		contentType = http.DetectContentType(body)
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}

// extractJSON returns the JSON object carried by body. Bodies that are not
// declared as JSON, or carry an anti-XSSI prefix or surrounding text, are
// searched for their outermost object.
func extractJSON(contentType string, body []byte) ([]byte, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, nil
	}
	if isJSON(contentType, trimmed) && json.Valid(trimmed) {
		return trimmed, nil
	}
	if json.Valid(trimmed) && trimmed[0] == '{' {
		return trimmed, nil
	}

	trimmed = bytes.TrimPrefix(trimmed, []byte(")]}'"))
	start := bytes.IndexByte(trimmed, '{')
	end := bytes.LastIndexByte(trimmed, '}')
	if start >= 0 && end > start && json.Valid(trimmed[start:end+1]) {
		return trimmed[start : end+1], nil
	}
	return nil, ErrMalformedBody
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
