// Package upstream performs generation API calls with rate limiting, bounded
// retries and exponential backoff, recording every attempt's outcome.
package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	backoff "github.com/cenkalti/backoff/v4"

	"github.com/baibot/bai/internal/logger"
	"github.com/baibot/bai/internal/metrics"
	"github.com/baibot/bai/internal/ratelimit"
)

// ErrExhausted wraps the final error once every attempt has failed.
var ErrExhausted = errors.New("generation API call failed")

// ErrResponseTooLarge fails an attempt whose body exceeds the read limit.
var ErrResponseTooLarge = errors.New("response body too large")

const maxResponseBytes = 8 << 20

// Request describes a single outbound HTTP call.
type Request struct {
	Name    string // label for logs and metrics, e.g. "text"
	Method  string
	URL     string
	Body    []byte
	Header  http.Header
	Timeout time.Duration // per attempt; zero uses the caller default
}

type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("generation API returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("generation API returned status %d: %s", e.StatusCode, e.Body)
}

type CallerConfig struct {
	Retries   int           // total attempts, at least 1
	BaseDelay time.Duration // delay after the first failed attempt; doubles each time
	Timeout   time.Duration // default per-attempt timeout
	MaxBody   int64         // response body limit in bytes; zero uses 8 MiB
}

func DefaultCallerConfig() CallerConfig {
	return CallerConfig{
		Retries:   3,
		BaseDelay: time.Second,
		Timeout:   15 * time.Second,
	}
}

type Caller struct {
	cfg      CallerConfig
	client   *http.Client
	limiter  *ratelimit.Limiter
	recorder *Recorder
	metrics  *metrics.Collector
}

// NewCaller wires a caller. collector may be nil.
func NewCaller(cfg CallerConfig, limiter *ratelimit.Limiter, recorder *Recorder, collector *metrics.Collector) *Caller {
	if cfg.Retries < 1 {
		cfg.Retries = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultCallerConfig().Timeout
	}
	if cfg.MaxBody <= 0 {
		cfg.MaxBody = maxResponseBytes
	}
	return &Caller{
		cfg:      cfg,
		client:   &http.Client{},
		limiter:  limiter,
		recorder: recorder,
		metrics:  collector,
	}
}

// Recorder exposes the outcome record for the health surface.
func (c *Caller) Recorder() *Recorder {
	return c.recorder
}

// Do sends req, retrying failures, and returns the first 2xx response.
// Errors name the call but never its URL, which may carry credentials.
func (c *Caller) Do(ctx context.Context, req Request) (*Response, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	var resp *Response
	err := c.Run(ctx, req.Name, req.Timeout, func(ctx context.Context) error {
		httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, bytes.NewReader(req.Body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create %s request: %w", req.Name, stripURL(err)))
		}
		for k, values := range req.Header {
			for _, v := range values {
				httpReq.Header.Add(k, v)
			}
		}

		httpResp, err := c.client.Do(httpReq)
		if err != nil {
			return fmt.Errorf("failed to send %s request: %w", req.Name, stripURL(err))
		}
		defer httpResp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(httpResp.Body, c.cfg.MaxBody+1))
		if err != nil {
			return fmt.Errorf("failed to read %s response: %w", req.Name, stripURL(err))
		}
		if int64(len(body)) > c.cfg.MaxBody {
			return fmt.Errorf("%w: over %d bytes", ErrResponseTooLarge, c.cfg.MaxBody)
		}

		if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
			return &StatusError{StatusCode: httpResp.StatusCode, Body: snippet(body, 256)}
		}

		resp = &Response{StatusCode: httpResp.StatusCode, Header: httpResp.Header, Body: body}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// Run executes op with the caller's retry, rate limit and recording policy.
// Each attempt gets its own timeout; returning a backoff.Permanent error
// stops retrying.
func (c *Caller) Run(ctx context.Context, name string, timeout time.Duration, op func(ctx context.Context) error) error {
	if timeout <= 0 {
		timeout = c.cfg.Timeout
	}

	attempt := 0
	operation := func() error {
		attempt++
		n := attempt

		// Whoever claims first records the attempt: the task once op has
		// returned, or this goroutine if the task never started.
		var claimed atomic.Bool
		err := c.limiter.Do(ctx, func(ctx context.Context) error {
			if !claimed.CompareAndSwap(false, true) {
				return ctx.Err()
			}
			attemptCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			start := time.Now()
			err := op(attemptCtx)
			c.record(name, n, time.Since(start), err)
			return err
		})
		if claimed.CompareAndSwap(false, true) {
			c.record(name, n, 0, err)
		}

		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		logger.Warn("Generation API attempt failed, retrying", map[string]interface{}{
			"call":    name,
			"attempt": attempt,
			"retries": c.cfg.Retries,
			"wait":    wait.String(),
			"error":   err.Error(),
		})
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(c.newBackOff(), uint64(c.cfg.Retries-1)), ctx)
	if err := backoff.RetryNotify(operation, bo, notify); err != nil {
		logger.Error("Generation API call failed", map[string]interface{}{
			"call":     name,
			"attempts": attempt,
			"error":    err.Error(),
		})
		return fmt.Errorf("%w: %s after %d attempt(s): %w", ErrExhausted, name, attempt, err)
	}

	logger.Info("Generation API call succeeded", map[string]interface{}{
		"call":     name,
		"attempts": attempt,
	})
	return nil
}

// newBackOff yields base, 2*base, 4*base, ... without jitter.
func (c *Caller) newBackOff() backoff.BackOff {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = c.cfg.BaseDelay
	expo.Multiplier = 2
	expo.RandomizationFactor = 0
	expo.MaxInterval = c.cfg.BaseDelay << uint(c.cfg.Retries)
	expo.MaxElapsedTime = 0
	expo.Reset()
	return expo
}

func (c *Caller) record(name string, attempt int, elapsed time.Duration, err error) {
	o := Outcome{
		Status:        StatusSuccess,
		LastCheckedAt: time.Now().UTC(),
		AttemptCount:  attempt,
	}
	if err != nil {
		o.Status = StatusFailed
		o.Error = err.Error()
	} else {
		o.ResponseTime = &elapsed
	}

	if c.recorder != nil {
		c.recorder.Record(o)
	}
	c.metrics.RecordUpstreamAttempt(name, string(o.Status), elapsed)

	logger.Debug("Generation API attempt finished", map[string]interface{}{
		"call":        name,
		"attempt":     attempt,
		"status":      o.Status,
		"duration_ms": elapsed.Milliseconds(),
	})
}

// stripURL drops the *url.Error wrapper, whose message repeats the URL.
func stripURL(err error) error {
	var ue *url.Error
	if errors.As(err, &ue) {
		return ue.Err
	}
	return err
}

func snippet(b []byte, n int) string {
	if len(b) > n {
		b = b[:n]
	}
	return string(bytes.TrimSpace(b))
}
