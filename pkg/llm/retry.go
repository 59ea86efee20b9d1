package llm

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/harun/reactor/internal/metrics"
)

const (
	maxAttempts = 3
	maxErrBody  = 4096
)

// retryPolicy is the per-adapter retry behavior. Connection-level
// failures are always retried; which HTTP statuses retry differs by
// provider.
type retryPolicy struct {
	provider    string
	retryStatus func(status int) bool

	// metrics is optional
	metrics *metrics.Metrics
}

// observeCall records one HTTP attempt with its outcome label
func (p retryPolicy) observeCall(status string, start time.Time) {
	if p.metrics == nil {
		return
	}
	p.metrics.ProviderCallsTotal.WithLabelValues(p.provider, status).Inc()
	p.metrics.ProviderCallDuration.WithLabelValues(p.provider).Observe(time.Since(start).Seconds())
}

func (p retryPolicy) countRetry(reason string) {
	if p.metrics == nil {
		return
	}
	p.metrics.ProviderRetriesTotal.WithLabelValues(p.provider, reason).Inc()
}

// retryOn429 retries rate limits only (the OpenAI-compatible policy)
func retryOn429(status int) bool {
	return status == http.StatusTooManyRequests
}

// retryOn429And5xx additionally retries server errors
func retryOn429And5xx(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

// execute performs the request with up to maxAttempts tries. newRequest
// is called per attempt because a *http.Request body is single-use.
// On success the caller owns the response body.
func (p retryPolicy) execute(ctx context.Context, client *http.Client, newRequest func() (*http.Request, error)) (*http.Response, error) {
	var lastErr error
	var lastRetryAfter time.Duration

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, backoff(lastRetryAfter, attempt)); err != nil {
				return nil, ErrCancelled
			}
		}

		req, err := newRequest()
		if err != nil {
			return nil, err
		}

		start := time.Now()
		resp, err := client.Do(req.WithContext(ctx))
		if err != nil {
			if ctx.Err() != nil {
				return nil, ErrCancelled
			}
			p.observeCall("transport_error", start)
			if attempt+1 < maxAttempts {
				p.countRetry("transport")
			}
			log.Warn().
				Str("provider", p.provider).
				Int("attempt", attempt+1).
				Err(err).
				Msg("Provider request failed, retrying")
			lastErr = err
			lastRetryAfter = 0
			continue
		}
		status := strconv.Itoa(resp.StatusCode)
		p.observeCall(status, start)

		if resp.StatusCode < 300 {
			return resp, nil
		}

		body := readErrBody(resp)

		if !p.retryStatus(resp.StatusCode) {
			return nil, &APIError{Provider: p.provider, Status: resp.StatusCode, Body: body}
		}

		if attempt+1 < maxAttempts {
			p.countRetry(status)
		}
		lastRetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
		lastErr = &APIError{Provider: p.provider, Status: resp.StatusCode, Body: body}
		log.Warn().
			Str("provider", p.provider).
			Int("status", resp.StatusCode).
			Int("attempt", attempt+1).
			Msg("Provider returned retryable status")
	}

	if apiErr, ok := lastErr.(*APIError); ok {
		if apiErr.Status == http.StatusTooManyRequests {
			return nil, &RateLimitError{Provider: p.provider, RetryAfter: lastRetryAfter, Attempts: maxAttempts}
		}
		return nil, apiErr
	}
	return nil, &TransportError{Provider: p.provider, Err: lastErr}
}

// backoff returns the wait before retry number attempt. A server
// Retry-After hint wins over the exponential schedule.
func backoff(retryAfter time.Duration, attempt int) time.Duration {
	if retryAfter > 0 {
		return retryAfter
	}
	return time.Duration(1<<uint(attempt-1)) * time.Second
}

// parseRetryAfter handles both delta-seconds and HTTP-date forms
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(value); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func readErrBody(resp *http.Response) string {
	defer resp.Body.Close()
	b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrBody))
	return string(b)
}
