// Package httpretry provides an http.RoundTripper for upstream REST APIs
// that answer 429 or 503 with a Retry-After header.
package httpretry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultRetryAfter is used when the header is missing or unparsable.
	DefaultRetryAfter = time.Second
	// DefaultMaxRetries bounds how often one request is retried.
	DefaultMaxRetries = 3
	// DefaultMaxWait caps a single Retry-After delay.
	DefaultMaxWait = 30 * time.Second
)

// Transport retries throttled responses after the delay the server asks
// for. Requests with a body are only retried when it can be replayed through
// Request.GetBody.
type Transport struct {
	// Base performs the requests. Nil means http.DefaultTransport.
	Base http.RoundTripper
	// Limiter, when set, paces outgoing requests including retries.
	Limiter *rate.Limiter
	// MaxRetries, when zero, is DefaultMaxRetries.
	MaxRetries int
	// MaxWait, when zero, is DefaultMaxWait.
	MaxWait time.Duration
	// Logger, when nil, is slog.Default().
	Logger *slog.Logger

	now func() time.Time
}

// New returns a Transport over base paced at rps requests per second with
// the given burst. rps <= 0 disables pacing.
func New(base http.RoundTripper, rps float64, burst int) *Transport {
	t := &Transport{Base: base}
	if rps > 0 {
		if burst < 1 {
			burst = 1
		}
		t.Limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
	return t
}

// Client returns an http.Client using t with the given timeout.
func (t *Transport) Client(timeout time.Duration) *http.Client {
	return &http.Client{Transport: t, Timeout: timeout}
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	maxRetries := t.MaxRetries
	if maxRetries == 0 {
		maxRetries = DefaultMaxRetries
	}

	for attempt := 0; ; attempt++ {
		if t.Limiter != nil {
			if err := t.Limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		r := req
		if attempt > 0 {
			var err error
			if r, err = rewind(req); err != nil {
				return nil, err
			}
		}

		resp, err := t.base().RoundTrip(r)
		if err != nil || !retryable(resp.StatusCode) || attempt >= maxRetries {
			return resp, err
		}
		if req.Body != nil && req.Body != http.NoBody && req.GetBody == nil {
			return resp, nil
		}

		wait := t.retryAfter(resp.Header.Get("Retry-After"))
		t.logger().WarnContext(ctx, "httpretry.throttled",
			slog.String("host", req.URL.Host),
			slog.Int("status", resp.StatusCode),
			slog.Int("attempt", attempt+1),
			slog.Int64("wait_ms", wait.Milliseconds()),
		)
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		_ = resp.Body.Close()

		if err := sleep(ctx, wait); err != nil {
			return nil, err
		}
	}
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

func (t *Transport) logger() *slog.Logger {
	if t.Logger != nil {
		return t.Logger
	}
	return slog.Default()
}

// retryAfter parses a Retry-After value given in seconds or as an HTTP date.
func (t *Transport) retryAfter(v string) time.Duration {
	maxWait := t.MaxWait
	if maxWait == 0 {
		maxWait = DefaultMaxWait
	}
	d := DefaultRetryAfter
	v = strings.TrimSpace(v)
	if secs, err := strconv.ParseUint(v, 10, 64); err == nil || errors.Is(err, strconv.ErrRange) {
		// Clamp before multiplying; large values overflow time.Duration.
		if err != nil || secs > uint64(maxWait/time.Second) {
			return maxWait
		}
		d = time.Duration(secs) * time.Second
	} else if at, err := http.ParseTime(v); err == nil {
		now := time.Now
		if t.now != nil {
			now = t.now
		}
		d = max(at.Sub(now()), 0)
	}
	return min(d, maxWait)
}

func retryable(status int) bool {
	return status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable
}

func rewind(req *http.Request) (*http.Request, error) {
	r := req.Clone(req.Context())
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, errors.Join(errors.New("httpretry: replay request body"), err)
		}
		r.Body = body
	}
	return r, nil
}

func sleep(ctx context.Context, d time.Duration) error {
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
