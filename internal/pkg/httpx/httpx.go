package httpx

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

type HTTPStatusCoder interface {
	HTTPStatusCode() int
}

func IsRetryableHTTPStatus(code int) bool {
	if code == 408 || code == 429 {
		return true
	}
	return code >= 500 && code <= 599
}

func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return true
		}
	}
	var sc HTTPStatusCoder
	if errors.As(err, &sc) {
		return IsRetryableHTTPStatus(sc.HTTPStatusCode())
	}
	return false
}

// RetryAfterDuration returns the server-requested delay from a Retry-After
// header (seconds or HTTP date), clamped to max, or fallback when absent.
func RetryAfterDuration(resp *http.Response, fallback, max time.Duration) time.Duration {
	sleepFor := fallback
	if resp != nil {
		if ra := strings.TrimSpace(resp.Header.Get("Retry-After")); ra != "" {
			if secs, err := strconv.Atoi(ra); err == nil && secs > 0 {
				sleepFor = time.Duration(secs) * time.Second
			} else if t, err := http.ParseTime(ra); err == nil {
				if d := time.Until(t); d > 0 {
					sleepFor = d
				}
			}
		}
	}
	if max > 0 && sleepFor > max {
		sleepFor = max
	}
	return sleepFor
}

// BackoffAdditive computes base·2^attempt plus a uniform [0, jitterMax)
// increment, capped. Used by the provider gateway's rate-limit retry.
func BackoffAdditive(attempt int, base, jitterMax, cap time.Duration) time.Duration {
	d := shiftLeft(base, attempt)
	if jitterMax > 0 {
		d += time.Duration(rand.Float64() * float64(jitterMax))
	}
	if cap > 0 && d > cap {
		d = cap
	}
	return d
}

// BackoffScaled computes base·2^attempt scaled by a uniform ±20% factor,
// capped. Used by the scheduler's re-delivery delay.
func BackoffScaled(attempt int, base, cap time.Duration) time.Duration {
	d := JitterScale(shiftLeft(base, attempt))
	if cap > 0 && d > cap {
		d = cap
	}
	return d
}

// JitterScale scales d by a uniform factor in [0.8, 1.2].
func JitterScale(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	const frac = 0.2
	low := d.Seconds() * (1 - frac)
	high := d.Seconds() * (1 + frac)
	v := low + rand.Float64()*(high-low)
	return time.Duration(v * float64(time.Second))
}

// Sleep blocks for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func shiftLeft(base time.Duration, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 30 {
		attempt = 30
	}
	return base << uint(attempt)
}
