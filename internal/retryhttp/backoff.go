package retryhttp

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	// baseDelay is the backoff delay after the first failed attempt.
	baseDelay = 500 * time.Millisecond
	// maxDelay caps the exponential backoff.
	maxDelay = 15 * time.Second
	// maxJitter caps the random component added to a pending wait.
	maxJitter = 5 * time.Second
)

// retryableStatus lists the upstream statuses worth another attempt.
// 520-522 are Cloudflare origin errors, 599 is a network connect timeout
// and is also what transport-level failures are reported as.
var retryableStatus = map[int]bool{
	http.StatusRequestTimeout:      true,
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
	520:                            true,
	521:                            true,
	522:                            true,
	StatusNetworkError:             true,
}

// StatusNetworkError is the pseudo status recorded when no response arrived.
const StatusNetworkError = 599

// IsRetryable reports whether status should be retried.
func IsRetryable(status int) bool {
	return retryableStatus[status]
}

// Backoff returns the exponential delay after the given failed attempt
// (1-based): min(500ms * 2^(attempt-1), 15s).
func Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	// Past 2^5 the cap has long been reached; avoid shifting into overflow.
	if attempt > 16 {
		return maxDelay
	}
	delay := baseDelay << (attempt - 1)
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

// FullJitter returns random() * min(delay, 5s). With random in [0,1) the
// result is in [0, min(delay, 5s)).
func FullJitter(delay time.Duration, random func() float64) time.Duration {
	if delay <= 0 {
		return 0
	}
	capped := min(delay, maxJitter)
	return time.Duration(random() * float64(capped))
}

// ParseRetryAfter interprets a Retry-After header value, either delay
// seconds or an HTTP date. Dates in the past yield zero.
func ParseRetryAfter(value string, now time.Time) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		if secs <= 0 {
			return 0, true
		}
		return time.Duration(secs * float64(time.Second)), true
	}
	at, err := http.ParseTime(value)
	if err != nil {
		return 0, false
	}
	if d := at.Sub(now); d > 0 {
		return d, true
	}
	return 0, true
}
