package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/webedt/autodev/internal/models"
)

// HTTPError is a raw failure from an HTTP collaborator before
// classification. Clients attach the status code and any server-provided
// retry hints; the classifier turns those into a retry decision.
type HTTPError struct {
	StatusCode     int
	Status         string
	Body           string
	RetryAfter     time.Duration // Parsed Retry-After header, if present
	RateLimitReset time.Time     // Rate-limit reset timestamp, if present
}

// NewHTTPError builds an HTTPError from a response, extracting the
// Retry-After and X-RateLimit-Reset hints when the server sends them.
// The body should already be read and drained by the caller.
func NewHTTPError(resp *http.Response, body []byte) *HTTPError {
	e := &HTTPError{
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Body:       strings.TrimSpace(string(body)),
	}
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			e.RetryAfter = time.Duration(secs) * time.Second
		} else if t, err := http.ParseTime(v); err == nil {
			e.RateLimitReset = t
		}
	}
	if v := resp.Header.Get("X-RateLimit-Reset"); v != "" && e.RetryAfter == 0 {
		if unix, err := strconv.ParseInt(v, 10, 64); err == nil {
			e.RateLimitReset = time.Unix(unix, 0)
		}
	}
	return e
}

// Error implements the error interface for HTTPError.
func (e *HTTPError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Status, e.Body)
	}
	return fmt.Sprintf("http %d %s", e.StatusCode, e.Status)
}

// Classification is the classifier's verdict on a raw error.
type Classification struct {
	Retryable  bool
	RetryAfter time.Duration // Server-provided delay hint; zero when absent
	Reason     string
}

// retryAfterSafetyBuffer pads reset-timestamp hints so the retry lands
// just after the server-side window actually reopens.
const retryAfterSafetyBuffer = time.Second

// retryableStatus holds HTTP statuses worth retrying. 4xx statuses other
// than 408/429 indicate caller defects and fail closed.
var retryableStatus = map[int]bool{
	408: true,
	429: true,
}

var nonRetryableStatus = map[int]bool{
	400: true, 401: true, 403: true, 404: true,
	409: true, 410: true, 422: true,
}

var retryableErrnos = []syscall.Errno{
	syscall.ETIMEDOUT,
	syscall.ECONNRESET,
	syscall.ECONNREFUSED,
	syscall.EPIPE,
	syscall.EHOSTUNREACH,
	syscall.ENETUNREACH,
}

// Classify maps a raw failure to a retry decision. Precedence: typed
// errors use their own flag, then HTTP status, then network error codes,
// then message substrings. Unknown errors fail closed (no retry) so real
// defects are not masked as transient.
func Classify(err error) Classification {
	if err == nil {
		return Classification{Retryable: false, Reason: "no error"}
	}

	// 1. Already-typed errors are authoritative.
	if te, ok := models.AsTaskError(err); ok {
		return Classification{
			Retryable: te.Retryable,
			Reason:    fmt.Sprintf("typed %s error", te.Kind),
		}
	}

	// 2. HTTP status code, honoring server retry hints.
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		c := Classification{Reason: fmt.Sprintf("http status %d", httpErr.StatusCode)}
		switch {
		case retryableStatus[httpErr.StatusCode] || httpErr.StatusCode >= 500:
			c.Retryable = true
			c.RetryAfter = serverRetryHint(httpErr)
		case nonRetryableStatus[httpErr.StatusCode]:
			c.Retryable = false
		default:
			c.Retryable = false
		}
		return c
	}

	// 3. Known network error codes.
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return Classification{Retryable: true, Reason: "dns failure"}
	}
	for _, errno := range retryableErrnos {
		if errors.Is(err, errno) {
			return Classification{Retryable: true, Reason: errno.Error()}
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Classification{Retryable: true, Reason: "deadline exceeded"}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Classification{Retryable: true, Reason: "network timeout"}
	}

	// 4. Message-pattern fallback.
	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{"unauthorized", "forbidden", "invalid token"} {
		if strings.Contains(msg, pattern) {
			return Classification{Retryable: false, Reason: "auth failure: " + pattern}
		}
	}
	for _, pattern := range []string{"rate limit", "timeout", "timed out", "network", "connection reset"} {
		if strings.Contains(msg, pattern) {
			return Classification{Retryable: true, Reason: "message matched: " + pattern}
		}
	}

	// 5. Default: fail closed.
	return Classification{Retryable: false, Reason: "unclassified"}
}

// serverRetryHint extracts a relative delay from an HTTP error's retry
// hints. Reset timestamps are converted to a relative delay with a one
// second safety buffer.
func serverRetryHint(e *HTTPError) time.Duration {
	if e.RetryAfter > 0 {
		return e.RetryAfter
	}
	if !e.RateLimitReset.IsZero() {
		until := time.Until(e.RateLimitReset) + retryAfterSafetyBuffer
		if until > 0 {
			return until
		}
	}
	return 0
}
