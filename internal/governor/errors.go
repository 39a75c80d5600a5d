package governor

import (
	"errors"
	"strings"
	"time"
)

// ThrottledError is the typed throttling signal. HTTP client layers should
// return it (or wrap it) when the remote answers 429, so the governor can
// back off without guessing from error text.
type ThrottledError struct {
	StatusCode int
	RetryAfter time.Duration
	Message    string
}

func (e *ThrottledError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return "request throttled by remote"
}

// ErrStalePending is delivered to waiters whose in-flight call was evicted
// by the stale sweep without ever settling.
var ErrStalePending = errors.New("governor: pending call evicted as stale")

// isThrottlingSignal classifies err as a throttling response. The typed
// ThrottledError is authoritative; the substring checks remain as a
// fallback for opaque errors bubbled up from clients that do not set it.
func isThrottlingSignal(err error) bool {
	if err == nil {
		return false
	}
	var throttled *ThrottledError
	if errors.As(err, &throttled) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") || strings.Contains(msg, "rate limit")
}
