package upstream

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// quotaMarkers are the body phrases Qwen uses for daily-quota rejections.
var quotaMarkers = []string{
	"insufficient_quota",
	"free allocated quota exceeded",
	"quota exceeded",
}

// IsQuotaError reports whether an upstream response means the account's daily
// quota is exceeded. This is the only condition that triggers account
// failover; every other error is surfaced to the caller.
func IsQuotaError(status int, body []byte) bool {
	if status == http.StatusTooManyRequests {
		return true
	}
	msg := strings.ToLower(string(body))
	for _, marker := range quotaMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// RetryDelay extracts a retry hint from a quota response, checking the
// standard Retry-After header first and then common JSON body fields.
// Returns 0 when no hint is present.
func RetryDelay(res *Result) time.Duration {
	if res == nil {
		return 0
	}

	if retryAfter := res.Header.Get("Retry-After"); retryAfter != "" {
		if seconds, err := strconv.Atoi(retryAfter); err == nil {
			return time.Duration(seconds) * time.Second
		}
		if t, err := http.ParseTime(retryAfter); err == nil {
			return time.Until(t)
		}
	}

	for _, field := range []string{"error.retry_after", "error.details.retryDelay"} {
		if v := gjson.GetBytes(res.Body, field); v.Exists() {
			if d, err := time.ParseDuration(v.String()); err == nil {
				return d
			}
			if seconds := v.Int(); seconds > 0 {
				return time.Duration(seconds) * time.Second
			}
		}
	}
	return 0
}
