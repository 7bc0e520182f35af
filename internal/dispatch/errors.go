package dispatch

import (
	"errors"
	"fmt"

	"github.com/pysugar/qwen-nexus/internal/util"
)

var (
	// ErrQuotaExhausted means every account's daily quota is gone. Terminal
	// for the request; nothing left to rotate to.
	ErrQuotaExhausted = errors.New("daily quota exhausted on all accounts")

	// ErrUpstreamTimeout means one outbound call exceeded the configured
	// deadline. Surfaced as-is; a timeout is not a quota problem.
	ErrUpstreamTimeout = errors.New("upstream request timed out")
)

// ProviderError carries a non-quota upstream failure straight back to the
// caller without cross-account retry.
type ProviderError struct {
	StatusCode int
	Body       []byte
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("upstream error %d: %s", e.StatusCode, util.TruncateBytes(e.Body))
}
