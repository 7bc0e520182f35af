// Package dispatch wraps outbound provider calls with quota-aware account
// rotation and failover.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"

	"github.com/pysugar/qwen-nexus/internal/auth/token"
	"github.com/pysugar/qwen-nexus/internal/db/models"
	"github.com/pysugar/qwen-nexus/internal/logging"
	"github.com/pysugar/qwen-nexus/internal/quota"
	"github.com/pysugar/qwen-nexus/internal/upstream"
)

// CallFunc issues one outbound request using the given account's credentials.
type CallFunc func(ctx context.Context, acc *models.Account) (*upstream.Result, error)

// Dispatcher owns the rotation loop: select an account, ensure its token is
// valid, issue the call, and fail over on quota rejections.
type Dispatcher struct {
	selector *quota.Selector
	tracker  *quota.Tracker
	tokens   *token.Manager
	isQuota  func(status int, body []byte) bool
	events   *Events
}

// NewDispatcher wires the rotation core. isQuota classifies provider
// responses; nil uses the default Qwen classifier.
func NewDispatcher(selector *quota.Selector, tracker *quota.Tracker, tokens *token.Manager, isQuota func(int, []byte) bool, events *Events) *Dispatcher {
	if isQuota == nil {
		isQuota = upstream.IsQuotaError
	}
	return &Dispatcher{
		selector: selector,
		tracker:  tracker,
		tokens:   tokens,
		isQuota:  isQuota,
		events:   events,
	}
}

// Dispatch runs one outbound call with account failover. Quota rejections
// mark the account exhausted and move to the next one; no account is tried
// twice for the same request. Every other failure surfaces immediately.
func (d *Dispatcher) Dispatch(ctx context.Context, call CallFunc) (*upstream.Result, error) {
	tried := make(map[string]bool)
	prefix := logging.Prefix(ctx)

	for {
		acc, err := d.selector.Next(tried)
		if errors.Is(err, quota.ErrAllExhausted) {
			return nil, ErrQuotaExhausted
		}
		if err != nil {
			return nil, err
		}
		tried[acc.ID] = true
		accountID := acc.ID

		acc, err = d.tokens.EnsureValid(ctx, accountID)
		if errors.Is(err, token.ErrAuthExpired) {
			// Unusable until re-authenticated; try the next account.
			log.Printf("⚠️ %sSkipping account %s: revoked credentials", prefix, accountID)
			d.events.authFailed(accountID)
			continue
		}
		if err != nil {
			// Transient refresh failure belongs to the caller, not rotation.
			return nil, err
		}

		count, _ := d.tracker.Count(acc.ID)
		log.Printf("🎫 %sUsing account %s (request #%d today)", prefix, acc.ID, count+1)
		d.events.accountChosen(acc.ID, count+1)

		res, err := call(ctx, acc)
		if err != nil {
			if isTimeout(err) {
				return nil, fmt.Errorf("%w: %v", ErrUpstreamTimeout, err)
			}
			return nil, err
		}

		if d.isQuota(res.StatusCode, res.Body) {
			log.Printf("🚫 %sAccount %s over quota, rotating to next account", prefix, acc.ID)
			if delay := upstream.RetryDelay(res); delay > 0 {
				log.Printf("⏳ %sProvider suggests retrying account %s in %s", prefix, acc.ID, delay)
			}
			closeStream(res)
			if err := d.tracker.MarkExhausted(acc.ID); err != nil {
				log.Printf("⚠️ Failed to persist exhaustion for %s: %v", acc.ID, err)
			}
			d.events.quotaHit(acc.ID)
			continue
		}

		if res.StatusCode >= http.StatusBadRequest {
			closeStream(res)
			return nil, &ProviderError{StatusCode: res.StatusCode, Body: res.Body}
		}

		if _, err := d.tracker.Increment(acc.ID); err != nil {
			log.Printf("⚠️ Failed to record usage for %s: %v", acc.ID, err)
		}
		return res, nil
	}
}

func closeStream(res *upstream.Result) {
	if res != nil && res.Stream != nil {
		res.Stream.Body.Close()
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
