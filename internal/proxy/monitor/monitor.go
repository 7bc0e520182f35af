// Package monitor aggregates rotation statistics as a passive observer of
// dispatch events.
package monitor

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/pysugar/qwen-nexus/internal/dispatch"
)

// MaxRecentEvents limits the in-memory rotation event ring.
const MaxRecentEvents = 100

// RotationEvent is one recorded dispatch decision.
type RotationEvent struct {
	Time      time.Time `json:"time"`
	AccountID string    `json:"account_id"`
	Kind      string    `json:"kind"` // "chosen", "quota_hit", "auth_failed"
}

// Stats is the monitor's queryable snapshot.
type Stats struct {
	TotalRequests int64           `json:"total_requests"`
	QuotaHits     int64           `json:"quota_hits"`
	AuthFailures  int64           `json:"auth_failures"`
	Recent        []RotationEvent `json:"recent"`
}

// RotationMonitor counts dispatch outcomes. It is wired in as an Events
// observer; the dispatcher works identically without it.
type RotationMonitor struct {
	totalRequests atomic.Int64
	quotaHits     atomic.Int64
	authFailures  atomic.Int64

	mu     sync.Mutex
	recent []RotationEvent
}

// New creates an empty monitor.
func New() *RotationMonitor {
	return &RotationMonitor{recent: make([]RotationEvent, 0, MaxRecentEvents)}
}

// Events returns dispatch hooks feeding this monitor.
func (m *RotationMonitor) Events() *dispatch.Events {
	return &dispatch.Events{
		AccountChosen: func(accountID string, todayCount int) {
			m.totalRequests.Add(1)
			m.record(accountID, "chosen")
		},
		QuotaHit: func(accountID string) {
			m.quotaHits.Add(1)
			m.record(accountID, "quota_hit")
		},
		AuthFailed: func(accountID string) {
			m.authFailures.Add(1)
			m.record(accountID, "auth_failed")
		},
	}
}

func (m *RotationMonitor) record(accountID, kind string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.recent = append(m.recent, RotationEvent{Time: time.Now(), AccountID: accountID, Kind: kind})
	if len(m.recent) > MaxRecentEvents {
		m.recent = m.recent[len(m.recent)-MaxRecentEvents:]
	}
}

// Snapshot returns the current counters and a copy of recent events.
func (m *RotationMonitor) Snapshot() Stats {
	m.mu.Lock()
	recent := make([]RotationEvent, len(m.recent))
	copy(recent, m.recent)
	m.mu.Unlock()

	return Stats{
		TotalRequests: m.totalRequests.Load(),
		QuotaHits:     m.quotaHits.Load(),
		AuthFailures:  m.authFailures.Load(),
		Recent:        recent,
	}
}
