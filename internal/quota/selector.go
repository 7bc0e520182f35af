package quota

import (
	"errors"
	"sync"

	"github.com/pysugar/qwen-nexus/internal/db"
	"github.com/pysugar/qwen-nexus/internal/db/models"
)

var (
	// ErrAllExhausted means every usable account reached its daily quota.
	ErrAllExhausted = errors.New("all accounts have exhausted their daily quota")

	// ErrNoAccounts means the pool is empty; the proxy cannot serve requests.
	ErrNoAccounts = errors.New("no accounts configured, authenticate one first")
)

// Selector picks the account that services the next outbound request.
// Accounts rotate round-robin in insertion order starting from a cursor that
// advances past each chosen account, spreading load across the pool.
type Selector struct {
	store   *db.Store
	tracker *Tracker

	mu     sync.Mutex
	cursor int
}

// NewSelector creates a selector over the store's account pool.
// The cursor is re-derived at process start, beginning at the first account.
func NewSelector(store *db.Store, tracker *Tracker) *Selector {
	return &Selector{store: store, tracker: tracker}
}

// Next returns the next eligible account, skipping exhausted accounts,
// deactivated accounts and ids in exclude. Pick-and-advance is atomic so
// concurrent requests never double-select past the cap unnoticed.
func (s *Selector) Next(exclude map[string]bool) (*models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	accounts, err := s.store.List()
	if err != nil {
		return nil, err
	}
	if len(accounts) == 0 {
		return nil, ErrNoAccounts
	}

	n := len(accounts)
	for i := 0; i < n; i++ {
		idx := (s.cursor + i) % n
		acc := accounts[idx]

		if exclude[acc.ID] || !acc.IsActive {
			continue
		}
		exhausted, err := s.tracker.IsExhausted(acc.ID)
		if err != nil {
			return nil, err
		}
		if exhausted {
			continue
		}

		s.cursor = (idx + 1) % n
		return &acc, nil
	}

	return nil, ErrAllExhausted
}
