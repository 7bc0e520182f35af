// Package quota owns per-account daily usage accounting and account rotation.
package quota

import (
	"errors"
	"log"
	"sync"
	"time"

	"github.com/pysugar/qwen-nexus/internal/db/models"
	"gorm.io/gorm"
)

// DefaultDailyCap is Qwen's published per-account daily request limit.
const DefaultDailyCap = 2000

const resetLayout = "2006-01-02"

// Tracker counts requests per account against the daily cap. The UTC-midnight
// reset is evaluated lazily on every access, so no background timer is needed.
type Tracker struct {
	db       *gorm.DB
	dailyCap int
	mu       sync.Mutex
	now      func() time.Time
}

// NewTracker creates a tracker persisting usage records in the given database.
func NewTracker(database *gorm.DB, dailyCap int) *Tracker {
	if dailyCap <= 0 {
		dailyCap = DefaultDailyCap
	}
	return &Tracker{
		db:       database,
		dailyCap: dailyCap,
		now:      time.Now,
	}
}

// Increment records one request for the account and returns today's count.
func (t *Tracker) Increment(accountID string) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, err := t.load(accountID)
	if err != nil {
		return 0, err
	}
	rec.Count++
	if err := t.db.Save(rec).Error; err != nil {
		return 0, err
	}
	return rec.Count, nil
}

// Count returns the account's request count for the current UTC day.
func (t *Tracker) Count(accountID string) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, err := t.load(accountID)
	if err != nil {
		return 0, err
	}
	return rec.Count, nil
}

// Counts returns today's request count for every tracked account.
func (t *Tracker) Counts() (map[string]int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var recs []models.UsageRecord
	if err := t.db.Find(&recs).Error; err != nil {
		return nil, err
	}

	today := t.today()
	counts := make(map[string]int, len(recs))
	for _, rec := range recs {
		if rec.ResetAt != today {
			counts[rec.AccountID] = 0
			continue
		}
		counts[rec.AccountID] = rec.Count
	}
	return counts, nil
}

// IsExhausted reports whether the account reached the daily cap or was
// signalled as exhausted by the provider.
func (t *Tracker) IsExhausted(accountID string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, err := t.load(accountID)
	if err != nil {
		return false, err
	}
	return rec.Exhausted || rec.Count >= t.dailyCap, nil
}

// MarkExhausted flags the account as out of quota for the rest of the UTC day.
// The provider's live signal overrides the local count.
func (t *Tracker) MarkExhausted(accountID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, err := t.load(accountID)
	if err != nil {
		return err
	}
	if rec.Exhausted {
		return nil
	}
	rec.Exhausted = true
	log.Printf("🚫 Account %s exhausted for today (count: %d)", accountID, rec.Count)
	return t.db.Save(rec).Error
}

// load fetches or lazily creates the account's usage record, resetting it
// first when the stored date is not today (UTC). The reset is idempotent.
func (t *Tracker) load(accountID string) (*models.UsageRecord, error) {
	today := t.today()

	var rec models.UsageRecord
	err := t.db.First(&rec, "account_id = ?", accountID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		rec = models.UsageRecord{AccountID: accountID, ResetAt: today}
		if err := t.db.Create(&rec).Error; err != nil {
			return nil, err
		}
		return &rec, nil
	}
	if err != nil {
		return nil, err
	}

	if rec.ResetAt != today {
		rec.Count = 0
		rec.Exhausted = false
		rec.ResetAt = today
		if err := t.db.Save(&rec).Error; err != nil {
			return nil, err
		}
		log.Printf("🌅 Usage counters reset for new UTC day (%s)", today)
	}
	return &rec, nil
}

func (t *Tracker) today() string {
	return t.now().UTC().Format(resetLayout)
}
