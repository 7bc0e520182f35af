package db

import (
	"errors"
	"sync"

	"github.com/pysugar/qwen-nexus/internal/db/models"
	"gorm.io/gorm"
)

// ErrAccountNotFound is returned when the requested account does not exist.
var ErrAccountNotFound = errors.New("account not found")

// Store provides atomic access to persisted accounts. Every mutation is
// written through to SQLite so credential state survives restarts.
type Store struct {
	db *gorm.DB
	mu sync.Mutex
}

// NewStore creates an account store backed by the given database.
func NewStore(database *gorm.DB) *Store {
	return &Store{db: database}
}

// Get returns the account with the given id, or ErrAccountNotFound.
func (s *Store) Get(id string) (*models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var acc models.Account
	if err := s.db.First(&acc, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &acc, nil
}

// Upsert creates or replaces the account record and persists it immediately.
func (s *Store) Upsert(acc *models.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Save(acc).Error
}

// List returns all accounts in insertion order. Insertion order is the
// rotation order for account selection.
func (s *Store) List() ([]models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var accounts []models.Account
	if err := s.db.Order("created_at, id").Find(&accounts).Error; err != nil {
		return nil, err
	}
	return accounts, nil
}

// Remove deletes the account and its usage record. Returns false when the
// account did not exist.
func (s *Store) Remove(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res := s.db.Delete(&models.Account{}, "id = ?", id)
	if res.Error != nil {
		return false, res.Error
	}
	if err := s.db.Delete(&models.UsageRecord{}, "account_id = ?", id).Error; err != nil {
		return false, err
	}
	return res.RowsAffected > 0, nil
}
