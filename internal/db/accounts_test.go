package db

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/pysugar/qwen-nexus/internal/db/models"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	// Unique DSN per test so shared-cache memory databases do not leak state.
	dsn := "file:" + strings.ReplaceAll(t.Name(), "/", "_") + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	if err := db.AutoMigrate(&models.Account{}, &models.UsageRecord{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func TestStore_GetNotFound(t *testing.T) {
	store := NewStore(newTestDB(t))

	if _, err := store.Get("missing"); !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestStore_UpsertAndGet(t *testing.T) {
	store := NewStore(newTestDB(t))

	acc := &models.Account{
		ID:           "work",
		AccessToken:  "token-1",
		RefreshToken: "refresh-1",
		ExpiresAt:    time.Now().Add(time.Hour),
		IsActive:     true,
	}
	if err := store.Upsert(acc); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	// Read-modify-write must land on the same record.
	acc.AccessToken = "token-2"
	if err := store.Upsert(acc); err != nil {
		t.Fatalf("upsert again: %v", err)
	}

	got, err := store.Get("work")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.AccessToken != "token-2" {
		t.Fatalf("expected updated token, got %s", got.AccessToken)
	}
}

func TestStore_ListInsertionOrder(t *testing.T) {
	store := NewStore(newTestDB(t))

	base := time.Now()
	for i, id := range []string{"first", "second", "third"} {
		acc := &models.Account{
			ID:        id,
			IsActive:  true,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
		if err := store.Upsert(acc); err != nil {
			t.Fatalf("upsert %s: %v", id, err)
		}
	}

	accounts, err := store.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(accounts) != 3 {
		t.Fatalf("expected 3 accounts, got %d", len(accounts))
	}
	for i, want := range []string{"first", "second", "third"} {
		if accounts[i].ID != want {
			t.Fatalf("position %d: expected %s, got %s", i, want, accounts[i].ID)
		}
	}
}

func TestStore_RemoveDeletesUsageRecord(t *testing.T) {
	database := newTestDB(t)
	store := NewStore(database)

	if err := store.Upsert(&models.Account{ID: "gone", IsActive: true}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := database.Create(&models.UsageRecord{AccountID: "gone", Count: 42, ResetAt: "2026-08-30"}).Error; err != nil {
		t.Fatalf("create usage record: %v", err)
	}

	removed, err := store.Remove("gone")
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if !removed {
		t.Fatal("expected account to be removed")
	}

	var count int64
	database.Model(&models.UsageRecord{}).Where("account_id = ?", "gone").Count(&count)
	if count != 0 {
		t.Fatalf("expected usage record to be deleted, found %d", count)
	}

	removed, err = store.Remove("gone")
	if err != nil {
		t.Fatalf("remove again: %v", err)
	}
	if removed {
		t.Fatal("removing a missing account should report false")
	}
}
