package quota

import (
	"errors"
	"testing"
	"time"

	"github.com/pysugar/qwen-nexus/internal/db"
	"github.com/pysugar/qwen-nexus/internal/db/models"
)

func newSelectorFixture(t *testing.T, ids ...string) (*Selector, *Tracker, *db.Store) {
	t.Helper()
	database := newTestDB(t)
	store := db.NewStore(database)
	base := time.Now()
	for i, id := range ids {
		err := store.Upsert(&models.Account{
			ID:        id,
			IsActive:  true,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("seed account %s: %v", id, err)
		}
	}
	tracker := NewTracker(database, 5)
	return NewSelector(store, tracker), tracker, store
}

func TestSelector_RoundRobinFairness(t *testing.T) {
	selector, _, _ := newSelectorFixture(t, "a", "b", "c")

	// N consecutive calls with all accounts eligible return each account
	// exactly once, in insertion order from the cursor.
	var got []string
	for i := 0; i < 3; i++ {
		acc, err := selector.Next(nil)
		if err != nil {
			t.Fatalf("next %d: %v", i, err)
		}
		got = append(got, acc.ID)
	}
	want := []string{"a", "b", "c"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("rotation order %v, want %v", got, want)
		}
	}

	// The cursor wraps around.
	acc, err := selector.Next(nil)
	if err != nil {
		t.Fatalf("wrap: %v", err)
	}
	if acc.ID != "a" {
		t.Fatalf("expected wrap to a, got %s", acc.ID)
	}
}

func TestSelector_SkipsExhaustedAccounts(t *testing.T) {
	selector, tracker, _ := newSelectorFixture(t, "a", "b", "c")

	if err := tracker.MarkExhausted("a"); err != nil {
		t.Fatalf("mark exhausted: %v", err)
	}

	for i := 0; i < 4; i++ {
		acc, err := selector.Next(nil)
		if err != nil {
			t.Fatalf("next %d: %v", i, err)
		}
		if acc.ID == "a" {
			t.Fatal("selector returned an exhausted account")
		}
	}
}

func TestSelector_AllExhausted(t *testing.T) {
	selector, tracker, _ := newSelectorFixture(t, "a", "b")

	for _, id := range []string{"a", "b"} {
		if err := tracker.MarkExhausted(id); err != nil {
			t.Fatalf("mark exhausted %s: %v", id, err)
		}
	}

	if _, err := selector.Next(nil); !errors.Is(err, ErrAllExhausted) {
		t.Fatalf("expected ErrAllExhausted, got %v", err)
	}
}

func TestSelector_EmptyPool(t *testing.T) {
	selector, _, _ := newSelectorFixture(t)

	if _, err := selector.Next(nil); !errors.Is(err, ErrNoAccounts) {
		t.Fatalf("expected ErrNoAccounts, got %v", err)
	}
}

func TestSelector_ExcludesTriedAccounts(t *testing.T) {
	selector, _, _ := newSelectorFixture(t, "a", "b")

	acc, err := selector.Next(map[string]bool{"a": true})
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if acc.ID != "b" {
		t.Fatalf("expected b, got %s", acc.ID)
	}

	if _, err := selector.Next(map[string]bool{"a": true, "b": true}); !errors.Is(err, ErrAllExhausted) {
		t.Fatalf("expected ErrAllExhausted when everything is excluded, got %v", err)
	}
}

func TestSelector_SkipsDeactivatedAccounts(t *testing.T) {
	selector, _, store := newSelectorFixture(t, "a", "b")

	acc, err := store.Get("a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	acc.IsActive = false
	if err := store.Upsert(acc); err != nil {
		t.Fatalf("deactivate: %v", err)
	}

	for i := 0; i < 3; i++ {
		got, err := selector.Next(nil)
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if got.ID != "b" {
			t.Fatalf("expected only b to rotate, got %s", got.ID)
		}
	}
}
