package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/pysugar/qwen-nexus/internal/auth/token"
	"github.com/pysugar/qwen-nexus/internal/db"
	"github.com/pysugar/qwen-nexus/internal/db/models"
	"github.com/pysugar/qwen-nexus/internal/quota"
	"github.com/pysugar/qwen-nexus/internal/upstream"
	"golang.org/x/oauth2"
	"gorm.io/gorm"
)

type fixture struct {
	dispatcher *Dispatcher
	tracker    *quota.Tracker
	store      *db.Store
	tokenSrv   *httptest.Server
	refreshes  int
}

// newFixture builds a dispatcher over accounts with valid tokens unless a
// test expires them explicitly. The fake token endpoint rejects every
// refresh with invalid_grant.
func newFixture(t *testing.T, ids ...string) *fixture {
	t.Helper()

	dsn := "file:" + strings.ReplaceAll(t.Name(), "/", "_") + "?mode=memory&cache=shared"
	database, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	if err := database.AutoMigrate(&models.Account{}, &models.UsageRecord{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	f := &fixture{store: db.NewStore(database)}

	f.tokenSrv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.refreshes++
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant"})
	}))
	t.Cleanup(f.tokenSrv.Close)

	base := time.Now()
	for i, id := range ids {
		err := f.store.Upsert(&models.Account{
			ID:           id,
			AccessToken:  "tok-" + id,
			RefreshToken: "refresh-" + id,
			ExpiresAt:    time.Now().Add(time.Hour),
			IsActive:     true,
			CreatedAt:    base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("seed account %s: %v", id, err)
		}
	}

	f.tracker = quota.NewTracker(database, 100)
	selector := quota.NewSelector(f.store, f.tracker)
	cfg := &oauth2.Config{
		ClientID: "test-client",
		Endpoint: oauth2.Endpoint{TokenURL: f.tokenSrv.URL, AuthStyle: oauth2.AuthStyleInParams},
	}
	tokens := token.NewManager(f.store, cfg, token.DefaultRefreshBuffer, token.DefaultRefreshTimeout)
	f.dispatcher = NewDispatcher(selector, f.tracker, tokens, nil, nil)
	return f
}

func okResult() *upstream.Result {
	return &upstream.Result{StatusCode: 200, Body: []byte(`{"id":"cmpl-1"}`)}
}

func quotaResult() *upstream.Result {
	return &upstream.Result{StatusCode: 429, Body: []byte(`{"error":{"message":"Free allocated quota exceeded"}}`)}
}

func TestDispatch_AllExhaustedWithoutOutboundCall(t *testing.T) {
	f := newFixture(t, "a", "b")
	for _, id := range []string{"a", "b"} {
		if err := f.tracker.MarkExhausted(id); err != nil {
			t.Fatalf("mark exhausted %s: %v", id, err)
		}
	}

	calls := 0
	_, err := f.dispatcher.Dispatch(context.Background(), func(ctx context.Context, acc *models.Account) (*upstream.Result, error) {
		calls++
		return okResult(), nil
	})
	if !errors.Is(err, ErrQuotaExhausted) {
		t.Fatalf("expected ErrQuotaExhausted, got %v", err)
	}
	if calls != 0 {
		t.Fatalf("no outbound call may be issued, got %d", calls)
	}
}

func TestDispatch_FailsOverOnQuotaError(t *testing.T) {
	f := newFixture(t, "a", "b")

	callsPerAccount := map[string]int{}
	res, err := f.dispatcher.Dispatch(context.Background(), func(ctx context.Context, acc *models.Account) (*upstream.Result, error) {
		callsPerAccount[acc.ID]++
		if acc.ID == "a" {
			return quotaResult(), nil
		}
		return okResult(), nil
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if res.StatusCode != 200 {
		t.Fatalf("expected account b's success, got %d", res.StatusCode)
	}

	if callsPerAccount["a"] != 1 {
		t.Fatalf("account a must be tried exactly once, got %d", callsPerAccount["a"])
	}
	if callsPerAccount["b"] != 1 {
		t.Fatalf("account b must be tried exactly once, got %d", callsPerAccount["b"])
	}

	exhausted, err := f.tracker.IsExhausted("a")
	if err != nil {
		t.Fatalf("is exhausted: %v", err)
	}
	if !exhausted {
		t.Fatal("account a must be marked exhausted after the quota signal")
	}

	// Only the successful account's usage grows.
	counts, _ := f.tracker.Counts()
	if counts["b"] != 1 {
		t.Fatalf("expected b count 1, got %d", counts["b"])
	}
}

func TestDispatch_NoAccountTriedTwice(t *testing.T) {
	f := newFixture(t, "a", "b", "c")

	callsPerAccount := map[string]int{}
	_, err := f.dispatcher.Dispatch(context.Background(), func(ctx context.Context, acc *models.Account) (*upstream.Result, error) {
		callsPerAccount[acc.ID]++
		return quotaResult(), nil
	})
	if !errors.Is(err, ErrQuotaExhausted) {
		t.Fatalf("expected ErrQuotaExhausted, got %v", err)
	}
	for id, n := range callsPerAccount {
		if n != 1 {
			t.Fatalf("account %s tried %d times", id, n)
		}
	}
	if len(callsPerAccount) != 3 {
		t.Fatalf("expected all 3 accounts tried, got %d", len(callsPerAccount))
	}
}

func TestDispatch_NonQuotaErrorSurfacesImmediately(t *testing.T) {
	f := newFixture(t, "a", "b")

	calls := 0
	_, err := f.dispatcher.Dispatch(context.Background(), func(ctx context.Context, acc *models.Account) (*upstream.Result, error) {
		calls++
		return &upstream.Result{StatusCode: 500, Body: []byte(`{"error":"boom"}`)}, nil
	})

	var provErr *ProviderError
	if !errors.As(err, &provErr) {
		t.Fatalf("expected ProviderError, got %v", err)
	}
	if provErr.StatusCode != 500 {
		t.Fatalf("expected status 500, got %d", provErr.StatusCode)
	}
	if calls != 1 {
		t.Fatalf("non-quota errors must not rotate accounts, got %d calls", calls)
	}

	exhausted, _ := f.tracker.IsExhausted("a")
	if exhausted {
		t.Fatal("a server error must not exhaust the account")
	}
}

func TestDispatch_TimeoutSurfacesWithoutRotation(t *testing.T) {
	f := newFixture(t, "a", "b")

	calls := 0
	_, err := f.dispatcher.Dispatch(context.Background(), func(ctx context.Context, acc *models.Account) (*upstream.Result, error) {
		calls++
		return nil, context.DeadlineExceeded
	})
	if !errors.Is(err, ErrUpstreamTimeout) {
		t.Fatalf("expected ErrUpstreamTimeout, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("a timeout must not trigger rotation, got %d calls", calls)
	}

	exhausted, _ := f.tracker.IsExhausted("a")
	if exhausted {
		t.Fatal("a timeout must not exhaust the account")
	}
}

func TestDispatch_SkipsAccountWithRevokedGrant(t *testing.T) {
	f := newFixture(t, "a", "b")

	// Expire account a's token; the fake endpoint rejects its refresh with
	// invalid_grant, so dispatch must fail over to b.
	acc, err := f.store.Get("a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	acc.ExpiresAt = time.Now().Add(-time.Minute)
	if err := f.store.Upsert(acc); err != nil {
		t.Fatalf("expire account: %v", err)
	}

	var served []string
	res, err := f.dispatcher.Dispatch(context.Background(), func(ctx context.Context, acc *models.Account) (*upstream.Result, error) {
		served = append(served, acc.ID)
		return okResult(), nil
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if res.StatusCode != 200 {
		t.Fatalf("unexpected status %d", res.StatusCode)
	}
	if len(served) != 1 || served[0] != "b" {
		t.Fatalf("expected only account b to serve, got %v", served)
	}

	// The revoked account stays in the pool but is deactivated.
	stored, err := f.store.Get("a")
	if err != nil {
		t.Fatalf("account a must remain in the pool: %v", err)
	}
	if stored.IsActive {
		t.Fatal("account a must be deactivated until re-authentication")
	}
}

func TestDispatch_EventsFire(t *testing.T) {
	f := newFixture(t, "a", "b")

	var chosen []string
	var quotaHits []string
	f.dispatcher.events = &Events{
		AccountChosen: func(id string, n int) { chosen = append(chosen, id) },
		QuotaHit:      func(id string) { quotaHits = append(quotaHits, id) },
	}

	_, err := f.dispatcher.Dispatch(context.Background(), func(ctx context.Context, acc *models.Account) (*upstream.Result, error) {
		if acc.ID == "a" {
			return quotaResult(), nil
		}
		return okResult(), nil
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	if len(chosen) != 2 || chosen[0] != "a" || chosen[1] != "b" {
		t.Fatalf("unexpected chosen events: %v", chosen)
	}
	if len(quotaHits) != 1 || quotaHits[0] != "a" {
		t.Fatalf("unexpected quota events: %v", quotaHits)
	}
}
