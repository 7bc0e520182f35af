package token

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/pysugar/qwen-nexus/internal/db"
	"github.com/pysugar/qwen-nexus/internal/db/models"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

// ErrAuthExpired means the refresh token itself was rejected. The account is
// unusable until the operator re-authenticates it via the device flow.
var ErrAuthExpired = errors.New("refresh token rejected, account requires re-authentication")

// DefaultRefreshBuffer is how close to expiry a token is refreshed before use.
const DefaultRefreshBuffer = 30 * time.Second

// DefaultRefreshTimeout bounds one refresh call against the token endpoint.
const DefaultRefreshTimeout = 30 * time.Second

// Manager handles token lifecycle including refresh before expiry.
type Manager struct {
	store   *db.Store
	cfg     *oauth2.Config
	buffer  time.Duration
	timeout time.Duration
	group   singleflight.Group
	now     func() time.Time
}

// NewManager creates a token manager refreshing through the given OAuth
// config. Every refresh call is bounded by timeout so a hung token endpoint
// cannot stall the request being served.
func NewManager(store *db.Store, cfg *oauth2.Config, buffer, timeout time.Duration) *Manager {
	if buffer <= 0 {
		buffer = DefaultRefreshBuffer
	}
	if timeout <= 0 {
		timeout = DefaultRefreshTimeout
	}
	return &Manager{
		store:   store,
		cfg:     cfg,
		buffer:  buffer,
		timeout: timeout,
		now:     time.Now,
	}
}

// EnsureValid returns the account with an access token guaranteed to outlive
// the refresh buffer, refreshing it first when needed. Concurrent callers for
// the same account share a single refresh call.
func (m *Manager) EnsureValid(ctx context.Context, accountID string) (*models.Account, error) {
	acc, err := m.store.Get(accountID)
	if err != nil {
		return nil, err
	}
	if !acc.IsActive {
		return nil, fmt.Errorf("account %s: %w", accountID, ErrAuthExpired)
	}
	if m.valid(acc) {
		return acc, nil
	}

	log.Printf("⚠️ Token for %s is expired/expiring, refreshing...", accountID)
	v, err, _ := m.group.Do(accountID, func() (interface{}, error) {
		return m.refresh(ctx, accountID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.Account), nil
}

// ForceRefresh refreshes the account's token regardless of its expiry.
func (m *Manager) ForceRefresh(ctx context.Context, accountID string) (*models.Account, error) {
	v, err, _ := m.group.Do(accountID, func() (interface{}, error) {
		return m.refreshAccount(ctx, accountID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.Account), nil
}

func (m *Manager) valid(acc *models.Account) bool {
	return acc.ExpiresAt.After(m.now().Add(m.buffer))
}

// refresh re-reads the account first: another request may have refreshed it
// while this caller waited on the flight.
func (m *Manager) refresh(ctx context.Context, accountID string) (*models.Account, error) {
	acc, err := m.store.Get(accountID)
	if err != nil {
		return nil, err
	}
	if m.valid(acc) {
		return acc, nil
	}
	return m.doRefresh(ctx, acc)
}

func (m *Manager) refreshAccount(ctx context.Context, accountID string) (*models.Account, error) {
	acc, err := m.store.Get(accountID)
	if err != nil {
		return nil, err
	}
	return m.doRefresh(ctx, acc)
}

func (m *Manager) doRefresh(ctx context.Context, acc *models.Account) (*models.Account, error) {
	if acc.RefreshToken == "" {
		return nil, fmt.Errorf("account %s has no refresh token: %w", acc.ID, ErrAuthExpired)
	}

	// The inbound request context carries no deadline of its own; a timeout
	// here keeps a stalled token endpoint from hanging the proxied request.
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	tokenSource := m.cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: acc.RefreshToken})
	newToken, err := tokenSource.Token()
	if err != nil {
		if isPermanentRefreshError(err) {
			// Permanent auth failures deactivate the account until re-login.
			acc.IsActive = false
			if saveErr := m.store.Upsert(acc); saveErr != nil {
				log.Printf("⚠️ Failed to deactivate account %s: %v", acc.ID, saveErr)
			}
			log.Printf("🔒 Account %s marked as inactive. Please re-login.", acc.ID)
			return nil, fmt.Errorf("account %s: %w", acc.ID, ErrAuthExpired)
		}
		// Transient failure: keep account active, surface to the caller.
		return nil, fmt.Errorf("token refresh for %s: %w", acc.ID, err)
	}

	acc.AccessToken = newToken.AccessToken
	acc.ExpiresAt = newToken.Expiry
	acc.LastUsedAt = m.now()
	acc.IsActive = true
	// Persist rotated refresh token if provided (RFC 6749 compliance)
	if newToken.RefreshToken != "" && newToken.RefreshToken != acc.RefreshToken {
		log.Printf("🔄 Rotating refresh token for: %s", acc.ID)
		acc.RefreshToken = newToken.RefreshToken
	}
	// Qwen grants may relocate the account to a new API endpoint.
	if ru, ok := newToken.Extra("resource_url").(string); ok && ru != "" {
		acc.ResourceURL = ru
	}
	if err := m.store.Upsert(acc); err != nil {
		return nil, fmt.Errorf("save refreshed token: %w", err)
	}

	log.Printf("✅ Refreshed token for: %s (expires: %s)", acc.ID, newToken.Expiry.Format(time.RFC3339))
	return acc, nil
}

func isPermanentRefreshError(err error) bool {
	if err == nil {
		return false
	}
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		switch retrieveErr.ErrorCode {
		case "invalid_grant", "invalid_client", "unauthorized_client":
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	permanentMarkers := []string{
		"invalid_grant",
		"invalid_client",
		"unauthorized_client",
		"token has been expired or revoked",
		"revoked",
	}
	for _, marker := range permanentMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
