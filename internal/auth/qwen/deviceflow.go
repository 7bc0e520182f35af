package qwen

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/pysugar/qwen-nexus/internal/db"
	"github.com/pysugar/qwen-nexus/internal/db/models"
	"golang.org/x/oauth2"
)

// FlowState tracks the device-authorization state machine.
type FlowState int

const (
	StateNotStarted FlowState = iota
	StatePending
	StateCompleted
	StateExpired
	StateDenied
)

// PollStatus is the outcome of a single token-endpoint poll.
type PollStatus int

const (
	PollPending PollStatus = iota
	PollCompleted
	PollExpired
	PollDenied
)

// PollResult carries the poll outcome. Interval is how long the caller must
// wait before polling again; the provider bumps it via slow_down responses.
type PollResult struct {
	Status   PollStatus
	Interval time.Duration
	Account  *models.Account // set when Status == PollCompleted
}

const (
	deviceGrantType = "urn:ietf:params:oauth:grant-type:device_code"
	minPollInterval = 5 * time.Second
	maxPollInterval = 10 * time.Second

	// defaultAuthTimeout bounds one call against the provider's OAuth
	// endpoints when no timeout is configured.
	defaultAuthTimeout = 30 * time.Second
)

// Flow runs one device-authorization grant for one account. A completed,
// expired or denied flow is inert; start a fresh Flow to authenticate again.
type Flow struct {
	store     *db.Store
	cfg       *oauth2.Config
	client    *http.Client
	accountID string
	now       func() time.Time

	mu         sync.Mutex
	state      FlowState
	verifier   string
	deviceCode string
	interval   time.Duration
	deadline   time.Time
}

// NewFlow creates a device flow that stores its credentials under accountID.
// Each call against the provider is bounded by timeout; zero means
// defaultAuthTimeout.
func NewFlow(store *db.Store, cfg *oauth2.Config, accountID string, timeout time.Duration) *Flow {
	if timeout <= 0 {
		timeout = defaultAuthTimeout
	}
	return &Flow{
		store:     store,
		cfg:       cfg,
		client:    &http.Client{Timeout: timeout},
		accountID: accountID,
		now:       time.Now,
	}
}

// Initiate requests a device code from the provider and enters StatePending.
// The returned response carries the verification URI and user code to show
// the operator.
func (f *Flow) Initiate(ctx context.Context) (*oauth2.DeviceAuthResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.state != StateNotStarted {
		return nil, fmt.Errorf("device flow already started")
	}

	f.verifier = oauth2.GenerateVerifier()
	// Route the device-code call through the flow's bounded client.
	ctx = context.WithValue(ctx, oauth2.HTTPClient, f.client)
	resp, err := f.cfg.DeviceAuth(ctx, oauth2.S256ChallengeOption(f.verifier))
	if err != nil {
		return nil, fmt.Errorf("device authorization: %w", err)
	}

	f.deviceCode = resp.DeviceCode
	f.interval = time.Duration(resp.Interval) * time.Second
	if f.interval < minPollInterval {
		f.interval = minPollInterval
	}
	f.deadline = resp.Expiry
	if f.deadline.IsZero() {
		f.deadline = f.now().Add(5 * time.Minute)
	}
	f.state = StatePending

	return resp, nil
}

// Poll performs one token-endpoint attempt. The caller is expected to wait at
// least the returned Interval between calls; the provider answers over-eager
// polling with slow_down, which bumps the interval instead of retrying here.
func (f *Flow) Poll(ctx context.Context) (*PollResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch f.state {
	case StatePending:
	case StateExpired:
		return &PollResult{Status: PollExpired}, nil
	case StateDenied:
		return &PollResult{Status: PollDenied}, nil
	default:
		return nil, fmt.Errorf("device flow is not pending")
	}

	if f.now().After(f.deadline) {
		f.state = StateExpired
		return &PollResult{Status: PollExpired}, nil
	}

	form := url.Values{
		"grant_type":    {deviceGrantType},
		"client_id":     {f.cfg.ClientID},
		"device_code":   {f.deviceCode},
		"code_verifier": {f.verifier},
		"client":        {"qwen-code"},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.cfg.Endpoint.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("device token poll: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("device token poll: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return f.handlePollError(resp.StatusCode, body)
	}

	var token struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ResourceURL  string `json:"resource_url"`
		Endpoint     string `json:"endpoint"`
		ExpiresIn    int    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &token); err != nil {
		return nil, fmt.Errorf("device token poll: invalid response: %w", err)
	}
	if token.AccessToken == "" {
		return nil, fmt.Errorf("device token poll: response carried no access token")
	}

	resourceURL := token.ResourceURL
	if resourceURL == "" {
		resourceURL = token.Endpoint
	}

	acc := &models.Account{
		ID:           f.accountID,
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ResourceURL:  resourceURL,
		ExpiresAt:    f.now().Add(time.Duration(token.ExpiresIn) * time.Second),
		IsActive:     true,
	}
	if err := f.store.Upsert(acc); err != nil {
		return nil, fmt.Errorf("store account: %w", err)
	}

	f.state = StateCompleted
	log.Printf("✅ Account %s authenticated", f.accountID)
	return &PollResult{Status: PollCompleted, Account: acc}, nil
}

// handlePollError maps RFC 8628 polling responses onto flow transitions.
func (f *Flow) handlePollError(status int, body []byte) (*PollResult, error) {
	var oauthErr struct {
		Error       string `json:"error"`
		Description string `json:"error_description"`
	}
	_ = json.Unmarshal(body, &oauthErr)

	switch oauthErr.Error {
	case "authorization_pending":
		return &PollResult{Status: PollPending, Interval: f.interval}, nil
	case "slow_down":
		f.interval = f.interval * 3 / 2
		if f.interval > maxPollInterval {
			f.interval = maxPollInterval
		}
		log.Printf("⏳ Provider asked to slow down, poll interval now %s", f.interval)
		return &PollResult{Status: PollPending, Interval: f.interval}, nil
	case "expired_token":
		f.state = StateExpired
		return &PollResult{Status: PollExpired}, nil
	case "access_denied":
		f.state = StateDenied
		return &PollResult{Status: PollDenied}, nil
	}

	if oauthErr.Error != "" {
		return nil, fmt.Errorf("device token poll: %s - %s", oauthErr.Error, oauthErr.Description)
	}
	return nil, fmt.Errorf("device token poll: unexpected status %d", status)
}

// State returns the current flow state.
func (f *Flow) State() FlowState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}
