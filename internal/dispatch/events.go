package dispatch

// Events receives rotation decisions as they happen. It is a side channel
// for progress display and stats; dispatch correctness never depends on it.
// A nil Events or nil field disables the corresponding hook.
type Events struct {
	// AccountChosen fires after an account is selected, with the request
	// number it is about to serve today.
	AccountChosen func(accountID string, todayCount int)

	// QuotaHit fires when the provider rejects an account for quota.
	QuotaHit func(accountID string)

	// AuthFailed fires when an account is skipped because its refresh
	// grant was revoked.
	AuthFailed func(accountID string)
}

func (e *Events) accountChosen(accountID string, todayCount int) {
	if e != nil && e.AccountChosen != nil {
		e.AccountChosen(accountID, todayCount)
	}
}

func (e *Events) quotaHit(accountID string) {
	if e != nil && e.QuotaHit != nil {
		e.QuotaHit(accountID)
	}
}

func (e *Events) authFailed(accountID string) {
	if e != nil && e.AuthFailed != nil {
		e.AuthFailed(accountID)
	}
}
