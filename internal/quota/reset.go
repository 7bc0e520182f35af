package quota

import "time"

// UntilDailyReset returns the time remaining until the next UTC midnight,
// when every account's quota comes back.
func UntilDailyReset(now time.Time) time.Duration {
	now = now.UTC()
	next := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
	return next.Sub(now)
}
