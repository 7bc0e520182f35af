package models

import "time"

// UsageRecord counts requests made by one account since the last UTC-midnight reset.
type UsageRecord struct {
	AccountID string `gorm:"primaryKey"`
	Count     int
	ResetAt   string // UTC date of the last reset, "2006-01-02"
	Exhausted bool   // provider signalled quota exceeded before Count reached the cap
	CreatedAt time.Time
	UpdatedAt time.Time
}
