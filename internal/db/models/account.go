package models

import "time"

// Account stores one set of Qwen OAuth credentials with its own daily quota.
type Account struct {
	ID           string `gorm:"primaryKey"` // operator-chosen name, stable across restarts
	AccessToken  string
	RefreshToken string
	ResourceURL  string // per-account API endpoint returned by the token grant
	ExpiresAt    time.Time
	LastUsedAt   time.Time
	IsActive     bool `gorm:"default:true"` // false once the refresh grant is revoked
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
