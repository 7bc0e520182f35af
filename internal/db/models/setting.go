package models

import "time"

// Setting stores application configuration like the proxy API key
type Setting struct {
	Key       string `gorm:"primaryKey"` // Setting key name
	Value     string // Setting value
	CreatedAt time.Time
	UpdatedAt time.Time
}
