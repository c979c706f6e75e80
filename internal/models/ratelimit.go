package models

import "time"

// RateLimitState is the complete GCRA state for one admission key.
type RateLimitState struct {
	UserID         uint      `gorm:"primaryKey;autoIncrement:false"`
	ConversationID uint      `gorm:"primaryKey;autoIncrement:false"`
	Bucket         string    `gorm:"primaryKey;size:64"`
	TAT            int64     `gorm:"column:tat;not null"` // unix nanoseconds
	LastSeenAt     time.Time `gorm:"not null"`
}

// TableName returns the database table name for RateLimitState.
func (RateLimitState) TableName() string {
	return "rate_limit_states"
}
