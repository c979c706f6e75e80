package models

import "time"

// TypingState marks a user as composing inside a thread until ExpiresAt.
// Rows are overwritten in place and never historized.
type TypingState struct {
	ConversationID uint      `gorm:"primaryKey;autoIncrement:false" json:"conversation_id"`
	RootID         int64     `gorm:"primaryKey;autoIncrement:false" json:"root_id,string"`
	UserID         uint      `gorm:"primaryKey;autoIncrement:false" json:"user_id"`
	ExpiresAt      time.Time `gorm:"not null;index" json:"expires_at"`
}

// PresenceStatus is a user's reachability.
type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceAway    PresenceStatus = "away"
	PresenceOffline PresenceStatus = "offline"
)

// Presence is the last known reachability of a user.
type Presence struct {
	UserID     uint           `gorm:"primaryKey;autoIncrement:false" json:"user_id"`
	Status     PresenceStatus `gorm:"size:16;not null" json:"status"`
	LastSeenAt time.Time      `gorm:"not null" json:"last_seen_at"`
}

// ReadWatermark is the highest path a user has read in one thread.
type ReadWatermark struct {
	ConversationID uint      `gorm:"primaryKey;autoIncrement:false" json:"conversation_id"`
	UserID         uint      `gorm:"primaryKey;autoIncrement:false" json:"user_id"`
	RootID         int64     `gorm:"primaryKey;autoIncrement:false" json:"root_id,string"`
	Path           string    `gorm:"size:1024;not null" json:"path"`
	UpdatedAt      time.Time `json:"updated_at"`
}
