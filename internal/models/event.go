package models

import (
	"time"

	"gorm.io/datatypes"
)

// ConversationSequence is the authoritative per-conversation event counter.
type ConversationSequence struct {
	ConversationID uint  `gorm:"primaryKey;autoIncrement:false"`
	LastSequence   int64 `gorm:"not null;default:0"`
}

// EventLogEntry is one persisted event of a conversation's stream.
type EventLogEntry struct {
	ConversationID uint           `gorm:"primaryKey;autoIncrement:false;index:idx_event_log_created,priority:1" json:"conversation_id"`
	Sequence       int64          `gorm:"primaryKey;autoIncrement:false" json:"sequence"`
	EventID        string         `gorm:"size:96;not null" json:"event_id"`
	EventType      string         `gorm:"size:32;not null" json:"event_type"`
	Payload        datatypes.JSON `json:"payload"`
	RootID         *int64         `json:"root_id,omitempty,string"`
	CreatedAt      time.Time      `gorm:"not null;index:idx_event_log_created,priority:2" json:"created_at"`
}

// TableName returns the database table name for EventLogEntry.
func (EventLogEntry) TableName() string {
	return "event_log_entries"
}
