package database

import "loom/internal/models"

// PersistentModels returns the authoritative set of schema-managed GORM models.
func PersistentModels() []interface{} {
	return []interface{}{
		&models.Conversation{},
		&models.Participant{},
		&models.Invite{},
		&models.Message{},
		&models.MessageChunk{},
		&models.TypingState{},
		&models.Presence{},
		&models.ReadWatermark{},
		&models.RateLimitState{},
		&models.ConversationSequence{},
		&models.EventLogEntry{},
	}
}
