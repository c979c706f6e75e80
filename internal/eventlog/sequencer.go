package eventlog

import (
	"context"
	"fmt"

	"gorm.io/gorm"
)

// nextSequenceSQL bumps the conversation's counter and returns the new value
// in one statement; the row lock taken by the upsert serializes concurrent callers.
const nextSequenceSQL = `INSERT INTO conversation_sequences (conversation_id, last_sequence) VALUES (?, 1)
ON CONFLICT (conversation_id) DO UPDATE SET last_sequence = conversation_sequences.last_sequence + 1
RETURNING last_sequence`

// Sequencer hands out gap-free, strictly increasing sequence numbers per conversation.
type Sequencer struct {
	db *gorm.DB
}

// NewSequencer creates a Sequencer backed by the conversation_sequences table.
func NewSequencer(db *gorm.DB) *Sequencer {
	return &Sequencer{db: db}
}

// Next assigns the next sequence for convID.
func (s *Sequencer) Next(ctx context.Context, convID uint) (int64, error) {
	var seq int64
	if err := s.db.WithContext(ctx).Raw(nextSequenceSQL, convID).Scan(&seq).Error; err != nil {
		return 0, fmt.Errorf("next sequence for conversation %d: %w", convID, err)
	}
	if seq <= 0 {
		return 0, fmt.Errorf("next sequence for conversation %d: no value returned", convID)
	}
	return seq, nil
}

// Current returns the last sequence issued for convID, 0 if none.
func (s *Sequencer) Current(ctx context.Context, convID uint) (int64, error) {
	var seq int64
	err := s.db.WithContext(ctx).
		Raw("SELECT COALESCE(MAX(last_sequence), 0) FROM conversation_sequences WHERE conversation_id = ?", convID).
		Scan(&seq).Error
	return seq, err
}
