package repository

import (
	"context"
	"time"

	"loom/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// LogBounds summarizes what the event log still holds for a conversation.
type LogBounds struct {
	MinSequence int64
	MaxSequence int64
	Count       int64
}

// EventLogRepository defines persistence for the per-conversation event log.
type EventLogRepository interface {
	Upsert(ctx context.Context, entry *models.EventLogEntry) error
	After(ctx context.Context, convID uint, afterSeq int64, limit int) ([]models.EventLogEntry, error)
	Recent(ctx context.Context, convID uint, limit int) ([]models.EventLogEntry, error)
	Bounds(ctx context.Context, convID uint) (LogBounds, error)
	LastSequence(ctx context.Context, convID uint) (int64, error)
	SequenceAtRank(ctx context.Context, convID uint, rank int) (int64, bool, error)
	DeleteCreatedBefore(ctx context.Context, convID uint, cutoff time.Time, batch int) (int64, error)
	DeleteSequencesBelow(ctx context.Context, convID uint, seq int64, batch int) (int64, error)
	Conversations(ctx context.Context) ([]uint, error)
}

type eventLogRepository struct {
	db *gorm.DB
}

// NewEventLogRepository creates a new event log repository
func NewEventLogRepository(db *gorm.DB) EventLogRepository {
	return &eventLogRepository{db: db}
}

// Upsert writes entry, replacing any row already stored at the same
// (conversation, sequence) so retries never duplicate.
func (r *eventLogRepository) Upsert(ctx context.Context, entry *models.EventLogEntry) error {
	defer trackQuery("upsert", "event_log_entries")()
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "conversation_id"}, {Name: "sequence"}},
		DoUpdates: clause.AssignmentColumns([]string{"event_id", "event_type", "payload", "root_id"}),
	}).Create(entry).Error
}

func (r *eventLogRepository) After(ctx context.Context, convID uint, afterSeq int64, limit int) ([]models.EventLogEntry, error) {
	defer trackQuery("select", "event_log_entries")()
	var entries []models.EventLogEntry
	err := r.db.WithContext(ctx).
		Where("conversation_id = ? AND sequence > ?", convID, afterSeq).
		Order("sequence ASC").
		Limit(limit).
		Find(&entries).Error
	return entries, err
}

// Recent returns the newest entries, newest first.
func (r *eventLogRepository) Recent(ctx context.Context, convID uint, limit int) ([]models.EventLogEntry, error) {
	defer trackQuery("select", "event_log_entries")()
	var entries []models.EventLogEntry
	err := r.db.WithContext(ctx).
		Where("conversation_id = ?", convID).
		Order("sequence DESC").
		Limit(limit).
		Find(&entries).Error
	return entries, err
}

func (r *eventLogRepository) Bounds(ctx context.Context, convID uint) (LogBounds, error) {
	var b LogBounds
	err := r.db.WithContext(ctx).Model(&models.EventLogEntry{}).
		Select("COALESCE(MIN(sequence), 0) AS min_sequence, COALESCE(MAX(sequence), 0) AS max_sequence, COUNT(*) AS count").
		Where("conversation_id = ?", convID).
		Scan(&b).Error
	return b, err
}

// LastSequence returns the last sequence handed out for the conversation, 0 if none.
func (r *eventLogRepository) LastSequence(ctx context.Context, convID uint) (int64, error) {
	var seq models.ConversationSequence
	err := r.db.WithContext(ctx).Where("conversation_id = ?", convID).Limit(1).Find(&seq).Error
	return seq.LastSequence, err
}

// SequenceAtRank returns the sequence of the rank-th newest entry (1-based).
func (r *eventLogRepository) SequenceAtRank(ctx context.Context, convID uint, rank int) (int64, bool, error) {
	var seqs []int64
	err := r.db.WithContext(ctx).Model(&models.EventLogEntry{}).
		Where("conversation_id = ?", convID).
		Order("sequence DESC").
		Offset(rank-1).
		Limit(1).
		Pluck("sequence", &seqs).Error
	if err != nil || len(seqs) == 0 {
		return 0, false, err
	}
	return seqs[0], true, nil
}

// DeleteCreatedBefore removes at most batch of the oldest entries created before cutoff.
func (r *eventLogRepository) DeleteCreatedBefore(ctx context.Context, convID uint, cutoff time.Time, batch int) (int64, error) {
	defer trackQuery("delete", "event_log_entries")()
	sub := r.db.Model(&models.EventLogEntry{}).
		Select("sequence").
		Where("conversation_id = ? AND created_at < ?", convID, cutoff).
		Order("sequence ASC").
		Limit(batch)
	res := r.db.WithContext(ctx).
		Where("conversation_id = ? AND sequence IN (?)", convID, sub).
		Delete(&models.EventLogEntry{})
	return res.RowsAffected, res.Error
}

// DeleteSequencesBelow removes at most batch of the oldest entries with sequence < seq.
func (r *eventLogRepository) DeleteSequencesBelow(ctx context.Context, convID uint, seq int64, batch int) (int64, error) {
	defer trackQuery("delete", "event_log_entries")()
	sub := r.db.Model(&models.EventLogEntry{}).
		Select("sequence").
		Where("conversation_id = ? AND sequence < ?", convID, seq).
		Order("sequence ASC").
		Limit(batch)
	res := r.db.WithContext(ctx).
		Where("conversation_id = ? AND sequence IN (?)", convID, sub).
		Delete(&models.EventLogEntry{})
	return res.RowsAffected, res.Error
}

// Conversations lists every conversation with at least one log entry.
func (r *eventLogRepository) Conversations(ctx context.Context) ([]uint, error) {
	var ids []uint
	err := r.db.WithContext(ctx).Model(&models.EventLogEntry{}).
		Distinct("conversation_id").
		Order("conversation_id ASC").
		Pluck("conversation_id", &ids).Error
	return ids, err
}
