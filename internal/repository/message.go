package repository

import (
	"context"
	"time"

	"loom/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// MessageRepository defines data access for the message tree and streamed chunks.
type MessageRepository interface {
	WithTx(tx *gorm.DB) MessageRepository
	Create(ctx context.Context, msg *models.Message) error
	Get(ctx context.Context, id int64) (*models.Message, error)
	GetForUpdate(ctx context.Context, id int64) (*models.Message, error)
	Subtree(ctx context.Context, rootID int64, afterPath string, limit int) ([]*models.Message, error)
	ListRoots(ctx context.Context, convID uint, beforeID int64, limit int) ([]*models.Message, error)
	UpdateContent(ctx context.Context, id int64, content string, editedBy uint, reason string, at time.Time) error
	SoftDelete(ctx context.Context, id int64, deletedBy uint, reason string, at time.Time) error
	Restore(ctx context.Context, id int64) error
	Complete(ctx context.Context, id int64, content string) error
	UpsertChunk(ctx context.Context, chunk *models.MessageChunk) error
	ListChunks(ctx context.Context, messageID int64) ([]models.MessageChunk, error)
	CountUnread(ctx context.Context, rootID int64, afterPath string, excludeAuthor uint) (int64, error)
}

type messageRepository struct {
	db *gorm.DB
}

// NewMessageRepository creates a new message repository
func NewMessageRepository(db *gorm.DB) MessageRepository {
	return &messageRepository{db: db}
}

func (r *messageRepository) WithTx(tx *gorm.DB) MessageRepository {
	return &messageRepository{db: tx}
}

func (r *messageRepository) Create(ctx context.Context, msg *models.Message) error {
	defer trackQuery("insert", "messages")()
	return r.db.WithContext(ctx).Create(msg).Error
}

// Get resolves a message by id, soft-deleted ones included.
func (r *messageRepository) Get(ctx context.Context, id int64) (*models.Message, error) {
	var msg models.Message
	if err := r.db.WithContext(ctx).Unscoped().First(&msg, id).Error; err != nil {
		return nil, err
	}
	return &msg, nil
}

// GetForUpdate is Get holding a row lock until the surrounding transaction ends.
func (r *messageRepository) GetForUpdate(ctx context.Context, id int64) (*models.Message, error) {
	var msg models.Message
	err := r.db.WithContext(ctx).Unscoped().
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&msg, id).Error
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// Subtree returns live messages of the thread whose path sorts after afterPath,
// in path order.
func (r *messageRepository) Subtree(ctx context.Context, rootID int64, afterPath string, limit int) ([]*models.Message, error) {
	defer trackQuery("select", "messages")()
	var msgs []*models.Message
	err := r.db.WithContext(ctx).
		Where("root_id = ? AND path > ?", rootID, afterPath).
		Order("path ASC").
		Limit(limit).
		Find(&msgs).Error
	return msgs, err
}

// ListRoots returns live thread roots of a conversation, newest first, with id < beforeID when set.
func (r *messageRepository) ListRoots(ctx context.Context, convID uint, beforeID int64, limit int) ([]*models.Message, error) {
	var msgs []*models.Message
	q := r.db.WithContext(ctx).Where("conversation_id = ? AND parent_id IS NULL", convID)
	if beforeID > 0 {
		q = q.Where("id < ?", beforeID)
	}
	err := q.Order("id DESC").Limit(limit).Find(&msgs).Error
	return msgs, err
}

func (r *messageRepository) UpdateContent(ctx context.Context, id int64, content string, editedBy uint, reason string, at time.Time) error {
	defer trackQuery("update", "messages")()
	return r.db.WithContext(ctx).Model(&models.Message{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"content":     content,
			"edited_at":   at,
			"edited_by":   editedBy,
			"edit_reason": reason,
		}).Error
}

func (r *messageRepository) SoftDelete(ctx context.Context, id int64, deletedBy uint, reason string, at time.Time) error {
	defer trackQuery("update", "messages")()
	return r.db.WithContext(ctx).Unscoped().Model(&models.Message{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"deleted_at":    at,
			"deleted_by":    deletedBy,
			"delete_reason": reason,
		}).Error
}

func (r *messageRepository) Restore(ctx context.Context, id int64) error {
	defer trackQuery("update", "messages")()
	return r.db.WithContext(ctx).Unscoped().Model(&models.Message{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"deleted_at":    nil,
			"deleted_by":    nil,
			"delete_reason": "",
		}).Error
}

// Complete stores the final content of a streamed message, soft-deleted or
// not, and marks it complete. A missing message is gorm.ErrRecordNotFound.
func (r *messageRepository) Complete(ctx context.Context, id int64, content string) error {
	defer trackQuery("update", "messages")()
	res := r.db.WithContext(ctx).Unscoped().Model(&models.Message{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"content": content,
			"status":  models.MessageStatusComplete,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// UpsertChunk stores chunk, overwriting any chunk already at (message, idx).
func (r *messageRepository) UpsertChunk(ctx context.Context, chunk *models.MessageChunk) error {
	defer trackQuery("upsert", "message_chunks")()
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "message_id"}, {Name: "idx"}},
		DoUpdates: clause.AssignmentColumns([]string{"content", "updated_at"}),
	}).Create(chunk).Error
}

func (r *messageRepository) ListChunks(ctx context.Context, messageID int64) ([]models.MessageChunk, error) {
	var chunks []models.MessageChunk
	err := r.db.WithContext(ctx).Where("message_id = ?", messageID).Order("idx ASC").Find(&chunks).Error
	return chunks, err
}

// CountUnread counts live messages in the thread after afterPath not written by excludeAuthor.
func (r *messageRepository) CountUnread(ctx context.Context, rootID int64, afterPath string, excludeAuthor uint) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&models.Message{}).
		Where("root_id = ? AND path > ? AND author_id <> ?", rootID, afterPath, excludeAuthor).
		Count(&n).Error
	return n, err
}
