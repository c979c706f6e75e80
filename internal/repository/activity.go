package repository

import (
	"context"
	"time"

	"loom/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ActivityRepository defines data access for typing, presence and read watermarks.
type ActivityRepository interface {
	UpsertTyping(ctx context.Context, state *models.TypingState) error
	ClearTyping(ctx context.Context, convID uint, rootID int64, userID uint) error
	ActiveTyping(ctx context.Context, convID uint, rootID int64, now time.Time) ([]models.TypingState, error)
	PurgeExpiredTyping(ctx context.Context, now time.Time) (int64, error)

	UpsertPresence(ctx context.Context, p *models.Presence) error
	ListPresence(ctx context.Context, userIDs []uint) ([]models.Presence, error)

	AdvanceWatermark(ctx context.Context, w *models.ReadWatermark) error
	GetWatermark(ctx context.Context, convID, userID uint, rootID int64) (*models.ReadWatermark, error)
}

type activityRepository struct {
	db *gorm.DB
}

// NewActivityRepository creates a new activity repository
func NewActivityRepository(db *gorm.DB) ActivityRepository {
	return &activityRepository{db: db}
}

// UpsertTyping records or refreshes the user's typing indicator in place.
func (r *activityRepository) UpsertTyping(ctx context.Context, state *models.TypingState) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "conversation_id"}, {Name: "root_id"}, {Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"expires_at"}),
	}).Create(state).Error
}

func (r *activityRepository) ClearTyping(ctx context.Context, convID uint, rootID int64, userID uint) error {
	return r.db.WithContext(ctx).
		Where("conversation_id = ? AND root_id = ? AND user_id = ?", convID, rootID, userID).
		Delete(&models.TypingState{}).Error
}

func (r *activityRepository) ActiveTyping(ctx context.Context, convID uint, rootID int64, now time.Time) ([]models.TypingState, error) {
	var states []models.TypingState
	err := r.db.WithContext(ctx).
		Where("conversation_id = ? AND root_id = ? AND expires_at > ?", convID, rootID, now).
		Order("user_id ASC").
		Find(&states).Error
	return states, err
}

func (r *activityRepository) PurgeExpiredTyping(ctx context.Context, now time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Where("expires_at <= ?", now).Delete(&models.TypingState{})
	return res.RowsAffected, res.Error
}

func (r *activityRepository) UpsertPresence(ctx context.Context, p *models.Presence) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "last_seen_at"}),
	}).Create(p).Error
}

func (r *activityRepository) ListPresence(ctx context.Context, userIDs []uint) ([]models.Presence, error) {
	var out []models.Presence
	if len(userIDs) == 0 {
		return out, nil
	}
	err := r.db.WithContext(ctx).Where("user_id IN ?", userIDs).Order("user_id ASC").Find(&out).Error
	return out, err
}

// AdvanceWatermark stores w unless the stored watermark is already at or past w.Path.
func (r *activityRepository) AdvanceWatermark(ctx context.Context, w *models.ReadWatermark) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "conversation_id"}, {Name: "user_id"}, {Name: "root_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"path", "updated_at"}),
		Where: clause.Where{Exprs: []clause.Expression{
			clause.Expr{SQL: "read_watermarks.path < excluded.path"},
		}},
	}).Create(w).Error
}

func (r *activityRepository) GetWatermark(ctx context.Context, convID, userID uint, rootID int64) (*models.ReadWatermark, error) {
	var w models.ReadWatermark
	err := r.db.WithContext(ctx).
		Where("conversation_id = ? AND user_id = ? AND root_id = ?", convID, userID, rootID).
		First(&w).Error
	if err != nil {
		return nil, err
	}
	return &w, nil
}
