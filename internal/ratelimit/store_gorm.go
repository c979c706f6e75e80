package ratelimit

import (
	"context"
	"time"

	"loom/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormStore keeps TATs in the rate_limit_states table. Each admission runs in
// one transaction holding a row lock on the bucket.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore creates a store over db.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// Admit implements Store.
func (s *GormStore) Admit(ctx context.Context, key BucketKey, now time.Time, limit Limit) (Decision, error) {
	var decision Decision
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Make sure the row exists so the lock below always has something to hold.
		seed := models.RateLimitState{
			UserID:         key.UserID,
			ConversationID: key.ConversationID,
			Bucket:         key.Bucket,
			LastSeenAt:     now,
		}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
			return err
		}

		var state models.RateLimitState
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("user_id = ? AND conversation_id = ? AND bucket = ?", key.UserID, key.ConversationID, key.Bucket).
			First(&state).Error; err != nil {
			return err
		}

		var tat time.Time
		if state.TAT != 0 {
			tat = time.Unix(0, state.TAT)
		}
		decision = GCRA(tat, now, limit)
		if !decision.Allowed {
			return nil
		}

		return tx.Model(&models.RateLimitState{}).
			Where("user_id = ? AND conversation_id = ? AND bucket = ?", key.UserID, key.ConversationID, key.Bucket).
			Updates(map[string]interface{}{
				"tat":          decision.TAT.UnixNano(),
				"last_seen_at": now,
			}).Error
	})
	if err != nil {
		return Decision{}, err
	}
	return decision, nil
}

// PurgeIdle deletes buckets whose TAT lies more than idle in the past. Such
// rows carry no state that GCRA would act on.
func (s *GormStore) PurgeIdle(ctx context.Context, now time.Time, idle time.Duration) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("tat < ?", now.Add(-idle).UnixNano()).
		Delete(&models.RateLimitState{})
	return res.RowsAffected, res.Error
}
