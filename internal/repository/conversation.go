package repository

import (
	"context"
	"time"

	"loom/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ConversationRepository defines data access for conversations, participants and invites.
type ConversationRepository interface {
	WithTx(tx *gorm.DB) ConversationRepository
	Create(ctx context.Context, conv *models.Conversation) error
	Get(ctx context.Context, id uint) (*models.Conversation, error)
	Archive(ctx context.Context, id uint, at time.Time) error
	ListForUser(ctx context.Context, userID uint) ([]*models.Conversation, error)

	ActiveParticipant(ctx context.Context, convID, userID uint) (*models.Participant, error)
	ActiveParticipants(ctx context.Context, convID uint) ([]models.Participant, error)
	LockActiveParticipants(ctx context.Context, convID uint) ([]models.Participant, error)
	ActiveConversationIDs(ctx context.Context, userID uint) ([]uint, error)
	AddParticipant(ctx context.Context, p *models.Participant) error
	EndParticipation(ctx context.Context, participantID uint, at time.Time) error
	UpdateRole(ctx context.Context, participantID uint, role models.Role) error

	CreateInvite(ctx context.Context, inv *models.Invite) error
	GetInviteForUpdate(ctx context.Context, token string) (*models.Invite, error)
	MarkInviteAccepted(ctx context.Context, token string, userID uint, at time.Time) error
}

type conversationRepository struct {
	db *gorm.DB
}

// NewConversationRepository creates a new conversation repository
func NewConversationRepository(db *gorm.DB) ConversationRepository {
	return &conversationRepository{db: db}
}

func (r *conversationRepository) WithTx(tx *gorm.DB) ConversationRepository {
	return &conversationRepository{db: tx}
}

func (r *conversationRepository) Create(ctx context.Context, conv *models.Conversation) error {
	defer trackQuery("insert", "conversations")()
	return r.db.WithContext(ctx).Create(conv).Error
}

func (r *conversationRepository) Get(ctx context.Context, id uint) (*models.Conversation, error) {
	var conv models.Conversation
	if err := r.db.WithContext(ctx).First(&conv, id).Error; err != nil {
		return nil, err
	}
	return &conv, nil
}

func (r *conversationRepository) Archive(ctx context.Context, id uint, at time.Time) error {
	return r.db.WithContext(ctx).Model(&models.Conversation{}).Where("id = ?", id).Update("archived_at", at).Error
}

// ListForUser returns conversations the user is an active participant of, most recently updated first.
func (r *conversationRepository) ListForUser(ctx context.Context, userID uint) ([]*models.Conversation, error) {
	var convs []*models.Conversation
	err := r.db.WithContext(ctx).
		Joins("JOIN participants p ON conversations.id = p.conversation_id").
		Where("p.user_id = ? AND p.left_at IS NULL", userID).
		Order("conversations.updated_at DESC").
		Find(&convs).Error
	return convs, err
}

func (r *conversationRepository) ActiveParticipant(ctx context.Context, convID, userID uint) (*models.Participant, error) {
	var p models.Participant
	err := r.db.WithContext(ctx).
		Where("conversation_id = ? AND user_id = ? AND left_at IS NULL", convID, userID).
		First(&p).Error
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *conversationRepository) ActiveParticipants(ctx context.Context, convID uint) ([]models.Participant, error) {
	var ps []models.Participant
	err := r.db.WithContext(ctx).
		Where("conversation_id = ? AND left_at IS NULL", convID).
		Order("joined_at ASC").
		Find(&ps).Error
	return ps, err
}

// LockActiveParticipants is ActiveParticipants holding row locks, so that
// owner-count checks and the change they guard happen atomically.
func (r *conversationRepository) LockActiveParticipants(ctx context.Context, convID uint) ([]models.Participant, error) {
	var ps []models.Participant
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("conversation_id = ? AND left_at IS NULL", convID).
		Order("id ASC").
		Find(&ps).Error
	return ps, err
}

func (r *conversationRepository) ActiveConversationIDs(ctx context.Context, userID uint) ([]uint, error) {
	var ids []uint
	err := r.db.WithContext(ctx).Model(&models.Participant{}).
		Where("user_id = ? AND left_at IS NULL", userID).
		Order("conversation_id ASC").
		Pluck("conversation_id", &ids).Error
	return ids, err
}

func (r *conversationRepository) AddParticipant(ctx context.Context, p *models.Participant) error {
	defer trackQuery("insert", "participants")()
	return r.db.WithContext(ctx).Create(p).Error
}

func (r *conversationRepository) EndParticipation(ctx context.Context, participantID uint, at time.Time) error {
	return r.db.WithContext(ctx).Model(&models.Participant{}).
		Where("id = ? AND left_at IS NULL", participantID).
		Update("left_at", at).Error
}

func (r *conversationRepository) UpdateRole(ctx context.Context, participantID uint, role models.Role) error {
	return r.db.WithContext(ctx).Model(&models.Participant{}).
		Where("id = ?", participantID).
		Update("role", role).Error
}

func (r *conversationRepository) CreateInvite(ctx context.Context, inv *models.Invite) error {
	return r.db.WithContext(ctx).Create(inv).Error
}

func (r *conversationRepository) GetInviteForUpdate(ctx context.Context, token string) (*models.Invite, error) {
	var inv models.Invite
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("token = ?", token).
		First(&inv).Error
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

func (r *conversationRepository) MarkInviteAccepted(ctx context.Context, token string, userID uint, at time.Time) error {
	return r.db.WithContext(ctx).Model(&models.Invite{}).
		Where("token = ?", token).
		Updates(map[string]interface{}{"accepted_by": userID, "accepted_at": at}).Error
}
