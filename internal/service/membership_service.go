package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"loom/internal/cache"
	"loom/internal/models"
	"loom/internal/observability"
	"loom/internal/ratelimit"
	"loom/internal/realtime"
	"loom/internal/repository"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// DefaultInviteTTL is how long an invite stays valid when no TTL is given.
const DefaultInviteTTL = 7 * 24 * time.Hour

// Membership change actions.
const (
	MembershipJoined      = "joined"
	MembershipRemoved     = "removed"
	MembershipLeft        = "left"
	MembershipRoleChanged = "role_changed"
	MembershipArchived    = "archived"
)

// MembershipPayload is the body of membership.changed events.
type MembershipPayload struct {
	Action  string      `json:"action"`
	UserID  uint        `json:"user_id,omitempty"`
	Role    models.Role `json:"role,omitempty"`
	ActorID uint        `json:"actor_id"`
}

// CreateConversationInput is the input for starting a conversation.
type CreateConversationInput struct {
	CreatorID uint
	Title     string
	IsGroup   bool
	MemberIDs []uint
}

// MembershipService manages conversations and who belongs to them.
type MembershipService struct {
	db      *gorm.DB
	convs   repository.ConversationRepository
	gate    Gate
	streams StreamCloser
	access  access
	emitter emitter
	now     func() time.Time
}

// NewMembershipService returns a new MembershipService. gate, events, streams and roles may be nil.
func NewMembershipService(
	db *gorm.DB,
	convs repository.ConversationRepository,
	gate Gate,
	events Publisher,
	streams StreamCloser,
	roles *cache.RoleCache,
) *MembershipService {
	return &MembershipService{
		db:      db,
		convs:   convs,
		gate:    gate,
		streams: streams,
		access:  access{convs: convs, roles: roles},
		emitter: emitter{events: events},
		now:     time.Now,
	}
}

// CreateConversation creates a conversation owned by its creator. Direct
// conversations hold exactly one other member; groups need a title.
func (s *MembershipService) CreateConversation(ctx context.Context, in CreateConversationInput) (*models.Conversation, error) {
	if in.CreatorID == 0 {
		return nil, models.NewSessionRequiredError()
	}
	in.Title = strings.TrimSpace(in.Title)
	if len(in.Title) > 255 {
		return nil, models.NewValidationError("Title too long (max 255 characters)")
	}
	members := uniqueMembers(in.CreatorID, in.MemberIDs)
	if in.IsGroup && in.Title == "" {
		return nil, models.NewValidationError("Group conversations require a title")
	}
	if !in.IsGroup && len(members) != 1 {
		return nil, models.NewValidationError("Direct conversations require exactly one other participant")
	}

	conv := &models.Conversation{Title: in.Title, IsGroup: in.IsGroup, CreatedBy: in.CreatorID}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		convs := s.convs.WithTx(tx)
		if err := convs.Create(ctx, conv); err != nil {
			return err
		}
		joined := s.now().UTC()
		if err := convs.AddParticipant(ctx, &models.Participant{
			ConversationID: conv.ID, UserID: in.CreatorID, Role: models.RoleOwner, JoinedAt: joined,
		}); err != nil {
			return err
		}
		for _, id := range members {
			if err := convs.AddParticipant(ctx, &models.Participant{
				ConversationID: conv.ID, UserID: id, Role: models.RoleMember, JoinedAt: joined,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	observability.GlobalLogger.InfoContext(ctx, "conversation created",
		"conversation_id", conv.ID, "created_by", in.CreatorID, "members", len(members)+1)
	return conv, nil
}

func uniqueMembers(creator uint, ids []uint) []uint {
	seen := map[uint]bool{creator: true}
	out := make([]uint, 0, len(ids))
	for _, id := range ids {
		if id == 0 || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// GetConversation returns the conversation with its active participants.
func (s *MembershipService) GetConversation(ctx context.Context, convID, actorID uint) (*models.Conversation, error) {
	if _, err := s.access.role(ctx, convID, actorID); err != nil {
		return nil, err
	}
	conv, err := s.convs.Get(ctx, convID)
	if err != nil {
		return nil, notFound(err, "Conversation", convID)
	}
	conv.Participants, err = s.convs.ActiveParticipants(ctx, convID)
	if err != nil {
		return nil, err
	}
	return conv, nil
}

// ListConversations returns the conversations the user currently belongs to.
func (s *MembershipService) ListConversations(ctx context.Context, userID uint) ([]*models.Conversation, error) {
	if userID == 0 {
		return nil, models.NewSessionRequiredError()
	}
	return s.convs.ListForUser(ctx, userID)
}

// Role returns the actor's role in a conversation.
func (s *MembershipService) Role(ctx context.Context, convID, actorID uint) (models.Role, error) {
	return s.access.role(ctx, convID, actorID)
}

// ArchiveConversation stops a conversation from accepting writes. Owner only.
func (s *MembershipService) ArchiveConversation(ctx context.Context, convID, actorID uint) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		convs := s.convs.WithTx(tx)
		conv, err := convs.Get(ctx, convID)
		if err != nil {
			return notFound(err, "Conversation", convID)
		}
		actor, err := participant(ctx, convs, convID, actorID)
		if err != nil {
			return err
		}
		if actor.Role != models.RoleOwner {
			return models.NewNotAuthorizedError("Only owners can archive a conversation")
		}
		if conv.Archived() {
			return models.NewConflictError("Conversation is already archived")
		}
		return convs.Archive(ctx, convID, s.now().UTC())
	})
	if err != nil {
		return err
	}
	s.emitMembership(ctx, convID, MembershipPayload{Action: MembershipArchived, ActorID: actorID})
	return nil
}

// AddMember adds userID with role. Only moderators add members and only
// owners grant ownership.
func (s *MembershipService) AddMember(ctx context.Context, convID, actorID, userID uint, role models.Role) (*models.Participant, error) {
	if role == "" {
		role = models.RoleMember
	}
	if !role.Valid() {
		return nil, models.NewValidationError("Unknown participant role")
	}
	if userID == 0 {
		return nil, models.NewValidationError("user_id is required")
	}
	if actorID == 0 {
		return nil, models.NewSessionRequiredError()
	}
	canAdd := func(convs repository.ConversationRepository) error {
		actor, err := requireModerator(ctx, convs, convID, actorID, "Only owners and admins can add members")
		if err != nil {
			return err
		}
		if role == models.RoleOwner && actor.Role != models.RoleOwner {
			return models.NewNotAuthorizedError("Only owners can grant ownership")
		}
		return notParticipant(ctx, convs, convID, userID)
	}
	if err := canAdd(s.convs); err != nil {
		return nil, err
	}
	if err := admit(ctx, s.gate, actorID, convID, ratelimit.OpMembership); err != nil {
		return nil, err
	}

	var added *models.Participant
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		convs := s.convs.WithTx(tx)
		if err := canAdd(convs); err != nil {
			return err
		}
		var err error
		added, err = s.join(ctx, convs, convID, userID, role)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.access.forget(convID, userID)
	s.emitMembership(ctx, convID, MembershipPayload{Action: MembershipJoined, UserID: userID, Role: role, ActorID: actorID})
	return added, nil
}

// requireModerator checks that convID is open and actorID moderates it.
// Membership writes run it before spending rate-limit budget and again inside
// their transaction.
func requireModerator(ctx context.Context, convs repository.ConversationRepository, convID, actorID uint, denied string) (*models.Participant, error) {
	if _, err := openConversation(ctx, convs, convID); err != nil {
		return nil, err
	}
	actor, err := participant(ctx, convs, convID, actorID)
	if err != nil {
		return nil, err
	}
	if !actor.Role.CanModerate() {
		return nil, models.NewNotAuthorizedError(denied)
	}
	return actor, nil
}

func notParticipant(ctx context.Context, convs repository.ConversationRepository, convID, userID uint) error {
	_, err := convs.ActiveParticipant(ctx, convID, userID)
	if err == nil {
		return models.NewConflictError("User is already a participant")
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	return nil
}

func (s *MembershipService) join(ctx context.Context, convs repository.ConversationRepository, convID, userID uint, role models.Role) (*models.Participant, error) {
	if err := notParticipant(ctx, convs, convID, userID); err != nil {
		return nil, err
	}
	p := &models.Participant{ConversationID: convID, UserID: userID, Role: role, JoinedAt: s.now().UTC()}
	if err := convs.AddParticipant(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// RemoveMember ends userID's membership. Admins cannot remove owners, and the
// last owner cannot be removed. The user's live streams are closed.
func (s *MembershipService) RemoveMember(ctx context.Context, convID, actorID, userID uint) error {
	if actorID == 0 {
		return models.NewSessionRequiredError()
	}
	if actorID == userID {
		return s.Leave(ctx, convID, userID)
	}
	ps, err := s.convs.ActiveParticipants(ctx, convID)
	if err != nil {
		return err
	}
	if _, err := removal(ps, actorID, userID); err != nil {
		return err
	}
	if err := admit(ctx, s.gate, actorID, convID, ratelimit.OpMembership); err != nil {
		return err
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.end(ctx, s.convs.WithTx(tx), convID, actorID, userID)
	})
	if err != nil {
		return err
	}
	s.ended(ctx, convID, userID, MembershipPayload{Action: MembershipRemoved, UserID: userID, ActorID: actorID})
	return nil
}

// Leave ends the caller's own membership. The last owner cannot leave.
func (s *MembershipService) Leave(ctx context.Context, convID, userID uint) error {
	if userID == 0 {
		return models.NewSessionRequiredError()
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.end(ctx, s.convs.WithTx(tx), convID, userID, userID)
	})
	if err != nil {
		return err
	}
	s.ended(ctx, convID, userID, MembershipPayload{Action: MembershipLeft, UserID: userID, ActorID: userID})
	return nil
}

// removal validates actorID ending userID's membership against the active
// participants ps and returns the participant to end. actorID == userID is
// leaving.
func removal(ps []models.Participant, actorID, userID uint) (*models.Participant, error) {
	if actorID != userID {
		actor := findParticipant(ps, actorID)
		if actor == nil {
			return nil, models.NewNotAuthorizedError("You are not a participant in this conversation")
		}
		if !actor.Role.CanModerate() {
			return nil, models.NewNotAuthorizedError("Only owners and admins can remove members")
		}
		if target := findParticipant(ps, userID); target != nil && target.Role == models.RoleOwner && actor.Role != models.RoleOwner {
			return nil, models.NewNotAuthorizedError("Only owners can remove an owner")
		}
	}
	target := findParticipant(ps, userID)
	if target == nil {
		return nil, models.NewNotFoundError("Participant", userID)
	}
	if target.Role == models.RoleOwner && countOwners(ps) == 1 {
		return nil, models.NewConflictError("Cannot remove the last owner")
	}
	return target, nil
}

// end closes userID's membership period. The participant rows are locked so
// the owner count cannot change underneath.
func (s *MembershipService) end(ctx context.Context, convs repository.ConversationRepository, convID, actorID, userID uint) error {
	ps, err := convs.LockActiveParticipants(ctx, convID)
	if err != nil {
		return err
	}
	target, err := removal(ps, actorID, userID)
	if err != nil {
		return err
	}
	return convs.EndParticipation(ctx, target.ID, s.now().UTC())
}

func (s *MembershipService) ended(ctx context.Context, convID, userID uint, payload MembershipPayload) {
	s.access.forget(convID, userID)
	if s.streams != nil {
		if n := s.streams.CloseUser(convID, userID); n > 0 {
			observability.GlobalLogger.InfoContext(ctx, "closed streams of departed participant",
				"conversation_id", convID, "user_id", userID, "streams", n)
		}
	}
	s.emitMembership(ctx, convID, payload)
}

// ChangeRole sets userID's role. Owners are the only ones who grant, revoke
// or change ownership; the last owner cannot be demoted.
func (s *MembershipService) ChangeRole(ctx context.Context, convID, actorID, userID uint, role models.Role) (*models.Participant, error) {
	if !role.Valid() {
		return nil, models.NewValidationError("Unknown participant role")
	}
	if actorID == 0 {
		return nil, models.NewSessionRequiredError()
	}
	if _, err := openConversation(ctx, s.convs, convID); err != nil {
		return nil, err
	}
	ps, err := s.convs.ActiveParticipants(ctx, convID)
	if err != nil {
		return nil, err
	}
	if _, err := roleChange(ps, actorID, userID, role); err != nil {
		return nil, err
	}
	if err := admit(ctx, s.gate, actorID, convID, ratelimit.OpMembership); err != nil {
		return nil, err
	}

	var target *models.Participant
	changed := false
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		convs := s.convs.WithTx(tx)
		if _, err := openConversation(ctx, convs, convID); err != nil {
			return err
		}
		ps, err := convs.LockActiveParticipants(ctx, convID)
		if err != nil {
			return err
		}
		target, err = roleChange(ps, actorID, userID, role)
		if err != nil || target.Role == role {
			return err
		}
		if err := convs.UpdateRole(ctx, target.ID, role); err != nil {
			return err
		}
		target.Role = role
		changed = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if changed {
		s.access.forget(convID, userID)
		s.emitMembership(ctx, convID, MembershipPayload{Action: MembershipRoleChanged, UserID: userID, Role: role, ActorID: actorID})
	}
	return target, nil
}

// roleChange validates actorID setting userID's role against the active
// participants ps and returns the target participant.
func roleChange(ps []models.Participant, actorID, userID uint, role models.Role) (*models.Participant, error) {
	actor := findParticipant(ps, actorID)
	if actor == nil {
		return nil, models.NewNotAuthorizedError("You are not a participant in this conversation")
	}
	if !actor.Role.CanModerate() {
		return nil, models.NewNotAuthorizedError("Only owners and admins can change roles")
	}
	target := findParticipant(ps, userID)
	if target == nil {
		return nil, models.NewNotFoundError("Participant", userID)
	}
	if target.Role == role {
		return target, nil
	}
	if (target.Role == models.RoleOwner || role == models.RoleOwner) && actor.Role != models.RoleOwner {
		return nil, models.NewNotAuthorizedError("Only owners can change ownership")
	}
	if target.Role == models.RoleOwner && countOwners(ps) == 1 {
		return nil, models.NewConflictError("Cannot demote the last owner")
	}
	return target, nil
}

// CreateInvite issues an invite token. ttl <= 0 uses DefaultInviteTTL.
func (s *MembershipService) CreateInvite(ctx context.Context, convID, actorID uint, role models.Role, ttl time.Duration) (*models.Invite, error) {
	if role == "" {
		role = models.RoleMember
	}
	if !role.Valid() {
		return nil, models.NewValidationError("Unknown participant role")
	}
	if role == models.RoleOwner {
		return nil, models.NewValidationError("Invites cannot grant ownership")
	}
	if ttl <= 0 {
		ttl = DefaultInviteTTL
	}
	const denied = "Only owners and admins can invite"
	if _, err := requireModerator(ctx, s.convs, convID, actorID, denied); err != nil {
		return nil, err
	}
	if err := admit(ctx, s.gate, actorID, convID, ratelimit.OpMembership); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	inv := &models.Invite{
		Token:          uuid.NewString(),
		ConversationID: convID,
		Role:           role,
		CreatedBy:      actorID,
		CreatedAt:      now,
		ExpiresAt:      now.Add(ttl),
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		convs := s.convs.WithTx(tx)
		if _, err := requireModerator(ctx, convs, convID, actorID, denied); err != nil {
			return err
		}
		return convs.CreateInvite(ctx, inv)
	})
	if err != nil {
		return nil, err
	}
	return inv, nil
}

// AcceptInvite joins userID to the invite's conversation. An invite is
// accepted at most once.
func (s *MembershipService) AcceptInvite(ctx context.Context, token string, userID uint) (*models.Participant, error) {
	if userID == 0 {
		return nil, models.NewSessionRequiredError()
	}
	if _, err := uuid.Parse(token); err != nil {
		return nil, models.NewValidationError("Malformed invite token")
	}

	var (
		joined *models.Participant
		inv    *models.Invite
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		convs := s.convs.WithTx(tx)
		var err error
		inv, err = convs.GetInviteForUpdate(ctx, token)
		if err != nil {
			return notFound(err, "Invite", token)
		}
		if inv.AcceptedAt != nil {
			return models.NewConflictError("Invite has already been accepted")
		}
		now := s.now().UTC()
		if !now.Before(inv.ExpiresAt) {
			return models.NewValidationError("Invite has expired")
		}
		if _, err := openConversation(ctx, convs, inv.ConversationID); err != nil {
			return err
		}
		joined, err = s.join(ctx, convs, inv.ConversationID, userID, inv.Role)
		if err != nil {
			return err
		}
		return convs.MarkInviteAccepted(ctx, token, userID, now)
	})
	if err != nil {
		return nil, err
	}
	s.access.forget(inv.ConversationID, userID)
	s.emitMembership(ctx, inv.ConversationID, MembershipPayload{
		Action: MembershipJoined, UserID: userID, Role: inv.Role, ActorID: inv.CreatedBy,
	})
	return joined, nil
}

func (s *MembershipService) emitMembership(ctx context.Context, convID uint, payload MembershipPayload) {
	s.emitter.emit(ctx, realtime.EventMembershipChanged, convID, 0, 0, payload)
}

func findParticipant(ps []models.Participant, userID uint) *models.Participant {
	for i := range ps {
		if ps[i].UserID == userID {
			return &ps[i]
		}
	}
	return nil
}

func countOwners(ps []models.Participant) int {
	n := 0
	for _, p := range ps {
		if p.Role == models.RoleOwner {
			n++
		}
	}
	return n
}
