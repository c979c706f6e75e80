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

	"gorm.io/gorm"
)

// DefaultTypingTTL is how long a typing indicator lasts without a refresh.
const DefaultTypingTTL = 6 * time.Second

// OnlineSource reports which users currently hold a live stream.
type OnlineSource interface {
	OnlineUserIDs(ctx context.Context, userIDs []uint) []uint
}

// TypingPayload is the body of typing.update events.
type TypingPayload struct {
	UserID    uint       `json:"user_id"`
	Typing    bool       `json:"typing"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// PresencePayload is the body of presence.update events.
type PresencePayload struct {
	UserID     uint                  `json:"user_id"`
	Status     models.PresenceStatus `json:"status"`
	LastSeenAt time.Time             `json:"last_seen_at"`
}

// UnreadPayload is the body of unread.update events.
type UnreadPayload struct {
	UserID uint   `json:"user_id"`
	Path   string `json:"path"`
	Unread int64  `json:"unread"`
}

// ActivityService tracks typing, presence and read progress.
type ActivityService struct {
	activity  repository.ActivityRepository
	messages  repository.MessageRepository
	convs     repository.ConversationRepository
	gate      Gate
	online    OnlineSource
	access    access
	emitter   emitter
	typingTTL time.Duration
	now       func() time.Time
}

// NewActivityService returns a new ActivityService. gate, events, online and
// roles may be nil; typingTTL <= 0 uses DefaultTypingTTL.
func NewActivityService(
	activity repository.ActivityRepository,
	messages repository.MessageRepository,
	convs repository.ConversationRepository,
	gate Gate,
	events Publisher,
	online OnlineSource,
	roles *cache.RoleCache,
	typingTTL time.Duration,
) *ActivityService {
	if typingTTL <= 0 {
		typingTTL = DefaultTypingTTL
	}
	return &ActivityService{
		activity:  activity,
		messages:  messages,
		convs:     convs,
		gate:      gate,
		online:    online,
		access:    access{convs: convs, roles: roles},
		emitter:   emitter{events: events},
		typingTTL: typingTTL,
		now:       time.Now,
	}
}

// thread loads a live root message of convID.
func (s *ActivityService) thread(ctx context.Context, convID uint, rootID int64) (*models.Message, error) {
	root, err := s.messages.Get(ctx, rootID)
	if err != nil {
		return nil, notFound(err, "Thread", rootID)
	}
	if root.ConversationID != convID || !root.IsRoot() || root.Deleted() {
		return nil, models.NewNotFoundError("Thread", rootID)
	}
	return root, nil
}

// SetTyping starts or stops the user's typing indicator in a thread.
func (s *ActivityService) SetTyping(ctx context.Context, convID uint, rootID int64, userID uint, typing bool) error {
	role, err := s.access.role(ctx, convID, userID)
	if err != nil {
		return err
	}
	if !role.CanPost() {
		return models.NewNotAuthorizedError("Viewers cannot post in this conversation")
	}
	if _, err := s.thread(ctx, convID, rootID); err != nil {
		return err
	}
	if err := admit(ctx, s.gate, userID, convID, ratelimit.OpTyping); err != nil {
		return err
	}

	payload := TypingPayload{UserID: userID, Typing: typing}
	if typing {
		expires := s.now().UTC().Add(s.typingTTL)
		state := &models.TypingState{ConversationID: convID, RootID: rootID, UserID: userID, ExpiresAt: expires}
		if err := s.activity.UpsertTyping(ctx, state); err != nil {
			return err
		}
		payload.ExpiresAt = &expires
	} else if err := s.activity.ClearTyping(ctx, convID, rootID, userID); err != nil {
		return err
	}
	s.emitter.emit(ctx, realtime.EventTypingUpdate, convID, rootID, 0, payload)
	return nil
}

// ActiveTyping lists unexpired typing indicators of a thread.
func (s *ActivityService) ActiveTyping(ctx context.Context, convID uint, rootID int64, actorID uint) ([]models.TypingState, error) {
	if _, err := s.access.role(ctx, convID, actorID); err != nil {
		return nil, err
	}
	return s.activity.ActiveTyping(ctx, convID, rootID, s.now().UTC())
}

// PurgeExpiredTyping deletes lapsed typing rows.
func (s *ActivityService) PurgeExpiredTyping(ctx context.Context) (int64, error) {
	return s.activity.PurgeExpiredTyping(ctx, s.now().UTC())
}

// PresenceChanged records a stream-driven online/offline transition and
// announces it to every conversation the user belongs to.
func (s *ActivityService) PresenceChanged(userID uint, online bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	status := models.PresenceOffline
	if online {
		status = models.PresenceOnline
	}
	if err := s.publishPresence(ctx, userID, status); err != nil {
		observability.LogAsyncOperationError(ctx, "presence_changed", err, map[string]interface{}{
			"user_id": userID,
			"online":  online,
		})
	}
}

// SetStatus records a status chosen by the user.
func (s *ActivityService) SetStatus(ctx context.Context, userID uint, status models.PresenceStatus) error {
	if userID == 0 {
		return models.NewSessionRequiredError()
	}
	switch status {
	case models.PresenceOnline, models.PresenceAway, models.PresenceOffline:
	default:
		return models.NewValidationError("Unknown presence status")
	}
	return s.publishPresence(ctx, userID, status)
}

func (s *ActivityService) publishPresence(ctx context.Context, userID uint, status models.PresenceStatus) error {
	p := &models.Presence{UserID: userID, Status: status, LastSeenAt: s.now().UTC()}
	if err := s.activity.UpsertPresence(ctx, p); err != nil {
		return err
	}
	convIDs, err := s.convs.ActiveConversationIDs(ctx, userID)
	if err != nil {
		return err
	}
	payload := PresencePayload{UserID: userID, Status: status, LastSeenAt: p.LastSeenAt}
	for _, convID := range convIDs {
		s.emitter.emit(ctx, realtime.EventPresenceUpdate, convID, 0, 0, payload)
	}
	return nil
}

// ListPresence returns the presence of every active participant. A user with
// a live stream is online even if the stored row lags, and a user without
// one is never reported online.
func (s *ActivityService) ListPresence(ctx context.Context, convID, actorID uint) ([]models.Presence, error) {
	if _, err := s.access.role(ctx, convID, actorID); err != nil {
		return nil, err
	}
	ps, err := s.convs.ActiveParticipants(ctx, convID)
	if err != nil {
		return nil, err
	}
	ids := make([]uint, len(ps))
	for i, p := range ps {
		ids[i] = p.UserID
	}
	stored, err := s.activity.ListPresence(ctx, ids)
	if err != nil {
		return nil, err
	}
	byUser := make(map[uint]models.Presence, len(stored))
	for _, p := range stored {
		byUser[p.UserID] = p
	}
	live := map[uint]bool{}
	if s.online != nil {
		for _, id := range s.online.OnlineUserIDs(ctx, ids) {
			live[id] = true
		}
	}

	out := make([]models.Presence, 0, len(ids))
	for _, id := range ids {
		p, ok := byUser[id]
		if !ok {
			p = models.Presence{UserID: id, Status: models.PresenceOffline}
		}
		if s.online != nil {
			switch {
			case live[id] && p.Status == models.PresenceOffline:
				p.Status = models.PresenceOnline
			case !live[id] && p.Status != models.PresenceOffline:
				p.Status = models.PresenceOffline
			}
		}
		out = append(out, p)
	}
	return out, nil
}

// MarkRead advances the user's read watermark in a thread to path. Moving
// the watermark backwards is a no-op.
func (s *ActivityService) MarkRead(ctx context.Context, convID uint, rootID int64, userID uint, path string) (int64, error) {
	if _, err := s.access.role(ctx, convID, userID); err != nil {
		return 0, err
	}
	root, err := s.thread(ctx, convID, rootID)
	if err != nil {
		return 0, err
	}
	if !models.ValidPath(path) || (path != root.Path && !strings.HasPrefix(path, root.Path+models.PathSeparator)) {
		return 0, models.NewValidationError("Path is not inside this thread")
	}

	w := &models.ReadWatermark{ConversationID: convID, UserID: userID, RootID: rootID, Path: path, UpdatedAt: s.now().UTC()}
	if err := s.activity.AdvanceWatermark(ctx, w); err != nil {
		return 0, err
	}
	unread, current, err := s.unread(ctx, convID, rootID, userID)
	if err != nil {
		return 0, err
	}
	s.emitter.emit(ctx, realtime.EventUnreadUpdate, convID, rootID, 0,
		UnreadPayload{UserID: userID, Path: current, Unread: unread})
	return unread, nil
}

// Unread counts the messages in a thread the user has not read.
func (s *ActivityService) Unread(ctx context.Context, convID uint, rootID int64, userID uint) (int64, error) {
	if _, err := s.access.role(ctx, convID, userID); err != nil {
		return 0, err
	}
	if _, err := s.thread(ctx, convID, rootID); err != nil {
		return 0, err
	}
	n, _, err := s.unread(ctx, convID, rootID, userID)
	return n, err
}

func (s *ActivityService) unread(ctx context.Context, convID uint, rootID int64, userID uint) (int64, string, error) {
	var after string
	w, err := s.activity.GetWatermark(ctx, convID, userID, rootID)
	switch {
	case err == nil:
		after = w.Path
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return 0, "", err
	}
	n, err := s.messages.CountUnread(ctx, rootID, after, userID)
	return n, after, err
}
