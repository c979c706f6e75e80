// Package service implements the threaded chat operations: every mutation runs
// in one database transaction and publishes its event once committed.
package service

import (
	"context"
	"errors"
	"strings"

	"loom/internal/cache"
	"loom/internal/models"
	"loom/internal/observability"
	"loom/internal/ratelimit"
	"loom/internal/realtime"
	"loom/internal/repository"

	"gorm.io/gorm"
)

// Publisher sequences and fans out events.
type Publisher interface {
	Publish(ctx context.Context, ev realtime.Event) (realtime.Event, error)
}

// Gate admits or rejects writes before they touch the store.
type Gate interface {
	Allow(ctx context.Context, key ratelimit.Key) (ratelimit.Decision, error)
}

// StreamCloser ends the live streams a user holds on a conversation.
type StreamCloser interface {
	CloseUser(convID, userID uint) int
}

const maxContentLen = 32000

// notFound maps a missing row to a NOT_FOUND error and passes others through.
func notFound(err error, resource string, id interface{}) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.NewNotFoundError(resource, id)
	}
	return err
}

func validateContent(content string, allowEmpty bool) error {
	if !allowEmpty && strings.TrimSpace(content) == "" {
		return models.NewValidationError("Message content is required")
	}
	if len(content) > maxContentLen {
		return models.NewValidationError("Message content too long (max 32000 bytes)")
	}
	return nil
}

// access resolves an actor's standing in a conversation.
type access struct {
	convs repository.ConversationRepository
	roles *cache.RoleCache
}

// role returns the actor's current role, served from cache when possible.
// Mutations call participant inside their transaction instead.
func (a access) role(ctx context.Context, convID, userID uint) (models.Role, error) {
	if userID == 0 {
		return "", models.NewSessionRequiredError()
	}
	if a.roles != nil {
		if role, ok := a.roles.Get(convID, userID); ok {
			return role, nil
		}
	}
	p, err := participant(ctx, a.convs, convID, userID)
	if err != nil {
		return "", err
	}
	if a.roles != nil {
		a.roles.Set(convID, userID, p.Role)
	}
	return p.Role, nil
}

func (a access) forget(convID, userID uint) {
	if a.roles != nil {
		a.roles.Invalidate(convID, userID)
	}
}

// participant loads the actor's active membership or fails NOT_AUTHORIZED.
func participant(ctx context.Context, convs repository.ConversationRepository, convID, userID uint) (*models.Participant, error) {
	if userID == 0 {
		return nil, models.NewSessionRequiredError()
	}
	p, err := convs.ActiveParticipant(ctx, convID, userID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, models.NewNotAuthorizedError("You are not a participant in this conversation")
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// openConversation loads a conversation that still accepts writes.
func openConversation(ctx context.Context, convs repository.ConversationRepository, convID uint) (*models.Conversation, error) {
	conv, err := convs.Get(ctx, convID)
	if err != nil {
		return nil, notFound(err, "Conversation", convID)
	}
	if conv.Archived() {
		return nil, models.NewNotFoundError("Conversation", convID)
	}
	return conv, nil
}

// emitter publishes after commit. A failure is logged, never returned: the
// mutation it describes is already durable.
type emitter struct {
	events Publisher
}

func (e emitter) emit(ctx context.Context, typ realtime.EventType, convID uint, rootID, msgID int64, payload interface{}) {
	if e.events == nil {
		return
	}
	ev, err := realtime.NewEvent(typ, convID, rootID, msgID, payload)
	if err == nil {
		_, err = e.events.Publish(ctx, ev)
	}
	if err != nil {
		observability.LogAsyncOperationError(ctx, "publish_"+string(typ), err, map[string]interface{}{
			"conversation_id": convID,
			"message_id":      msgID,
		})
	}
}

// admit consults the gate; a nil gate admits everything.
func admit(ctx context.Context, gate Gate, userID, convID uint, op string) error {
	if gate == nil {
		return nil
	}
	_, err := gate.Allow(ctx, ratelimit.Key{UserID: userID, ConversationID: convID, Op: op})
	return err
}
