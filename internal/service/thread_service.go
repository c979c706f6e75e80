package service

import (
	"context"
	"strings"
	"time"

	"loom/internal/cache"
	"loom/internal/idgen"
	"loom/internal/models"
	"loom/internal/observability"
	"loom/internal/ratelimit"
	"loom/internal/realtime"
	"loom/internal/repository"

	"gorm.io/gorm"
)

const (
	defaultSubtreeLimit = 50
	maxSubtreeLimit     = 200
	maxThreadListLimit  = 100
)

// Thread activity actions.
const (
	ActionReply         = "reply"
	ActionStreamStarted = "stream_started"
	ActionEdited        = "edited"
	ActionDeleted       = "deleted"
	ActionRestored      = "restored"
)

// ThreadService manages the message tree of each conversation.
type ThreadService struct {
	db       *gorm.DB
	messages repository.MessageRepository
	convs    repository.ConversationRepository
	gate     Gate
	access   access
	emitter  emitter
	now      func() time.Time
	newID    func() int64
}

// CreateRootInput is the input for starting a thread.
type CreateRootInput struct {
	ConversationID uint
	AuthorID       uint
	Role           models.MessageRole
	Content        string
}

// ReplyInput is the input for replying to a message.
type ReplyInput struct {
	ParentID int64
	AuthorID uint
	Role     models.MessageRole
	Content  string
}

// EditInput is the input for editing a message.
type EditInput struct {
	MessageID int64
	ActorID   uint
	Content   string
	Reason    string
}

// ActivityPayload is the body of thread.activity and thread.new events.
type ActivityPayload struct {
	Action  string          `json:"action,omitempty"`
	Message *models.Message `json:"message"`
}

// DeltaPayload is the body of message.delta events.
type DeltaPayload struct {
	MessageID int64  `json:"message_id,string"`
	Idx       int    `json:"idx"`
	Content   string `json:"content"`
}

// NewThreadService returns a new ThreadService. gate, events and roles may be nil.
func NewThreadService(
	db *gorm.DB,
	messages repository.MessageRepository,
	convs repository.ConversationRepository,
	gate Gate,
	events Publisher,
	roles *cache.RoleCache,
) *ThreadService {
	return &ThreadService{
		db:       db,
		messages: messages,
		convs:    convs,
		gate:     gate,
		access:   access{convs: convs, roles: roles},
		emitter:  emitter{events: events},
		now:      time.Now,
		newID:    idgen.New,
	}
}

func normalizeRole(role models.MessageRole, def models.MessageRole) (models.MessageRole, error) {
	if role == "" {
		return def, nil
	}
	if !role.Valid() {
		return "", models.NewValidationError("Unknown message role")
	}
	return role, nil
}

// CreateRoot starts a new thread in a conversation.
func (s *ThreadService) CreateRoot(ctx context.Context, in CreateRootInput) (msg *models.Message, err error) {
	ctx, span := observability.StartSpan(ctx, "thread.create_root", in.ConversationID)
	defer func() { observability.EndSpan(span, err) }()

	if in.AuthorID == 0 {
		return nil, models.NewSessionRequiredError()
	}
	if err := validateContent(in.Content, false); err != nil {
		return nil, err
	}
	role, err := normalizeRole(in.Role, models.MessageRoleUser)
	if err != nil {
		return nil, err
	}
	if err := canPost(ctx, s.convs, in.ConversationID, in.AuthorID); err != nil {
		return nil, err
	}
	if err := admit(ctx, s.gate, in.AuthorID, in.ConversationID, ratelimit.OpPost); err != nil {
		return nil, err
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := canPost(ctx, s.convs.WithTx(tx), in.ConversationID, in.AuthorID); err != nil {
			return err
		}

		id := s.newID()
		msg = &models.Message{
			ID:             id,
			ConversationID: in.ConversationID,
			RootID:         id,
			AuthorID:       in.AuthorID,
			Role:           role,
			Content:        in.Content,
			Status:         models.MessageStatusComplete,
			Path:           models.ChildPath("", id),
			Depth:          1,
		}
		return s.messages.WithTx(tx).Create(ctx, msg)
	})
	if err != nil {
		return nil, err
	}

	s.emitter.emit(ctx, realtime.EventThreadNew, msg.ConversationID, msg.RootID, msg.ID, ActivityPayload{Message: msg})
	return msg, nil
}

// Reply appends a message under ParentID.
func (s *ThreadService) Reply(ctx context.Context, in ReplyInput) (*models.Message, error) {
	if err := validateContent(in.Content, false); err != nil {
		return nil, err
	}
	role, err := normalizeRole(in.Role, models.MessageRoleUser)
	if err != nil {
		return nil, err
	}
	msg, err := s.insertChild(ctx, "thread.reply", in.ParentID, in.AuthorID, role, in.Content, models.MessageStatusComplete)
	if err != nil {
		return nil, err
	}
	s.emitter.emit(ctx, realtime.EventThreadActivity, msg.ConversationID, msg.RootID, msg.ID,
		ActivityPayload{Action: ActionReply, Message: msg})
	return msg, nil
}

// BeginStream creates an empty reply whose content will arrive as chunks.
func (s *ThreadService) BeginStream(ctx context.Context, parentID int64, authorID uint, role models.MessageRole) (*models.Message, error) {
	role, err := normalizeRole(role, models.MessageRoleAssistant)
	if err != nil {
		return nil, err
	}
	if role != models.MessageRoleAssistant && role != models.MessageRoleTool {
		return nil, models.NewValidationError("Only assistant and tool messages can be streamed")
	}
	msg, err := s.insertChild(ctx, "thread.begin_stream", parentID, authorID, role, "", models.MessageStatusStreaming)
	if err != nil {
		return nil, err
	}
	s.emitter.emit(ctx, realtime.EventThreadActivity, msg.ConversationID, msg.RootID, msg.ID,
		ActivityPayload{Action: ActionStreamStarted, Message: msg})
	return msg, nil
}

func (s *ThreadService) insertChild(
	ctx context.Context,
	spanName string,
	parentID int64,
	authorID uint,
	role models.MessageRole,
	content string,
	status models.MessageStatus,
) (msg *models.Message, err error) {
	if authorID == 0 {
		return nil, models.NewSessionRequiredError()
	}
	parent, err := replyTarget(ctx, s.messages, s.convs, parentID, authorID)
	if err != nil {
		return nil, err
	}

	ctx, span := observability.StartSpan(ctx, spanName, parent.ConversationID)
	defer func() { observability.EndSpan(span, err) }()

	if err := admit(ctx, s.gate, authorID, parent.ConversationID, ratelimit.OpPost); err != nil {
		return nil, err
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		messages := s.messages.WithTx(tx)
		parent, err := replyTarget(ctx, messages, s.convs.WithTx(tx), parentID, authorID)
		if err != nil {
			return err
		}

		id := s.newID()
		parentRef := parent.ID
		msg = &models.Message{
			ID:             id,
			ConversationID: parent.ConversationID,
			ParentID:       &parentRef,
			RootID:         parent.RootID,
			AuthorID:       authorID,
			Role:           role,
			Content:        content,
			Status:         status,
			Path:           models.ChildPath(parent.Path, id),
			Depth:          parent.Depth + 1,
		}
		return messages.Create(ctx, msg)
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// canPost checks that convID is open and userID may post in it. Writes run it
// once before spending rate-limit budget and again inside their transaction,
// so a refused write never consumes a slot.
func canPost(ctx context.Context, convs repository.ConversationRepository, convID, userID uint) error {
	if _, err := openConversation(ctx, convs, convID); err != nil {
		return err
	}
	return requirePoster(ctx, convs, convID, userID)
}

// replyTarget loads a live parent message that authorID may reply to.
func replyTarget(ctx context.Context, messages repository.MessageRepository, convs repository.ConversationRepository, parentID int64, authorID uint) (*models.Message, error) {
	parent, err := messages.Get(ctx, parentID)
	if err != nil {
		return nil, notFound(err, "Message", parentID)
	}
	if parent.Deleted() {
		return nil, models.NewNotFoundError("Message", parentID)
	}
	if err := canPost(ctx, convs, parent.ConversationID, authorID); err != nil {
		return nil, err
	}
	return parent, nil
}

func requirePoster(ctx context.Context, convs repository.ConversationRepository, convID, userID uint) error {
	p, err := participant(ctx, convs, convID, userID)
	if err != nil {
		return err
	}
	if !p.Role.CanPost() {
		return models.NewNotAuthorizedError("Viewers cannot post in this conversation")
	}
	return nil
}

// GetSubtree returns one page of a thread in path order. cursor is the path of
// the last message of the previous page, empty for the first page.
func (s *ThreadService) GetSubtree(ctx context.Context, rootID int64, actorID uint, cursor string, limit int) ([]*models.Message, error) {
	switch {
	case limit <= 0:
		limit = defaultSubtreeLimit
	case limit > maxSubtreeLimit:
		limit = maxSubtreeLimit
	}

	root, err := s.messages.Get(ctx, rootID)
	if err != nil {
		return nil, notFound(err, "Thread", rootID)
	}
	if !root.IsRoot() {
		return nil, models.NewNotFoundError("Thread", rootID)
	}
	if _, err := s.access.role(ctx, root.ConversationID, actorID); err != nil {
		return nil, err
	}
	if cursor != "" {
		if !models.ValidPath(cursor) || (cursor != root.Path && !strings.HasPrefix(cursor, root.Path+models.PathSeparator)) {
			return nil, models.NewValidationError("Invalid cursor")
		}
	}
	return s.messages.Subtree(ctx, rootID, cursor, limit)
}

// GetMessage resolves a message by id, deleted ones included. Content of a
// deleted message is only shown to moderators.
func (s *ThreadService) GetMessage(ctx context.Context, id int64, actorID uint) (*models.Message, error) {
	msg, err := s.messages.Get(ctx, id)
	if err != nil {
		return nil, notFound(err, "Message", id)
	}
	role, err := s.access.role(ctx, msg.ConversationID, actorID)
	if err != nil {
		return nil, err
	}
	if msg.Deleted() && !role.CanModerate() {
		msg.Content = ""
	}
	return msg, nil
}

// ListThreads returns a conversation's thread roots, newest first. before is
// the id of the last root of the previous page, zero for the first page.
func (s *ThreadService) ListThreads(ctx context.Context, convID, actorID uint, before int64, limit int) ([]*models.Message, error) {
	if limit <= 0 || limit > maxThreadListLimit {
		limit = maxThreadListLimit
	}
	if _, err := s.access.role(ctx, convID, actorID); err != nil {
		return nil, err
	}
	return s.messages.ListRoots(ctx, convID, before, limit)
}

// Edit replaces the content of the actor's own message.
func (s *ThreadService) Edit(ctx context.Context, in EditInput) (*models.Message, error) {
	if err := validateContent(in.Content, false); err != nil {
		return nil, err
	}
	return s.mutate(ctx, "thread.edit", in.MessageID, in.ActorID, ratelimit.OpEdit, ActionEdited, mutation{
		guard: func(msg *models.Message, _ *models.Participant) error {
			if msg.Deleted() {
				return models.NewNotFoundError("Message", msg.ID)
			}
			if msg.AuthorID != in.ActorID {
				return models.NewNotAuthorizedError("Only the author can edit this message")
			}
			if msg.Status == models.MessageStatusStreaming {
				return models.NewConflictError("Message is still streaming")
			}
			return nil
		},
		apply: func(ctx context.Context, messages repository.MessageRepository, msg *models.Message) error {
			return messages.UpdateContent(ctx, msg.ID, in.Content, in.ActorID, in.Reason, s.now().UTC())
		},
	})
}

// SoftDelete hides a message from subtree queries. Authors may delete their own
// messages; owners and admins may delete any.
func (s *ThreadService) SoftDelete(ctx context.Context, id int64, actorID uint, reason string) (*models.Message, error) {
	return s.mutate(ctx, "thread.delete", id, actorID, ratelimit.OpEdit, ActionDeleted, mutation{
		guard: func(msg *models.Message, p *models.Participant) error {
			if msg.Deleted() {
				return models.NewNotFoundError("Message", msg.ID)
			}
			if msg.AuthorID != actorID && !p.Role.CanModerate() {
				return models.NewNotAuthorizedError("Only the author or a moderator can delete this message")
			}
			return nil
		},
		apply: func(ctx context.Context, messages repository.MessageRepository, msg *models.Message) error {
			return messages.SoftDelete(ctx, msg.ID, actorID, reason, s.now().UTC())
		},
	})
}

// Restore undoes a soft delete. Owners and admins only.
func (s *ThreadService) Restore(ctx context.Context, id int64, actorID uint) (*models.Message, error) {
	return s.mutate(ctx, "thread.restore", id, actorID, ratelimit.OpEdit, ActionRestored, mutation{
		guard: func(msg *models.Message, p *models.Participant) error {
			if !p.Role.CanModerate() {
				return models.NewNotAuthorizedError("Only a moderator can restore messages")
			}
			if !msg.Deleted() {
				return models.NewConflictError("Message is not deleted")
			}
			return nil
		},
		apply: func(ctx context.Context, messages repository.MessageRepository, msg *models.Message) error {
			return messages.Restore(ctx, msg.ID)
		},
	})
}

// mutation is a change to one message. guard decides whether the actor may
// make it and apply writes it.
type mutation struct {
	guard func(msg *models.Message, p *models.Participant) error
	apply func(ctx context.Context, messages repository.MessageRepository, msg *models.Message) error
}

// check loads the message and the actor's membership and runs m.guard.
func (m mutation) check(ctx context.Context, messages repository.MessageRepository, convs repository.ConversationRepository, id int64, actorID uint, lock bool) (*models.Message, error) {
	get := messages.Get
	if lock {
		get = messages.GetForUpdate
	}
	msg, err := get(ctx, id)
	if err != nil {
		return nil, notFound(err, "Message", id)
	}
	if _, err := openConversation(ctx, convs, msg.ConversationID); err != nil {
		return nil, err
	}
	p, err := participant(ctx, convs, msg.ConversationID, actorID)
	if err != nil {
		return nil, err
	}
	if err := m.guard(msg, p); err != nil {
		return nil, err
	}
	return msg, nil
}

// mutate checks m, spends rate-limit budget only once the check passes, then
// re-checks and applies m against the locked message inside one transaction.
// The reloaded message is published as thread.activity.
func (s *ThreadService) mutate(ctx context.Context, spanName string, id int64, actorID uint, op, action string, m mutation) (msg *models.Message, err error) {
	if actorID == 0 {
		return nil, models.NewSessionRequiredError()
	}
	current, err := m.check(ctx, s.messages, s.convs, id, actorID, false)
	if err != nil {
		return nil, err
	}

	ctx, span := observability.StartSpan(ctx, spanName, current.ConversationID)
	defer func() { observability.EndSpan(span, err) }()

	if err := admit(ctx, s.gate, actorID, current.ConversationID, op); err != nil {
		return nil, err
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		messages := s.messages.WithTx(tx)
		locked, err := m.check(ctx, messages, s.convs.WithTx(tx), id, actorID, true)
		if err != nil {
			return err
		}
		if err := m.apply(ctx, messages, locked); err != nil {
			return err
		}
		msg, err = messages.Get(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.emitter.emit(ctx, realtime.EventThreadActivity, msg.ConversationID, msg.RootID, msg.ID,
		ActivityPayload{Action: action, Message: msg})
	return msg, nil
}

// AppendChunk stores chunk idx of a streaming message. Writing the same idx
// again overwrites it. Each call is admitted against the stream limit.
func (s *ThreadService) AppendChunk(ctx context.Context, messageID int64, actorID uint, idx int, content string) (*models.MessageChunk, error) {
	return s.appendChunk(ctx, messageID, actorID, idx, content, true)
}

// appendChunk stores a chunk. Server-side generation, already admitted when
// its reply began, passes gated false.
func (s *ThreadService) appendChunk(ctx context.Context, messageID int64, actorID uint, idx int, content string, gated bool) (*models.MessageChunk, error) {
	if idx < 0 {
		return nil, models.NewValidationError("Chunk index must not be negative")
	}
	if err := validateContent(content, true); err != nil {
		return nil, err
	}
	msg, err := s.streamingMessage(ctx, s.messages, messageID, actorID, false, false)
	if err != nil {
		return nil, err
	}
	if gated {
		if err := admit(ctx, s.gate, actorID, msg.ConversationID, ratelimit.OpStream); err != nil {
			return nil, err
		}
	}

	chunk := &models.MessageChunk{MessageID: messageID, Idx: idx, Content: content, UpdatedAt: s.now().UTC()}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		messages := s.messages.WithTx(tx)
		// the row lock orders this write against FinishStream
		if _, err := s.streamingMessage(ctx, messages, messageID, actorID, true, false); err != nil {
			return err
		}
		return messages.UpsertChunk(ctx, chunk)
	})
	if err != nil {
		return nil, err
	}
	s.emitter.emit(ctx, realtime.EventMessageDelta, msg.ConversationID, msg.RootID, msg.ID,
		DeltaPayload{MessageID: msg.ID, Idx: idx, Content: content})
	return chunk, nil
}

// FinishStream assembles the chunks in index order into the message content
// and marks it complete. A message deleted while streaming is completed too,
// so it never stays streaming, but its content is not broadcast.
func (s *ThreadService) FinishStream(ctx context.Context, messageID int64, actorID uint) (msg *models.Message, err error) {
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		messages := s.messages.WithTx(tx)
		if _, err := s.streamingMessage(ctx, messages, messageID, actorID, true, true); err != nil {
			return err
		}
		chunks, err := messages.ListChunks(ctx, messageID)
		if err != nil {
			return err
		}
		var b strings.Builder
		for _, c := range chunks {
			b.WriteString(c.Content)
		}
		if err := messages.Complete(ctx, messageID, b.String()); err != nil {
			return notFound(err, "Message", messageID)
		}
		msg, err = messages.Get(ctx, messageID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if !msg.Deleted() {
		s.emitter.emit(ctx, realtime.EventMessageDone, msg.ConversationID, msg.RootID, msg.ID, ActivityPayload{Message: msg})
	}
	return msg, nil
}

func (s *ThreadService) streamingMessage(ctx context.Context, messages repository.MessageRepository, id int64, actorID uint, lock, allowDeleted bool) (*models.Message, error) {
	if actorID == 0 {
		return nil, models.NewSessionRequiredError()
	}
	get := messages.Get
	if lock {
		get = messages.GetForUpdate
	}
	msg, err := get(ctx, id)
	if err != nil {
		return nil, notFound(err, "Message", id)
	}
	if msg.Deleted() && !allowDeleted {
		return nil, models.NewNotFoundError("Message", id)
	}
	if msg.AuthorID != actorID {
		return nil, models.NewNotAuthorizedError("Only the author can stream into this message")
	}
	if msg.Status != models.MessageStatusStreaming {
		return nil, models.NewConflictError("Message is not streaming")
	}
	return msg, nil
}

// ListChunks returns the stored chunks of a message in index order.
func (s *ThreadService) ListChunks(ctx context.Context, messageID int64, actorID uint) ([]models.MessageChunk, error) {
	msg, err := s.messages.Get(ctx, messageID)
	if err != nil {
		return nil, notFound(err, "Message", messageID)
	}
	if _, err := s.access.role(ctx, msg.ConversationID, actorID); err != nil {
		return nil, err
	}
	return s.messages.ListChunks(ctx, messageID)
}
