package server

import (
	"loom/internal/middleware"
	"loom/internal/models"
	"loom/internal/service"

	"github.com/gofiber/fiber/v2"
)

// PostMessageRequest is the body of thread and reply creation.
type PostMessageRequest struct {
	Role    models.MessageRole `json:"role" validate:"omitempty,oneof=user assistant system tool"`
	Content string             `json:"content" validate:"required"`
}

// EditMessageRequest is the body of PATCH /api/messages/:messageId.
type EditMessageRequest struct {
	Content string `json:"content" validate:"required"`
	Reason  string `json:"reason" validate:"max=255"`
}

// BeginStreamRequest is the body of POST /api/messages/:messageId/stream.
type BeginStreamRequest struct {
	Role models.MessageRole `json:"role" validate:"omitempty,oneof=assistant tool"`
}

// ChunkRequest is the body of PUT /api/messages/:messageId/chunks/:idx.
type ChunkRequest struct {
	Content string `json:"content"`
}

// ListThreads handles GET /api/conversations/:id/threads
func (s *Server) ListThreads(c *fiber.Ctx) error {
	convID, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}
	before, err := queryInt64(c, "before")
	if err != nil {
		return respondError(c, err)
	}

	roots, err := s.threads.ListThreads(c.UserContext(), convID, middleware.UserID(c), before, queryLimit(c))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(roots)
}

// CreateThread handles POST /api/conversations/:id/threads
func (s *Server) CreateThread(c *fiber.Ctx) error {
	convID, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}
	var req PostMessageRequest
	if err := bindBody(c, &req); err != nil {
		return respondError(c, err)
	}

	msg, err := s.threads.CreateRoot(c.UserContext(), service.CreateRootInput{
		ConversationID: convID,
		AuthorID:       middleware.UserID(c),
		Role:           req.Role,
		Content:        req.Content,
	})
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(msg)
}

// Reply handles POST /api/messages/:messageId/replies
func (s *Server) Reply(c *fiber.Ctx) error {
	parentID, err := s.parseMessageID(c, "messageId")
	if err != nil {
		return nil
	}
	var req PostMessageRequest
	if err := bindBody(c, &req); err != nil {
		return respondError(c, err)
	}

	msg, err := s.threads.Reply(c.UserContext(), service.ReplyInput{
		ParentID: parentID,
		AuthorID: middleware.UserID(c),
		Role:     req.Role,
		Content:  req.Content,
	})
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(msg)
}

// GetMessage handles GET /api/messages/:messageId
func (s *Server) GetMessage(c *fiber.Ctx) error {
	id, err := s.parseMessageID(c, "messageId")
	if err != nil {
		return nil
	}
	msg, err := s.threads.GetMessage(c.UserContext(), id, middleware.UserID(c))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(msg)
}

// GetSubtree handles GET /api/messages/:messageId/subtree
//
// messageId must be a thread root. Messages come back in path order; pass
// next_cursor as ?cursor to continue.
func (s *Server) GetSubtree(c *fiber.Ctx) error {
	id, err := s.parseMessageID(c, "messageId")
	if err != nil {
		return nil
	}
	msgs, err := s.threads.GetSubtree(c.UserContext(), id, middleware.UserID(c), c.Query("cursor"), queryLimit(c))
	if err != nil {
		return respondError(c, err)
	}

	next := ""
	if len(msgs) == queryLimit(c) {
		next = msgs[len(msgs)-1].Path
	}
	return c.JSON(fiber.Map{
		"messages":    msgs,
		"next_cursor": next,
	})
}

// EditMessage handles PATCH /api/messages/:messageId
func (s *Server) EditMessage(c *fiber.Ctx) error {
	id, err := s.parseMessageID(c, "messageId")
	if err != nil {
		return nil
	}
	var req EditMessageRequest
	if err := bindBody(c, &req); err != nil {
		return respondError(c, err)
	}

	msg, err := s.threads.Edit(c.UserContext(), service.EditInput{
		MessageID: id,
		ActorID:   middleware.UserID(c),
		Content:   req.Content,
		Reason:    req.Reason,
	})
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(msg)
}

// DeleteMessage handles DELETE /api/messages/:messageId
func (s *Server) DeleteMessage(c *fiber.Ctx) error {
	id, err := s.parseMessageID(c, "messageId")
	if err != nil {
		return nil
	}
	msg, err := s.threads.SoftDelete(c.UserContext(), id, middleware.UserID(c), c.Query("reason"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(msg)
}

// RestoreMessage handles POST /api/messages/:messageId/restore
func (s *Server) RestoreMessage(c *fiber.Ctx) error {
	id, err := s.parseMessageID(c, "messageId")
	if err != nil {
		return nil
	}
	msg, err := s.threads.Restore(c.UserContext(), id, middleware.UserID(c))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(msg)
}

// BeginStream handles POST /api/messages/:messageId/stream
//
// It creates an empty streaming reply under the message; chunks follow via
// PUT .../chunks/:idx and the reply is sealed with POST .../finish.
func (s *Server) BeginStream(c *fiber.Ctx) error {
	parentID, err := s.parseMessageID(c, "messageId")
	if err != nil {
		return nil
	}
	var req BeginStreamRequest
	if len(c.Body()) > 0 {
		if err := bindBody(c, &req); err != nil {
			return respondError(c, err)
		}
	}

	msg, err := s.threads.BeginStream(c.UserContext(), parentID, middleware.UserID(c), req.Role)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(msg)
}

// AppendChunk handles PUT /api/messages/:messageId/chunks/:idx
func (s *Server) AppendChunk(c *fiber.Ctx) error {
	id, err := s.parseMessageID(c, "messageId")
	if err != nil {
		return nil
	}
	idx, err := c.ParamsInt("idx")
	if err != nil || idx < 0 {
		return respondError(c, models.NewValidationError("Invalid chunk index"))
	}
	var req ChunkRequest
	if err := bindBody(c, &req); err != nil {
		return respondError(c, err)
	}

	chunk, err := s.threads.AppendChunk(c.UserContext(), id, middleware.UserID(c), idx, req.Content)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(chunk)
}

// ListChunks handles GET /api/messages/:messageId/chunks
func (s *Server) ListChunks(c *fiber.Ctx) error {
	id, err := s.parseMessageID(c, "messageId")
	if err != nil {
		return nil
	}
	chunks, err := s.threads.ListChunks(c.UserContext(), id, middleware.UserID(c))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(chunks)
}

// FinishStream handles POST /api/messages/:messageId/finish
func (s *Server) FinishStream(c *fiber.Ctx) error {
	id, err := s.parseMessageID(c, "messageId")
	if err != nil {
		return nil
	}
	msg, err := s.threads.FinishStream(c.UserContext(), id, middleware.UserID(c))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(msg)
}

// GenerateReply handles POST /api/conversations/:id/messages/:messageId/generate
//
// The reply is created at once and filled in the background; its chunks
// arrive on the conversation stream as message.delta events.
func (s *Server) GenerateReply(c *fiber.Ctx) error {
	convID, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}
	parentID, err := s.parseMessageID(c, "messageId")
	if err != nil {
		return nil
	}

	msg, err := s.generator.Start(c.UserContext(), service.GenerateRequest{
		ConversationID: convID,
		RequesterID:    middleware.UserID(c),
		ParentID:       parentID,
	}, nil)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(msg)
}
