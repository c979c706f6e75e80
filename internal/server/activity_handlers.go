package server

import (
	"loom/internal/middleware"
	"loom/internal/models"

	"github.com/gofiber/fiber/v2"
)

// TypingRequest is the body of POST /api/conversations/:id/threads/:rootId/typing.
type TypingRequest struct {
	Typing bool `json:"typing"`
}

// ReadRequest is the body of POST /api/conversations/:id/threads/:rootId/read.
type ReadRequest struct {
	Path string `json:"path" validate:"required"`
}

// PresenceRequest is the body of PUT /api/presence.
type PresenceRequest struct {
	Status models.PresenceStatus `json:"status" validate:"required"`
}

// SetTyping handles POST /api/conversations/:id/threads/:rootId/typing
func (s *Server) SetTyping(c *fiber.Ctx) error {
	convID, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}
	rootID, err := s.parseMessageID(c, "rootId")
	if err != nil {
		return nil
	}
	var req TypingRequest
	if err := bindBody(c, &req); err != nil {
		return respondError(c, err)
	}

	if err := s.activity.SetTyping(c.UserContext(), convID, rootID, middleware.UserID(c), req.Typing); err != nil {
		return respondError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// ActiveTyping handles GET /api/conversations/:id/threads/:rootId/typing
func (s *Server) ActiveTyping(c *fiber.Ctx) error {
	convID, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}
	rootID, err := s.parseMessageID(c, "rootId")
	if err != nil {
		return nil
	}
	states, err := s.activity.ActiveTyping(c.UserContext(), convID, rootID, middleware.UserID(c))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(states)
}

// MarkRead handles POST /api/conversations/:id/threads/:rootId/read
func (s *Server) MarkRead(c *fiber.Ctx) error {
	convID, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}
	rootID, err := s.parseMessageID(c, "rootId")
	if err != nil {
		return nil
	}
	var req ReadRequest
	if err := bindBody(c, &req); err != nil {
		return respondError(c, err)
	}

	unread, err := s.activity.MarkRead(c.UserContext(), convID, rootID, middleware.UserID(c), req.Path)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"unread": unread})
}

// UnreadCount handles GET /api/conversations/:id/threads/:rootId/unread
func (s *Server) UnreadCount(c *fiber.Ctx) error {
	convID, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}
	rootID, err := s.parseMessageID(c, "rootId")
	if err != nil {
		return nil
	}
	unread, err := s.activity.Unread(c.UserContext(), convID, rootID, middleware.UserID(c))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"unread": unread})
}

// ListPresence handles GET /api/conversations/:id/presence
func (s *Server) ListPresence(c *fiber.Ctx) error {
	convID, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}
	list, err := s.activity.ListPresence(c.UserContext(), convID, middleware.UserID(c))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(list)
}

// SetPresence handles PUT /api/presence
func (s *Server) SetPresence(c *fiber.Ctx) error {
	var req PresenceRequest
	if err := bindBody(c, &req); err != nil {
		return respondError(c, err)
	}
	if err := s.activity.SetStatus(c.UserContext(), middleware.UserID(c), req.Status); err != nil {
		return respondError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}
