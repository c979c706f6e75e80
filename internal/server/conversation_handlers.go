package server

import (
	"time"

	"loom/internal/middleware"
	"loom/internal/models"
	"loom/internal/service"

	"github.com/gofiber/fiber/v2"
)

// CreateConversationRequest is the body of POST /api/conversations.
type CreateConversationRequest struct {
	Title     string `json:"title" validate:"max=255"`
	IsGroup   bool   `json:"is_group"`
	MemberIDs []uint `json:"member_ids" validate:"dive,gt=0"`
}

// MemberRequest is the body of member add and role change requests.
type MemberRequest struct {
	UserID uint        `json:"user_id"`
	Role   models.Role `json:"role" validate:"omitempty,oneof=owner admin member viewer"`
}

// InviteRequest is the body of POST /api/conversations/:id/invites.
type InviteRequest struct {
	Role       models.Role `json:"role" validate:"omitempty,oneof=admin member viewer"`
	TTLSeconds int64       `json:"ttl_seconds" validate:"gte=0,lte=2592000"`
}

// CreateConversation handles POST /api/conversations
func (s *Server) CreateConversation(c *fiber.Ctx) error {
	var req CreateConversationRequest
	if err := bindBody(c, &req); err != nil {
		return respondError(c, err)
	}

	conv, err := s.members.CreateConversation(c.UserContext(), service.CreateConversationInput{
		CreatorID: middleware.UserID(c),
		Title:     req.Title,
		IsGroup:   req.IsGroup,
		MemberIDs: req.MemberIDs,
	})
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(conv)
}

// ListConversations handles GET /api/conversations
func (s *Server) ListConversations(c *fiber.Ctx) error {
	convs, err := s.members.ListConversations(c.UserContext(), middleware.UserID(c))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(convs)
}

// GetConversation handles GET /api/conversations/:id
func (s *Server) GetConversation(c *fiber.Ctx) error {
	convID, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}
	conv, err := s.members.GetConversation(c.UserContext(), convID, middleware.UserID(c))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(conv)
}

// ArchiveConversation handles POST /api/conversations/:id/archive
func (s *Server) ArchiveConversation(c *fiber.Ctx) error {
	convID, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}
	if err := s.members.ArchiveConversation(c.UserContext(), convID, middleware.UserID(c)); err != nil {
		return respondError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// AddMember handles POST /api/conversations/:id/members
func (s *Server) AddMember(c *fiber.Ctx) error {
	convID, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}
	var req MemberRequest
	if err := bindBody(c, &req); err != nil {
		return respondError(c, err)
	}
	if req.UserID == 0 {
		return respondError(c, models.NewValidationError("user_id is required"))
	}

	p, err := s.members.AddMember(c.UserContext(), convID, middleware.UserID(c), req.UserID, req.Role)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(p)
}

// ChangeMemberRole handles PATCH /api/conversations/:id/members/:userId
func (s *Server) ChangeMemberRole(c *fiber.Ctx) error {
	convID, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}
	userID, err := s.parseID(c, "userId")
	if err != nil {
		return nil
	}
	var req MemberRequest
	if err := bindBody(c, &req); err != nil {
		return respondError(c, err)
	}
	if req.Role == "" {
		return respondError(c, models.NewValidationError("role is required"))
	}

	p, err := s.members.ChangeRole(c.UserContext(), convID, middleware.UserID(c), userID, req.Role)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(p)
}

// RemoveMember handles DELETE /api/conversations/:id/members/:userId
func (s *Server) RemoveMember(c *fiber.Ctx) error {
	convID, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}
	userID, err := s.parseID(c, "userId")
	if err != nil {
		return nil
	}
	if err := s.members.RemoveMember(c.UserContext(), convID, middleware.UserID(c), userID); err != nil {
		return respondError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// LeaveConversation handles POST /api/conversations/:id/leave
func (s *Server) LeaveConversation(c *fiber.Ctx) error {
	convID, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}
	if err := s.members.Leave(c.UserContext(), convID, middleware.UserID(c)); err != nil {
		return respondError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// CreateInvite handles POST /api/conversations/:id/invites
func (s *Server) CreateInvite(c *fiber.Ctx) error {
	convID, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}
	var req InviteRequest
	if len(c.Body()) > 0 {
		if err := bindBody(c, &req); err != nil {
			return respondError(c, err)
		}
	}

	inv, err := s.members.CreateInvite(c.UserContext(), convID, middleware.UserID(c), req.Role,
		time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(inv)
}

// AcceptInvite handles POST /api/invites/:token/accept
func (s *Server) AcceptInvite(c *fiber.Ctx) error {
	p, err := s.members.AcceptInvite(c.UserContext(), c.Params("token"), middleware.UserID(c))
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(p)
}
