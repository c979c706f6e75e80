// Package models contains the persistent data structures of the delivery core.
package models

import "time"

// Role is a participant's standing inside a conversation.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
	RoleViewer Role = "viewer"
)

// Valid reports whether r is one of the known participant roles.
func (r Role) Valid() bool {
	switch r {
	case RoleOwner, RoleAdmin, RoleMember, RoleViewer:
		return true
	}
	return false
}

// CanModerate reports whether the role may manage members and other people's messages.
func (r Role) CanModerate() bool {
	return r == RoleOwner || r == RoleAdmin
}

// CanPost reports whether the role may create messages.
func (r Role) CanPost() bool {
	return r == RoleOwner || r == RoleAdmin || r == RoleMember
}

// Conversation is a forest of threads shared by its participants.
type Conversation struct {
	ID         uint       `gorm:"primaryKey" json:"id"`
	Title      string     `gorm:"size:255" json:"title"`
	IsGroup    bool       `gorm:"default:false" json:"is_group"`
	CreatedBy  uint       `gorm:"not null;index" json:"created_by"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	ArchivedAt *time.Time `gorm:"index" json:"archived_at,omitempty"`

	Participants []Participant `gorm:"foreignKey:ConversationID" json:"participants,omitempty"`
}

// Archived reports whether the conversation no longer accepts writes.
func (c *Conversation) Archived() bool {
	return c.ArchivedAt != nil
}

// Participant is one membership period of a user in a conversation.
// Rejoining creates a new row; at most one row per (conversation, user) has LeftAt == nil.
type Participant struct {
	ID             uint       `gorm:"primaryKey" json:"id"`
	ConversationID uint       `gorm:"not null;uniqueIndex:idx_participant_period,priority:1" json:"conversation_id"`
	UserID         uint       `gorm:"not null;uniqueIndex:idx_participant_period,priority:2;index" json:"user_id"`
	Role           Role       `gorm:"size:16;not null;default:member" json:"role"`
	JoinedAt       time.Time  `gorm:"not null;uniqueIndex:idx_participant_period,priority:3" json:"joined_at"`
	LeftAt         *time.Time `gorm:"index" json:"left_at,omitempty"`
}

// Active reports whether the membership period is still open.
func (p *Participant) Active() bool {
	return p.LeftAt == nil
}

// Invite lets a holder of Token join a conversation with Role.
type Invite struct {
	Token          string     `gorm:"primaryKey;size:36" json:"token"`
	ConversationID uint       `gorm:"not null;index" json:"conversation_id"`
	Role           Role       `gorm:"size:16;not null" json:"role"`
	CreatedBy      uint       `gorm:"not null" json:"created_by"`
	CreatedAt      time.Time  `json:"created_at"`
	ExpiresAt      time.Time  `gorm:"not null" json:"expires_at"`
	AcceptedBy     *uint      `json:"accepted_by,omitempty"`
	AcceptedAt     *time.Time `json:"accepted_at,omitempty"`
}
