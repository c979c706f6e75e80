package models

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"gorm.io/gorm"
)

// MessageRole is the semantic author role of a message.
type MessageRole string

const (
	MessageRoleUser      MessageRole = "user"
	MessageRoleAssistant MessageRole = "assistant"
	MessageRoleSystem    MessageRole = "system"
	MessageRoleTool      MessageRole = "tool"
)

// Valid reports whether r is a known message role.
func (r MessageRole) Valid() bool {
	switch r {
	case MessageRoleUser, MessageRoleAssistant, MessageRoleSystem, MessageRoleTool:
		return true
	}
	return false
}

// MessageStatus tracks whether a message's content is final.
type MessageStatus string

const (
	MessageStatusComplete  MessageStatus = "complete"
	MessageStatusStreaming MessageStatus = "streaming"
)

const (
	// LabelWidth is the fixed width of one path segment.
	LabelWidth = 13
	// PathSeparator sorts below every label character so a parent precedes its children.
	PathSeparator = "/"
)

var pathPattern = regexp.MustCompile(`^[0-9a-z]{13}(/[0-9a-z]{13})*$`)

// Message is a node of a conversation's thread forest.
type Message struct {
	ID             int64         `gorm:"primaryKey;autoIncrement:false" json:"id,string"`
	ConversationID uint          `gorm:"not null;index" json:"conversation_id"`
	ParentID       *int64        `gorm:"index" json:"parent_id,omitempty,string"`
	RootID         int64         `gorm:"not null;index:idx_messages_root_path,priority:1" json:"root_id,string"`
	AuthorID       uint          `gorm:"not null;index" json:"author_id"`
	Role           MessageRole   `gorm:"size:16;not null" json:"role"`
	Content        string        `gorm:"type:text;not null" json:"content"`
	Status         MessageStatus `gorm:"size:16;not null;default:complete" json:"status"`
	Path           string        `gorm:"size:1024;not null;index:idx_messages_root_path,priority:2" json:"path"`
	Depth          int           `gorm:"not null" json:"depth"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`

	EditedAt   *time.Time `json:"edited_at,omitempty"`
	EditedBy   *uint      `json:"edited_by,omitempty"`
	EditReason string     `gorm:"size:255" json:"edit_reason,omitempty"`

	DeletedAt    gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
	DeletedBy    *uint          `json:"deleted_by,omitempty"`
	DeleteReason string         `gorm:"size:255" json:"delete_reason,omitempty"`
}

// IsRoot reports whether the message starts a thread.
func (m *Message) IsRoot() bool {
	return m.ParentID == nil
}

// Deleted reports whether the message is soft-deleted.
func (m *Message) Deleted() bool {
	return m.DeletedAt.Valid
}

// MessageChunk is one ordered piece of a reply that is still being produced.
type MessageChunk struct {
	MessageID int64     `gorm:"primaryKey;autoIncrement:false" json:"message_id,string"`
	Idx       int       `gorm:"primaryKey;autoIncrement:false" json:"idx"`
	Content   string    `gorm:"type:text;not null" json:"content"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PathLabel encodes id as a fixed-width base36 segment. Ids are positive and
// time ordered, so lexicographic order of labels matches creation order.
func PathLabel(id int64) string {
	s := strconv.FormatInt(id, 36)
	if len(s) < LabelWidth {
		s = strings.Repeat("0", LabelWidth-len(s)) + s
	}
	return s
}

// ChildPath appends the label for id to parentPath. An empty parent yields a root path.
func ChildPath(parentPath string, id int64) string {
	if parentPath == "" {
		return PathLabel(id)
	}
	return parentPath + PathSeparator + PathLabel(id)
}

// PathDepth derives a node's depth from its path length alone.
func PathDepth(path string) int {
	if path == "" {
		return 0
	}
	return (len(path) + len(PathSeparator)) / (LabelWidth + len(PathSeparator))
}

// ValidPath reports whether path is a well-formed materialized path.
func ValidPath(path string) bool {
	return pathPattern.MatchString(path)
}

// PathIDs decodes the ids along path, root first. It returns nil for a
// malformed path.
func PathIDs(path string) []int64 {
	if !ValidPath(path) {
		return nil
	}
	labels := strings.Split(path, PathSeparator)
	ids := make([]int64, len(labels))
	for i, label := range labels {
		id, err := strconv.ParseInt(label, 36, 64)
		if err != nil {
			return nil
		}
		ids[i] = id
	}
	return ids
}
