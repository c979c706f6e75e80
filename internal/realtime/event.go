// Package realtime fans conversation events out to live subscribers. It assigns
// per-conversation sequence numbers, applies backpressure per subscriber and
// hands reconnecting clients from log replay to the live tail.
package realtime

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"loom/internal/models"

	"gorm.io/datatypes"
)

// EventType is the wire "type" of an event.
type EventType string

const (
	EventThreadNew         EventType = "thread.new"
	EventThreadActivity    EventType = "thread.activity"
	EventMessageDelta      EventType = "message.delta"
	EventMessageDone       EventType = "message.done"
	EventPresenceUpdate    EventType = "presence.update"
	EventTypingUpdate      EventType = "typing.update"
	EventUnreadUpdate      EventType = "unread.update"
	EventMembershipChanged EventType = "membership.changed"
	EventError             EventType = "error"

	// EventHeartbeat is transport-only; it never gets a sequence and is never logged.
	EventHeartbeat EventType = "heartbeat"
)

// Error codes carried in EventError payloads.
const (
	CodeResyncRequired = "resync_required"
	CodeOverflow       = "overflow"
)

// Priority orders events for the drop_low_priority strategy.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityControl
)

// Priority classifies t. Deltas and ephemeral activity are cheap to lose; terminal
// and control events are kept as long as possible.
func (t EventType) Priority() Priority {
	switch t {
	case EventMessageDelta, EventTypingUpdate, EventPresenceUpdate, EventHeartbeat:
		return PriorityLow
	case EventMessageDone, EventError, EventMembershipChanged:
		return PriorityControl
	default:
		return PriorityNormal
	}
}

// Valid reports whether t is a publishable event type.
func (t EventType) Valid() bool {
	switch t {
	case EventThreadNew, EventThreadActivity, EventMessageDelta, EventMessageDone,
		EventPresenceUpdate, EventTypingUpdate, EventUnreadUpdate, EventMembershipChanged, EventError:
		return true
	}
	return false
}

// Event is the envelope delivered to subscribers.
type Event struct {
	ID             string          `json:"id,omitempty"`
	Type           EventType       `json:"type"`
	ConversationID uint            `json:"conversation_id"`
	RootID         int64           `json:"root_id,omitempty,string"`
	MessageID      int64           `json:"message_id,omitempty,string"`
	Sequence       int64           `json:"sequence,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	CreatedAt      time.Time       `json:"created_at"`
}

// NewEvent builds an unsequenced event with payload marshaled to JSON.
func NewEvent(typ EventType, convID uint, rootID, messageID int64, payload interface{}) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	return Event{
		Type:           typ,
		ConversationID: convID,
		RootID:         rootID,
		MessageID:      messageID,
		Payload:        raw,
	}, nil
}

// ErrorPayload is the body of an EventError.
type ErrorPayload struct {
	Code           string `json:"code"`
	Message        string `json:"message"`
	LatestSequence int64  `json:"latest_sequence,omitempty"`
}

func errorEvent(convID uint, code, msg string, latest int64, now time.Time) Event {
	raw, _ := json.Marshal(ErrorPayload{Code: code, Message: msg, LatestSequence: latest})
	return Event{Type: EventError, ConversationID: convID, Payload: raw, CreatedAt: now}
}

func heartbeatEvent(convID uint, now time.Time) Event {
	return Event{Type: EventHeartbeat, ConversationID: convID, Payload: json.RawMessage(`{}`), CreatedAt: now}
}

// FormatID renders the stable client-side dedupe key of an event.
func FormatID(convID uint, rootID, messageID, seq int64) string {
	return fmt.Sprintf("%d:%d:%d:%d", convID, rootID, messageID, seq)
}

// ParseMarker extracts the sequence from a reconnect marker. Both a bare
// sequence and a full event id are accepted.
func ParseMarker(marker string) (int64, error) {
	marker = strings.TrimSpace(marker)
	if i := strings.LastIndexByte(marker, ':'); i >= 0 {
		marker = marker[i+1:]
	}
	seq, err := strconv.ParseInt(marker, 10, 64)
	if err != nil || seq < 0 {
		return 0, models.NewValidationError("invalid event marker")
	}
	return seq, nil
}

// Entry converts a sequenced event into its log row.
func (e Event) Entry() models.EventLogEntry {
	entry := models.EventLogEntry{
		ConversationID: e.ConversationID,
		Sequence:       e.Sequence,
		EventID:        e.ID,
		EventType:      string(e.Type),
		Payload:        datatypes.JSON(e.Payload),
		CreatedAt:      e.CreatedAt,
	}
	if e.RootID != 0 {
		root := e.RootID
		entry.RootID = &root
	}
	return entry
}

// EventFromEntry rebuilds the event a log row was recorded from.
func EventFromEntry(entry models.EventLogEntry) Event {
	ev := Event{
		ID:             entry.EventID,
		Type:           EventType(entry.EventType),
		ConversationID: entry.ConversationID,
		Sequence:       entry.Sequence,
		Payload:        json.RawMessage(entry.Payload),
		CreatedAt:      entry.CreatedAt,
	}
	if entry.RootID != nil {
		ev.RootID = *entry.RootID
	}
	if parts := strings.Split(entry.EventID, ":"); len(parts) == 4 {
		ev.MessageID, _ = strconv.ParseInt(parts[2], 10, 64)
	}
	if len(ev.Payload) == 0 {
		ev.Payload = json.RawMessage(`{}`)
	}
	return ev
}
