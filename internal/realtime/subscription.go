package realtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"loom/internal/observability"
)

// DropStrategy decides what a full subscriber queue gives up.
type DropStrategy string

const (
	// DropLowPriority evicts the oldest queued low-priority event (deltas, typing,
	// presence), then the oldest normal one; control events survive.
	DropLowPriority DropStrategy = "drop_low_priority"
	DropOldest      DropStrategy = "drop_oldest"
	DropNewest      DropStrategy = "drop_newest"
	// Disconnect closes the subscription; the client reconnects with its marker.
	Disconnect DropStrategy = "disconnect"
)

// ParseDropStrategy validates a configured strategy name. Empty selects DropLowPriority.
func ParseDropStrategy(s string) (DropStrategy, error) {
	switch DropStrategy(strings.ToLower(strings.TrimSpace(s))) {
	case "", DropLowPriority:
		return DropLowPriority, nil
	case DropOldest:
		return DropOldest, nil
	case DropNewest:
		return DropNewest, nil
	case Disconnect:
		return Disconnect, nil
	}
	return "", fmt.Errorf("unknown drop strategy %q", s)
}

// ErrSubscriptionClosed is returned by Next once the stream has ended.
var ErrSubscriptionClosed = errors.New("subscription closed")

// Close reasons.
const (
	ReasonClient   = "client"
	ReasonOverflow = "overflow"
	ReasonShutdown = "shutdown"
	ReasonRemoved  = "removed"
)

// Subscription is one subscriber's view of a conversation stream. Delivery is
// pull based: the transport loops on Next.
type Subscription struct {
	ID             string
	UserID         uint
	ConversationID uint

	hub       *Hub
	ctx       context.Context
	capacity  int
	strategy  DropStrategy
	warnAt    int
	heartbeat time.Duration

	mu        sync.Mutex
	backlog   []Event // replayed history, not subject to capacity
	queue     []Event
	buffering bool
	buffered  []Event
	lastSeq   int64
	warned    bool
	dropped   int
	closed    bool
	reason    string
	cancels   []context.CancelFunc

	notify chan struct{}
	done   chan struct{}
}

func newSubscription(h *Hub, ctx context.Context, id string, userID, convID uint) *Subscription {
	cfg := h.cfg
	warnAt := int(float64(cfg.QueueCapacity) * cfg.WarnRatio)
	if warnAt < 1 {
		warnAt = 1
	}
	return &Subscription{
		ID:             id,
		UserID:         userID,
		ConversationID: convID,
		hub:            h,
		ctx:            context.WithoutCancel(ctx),
		capacity:       cfg.QueueCapacity,
		strategy:       cfg.DropStrategy,
		warnAt:         warnAt,
		heartbeat:      cfg.HeartbeatInterval,
		buffering:      true,
		notify:         make(chan struct{}, 1),
		done:           make(chan struct{}),
	}
}

// Next returns the next event, waiting up to the heartbeat interval. When
// nothing arrives in time a heartbeat event is returned instead.
func (s *Subscription) Next(ctx context.Context) (Event, error) {
	timer := time.NewTimer(s.heartbeat)
	defer timer.Stop()
	for {
		if ev, ok, err := s.pop(); ok || err != nil {
			return ev, err
		}
		select {
		case <-s.notify:
		case <-s.done:
			// drain anything queued before the close
			if ev, ok, _ := s.pop(); ok {
				return ev, nil
			}
			return Event{}, ErrSubscriptionClosed
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case <-timer.C:
			return heartbeatEvent(s.ConversationID, s.hub.now()), nil
		}
	}
}

func (s *Subscription) pop() (Event, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.backlog) > 0 {
		ev := s.backlog[0]
		s.backlog[0] = Event{}
		s.backlog = s.backlog[1:]
		return ev, true, nil
	}
	if len(s.queue) > 0 {
		ev := s.queue[0]
		s.queue[0] = Event{}
		s.queue = s.queue[1:]
		if s.warned && len(s.queue) < s.warnAt {
			s.warned = false
		}
		return ev, true, nil
	}
	if s.closed {
		return Event{}, false, ErrSubscriptionClosed
	}
	return Event{}, false, nil
}

// Len returns the number of events waiting, history included.
func (s *Subscription) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.backlog) + len(s.queue)
}

// Dropped returns how many live events backpressure has discarded.
func (s *Subscription) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Done is closed when the subscription ends.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Reason reports why the subscription ended, empty while open.
func (s *Subscription) Reason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Bind ties cancel to the subscription: closing it stops the bound task.
// Binding to an already closed subscription cancels immediately.
func (s *Subscription) Bind(cancel context.CancelFunc) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		return
	}
	s.cancels = append(s.cancels, cancel)
	s.mu.Unlock()
}

// Close ends the subscription and cancels bound tasks. Safe to call repeatedly.
func (s *Subscription) Close() {
	if s.markClosed(ReasonClient) {
		s.hub.remove(s)
	}
}

func (s *Subscription) markClosed(reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeLocked(reason)
}

func (s *Subscription) closeLocked(reason string) bool {
	if s.closed {
		return false
	}
	s.closed = true
	s.reason = reason
	s.buffered = nil
	for _, cancel := range s.cancels {
		cancel()
	}
	s.cancels = nil
	close(s.done)
	return true
}

// deliver hands a live event to the subscription. It reports false once the
// subscription is closed so the hub can forget it.
func (s *Subscription) deliver(ev Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if s.buffering {
		s.buffered = append(s.buffered, ev)
		return true
	}
	s.enqueueLocked(ev)
	return !s.closed
}

// goLive ends buffering: history is placed ahead of the queue and live events
// that arrived meanwhile are appended unless history already covered them.
func (s *Subscription) goLive(history []Event, lastSeq int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.backlog = history
	s.lastSeq = lastSeq
	s.buffering = false
	pending := s.buffered
	s.buffered = nil
	for _, ev := range pending {
		s.enqueueLocked(ev)
		if s.closed {
			return
		}
	}
	s.signal()
}

func (s *Subscription) enqueueLocked(ev Event) {
	if ev.Sequence > 0 {
		if ev.Sequence <= s.lastSeq {
			return
		}
		s.lastSeq = ev.Sequence
	}

	if len(s.queue) >= s.capacity {
		if !s.makeRoomLocked(ev) {
			return
		}
	}
	s.queue = append(s.queue, ev)

	if !s.warned && len(s.queue) >= s.warnAt {
		s.warned = true
		s.hub.logger.LogBackpressure(s.ctx, s.UserID, s.ConversationID, len(s.queue), s.capacity, "warn")
	}
	s.signal()
}

// makeRoomLocked applies the drop strategy to a full queue. It reports whether
// ev should still be appended.
func (s *Subscription) makeRoomLocked(ev Event) bool {
	switch s.strategy {
	case DropNewest:
		s.recordDrop(ev, "drop_newest")
		return false
	case DropOldest:
		s.recordDrop(s.queue[0], "drop_oldest")
		s.removeAt(0)
		return true
	case Disconnect:
		s.hub.logger.LogBackpressure(s.ctx, s.UserID, s.ConversationID, len(s.queue), s.capacity, "disconnect")
		observability.StreamDisconnects.WithLabelValues(ReasonOverflow).Inc()
		s.queue = append(s.queue, errorEvent(s.ConversationID, CodeOverflow,
			"delivery queue overflowed; reconnect with your last event id", s.lastSeq, s.hub.now()))
		s.closeLocked(ReasonOverflow)
		return false
	}

	incoming := ev.Type.Priority()
	for _, level := range []Priority{PriorityLow, PriorityNormal} {
		if level > incoming {
			break
		}
		if i := s.oldestAt(level); i >= 0 {
			s.recordDrop(s.queue[i], "drop_low_priority")
			s.removeAt(i)
			return true
		}
	}
	if incoming < PriorityControl {
		s.recordDrop(ev, "drop_low_priority")
		return false
	}
	// Only control events queued: the oldest one gives way.
	s.recordDrop(s.queue[0], "drop_low_priority")
	s.removeAt(0)
	return true
}

func (s *Subscription) oldestAt(p Priority) int {
	for i, ev := range s.queue {
		if ev.Type.Priority() == p {
			return i
		}
	}
	return -1
}

func (s *Subscription) removeAt(i int) {
	copy(s.queue[i:], s.queue[i+1:])
	s.queue[len(s.queue)-1] = Event{}
	s.queue = s.queue[:len(s.queue)-1]
}

func (s *Subscription) recordDrop(ev Event, strategy string) {
	s.dropped++
	observability.StreamBackpressureDrops.WithLabelValues(strategy, string(ev.Type)).Inc()
	s.hub.logger.LogBackpressure(s.ctx, s.UserID, s.ConversationID, len(s.queue), s.capacity, strategy)
}

func (s *Subscription) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}
