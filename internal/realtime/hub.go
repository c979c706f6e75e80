package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"loom/internal/eventlog"
	"loom/internal/models"
	"loom/internal/observability"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

// SequenceSource issues per-conversation sequence numbers.
type SequenceSource interface {
	Next(ctx context.Context, convID uint) (int64, error)
	Current(ctx context.Context, convID uint) (int64, error)
}

// EventStore is the durable log the hub records to and replays from.
type EventStore interface {
	Record(ctx context.Context, entry *models.EventLogEntry) error
	LoadAfter(ctx context.Context, convID uint, lastSeq int64, limit int) ([]models.EventLogEntry, error)
	LoadRecent(ctx context.Context, convID uint, limit int, order eventlog.Order) ([]models.EventLogEntry, error)
}

// HubConfig tunes delivery.
type HubConfig struct {
	QueueCapacity     int
	DropStrategy      DropStrategy
	WarnRatio         float64
	HeartbeatInterval time.Duration
	// RecentBuffer is how many published events each conversation keeps in
	// memory to bridge events not yet written to the log.
	RecentBuffer int
	// ReplayLimit caps how much history one reconnect may replay; a client
	// further behind must resynchronize.
	ReplayLimit int
	// MaxPending bounds the queue of log writes awaiting retry.
	MaxPending int
}

func (c HubConfig) withDefaults() HubConfig {
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 256
	}
	if c.DropStrategy == "" {
		c.DropStrategy = DropLowPriority
	}
	if c.WarnRatio <= 0 || c.WarnRatio > 1 {
		c.WarnRatio = 0.8
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	if c.RecentBuffer <= 0 {
		c.RecentBuffer = 256
	}
	if c.ReplayLimit <= 0 {
		c.ReplayLimit = 500
	}
	if c.MaxPending <= 0 {
		c.MaxPending = 10000
	}
	return c
}

const replayPageSize = 200

// SubscribeOptions selects where a new subscription starts.
type SubscribeOptions struct {
	ConversationID uint
	UserID         uint
	// Since is the last sequence the client saw; nil for a fresh connection.
	Since *int64
	// Recent prefills a fresh connection with up to this many past events.
	Recent int
}

// Hub is the per-process event stream multiplexer.
type Hub struct {
	seq    SequenceSource
	store  EventStore
	cfg    HubConfig
	logger *observability.StreamLogger
	now    func() time.Time

	mu    sync.Mutex
	convs map[uint]*convState

	pendingMu sync.Mutex
	pending   []models.EventLogEntry
}

type convState struct {
	mu      sync.Mutex
	subs    map[string]*Subscription
	recent  []Event // ascending by sequence
	head    int64
	primed  bool
	evicted bool
}

// NewHub creates a hub publishing through seq and recording into store.
func NewHub(seq SequenceSource, store EventStore, cfg HubConfig) *Hub {
	return &Hub{
		seq:    seq,
		store:  store,
		cfg:    cfg.withDefaults(),
		logger: observability.NewStreamLogger("conversation hub"),
		now:    time.Now,
		convs:  make(map[uint]*convState),
	}
}

// Name returns a human-readable identifier for this hub.
func (h *Hub) Name() string { return "conversation hub" }

// lock returns the conversation's state locked, creating it if needed.
func (h *Hub) lock(convID uint) *convState {
	for {
		h.mu.Lock()
		st, ok := h.convs[convID]
		if !ok {
			st = &convState{subs: make(map[string]*Subscription)}
			h.convs[convID] = st
		}
		h.mu.Unlock()

		st.mu.Lock()
		if !st.evicted {
			return st
		}
		st.mu.Unlock()
	}
}

// Publish assigns ev the conversation's next sequence, delivers it to every
// subscriber and records it in the log. Subscribers never wait on the log: a
// failed write is queued and retried by FlushPending.
func (h *Hub) Publish(ctx context.Context, ev Event) (Event, error) {
	if !ev.Type.Valid() {
		return ev, fmt.Errorf("publish: invalid event type %q", ev.Type)
	}
	if ev.ConversationID == 0 {
		return ev, errors.New("publish: missing conversation")
	}
	if len(ev.Payload) == 0 {
		ev.Payload = []byte(`{}`)
	}

	st := h.lock(ev.ConversationID)
	seq, err := h.seq.Next(ctx, ev.ConversationID)
	if err != nil {
		st.mu.Unlock()
		h.logger.LogError(ctx, ev.ConversationID, err, "assign_sequence")
		return ev, err
	}
	ev.Sequence = seq
	ev.ID = FormatID(ev.ConversationID, ev.RootID, ev.MessageID, seq)
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = h.now().UTC()
	}
	st.head = seq
	st.primed = true
	st.recent = append(st.recent, ev)
	if over := len(st.recent) - h.cfg.RecentBuffer; over > 0 {
		st.recent = append(st.recent[:0:0], st.recent[over:]...)
	}
	for id, sub := range st.subs {
		if !sub.deliver(ev) {
			h.forgetLocked(st, id, sub)
		}
	}
	st.mu.Unlock()

	observability.EventsPublished.WithLabelValues(string(ev.Type)).Inc()
	trace.SpanFromContext(ctx).SetAttributes(observability.AttrEventSequence.Int64(seq))

	entry := ev.Entry()
	if err := h.store.Record(ctx, &entry); err != nil {
		observability.EventLogRecordFailures.Inc()
		h.logger.LogError(ctx, ev.ConversationID, err, "record_event")
		h.queuePending(entry)
	}
	return ev, nil
}

// Subscribe registers a subscriber. With opts.Since set, everything after it
// is replayed before live events; live events published during the replay are
// held back and de-duplicated against it. A marker the log can no longer
// satisfy yields an error event with code resync_required followed by the
// most recent slice.
func (h *Hub) Subscribe(ctx context.Context, opts SubscribeOptions) (*Subscription, error) {
	if opts.ConversationID == 0 {
		return nil, models.NewValidationError("conversation is required")
	}
	if opts.Since != nil && *opts.Since < 0 {
		return nil, models.NewValidationError("invalid event marker")
	}

	sub := newSubscription(h, ctx, uuid.NewString(), opts.UserID, opts.ConversationID)

	st := h.lock(opts.ConversationID)
	if !st.primed {
		head, err := h.seq.Current(ctx, opts.ConversationID)
		if err != nil {
			st.mu.Unlock()
			return nil, fmt.Errorf("subscribe: current sequence: %w", err)
		}
		st.head = head
		st.primed = true
	}
	st.subs[sub.ID] = sub
	head := st.head
	ring := append([]Event(nil), st.recent...)
	st.mu.Unlock()

	observability.StreamSubscribers.Inc()
	h.logger.LogSubscribe(ctx, opts.UserID, opts.ConversationID, opts.Since)

	var (
		history []Event
		lastSeq = head
		err     error
	)
	switch {
	case opts.Since != nil:
		history, err = h.replay(ctx, opts.ConversationID, *opts.Since, head, ring)
	case opts.Recent > 0:
		history, err = h.recentSlice(ctx, opts.ConversationID, opts.Recent, head, ring)
	}
	if err != nil {
		sub.markClosed(ReasonClient)
		h.remove(sub)
		return nil, err
	}

	sub.goLive(history, lastSeq)
	return sub, nil
}

// replay builds the history for a reconnect at since, ending at head.
func (h *Hub) replay(ctx context.Context, convID uint, since, head int64, ring []Event) ([]Event, error) {
	if since == head {
		return nil, nil
	}
	if since > head {
		return h.resync(ctx, convID, since, head, ring)
	}

	history := make([]Event, 0, min(int(head-since), h.cfg.ReplayLimit))
	cursor := since
page:
	for cursor < head && len(history) < h.cfg.ReplayLimit {
		size := min(replayPageSize, h.cfg.ReplayLimit-len(history))
		entries, err := h.store.LoadAfter(ctx, convID, cursor, size)
		if err != nil {
			return nil, fmt.Errorf("replay: %w", err)
		}
		for _, entry := range entries {
			if entry.Sequence > head {
				break page
			}
			history = append(history, EventFromEntry(entry))
			cursor = entry.Sequence
		}
		if len(entries) < size {
			break
		}
	}
	history = mergeRing(history, ring, since, head)

	if !contiguous(history, since, head) {
		return h.resync(ctx, convID, since, head, ring)
	}
	observability.ReplaySize.Observe(float64(len(history)))
	return history, nil
}

// resync tells the client its marker cannot be honored and sends the most
// recent slice in its place.
func (h *Hub) resync(ctx context.Context, convID uint, since, head int64, ring []Event) ([]Event, error) {
	observability.ResyncRequired.Inc()
	h.logger.LogError(ctx, convID, fmt.Errorf("marker %d cannot be replayed (head %d)", since, head), "replay")

	recent, err := h.recentSlice(ctx, convID, h.cfg.RecentBuffer, head, ring)
	if err != nil {
		return nil, err
	}
	notice := errorEvent(convID, CodeResyncRequired,
		"events after your marker are no longer available; refetch conversation state", head, h.now())
	return append([]Event{notice}, recent...), nil
}

// recentSlice returns up to limit of the newest events up to head, oldest first.
func (h *Hub) recentSlice(ctx context.Context, convID uint, limit int, head int64, ring []Event) ([]Event, error) {
	entries, err := h.store.LoadRecent(ctx, convID, limit, eventlog.OldestFirst)
	if err != nil {
		return nil, fmt.Errorf("recent events: %w", err)
	}
	events := make([]Event, 0, len(entries)+len(ring))
	for _, entry := range entries {
		if entry.Sequence <= head {
			events = append(events, EventFromEntry(entry))
		}
	}
	var floor int64
	if len(events) > 0 {
		floor = events[0].Sequence - 1
	} else if len(ring) > 0 {
		floor = ring[0].Sequence - 1
	}
	events = mergeRing(events, ring, floor, head)
	if len(events) > limit {
		events = events[len(events)-limit:]
	}
	return events, nil
}

// mergeRing extends history (ascending, all > since) with ring events it lacks.
func mergeRing(history, ring []Event, since, head int64) []Event {
	last := since
	if n := len(history); n > 0 {
		last = history[n-1].Sequence
	}
	for _, ev := range ring {
		if ev.Sequence <= since || ev.Sequence > head {
			continue
		}
		if ev.Sequence <= last {
			// fill a hole the log left, keeping order
			i := insertionIndex(history, ev.Sequence)
			if i < len(history) && history[i].Sequence == ev.Sequence {
				continue
			}
			history = append(history, Event{})
			copy(history[i+1:], history[i:])
			history[i] = ev
			continue
		}
		history = append(history, ev)
		last = ev.Sequence
	}
	return history
}

func insertionIndex(events []Event, seq int64) int {
	lo, hi := 0, len(events)
	for lo < hi {
		mid := (lo + hi) / 2
		if events[mid].Sequence < seq {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// contiguous reports whether events hold exactly since+1..head.
func contiguous(events []Event, since, head int64) bool {
	if int64(len(events)) != head-since {
		return false
	}
	for i, ev := range events {
		if ev.Sequence != since+int64(i)+1 {
			return false
		}
	}
	return true
}

// remove unregisters sub from its conversation.
func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	st, ok := h.convs[sub.ConversationID]
	h.mu.Unlock()
	if !ok {
		return
	}
	st.mu.Lock()
	if cur, ok := st.subs[sub.ID]; ok && cur == sub {
		h.forgetLocked(st, sub.ID, sub)
	}
	st.mu.Unlock()
}

func (h *Hub) forgetLocked(st *convState, id string, sub *Subscription) {
	delete(st.subs, id)
	observability.StreamSubscribers.Dec()
	reason := sub.Reason()
	if reason != ReasonOverflow {
		observability.StreamDisconnects.WithLabelValues(reason).Inc()
	}
	h.logger.LogUnsubscribe(sub.ctx, sub.UserID, sub.ConversationID, reason)
}

// CloseUser ends every subscription userID holds on convID, e.g. after the
// user left or was removed from the conversation.
func (h *Hub) CloseUser(convID, userID uint) int {
	h.mu.Lock()
	st, ok := h.convs[convID]
	h.mu.Unlock()
	if !ok {
		return 0
	}
	st.mu.Lock()
	var victims []*Subscription
	for _, sub := range st.subs {
		if sub.UserID == userID {
			victims = append(victims, sub)
		}
	}
	st.mu.Unlock()

	for _, sub := range victims {
		if sub.markClosed(ReasonRemoved) {
			h.remove(sub)
		}
	}
	return len(victims)
}

// SubscriberCount returns the live subscriptions of convID.
func (h *Hub) SubscriberCount(convID uint) int {
	h.mu.Lock()
	st, ok := h.convs[convID]
	h.mu.Unlock()
	if !ok {
		return 0
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.subs)
}

func (h *Hub) queuePending(entry models.EventLogEntry) {
	h.pendingMu.Lock()
	defer h.pendingMu.Unlock()
	h.pending = append(h.pending, entry)
	if over := len(h.pending) - h.cfg.MaxPending; over > 0 {
		for _, lost := range h.pending[:over] {
			h.logger.LogError(context.Background(), lost.ConversationID,
				fmt.Errorf("pending event %d discarded", lost.Sequence), "record_event")
		}
		h.pending = append(h.pending[:0:0], h.pending[over:]...)
	}
}

// PendingCount returns the log writes awaiting retry.
func (h *Hub) PendingCount() int {
	h.pendingMu.Lock()
	defer h.pendingMu.Unlock()
	return len(h.pending)
}

// FlushPending retries log writes that failed during Publish, then releases
// the memory of conversations nobody is subscribed to.
func (h *Hub) FlushPending(ctx context.Context) error {
	h.pendingMu.Lock()
	batch := h.pending
	h.pending = nil
	h.pendingMu.Unlock()

	var errs []error
	for i := range batch {
		if err := h.store.Record(ctx, &batch[i]); err != nil {
			errs = append(errs, err)
			h.queuePending(batch[i])
		}
	}
	h.evictIdle()
	return errors.Join(errs...)
}

func (h *Hub) evictIdle() {
	h.pendingMu.Lock()
	waiting := make(map[uint]struct{}, len(h.pending))
	for _, entry := range h.pending {
		waiting[entry.ConversationID] = struct{}{}
	}
	h.pendingMu.Unlock()

	h.mu.Lock()
	defer h.mu.Unlock()
	for id, st := range h.convs {
		if _, ok := waiting[id]; ok {
			continue
		}
		st.mu.Lock()
		if len(st.subs) == 0 {
			st.evicted = true
			delete(h.convs, id)
		}
		st.mu.Unlock()
	}
}

// Shutdown closes every subscription and makes a last attempt at pending writes.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	states := make([]*convState, 0, len(h.convs))
	for _, st := range h.convs {
		states = append(states, st)
	}
	h.mu.Unlock()

	for _, st := range states {
		st.mu.Lock()
		subs := make([]*Subscription, 0, len(st.subs))
		for _, sub := range st.subs {
			subs = append(subs, sub)
		}
		st.mu.Unlock()
		for _, sub := range subs {
			if sub.markClosed(ReasonShutdown) {
				h.remove(sub)
			}
		}
	}
	return h.FlushPending(ctx)
}
