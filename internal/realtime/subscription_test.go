package realtime

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMemHub(cfg HubConfig) *Hub {
	return NewHub(newMemSequencer(), &memStore{}, cfg)
}

func publishTypes(t *testing.T, h *Hub, convID uint, types ...EventType) {
	t.Helper()
	for _, typ := range types {
		_, err := h.Publish(context.Background(), mustEvent(t, typ, convID))
		require.NoError(t, err)
	}
}

func types(events []Event) []EventType {
	out := make([]EventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

func TestParseDropStrategy(t *testing.T) {
	cases := map[string]DropStrategy{
		"":                  DropLowPriority,
		"drop_low_priority": DropLowPriority,
		" DROP_OLDEST ":     DropOldest,
		"drop_newest":       DropNewest,
		"disconnect":        Disconnect,
	}
	for in, want := range cases {
		got, err := ParseDropStrategy(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseDropStrategy("drop_everything")
	assert.Error(t, err)
}

func TestSubscription_DropLowPriorityKeepsControlEvents(t *testing.T) {
	hub := newMemHub(HubConfig{QueueCapacity: 3, DropStrategy: DropLowPriority})
	sub, err := hub.Subscribe(context.Background(), SubscribeOptions{ConversationID: 1, UserID: 1})
	require.NoError(t, err)

	publishTypes(t, hub, 1,
		EventMessageDelta, EventThreadActivity, EventMessageDelta, // fills the queue
		EventMessageDone,       // evicts the first delta
		EventMessageDone,       // evicts the second delta
		EventMessageDelta,      // no delta left to evict, so the new one is dropped
		EventMembershipChanged, // evicts the activity
	)

	got := drain(t, sub, 3)
	assert.Equal(t, []EventType{EventMessageDone, EventMessageDone, EventMembershipChanged}, types(got))
	assert.Equal(t, []int64{4, 5, 7}, sequences(got))
	assert.Equal(t, 4, sub.Dropped())
}

func TestSubscription_DropLowPriorityReplacesOldestDelta(t *testing.T) {
	hub := newMemHub(HubConfig{QueueCapacity: 2})
	sub, err := hub.Subscribe(context.Background(), SubscribeOptions{ConversationID: 1})
	require.NoError(t, err)

	publishTypes(t, hub, 1, EventMessageDelta, EventMessageDelta, EventMessageDelta)
	assert.Equal(t, []int64{2, 3}, sequences(drain(t, sub, 2)))
}

func TestSubscription_DropOldest(t *testing.T) {
	hub := newMemHub(HubConfig{QueueCapacity: 2, DropStrategy: DropOldest})
	sub, err := hub.Subscribe(context.Background(), SubscribeOptions{ConversationID: 1})
	require.NoError(t, err)

	publishTypes(t, hub, 1, EventMessageDone, EventThreadNew, EventMessageDelta)
	assert.Equal(t, []int64{2, 3}, sequences(drain(t, sub, 2)))
	assert.Equal(t, 1, sub.Dropped())
}

func TestSubscription_DropNewest(t *testing.T) {
	hub := newMemHub(HubConfig{QueueCapacity: 2, DropStrategy: DropNewest})
	sub, err := hub.Subscribe(context.Background(), SubscribeOptions{ConversationID: 1})
	require.NoError(t, err)

	publishTypes(t, hub, 1, EventThreadNew, EventThreadNew, EventMessageDone)
	assert.Equal(t, []int64{1, 2}, sequences(drain(t, sub, 2)))
	assert.Equal(t, 1, sub.Dropped())
}

func TestSubscription_DisconnectOnOverflow(t *testing.T) {
	hub := newMemHub(HubConfig{QueueCapacity: 2, DropStrategy: Disconnect})
	ctx := context.Background()
	sub, err := hub.Subscribe(ctx, SubscribeOptions{ConversationID: 1, UserID: 4})
	require.NoError(t, err)
	other, err := hub.Subscribe(ctx, SubscribeOptions{ConversationID: 1, UserID: 5})
	require.NoError(t, err)

	publishTypes(t, hub, 1, EventThreadNew, EventThreadNew)
	drain(t, other, 2)
	publishTypes(t, hub, 1, EventThreadNew)

	got := drain(t, sub, 3)
	assert.Equal(t, []int64{1, 2}, sequences(got[:2]))
	require.Equal(t, EventError, got[2].Type)
	var payload ErrorPayload
	require.NoError(t, json.Unmarshal(got[2].Payload, &payload))
	assert.Equal(t, CodeOverflow, payload.Code)
	assert.Equal(t, int64(3), payload.LatestSequence)

	_, err = sub.Next(ctx)
	assert.ErrorIs(t, err, ErrSubscriptionClosed)
	assert.Equal(t, ReasonOverflow, sub.Reason())

	// the slow subscriber's overflow leaves the others untouched
	assert.Equal(t, []int64{3}, sequences(drain(t, other, 1)))
	assert.Equal(t, 1, hub.SubscriberCount(1))
}

func TestSubscription_WarnsOnceAboveRatio(t *testing.T) {
	hub := newMemHub(HubConfig{QueueCapacity: 10, WarnRatio: 0.5})
	sub, err := hub.Subscribe(context.Background(), SubscribeOptions{ConversationID: 1})
	require.NoError(t, err)

	publishTypes(t, hub, 1, EventThreadNew, EventThreadNew, EventThreadNew, EventThreadNew)
	sub.mu.Lock()
	assert.False(t, sub.warned)
	sub.mu.Unlock()

	publishTypes(t, hub, 1, EventThreadNew)
	sub.mu.Lock()
	assert.True(t, sub.warned)
	sub.mu.Unlock()

	drain(t, sub, 2)
	sub.mu.Lock()
	assert.False(t, sub.warned, "re-armed once the queue drains below the mark")
	sub.mu.Unlock()
}

func TestSubscription_HeartbeatWhenIdle(t *testing.T) {
	hub := newMemHub(HubConfig{HeartbeatInterval: 20 * time.Millisecond})
	sub, err := hub.Subscribe(context.Background(), SubscribeOptions{ConversationID: 8})
	require.NoError(t, err)

	ev, err := sub.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, EventHeartbeat, ev.Type)
	assert.Equal(t, uint(8), ev.ConversationID)
	assert.Zero(t, ev.Sequence)
}

func TestSubscription_NextHonoursContext(t *testing.T) {
	hub := newMemHub(HubConfig{HeartbeatInterval: time.Minute})
	sub, err := hub.Subscribe(context.Background(), SubscribeOptions{ConversationID: 1})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = sub.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSubscription_CloseCancelsBoundTasks(t *testing.T) {
	hub := newMemHub(HubConfig{})
	sub, err := hub.Subscribe(context.Background(), SubscribeOptions{ConversationID: 1, UserID: 1})
	require.NoError(t, err)

	genCtx, cancel := context.WithCancel(context.Background())
	sub.Bind(cancel)

	sub.Close()
	sub.Close()
	select {
	case <-genCtx.Done():
	case <-time.After(testEventuallyTimeout):
		t.Fatal("bound task was not cancelled")
	}
	assert.Zero(t, hub.SubscriberCount(1))

	late, lateCancel := context.WithCancel(context.Background())
	sub.Bind(lateCancel)
	assert.Error(t, late.Err(), "binding to a closed subscription cancels at once")
}

func TestSubscription_CloseWakesWaitingReader(t *testing.T) {
	hub := newMemHub(HubConfig{HeartbeatInterval: time.Minute})
	sub, err := hub.Subscribe(context.Background(), SubscribeOptions{ConversationID: 1})
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := sub.Next(context.Background())
		errCh <- err
	}()
	time.Sleep(testPollInterval)
	sub.Close()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrSubscriptionClosed)
	case <-time.After(testEventuallyTimeout):
		t.Fatal("reader still blocked after close")
	}
}

func TestSubscription_BacklogIsNotSubjectToCapacity(t *testing.T) {
	hub := newMemHub(HubConfig{QueueCapacity: 2})
	publishTypes(t, hub, 1, EventMessageDelta, EventMessageDelta, EventMessageDelta, EventMessageDelta, EventMessageDelta)

	sub, err := hub.Subscribe(context.Background(), SubscribeOptions{ConversationID: 1, Since: int64p(0)})
	require.NoError(t, err)
	assert.Equal(t, seqRange(1, 5), sequences(drain(t, sub, 5)))
	assert.Zero(t, sub.Dropped())
}
