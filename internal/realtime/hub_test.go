package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"loom/internal/database"
	"loom/internal/eventlog"
	"loom/internal/models"
	"loom/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testEventuallyTimeout = time.Second
	testPollInterval      = 10 * time.Millisecond
)

// memSequencer is an in-process SequenceSource.
type memSequencer struct {
	mu   sync.Mutex
	last map[uint]int64
}

func newMemSequencer() *memSequencer { return &memSequencer{last: make(map[uint]int64)} }

func (s *memSequencer) Next(_ context.Context, convID uint) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last[convID]++
	return s.last[convID], nil
}

func (s *memSequencer) Current(_ context.Context, convID uint) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last[convID], nil
}

// flakyStore fails Record while failing is set.
type flakyStore struct {
	EventStore
	failing atomic.Bool
}

func (s *flakyStore) Record(ctx context.Context, entry *models.EventLogEntry) error {
	if s.failing.Load() {
		return errors.New("log unavailable")
	}
	return s.EventStore.Record(ctx, entry)
}

type hubFixture struct {
	hub   *Hub
	log   *eventlog.Log
	store *flakyStore
}

func setupHub(t *testing.T, cfg HubConfig) hubFixture {
	t.Helper()
	db, err := database.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	log := eventlog.NewLog(repository.NewEventLogRepository(db))
	store := &flakyStore{EventStore: log}
	hub := NewHub(eventlog.NewSequencer(db), store, cfg)
	t.Cleanup(func() { _ = hub.Shutdown(context.Background()) })
	return hubFixture{hub: hub, log: log, store: store}
}

func publishN(t *testing.T, h *Hub, convID uint, n int) []Event {
	t.Helper()
	out := make([]Event, 0, n)
	for i := 0; i < n; i++ {
		ev, err := NewEvent(EventThreadActivity, convID, 100, int64(200+i), map[string]int{"n": i})
		require.NoError(t, err)
		ev, err = h.Publish(context.Background(), ev)
		require.NoError(t, err)
		out = append(out, ev)
	}
	return out
}

// drain reads until n sequenced (non-heartbeat) events arrived.
func drain(t *testing.T, sub *Subscription, n int) []Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var got []Event
	for len(got) < n {
		ev, err := sub.Next(ctx)
		require.NoError(t, err)
		if ev.Type == EventHeartbeat {
			continue
		}
		got = append(got, ev)
	}
	return got
}

func sequences(events []Event) []int64 {
	out := make([]int64, len(events))
	for i, ev := range events {
		out[i] = ev.Sequence
	}
	return out
}

func seqRange(from, to int64) []int64 {
	var out []int64
	for s := from; s <= to; s++ {
		out = append(out, s)
	}
	return out
}

func int64p(v int64) *int64 { return &v }

func TestHub_PublishAssignsSequenceAndRecords(t *testing.T) {
	f := setupHub(t, HubConfig{})
	ctx := context.Background()

	published := publishN(t, f.hub, 7, 3)
	assert.Equal(t, []int64{1, 2, 3}, sequences(published))
	assert.Equal(t, "7:100:200:1", published[0].ID)

	entries, err := f.log.LoadAfter(ctx, 7, 0, 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "7:100:202:3", entries[2].EventID)
	assert.Equal(t, string(EventThreadActivity), entries[2].EventType)
	require.NotNil(t, entries[2].RootID)
	assert.Equal(t, int64(100), *entries[2].RootID)

	other := publishN(t, f.hub, 8, 1)
	assert.Equal(t, int64(1), other[0].Sequence, "sequences are per conversation")
}

func TestHub_PublishRejectsInvalidEvents(t *testing.T) {
	f := setupHub(t, HubConfig{})
	_, err := f.hub.Publish(context.Background(), Event{Type: "bogus", ConversationID: 1})
	assert.Error(t, err)
	_, err = f.hub.Publish(context.Background(), Event{Type: EventThreadNew})
	assert.Error(t, err)
	_, err = f.hub.Publish(context.Background(), Event{Type: EventHeartbeat, ConversationID: 1})
	assert.Error(t, err, "heartbeats are not published")
}

func TestHub_FanOutToEverySubscriber(t *testing.T) {
	f := setupHub(t, HubConfig{})
	ctx := context.Background()

	a, err := f.hub.Subscribe(ctx, SubscribeOptions{ConversationID: 3, UserID: 1})
	require.NoError(t, err)
	b, err := f.hub.Subscribe(ctx, SubscribeOptions{ConversationID: 3, UserID: 2})
	require.NoError(t, err)
	elsewhere, err := f.hub.Subscribe(ctx, SubscribeOptions{ConversationID: 4, UserID: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, f.hub.SubscriberCount(3))

	publishN(t, f.hub, 3, 2)

	assert.Equal(t, []int64{1, 2}, sequences(drain(t, a, 2)))
	assert.Equal(t, []int64{1, 2}, sequences(drain(t, b, 2)))
	assert.Zero(t, elsewhere.Len())
}

func TestHub_ConcurrentPublishersDeliverInSequenceOrder(t *testing.T) {
	f := setupHub(t, HubConfig{QueueCapacity: 512})
	ctx := context.Background()
	sub, err := f.hub.Subscribe(ctx, SubscribeOptions{ConversationID: 9, UserID: 1})
	require.NoError(t, err)

	const writers, perWriter = 8, 10
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				ev, _ := NewEvent(EventThreadActivity, 9, 1, 1, nil)
				_, err := f.hub.Publish(ctx, ev)
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	got := drain(t, sub, writers*perWriter)
	assert.Equal(t, seqRange(1, writers*perWriter), sequences(got))
}

func TestHub_ReplayThenLive(t *testing.T) {
	f := setupHub(t, HubConfig{})
	ctx := context.Background()
	publishN(t, f.hub, 5, 5)

	sub, err := f.hub.Subscribe(ctx, SubscribeOptions{ConversationID: 5, UserID: 1, Since: int64p(2)})
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 4, 5}, sequences(drain(t, sub, 3)))

	publishN(t, f.hub, 5, 1)
	assert.Equal(t, []int64{6}, sequences(drain(t, sub, 1)))
}

func TestHub_ReplayAtHeadIsLiveOnly(t *testing.T) {
	f := setupHub(t, HubConfig{})
	publishN(t, f.hub, 5, 4)

	sub, err := f.hub.Subscribe(context.Background(), SubscribeOptions{ConversationID: 5, Since: int64p(4)})
	require.NoError(t, err)
	assert.Zero(t, sub.Len())
}

// A client reconnecting while publishers keep writing sees exactly what a
// client that never disconnected sees.
func TestHub_ReconnectMatchesUninterruptedClient(t *testing.T) {
	f := setupHub(t, HubConfig{QueueCapacity: 1024})
	ctx := context.Background()

	steady, err := f.hub.Subscribe(ctx, SubscribeOptions{ConversationID: 11, UserID: 1})
	require.NoError(t, err)
	publishN(t, f.hub, 11, 20)

	const more = 60
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < more; i++ {
			ev, _ := NewEvent(EventMessageDelta, 11, 1, 2, map[string]int{"i": i})
			_, err := f.hub.Publish(ctx, ev)
			assert.NoError(t, err)
		}
	}()

	time.Sleep(time.Millisecond)
	reconnect, err := f.hub.Subscribe(ctx, SubscribeOptions{ConversationID: 11, UserID: 1, Since: int64p(7)})
	require.NoError(t, err)
	<-done

	all := sequences(drain(t, steady, 20+more))
	resumed := sequences(drain(t, reconnect, 20+more-7))
	assert.Equal(t, all[7:], resumed)
	assert.Equal(t, seqRange(8, 20+more), resumed)
	assert.Zero(t, reconnect.Len())
}

func TestHub_ReplayBridgesEventsMissingFromLog(t *testing.T) {
	f := setupHub(t, HubConfig{})
	ctx := context.Background()
	publishN(t, f.hub, 2, 2)

	f.store.failing.Store(true)
	publishN(t, f.hub, 2, 3)
	assert.Equal(t, 3, f.hub.PendingCount())

	sub, err := f.hub.Subscribe(ctx, SubscribeOptions{ConversationID: 2, Since: int64p(1)})
	require.NoError(t, err)
	got := drain(t, sub, 4)
	assert.Equal(t, []int64{2, 3, 4, 5}, sequences(got))
}

func TestHub_FailedRecordIsRetried(t *testing.T) {
	f := setupHub(t, HubConfig{})
	ctx := context.Background()
	sub, err := f.hub.Subscribe(ctx, SubscribeOptions{ConversationID: 6, UserID: 1})
	require.NoError(t, err)

	f.store.failing.Store(true)
	publishN(t, f.hub, 6, 2)
	assert.Equal(t, []int64{1, 2}, sequences(drain(t, sub, 2)), "live delivery does not wait on the log")
	assert.Equal(t, 2, f.hub.PendingCount())

	assert.Error(t, f.hub.FlushPending(ctx))
	assert.Equal(t, 2, f.hub.PendingCount())

	f.store.failing.Store(false)
	require.NoError(t, f.hub.FlushPending(ctx))
	assert.Zero(t, f.hub.PendingCount())

	entries, err := f.log.LoadAfter(ctx, 6, 0, 10)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestHub_ResyncWhenMarkerWasPruned(t *testing.T) {
	f := setupHub(t, HubConfig{RecentBuffer: 4})
	ctx := context.Background()
	publishN(t, f.hub, 12, 10)

	deleted, err := f.log.Prune(ctx, 12, eventlog.PrunePolicy{MaxEntries: 3, BatchSize: 2})
	require.NoError(t, err)
	require.Equal(t, 7, deleted)

	// a fresh process has nothing in memory to bridge the gap
	fresh := NewHub(f.hub.seq, f.store, HubConfig{RecentBuffer: 4})
	sub, err := fresh.Subscribe(ctx, SubscribeOptions{ConversationID: 12, Since: int64p(2)})
	require.NoError(t, err)

	got := drain(t, sub, 4)
	require.Equal(t, EventError, got[0].Type)
	var payload ErrorPayload
	require.NoError(t, json.Unmarshal(got[0].Payload, &payload))
	assert.Equal(t, CodeResyncRequired, payload.Code)
	assert.Equal(t, int64(10), payload.LatestSequence)
	assert.Equal(t, []int64{8, 9, 10}, sequences(got[1:]))

	_, err = fresh.Publish(ctx, mustEvent(t, EventThreadActivity, 12))
	require.NoError(t, err)
	assert.Equal(t, []int64{11}, sequences(drain(t, sub, 1)))
}

func TestHub_ResyncWhenMarkerIsAhead(t *testing.T) {
	f := setupHub(t, HubConfig{})
	publishN(t, f.hub, 13, 2)

	sub, err := f.hub.Subscribe(context.Background(), SubscribeOptions{ConversationID: 13, Since: int64p(50)})
	require.NoError(t, err)
	got := drain(t, sub, 3)
	assert.Equal(t, EventError, got[0].Type)
	assert.Equal(t, []int64{1, 2}, sequences(got[1:]))
}

func TestHub_ResyncWhenReplayExceedsLimit(t *testing.T) {
	f := setupHub(t, HubConfig{ReplayLimit: 5, RecentBuffer: 3})
	publishN(t, f.hub, 14, 12)

	sub, err := f.hub.Subscribe(context.Background(), SubscribeOptions{ConversationID: 14, Since: int64p(1)})
	require.NoError(t, err)
	got := drain(t, sub, 4)
	assert.Equal(t, EventError, got[0].Type)
	assert.Equal(t, []int64{10, 11, 12}, sequences(got[1:]))
}

func TestHub_FreshSubscribeWithRecent(t *testing.T) {
	f := setupHub(t, HubConfig{})
	publishN(t, f.hub, 15, 6)

	sub, err := f.hub.Subscribe(context.Background(), SubscribeOptions{ConversationID: 15, Recent: 2})
	require.NoError(t, err)
	assert.Equal(t, []int64{5, 6}, sequences(drain(t, sub, 2)))
}

func TestHub_SubscribeValidatesInput(t *testing.T) {
	f := setupHub(t, HubConfig{})
	_, err := f.hub.Subscribe(context.Background(), SubscribeOptions{})
	assert.True(t, models.IsCode(err, models.CodeValidation))
	_, err = f.hub.Subscribe(context.Background(), SubscribeOptions{ConversationID: 1, Since: int64p(-1)})
	assert.True(t, models.IsCode(err, models.CodeValidation))
}

func TestHub_CloseUserEndsOnlyThatUsersStreams(t *testing.T) {
	f := setupHub(t, HubConfig{})
	ctx := context.Background()
	gone, err := f.hub.Subscribe(ctx, SubscribeOptions{ConversationID: 16, UserID: 1})
	require.NoError(t, err)
	stays, err := f.hub.Subscribe(ctx, SubscribeOptions{ConversationID: 16, UserID: 2})
	require.NoError(t, err)

	assert.Equal(t, 1, f.hub.CloseUser(16, 1))
	assert.Equal(t, ReasonRemoved, gone.Reason())
	_, err = gone.Next(ctx)
	assert.ErrorIs(t, err, ErrSubscriptionClosed)

	publishN(t, f.hub, 16, 1)
	assert.Len(t, drain(t, stays, 1), 1)
	assert.Equal(t, 1, f.hub.SubscriberCount(16))
}

func TestHub_EvictIdleKeepsSequenceContinuity(t *testing.T) {
	hub := NewHub(newMemSequencer(), &memStore{}, HubConfig{})
	ctx := context.Background()
	publishN(t, hub, 17, 3)

	require.NoError(t, hub.FlushPending(ctx))
	hub.mu.Lock()
	_, kept := hub.convs[17]
	hub.mu.Unlock()
	assert.False(t, kept, "idle conversation released")

	sub, err := hub.Subscribe(ctx, SubscribeOptions{ConversationID: 17, Since: int64p(1)})
	require.NoError(t, err)
	publishN(t, hub, 17, 1)
	assert.Equal(t, []int64{2, 3, 4}, sequences(drain(t, sub, 3)))
}

func TestHub_ShutdownClosesSubscriptions(t *testing.T) {
	hub := NewHub(newMemSequencer(), &memStore{}, HubConfig{})
	sub, err := hub.Subscribe(context.Background(), SubscribeOptions{ConversationID: 1, UserID: 1})
	require.NoError(t, err)

	require.NoError(t, hub.Shutdown(context.Background()))
	assert.Equal(t, ReasonShutdown, sub.Reason())
	assert.Zero(t, hub.SubscriberCount(1))
}

// memStore keeps log rows in memory.
type memStore struct {
	mu      sync.Mutex
	entries map[uint]map[int64]models.EventLogEntry
}

func (s *memStore) Record(_ context.Context, entry *models.EventLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entries == nil {
		s.entries = make(map[uint]map[int64]models.EventLogEntry)
	}
	if s.entries[entry.ConversationID] == nil {
		s.entries[entry.ConversationID] = make(map[int64]models.EventLogEntry)
	}
	s.entries[entry.ConversationID][entry.Sequence] = *entry
	return nil
}

func (s *memStore) sorted(convID uint) []models.EventLogEntry {
	out := make([]models.EventLogEntry, 0, len(s.entries[convID]))
	for _, e := range s.entries[convID] {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out
}

func (s *memStore) LoadAfter(_ context.Context, convID uint, lastSeq int64, limit int) ([]models.EventLogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.EventLogEntry
	for _, e := range s.sorted(convID) {
		if e.Sequence > lastSeq && len(out) < limit {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *memStore) LoadRecent(_ context.Context, convID uint, limit int, order eventlog.Order) ([]models.EventLogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.sorted(convID)
	if len(all) > limit {
		all = all[len(all)-limit:]
	}
	if order == eventlog.NewestFirst {
		sort.Slice(all, func(i, j int) bool { return all[i].Sequence > all[j].Sequence })
	}
	return all, nil
}

func mustEvent(t *testing.T, typ EventType, convID uint) Event {
	t.Helper()
	ev, err := NewEvent(typ, convID, 1, 1, map[string]string{"k": "v"})
	require.NoError(t, err)
	return ev
}
