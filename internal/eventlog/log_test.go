package eventlog

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"loom/internal/database"
	"loom/internal/models"
	"loom/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

func setup(t *testing.T) (*gorm.DB, *Log, *Sequencer) {
	t.Helper()
	db, err := database.OpenSQLite(":memory:")
	require.NoError(t, err)
	return db, NewLog(repository.NewEventLogRepository(db)), NewSequencer(db)
}

func publish(t *testing.T, l *Log, s *Sequencer, convID uint, n int, createdAt time.Time) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		seq, err := s.Next(ctx, convID)
		require.NoError(t, err)
		require.NoError(t, l.Record(ctx, &models.EventLogEntry{
			ConversationID: convID,
			Sequence:       seq,
			EventID:        "evt",
			EventType:      "thread.activity",
			Payload:        datatypes.JSON(`{}`),
			CreatedAt:      createdAt,
		}))
	}
}

func sequences(entries []models.EventLogEntry) []int64 {
	out := make([]int64, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Sequence)
	}
	return out
}

func TestSequencer_GapFreePerConversation(t *testing.T) {
	_, _, s := setup(t)
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		got, err := s.Next(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	got, err := s.Next(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got, "conversations have independent counters")

	cur, err := s.Current(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(3), cur)
	cur, err = s.Current(ctx, 99)
	require.NoError(t, err)
	assert.Zero(t, cur)
}

func TestSequencer_ConcurrentCallersGetDistinctValues(t *testing.T) {
	_, _, s := setup(t)
	const n = 50

	var mu sync.Mutex
	seen := make(map[int64]bool)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seq, err := s.Next(context.Background(), 1)
			assert.NoError(t, err)
			mu.Lock()
			seen[seq] = true
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, seen, n)
	for i := int64(1); i <= n; i++ {
		assert.True(t, seen[i], "missing sequence %d", i)
	}
}

func TestLog_RecordIsIdempotent(t *testing.T) {
	_, l, _ := setup(t)
	ctx := context.Background()
	entry := models.EventLogEntry{ConversationID: 1, Sequence: 1, EventID: "a", EventType: "thread.new", Payload: datatypes.JSON(`{}`)}

	first := entry
	require.NoError(t, l.Record(ctx, &first))
	retry := entry
	require.NoError(t, l.Record(ctx, &retry))

	all, err := l.LoadAfter(ctx, 1, 0, 10)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	assert.Error(t, l.Record(ctx, &models.EventLogEntry{ConversationID: 1}))
}

func TestLog_LoadRecentOrders(t *testing.T) {
	_, l, s := setup(t)
	publish(t, l, s, 1, 5, time.Now())
	ctx := context.Background()

	newest, err := l.LoadRecent(ctx, 1, 3, NewestFirst)
	require.NoError(t, err)
	assert.Equal(t, []int64{5, 4, 3}, sequences(newest))

	oldest, err := l.LoadRecent(ctx, 1, 3, OldestFirst)
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 4, 5}, sequences(oldest))
}

func TestLog_Replay(t *testing.T) {
	_, l, s := setup(t)
	publish(t, l, s, 1, 10, time.Now())
	ctx := context.Background()

	res, err := l.Replay(ctx, 1, 6, 100)
	require.NoError(t, err)
	assert.False(t, res.ResyncRequired)
	assert.Equal(t, []int64{7, 8, 9, 10}, sequences(res.Entries))

	res, err = l.Replay(ctx, 1, 10, 100)
	require.NoError(t, err)
	assert.False(t, res.ResyncRequired)
	assert.Empty(t, res.Entries)

	res, err = l.Replay(ctx, 1, 42, 100)
	require.NoError(t, err)
	assert.True(t, res.ResyncRequired, "marker ahead of the counter")
}

func TestLog_ReplayAfterPruneRequiresResync(t *testing.T) {
	_, l, s := setup(t)
	publish(t, l, s, 1, 10, time.Now())
	ctx := context.Background()

	_, err := l.Prune(ctx, 1, PrunePolicy{MaxEntries: 4, BatchSize: 2})
	require.NoError(t, err)

	res, err := l.Replay(ctx, 1, 3, 100)
	require.NoError(t, err)
	assert.True(t, res.ResyncRequired)

	res, err = l.Replay(ctx, 1, 6, 100)
	require.NoError(t, err)
	assert.False(t, res.ResyncRequired)
	assert.Equal(t, []int64{7, 8, 9, 10}, sequences(res.Entries))
}

func TestLog_PruneToCountCap(t *testing.T) {
	_, l, s := setup(t)
	const keep, extra = 20, 7
	publish(t, l, s, 1, keep+extra, time.Now())
	publish(t, l, s, 2, 3, time.Now())
	ctx := context.Background()

	deleted, err := l.Prune(ctx, 1, PrunePolicy{MaxEntries: keep, BatchSize: 3})
	require.NoError(t, err)
	assert.Equal(t, extra, deleted)

	left, err := l.LoadAfter(ctx, 1, 0, 100)
	require.NoError(t, err)
	require.Len(t, left, keep)
	assert.Equal(t, int64(extra+1), left[0].Sequence)
	assert.Equal(t, int64(keep+extra), left[keep-1].Sequence)

	other, err := l.LoadAfter(ctx, 2, 0, 100)
	require.NoError(t, err)
	assert.Len(t, other, 3, "other conversations untouched")
}

func TestLog_PruneByAge(t *testing.T) {
	_, l, s := setup(t)
	publish(t, l, s, 1, 6, time.Now().Add(-72*time.Hour))
	publish(t, l, s, 1, 2, time.Now())
	ctx := context.Background()

	deleted, err := l.Prune(ctx, 1, PrunePolicy{Retention: 24 * time.Hour, BatchSize: 4})
	require.NoError(t, err)
	assert.Equal(t, 6, deleted)

	left, err := l.LoadAfter(ctx, 1, 0, 100)
	require.NoError(t, err)
	assert.Equal(t, []int64{7, 8}, sequences(left))
}

type countingFlusher struct {
	calls int
	err   error
}

func (f *countingFlusher) FlushPending(context.Context) error {
	f.calls++
	return f.err
}

func TestPruner_RunOnce(t *testing.T) {
	_, l, s := setup(t)
	publish(t, l, s, 1, 12, time.Now())
	publish(t, l, s, 2, 12, time.Now())

	flusher := &countingFlusher{err: errors.New("still failing")}
	p := NewPruner(l, PrunePolicy{MaxEntries: 10, BatchSize: 100}, time.Hour, flusher)

	assert.Equal(t, 4, p.RunOnce(context.Background()))
	assert.Equal(t, 1, flusher.calls)
	assert.Equal(t, 0, p.RunOnce(context.Background()))
}

func TestPruner_StartStop(t *testing.T) {
	_, l, s := setup(t)
	publish(t, l, s, 1, 5, time.Now())

	p := NewPruner(l, PrunePolicy{MaxEntries: 2, BatchSize: 10}, 10*time.Millisecond, nil)
	p.Start()

	assert.Eventually(t, func() bool {
		left, err := l.LoadAfter(context.Background(), 1, 0, 100)
		return err == nil && len(left) == 2
	}, time.Second, 10*time.Millisecond)
	p.Stop()
}
