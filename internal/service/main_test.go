package service

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"loom/internal/cache"
	"loom/internal/database"
	"loom/internal/eventlog"
	"loom/internal/models"
	"loom/internal/realtime"
	"loom/internal/repository"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type testEnv struct {
	db       *gorm.DB
	convs    repository.ConversationRepository
	messages repository.MessageRepository
	hub      *realtime.Hub
	roles    *cache.RoleCache
	threads  *ThreadService
	members  *MembershipService
	activity *ActivityService
}

func setupEnv(t *testing.T, gate Gate) *testEnv {
	t.Helper()
	db, err := database.OpenSQLite(":memory:")
	require.NoError(t, err)

	e := &testEnv{
		db:       db,
		convs:    repository.NewConversationRepository(db),
		messages: repository.NewMessageRepository(db),
		roles:    cache.NewRoleCache(time.Minute),
	}
	e.hub = realtime.NewHub(
		eventlog.NewSequencer(db),
		eventlog.NewLog(repository.NewEventLogRepository(db)),
		realtime.HubConfig{HeartbeatInterval: time.Minute},
	)
	t.Cleanup(func() { _ = e.hub.Shutdown(context.Background()) })

	var ids atomic.Int64
	ids.Store(1_000)
	e.threads = NewThreadService(db, e.messages, e.convs, gate, e.hub, e.roles)
	e.threads.newID = func() int64 { return ids.Add(1) }
	e.members = NewMembershipService(db, e.convs, gate, e.hub, e.hub, e.roles)
	e.activity = NewActivityService(repository.NewActivityRepository(db), e.messages, e.convs, gate, e.hub, nil, e.roles, 0)
	return e
}

// seedConversation creates a group conversation owned by owner with the
// given extra members.
func (e *testEnv) seedConversation(t *testing.T, owner uint, members map[uint]models.Role) uint {
	t.Helper()
	ctx := context.Background()
	conv := &models.Conversation{Title: gofakeit.BuzzWord(), IsGroup: true, CreatedBy: owner}
	require.NoError(t, e.convs.Create(ctx, conv))
	now := time.Now().UTC()
	require.NoError(t, e.convs.AddParticipant(ctx, &models.Participant{
		ConversationID: conv.ID, UserID: owner, Role: models.RoleOwner, JoinedAt: now,
	}))
	for id, role := range members {
		require.NoError(t, e.convs.AddParticipant(ctx, &models.Participant{
			ConversationID: conv.ID, UserID: id, Role: role, JoinedAt: now,
		}))
	}
	return conv.ID
}

func (e *testEnv) subscribe(t *testing.T, convID, userID uint) *realtime.Subscription {
	t.Helper()
	sub, err := e.hub.Subscribe(context.Background(), realtime.SubscribeOptions{ConversationID: convID, UserID: userID})
	require.NoError(t, err)
	t.Cleanup(sub.Close)
	return sub
}

func nextEvent(t *testing.T, sub *realtime.Subscription) realtime.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ev, err := sub.Next(ctx)
	require.NoError(t, err)
	return ev
}

func requireCode(t *testing.T, err error, code string) {
	t.Helper()
	require.Error(t, err)
	require.Truef(t, models.IsCode(err, code), "want %s, got %v", code, err)
}
