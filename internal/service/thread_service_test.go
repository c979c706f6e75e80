package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"loom/internal/models"
	"loom/internal/ratelimit"
	"loom/internal/realtime"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	userA uint = 1
	userB uint = 2
	userC uint = 3
)

func activityOf(t *testing.T, ev realtime.Event) ActivityPayload {
	t.Helper()
	var p ActivityPayload
	require.NoError(t, json.Unmarshal(ev.Payload, &p))
	return p
}

func TestThreadService_ConversationScenario(t *testing.T) {
	e := setupEnv(t, nil)
	ctx := context.Background()
	convID := e.seedConversation(t, userA, map[uint]models.Role{userB: models.RoleMember})
	sub := e.subscribe(t, convID, userA)

	root, err := e.threads.CreateRoot(ctx, CreateRootInput{ConversationID: convID, AuthorID: userA, Content: "Hello"})
	require.NoError(t, err)
	assert.Equal(t, 1, root.Depth)
	assert.Equal(t, root.ID, root.RootID)
	assert.Nil(t, root.ParentID)

	reply, err := e.threads.Reply(ctx, ReplyInput{ParentID: root.ID, AuthorID: userB, Content: "Hi"})
	require.NoError(t, err)
	assert.Equal(t, 2, reply.Depth)
	assert.Equal(t, root.ID, reply.RootID)
	require.NotNil(t, reply.ParentID)
	assert.Equal(t, root.ID, *reply.ParentID)

	edited, err := e.threads.Edit(ctx, EditInput{MessageID: root.ID, ActorID: userA, Content: "Hello, everyone", Reason: "typo"})
	require.NoError(t, err)
	assert.Equal(t, "Hello, everyone", edited.Content)
	assert.NotNil(t, edited.EditedAt)

	_, err = e.threads.SoftDelete(ctx, root.ID, userB, "")
	requireCode(t, err, models.CodeNotAuthorized)

	_, err = e.threads.SoftDelete(ctx, reply.ID, userA, "off topic")
	require.NoError(t, err)

	page, err := e.threads.GetSubtree(ctx, root.ID, userB, "", 0)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, root.ID, page[0].ID)

	hidden, err := e.threads.GetMessage(ctx, reply.ID, userB)
	require.NoError(t, err)
	assert.True(t, hidden.Deleted())
	assert.Empty(t, hidden.Content, "members do not see deleted content")
	visible, err := e.threads.GetMessage(ctx, reply.ID, userA)
	require.NoError(t, err)
	assert.Equal(t, "Hi", visible.Content)

	want := []struct {
		typ    realtime.EventType
		action string
	}{
		{realtime.EventThreadNew, ""},
		{realtime.EventThreadActivity, ActionReply},
		{realtime.EventThreadActivity, ActionEdited},
		{realtime.EventThreadActivity, ActionDeleted},
	}
	for i, w := range want {
		ev := nextEvent(t, sub)
		assert.Equal(t, w.typ, ev.Type)
		assert.Equal(t, int64(i+1), ev.Sequence)
		assert.Equal(t, root.ID, ev.RootID)
		assert.Equal(t, w.action, activityOf(t, ev).Action)
	}
}

func TestThreadService_PathsEncodeAncestry(t *testing.T) {
	e := setupEnv(t, nil)
	ctx := context.Background()
	convID := e.seedConversation(t, userA, map[uint]models.Role{userB: models.RoleMember})

	root, err := e.threads.CreateRoot(ctx, CreateRootInput{ConversationID: convID, AuthorID: userA, Content: gofakeit.Sentence(5)})
	require.NoError(t, err)

	nodes := []*models.Message{root}
	for i := 0; i < 20; i++ {
		parent := nodes[gofakeit.Number(0, len(nodes)-1)]
		author := []uint{userA, userB}[i%2]
		msg, err := e.threads.Reply(ctx, ReplyInput{ParentID: parent.ID, AuthorID: author, Content: gofakeit.Sentence(4)})
		require.NoError(t, err)

		assert.Equal(t, parent.Path+models.PathSeparator+models.PathLabel(msg.ID), msg.Path)
		assert.Equal(t, parent.Depth+1, msg.Depth)
		assert.Equal(t, models.PathDepth(msg.Path), msg.Depth)
		assert.Equal(t, root.ID, msg.RootID)
		assert.True(t, strings.HasPrefix(msg.Path, root.Path))
		nodes = append(nodes, msg)
	}
}

func TestThreadService_SubtreePaginationHasNoGapsOrOverlap(t *testing.T) {
	e := setupEnv(t, nil)
	ctx := context.Background()
	convID := e.seedConversation(t, userA, nil)

	root, err := e.threads.CreateRoot(ctx, CreateRootInput{ConversationID: convID, AuthorID: userA, Content: "root"})
	require.NoError(t, err)
	parent := root
	for i := 0; i < 7; i++ {
		if i%3 == 0 {
			parent = root
		}
		msg, err := e.threads.Reply(ctx, ReplyInput{ParentID: parent.ID, AuthorID: userA, Content: gofakeit.Word()})
		require.NoError(t, err)
		parent = msg
	}

	all, err := e.threads.GetSubtree(ctx, root.ID, userA, "", 100)
	require.NoError(t, err)
	require.Len(t, all, 8)

	var paged []*models.Message
	cursor := ""
	for {
		page, err := e.threads.GetSubtree(ctx, root.ID, userA, cursor, 3)
		require.NoError(t, err)
		if len(page) == 0 {
			break
		}
		paged = append(paged, page...)
		cursor = page[len(page)-1].Path
	}
	require.Len(t, paged, len(all))
	for i := range all {
		assert.Equal(t, all[i].ID, paged[i].ID)
		if i > 0 {
			assert.Less(t, all[i-1].Path, all[i].Path)
		}
	}
}

func TestThreadService_SubtreeRejectsBadInput(t *testing.T) {
	e := setupEnv(t, nil)
	ctx := context.Background()
	convID := e.seedConversation(t, userA, nil)
	root, err := e.threads.CreateRoot(ctx, CreateRootInput{ConversationID: convID, AuthorID: userA, Content: "root"})
	require.NoError(t, err)
	reply, err := e.threads.Reply(ctx, ReplyInput{ParentID: root.ID, AuthorID: userA, Content: "reply"})
	require.NoError(t, err)

	_, err = e.threads.GetSubtree(ctx, reply.ID, userA, "", 10)
	requireCode(t, err, models.CodeNotFound)

	_, err = e.threads.GetSubtree(ctx, root.ID, userA, "not a path", 10)
	requireCode(t, err, models.CodeValidation)

	_, err = e.threads.GetSubtree(ctx, root.ID, userC, "", 10)
	requireCode(t, err, models.CodeNotAuthorized)

	_, err = e.threads.GetSubtree(ctx, 424242, userA, "", 10)
	requireCode(t, err, models.CodeNotFound)
}

func TestThreadService_WriteRules(t *testing.T) {
	e := setupEnv(t, nil)
	ctx := context.Background()
	convID := e.seedConversation(t, userA, map[uint]models.Role{userB: models.RoleViewer})

	_, err := e.threads.CreateRoot(ctx, CreateRootInput{ConversationID: convID, AuthorID: userA, Content: "   "})
	requireCode(t, err, models.CodeValidation)

	_, err = e.threads.CreateRoot(ctx, CreateRootInput{ConversationID: convID, AuthorID: userB, Content: "hi"})
	requireCode(t, err, models.CodeNotAuthorized)

	_, err = e.threads.CreateRoot(ctx, CreateRootInput{ConversationID: convID, AuthorID: 0, Content: "hi"})
	requireCode(t, err, models.CodeSessionRequired)

	_, err = e.threads.CreateRoot(ctx, CreateRootInput{ConversationID: convID, AuthorID: userA, Content: "hi", Role: "robot"})
	requireCode(t, err, models.CodeValidation)

	root, err := e.threads.CreateRoot(ctx, CreateRootInput{ConversationID: convID, AuthorID: userA, Content: "hi"})
	require.NoError(t, err)

	_, err = e.threads.Edit(ctx, EditInput{MessageID: root.ID, ActorID: userB, Content: "mine now"})
	requireCode(t, err, models.CodeNotAuthorized)

	_, err = e.threads.Restore(ctx, root.ID, userA)
	requireCode(t, err, models.CodeConflict)

	_, err = e.threads.SoftDelete(ctx, root.ID, userA, "")
	require.NoError(t, err)
	_, err = e.threads.Reply(ctx, ReplyInput{ParentID: root.ID, AuthorID: userA, Content: "too late"})
	requireCode(t, err, models.CodeNotFound)

	restored, err := e.threads.Restore(ctx, root.ID, userA)
	require.NoError(t, err)
	assert.False(t, restored.Deleted())

	require.NoError(t, e.members.ArchiveConversation(ctx, convID, userA))
	_, err = e.threads.Reply(ctx, ReplyInput{ParentID: root.ID, AuthorID: userA, Content: "archived"})
	requireCode(t, err, models.CodeNotFound)
}

func TestThreadService_ChunksAreIdempotentPerIndex(t *testing.T) {
	e := setupEnv(t, nil)
	ctx := context.Background()
	convID := e.seedConversation(t, userA, map[uint]models.Role{userB: models.RoleMember})
	root, err := e.threads.CreateRoot(ctx, CreateRootInput{ConversationID: convID, AuthorID: userA, Content: "question"})
	require.NoError(t, err)

	_, err = e.threads.BeginStream(ctx, root.ID, userB, models.MessageRoleUser)
	requireCode(t, err, models.CodeValidation)

	msg, err := e.threads.BeginStream(ctx, root.ID, userB, "")
	require.NoError(t, err)
	assert.Equal(t, models.MessageStatusStreaming, msg.Status)
	assert.Equal(t, models.MessageRoleAssistant, msg.Role)

	_, err = e.threads.AppendChunk(ctx, msg.ID, userB, 3, "foo")
	require.NoError(t, err)
	_, err = e.threads.AppendChunk(ctx, msg.ID, userB, 3, "bar")
	require.NoError(t, err)

	chunks, err := e.threads.ListChunks(ctx, msg.ID, userA)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, 3, chunks[0].Idx)
	assert.Equal(t, "bar", chunks[0].Content)

	_, err = e.threads.AppendChunk(ctx, msg.ID, userB, -1, "x")
	requireCode(t, err, models.CodeValidation)
	_, err = e.threads.AppendChunk(ctx, msg.ID, userA, 0, "x")
	requireCode(t, err, models.CodeNotAuthorized)
	_, err = e.threads.Edit(ctx, EditInput{MessageID: msg.ID, ActorID: userB, Content: "early"})
	requireCode(t, err, models.CodeConflict)

	_, err = e.threads.AppendChunk(ctx, msg.ID, userB, 0, "Answer: ")
	require.NoError(t, err)

	done, err := e.threads.FinishStream(ctx, msg.ID, userB)
	require.NoError(t, err)
	assert.Equal(t, models.MessageStatusComplete, done.Status)
	assert.Equal(t, "Answer: bar", done.Content)

	_, err = e.threads.AppendChunk(ctx, msg.ID, userB, 4, "late")
	requireCode(t, err, models.CodeConflict)
	_, err = e.threads.FinishStream(ctx, msg.ID, userB)
	requireCode(t, err, models.CodeConflict)
}

func TestThreadService_RateLimitedBeforeWrite(t *testing.T) {
	clock := time.Unix(1_700_000_000, 0)
	limiter := ratelimit.NewLimiter(ratelimit.NewMemoryStore(), ratelimit.NewProfiles(ratelimit.Limit{Rate: 5, Burst: 10})).
		WithClock(func() time.Time { return clock })
	e := setupEnv(t, limiter)
	ctx := context.Background()
	convID := e.seedConversation(t, userA, nil)

	for i := 0; i < 10; i++ {
		_, err := e.threads.CreateRoot(ctx, CreateRootInput{ConversationID: convID, AuthorID: userA, Content: gofakeit.Sentence(3)})
		require.NoError(t, err, "request %d", i+1)
	}
	_, err := e.threads.CreateRoot(ctx, CreateRootInput{ConversationID: convID, AuthorID: userA, Content: "one too many"})
	requireCode(t, err, models.CodeRateLimited)
	var appErr *models.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Greater(t, appErr.RetryAfter, time.Duration(0))

	roots, err := e.threads.ListThreads(ctx, convID, userA, 0, 0)
	require.NoError(t, err)
	assert.Len(t, roots, 10, "a rejected write leaves no trace")
}

func frozenLimiter(t *testing.T, def ratelimit.Limit, profiles, assignments string) *ratelimit.Limiter {
	t.Helper()
	p, err := ratelimit.ParseProfiles(def, profiles, assignments)
	require.NoError(t, err)
	clock := time.Unix(1_700_000_000, 0)
	return ratelimit.NewLimiter(ratelimit.NewMemoryStore(), p).WithClock(func() time.Time { return clock })
}

func TestThreadService_RefusedWritesSpendNoBudget(t *testing.T) {
	e := setupEnv(t, frozenLimiter(t, ratelimit.Limit{Rate: 1, Burst: 2}, "", ""))
	ctx := context.Background()
	convID := e.seedConversation(t, userA, map[uint]models.Role{userB: models.RoleMember})
	root, err := e.threads.CreateRoot(ctx, CreateRootInput{ConversationID: convID, AuthorID: userA, Content: "mine"})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := e.threads.CreateRoot(ctx, CreateRootInput{ConversationID: convID, AuthorID: userC, Content: "let me in"})
		requireCode(t, err, models.CodeNotAuthorized)
		_, err = e.threads.SoftDelete(ctx, root.ID, userB, "")
		requireCode(t, err, models.CodeNotAuthorized)
		_, err = e.threads.Edit(ctx, EditInput{MessageID: root.ID, ActorID: userB, Content: "hijack"})
		requireCode(t, err, models.CodeNotAuthorized)
		_, err = e.threads.Reply(ctx, ReplyInput{ParentID: 999_999, AuthorID: userB, Content: "into the void"})
		requireCode(t, err, models.CodeNotFound)
	}

	// userB's bucket is untouched: the full burst is still available.
	for i := 0; i < 2; i++ {
		_, err := e.threads.Reply(ctx, ReplyInput{ParentID: root.ID, AuthorID: userB, Content: gofakeit.Sentence(3)})
		require.NoError(t, err, "reply %d", i+1)
	}
	_, err = e.threads.Reply(ctx, ReplyInput{ParentID: root.ID, AuthorID: userB, Content: "one too many"})
	requireCode(t, err, models.CodeRateLimited)
}

func TestThreadService_FinishStreamAfterDelete(t *testing.T) {
	e := setupEnv(t, nil)
	ctx := context.Background()
	convID := e.seedConversation(t, userA, map[uint]models.Role{userB: models.RoleMember})
	root, err := e.threads.CreateRoot(ctx, CreateRootInput{ConversationID: convID, AuthorID: userA, Content: "question"})
	require.NoError(t, err)
	msg, err := e.threads.BeginStream(ctx, root.ID, userB, "")
	require.NoError(t, err)
	_, err = e.threads.AppendChunk(ctx, msg.ID, userB, 0, "half an")
	require.NoError(t, err)

	_, err = e.threads.SoftDelete(ctx, msg.ID, userA, "off topic")
	require.NoError(t, err)
	_, err = e.threads.AppendChunk(ctx, msg.ID, userB, 1, " answer")
	requireCode(t, err, models.CodeNotFound)

	done, err := e.threads.FinishStream(ctx, msg.ID, userB)
	require.NoError(t, err)
	assert.True(t, done.Deleted())
	assert.Equal(t, models.MessageStatusComplete, done.Status)
	assert.Equal(t, "half an", done.Content)

	_, err = e.threads.FinishStream(ctx, msg.ID, userB)
	requireCode(t, err, models.CodeConflict)
}

func TestThreadService_ListThreadsNewestFirst(t *testing.T) {
	e := setupEnv(t, nil)
	ctx := context.Background()
	convID := e.seedConversation(t, userA, nil)

	var ids []int64
	for i := 0; i < 5; i++ {
		root, err := e.threads.CreateRoot(ctx, CreateRootInput{ConversationID: convID, AuthorID: userA, Content: gofakeit.Sentence(3)})
		require.NoError(t, err)
		ids = append(ids, root.ID)
	}

	first, err := e.threads.ListThreads(ctx, convID, userA, 0, 2)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, ids[4], first[0].ID)
	assert.Equal(t, ids[3], first[1].ID)

	rest, err := e.threads.ListThreads(ctx, convID, userA, first[1].ID, 10)
	require.NoError(t, err)
	require.Len(t, rest, 3)
	assert.Equal(t, ids[2], rest[0].ID)
}
