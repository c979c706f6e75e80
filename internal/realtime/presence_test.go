package realtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type transitions struct {
	mu     sync.Mutex
	events []string
}

func (tr *transitions) record(userID uint, online bool) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	state := "offline"
	if online {
		state = "online"
	}
	tr.events = append(tr.events, state)
}

func (tr *transitions) snapshot() []string {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]string(nil), tr.events...)
}

func TestPresence_GraceSuppressesOfflineOnRapidReconnect(t *testing.T) {
	tr := &transitions{}
	p := NewPresenceTracker(nil, PresenceConfig{OfflineGrace: 40 * time.Millisecond, OnChange: tr.record})
	defer p.Stop()
	ctx := context.Background()

	p.Connect(ctx, 10)
	p.Disconnect(ctx, 10)
	p.Connect(ctx, 10)

	assert.Never(t, func() bool {
		for _, e := range tr.snapshot() {
			if e == "offline" {
				return true
			}
		}
		return false
	}, 10*testPollInterval, testPollInterval)
	assert.Equal(t, []string{"online"}, tr.snapshot())
	assert.True(t, p.IsOnline(ctx, 10))
}

func TestPresence_LastStreamTriggersOfflineOnce(t *testing.T) {
	tr := &transitions{}
	p := NewPresenceTracker(nil, PresenceConfig{OfflineGrace: 20 * time.Millisecond, OnChange: tr.record})
	defer p.Stop()
	ctx := context.Background()

	p.Connect(ctx, 15)
	p.Connect(ctx, 15)
	p.Disconnect(ctx, 15)
	time.Sleep(4 * testPollInterval)
	assert.Equal(t, []string{"online"}, tr.snapshot())

	p.Disconnect(ctx, 15)
	assert.Eventually(t, func() bool {
		return len(tr.snapshot()) == 2
	}, testEventuallyTimeout, testPollInterval)
	assert.Equal(t, []string{"online", "offline"}, tr.snapshot())
	assert.False(t, p.IsOnline(ctx, 15))

	p.finalizeOffline(ctx, 15)
	assert.Len(t, tr.snapshot(), 2, "offline reported once")
}

func TestPresence_RedisMirrorsLastSeen(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = rdb.Close() }()

	tr := &transitions{}
	p := NewPresenceTracker(rdb, PresenceConfig{OfflineGrace: 20 * time.Millisecond, LastSeenTTL: time.Minute, OnChange: tr.record})
	defer p.Stop()
	ctx := context.Background()

	p.Connect(ctx, 21)
	assert.True(t, mr.Exists(defaultLastSeenPrefix+"21"))
	members, err := mr.Members(defaultOnlineSetKey)
	require.NoError(t, err)
	assert.Contains(t, members, "21")

	// another process sees the user through Redis alone
	peer := NewPresenceTracker(rdb, PresenceConfig{})
	defer peer.Stop()
	assert.True(t, peer.IsOnline(ctx, 21))
	assert.Equal(t, []uint{21}, peer.OnlineUserIDs(ctx, []uint{21, 22}))

	p.Disconnect(ctx, 21)
	assert.False(t, mr.Exists(defaultLastSeenPrefix+"21"))
	assert.Eventually(t, func() bool {
		return len(tr.snapshot()) == 2
	}, testEventuallyTimeout, testPollInterval)
	assert.False(t, rdb.SIsMember(ctx, defaultOnlineSetKey, "21").Val())
}

func TestPresence_StaysOnlineWhileAnotherProcessHoldsStream(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = rdb.Close() }()

	tr := &transitions{}
	p := NewPresenceTracker(rdb, PresenceConfig{OfflineGrace: 20 * time.Millisecond, OnChange: tr.record})
	defer p.Stop()
	peer := NewPresenceTracker(rdb, PresenceConfig{})
	defer peer.Stop()
	ctx := context.Background()

	p.Connect(ctx, 30)
	p.Disconnect(ctx, 30)
	peer.Touch(ctx, 30)

	time.Sleep(5 * testPollInterval)
	assert.Equal(t, []string{"online"}, tr.snapshot())
}

func TestPresence_ReapExpiresLapsedUsers(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = rdb.Close() }()

	tr := &transitions{}
	p := NewPresenceTracker(rdb, PresenceConfig{LastSeenTTL: time.Second, OnChange: tr.record})
	defer p.Stop()
	ctx := context.Background()

	// online through another process, then that process vanished
	p.report(40, true)
	p.Touch(ctx, 40)
	mr.FastForward(2 * time.Second)

	p.reapOnce(ctx)
	assert.Equal(t, []string{"online", "offline"}, tr.snapshot())
	assert.False(t, rdb.SIsMember(ctx, defaultOnlineSetKey, "40").Val())
}
