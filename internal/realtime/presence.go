package realtime

import (
	"context"
	"strconv"
	"sync"
	"time"

	"loom/internal/observability"

	"github.com/redis/go-redis/v9"
)

const (
	defaultOnlineSetKey   = "loom:presence:online"
	defaultLastSeenPrefix = "loom:presence:last_seen:"
	defaultLastSeenTTL    = 90 * time.Second
	defaultOfflineGrace   = 5 * time.Second
	defaultReapInterval   = 60 * time.Second
)

// PresenceConfig controls Redis mirroring and the offline grace window.
type PresenceConfig struct {
	OnlineSetKey   string
	LastSeenPrefix string
	LastSeenTTL    time.Duration
	OfflineGrace   time.Duration
	ReapInterval   time.Duration
	// OnChange is called outside any lock on every online/offline transition.
	OnChange func(userID uint, online bool)
}

// PresenceTracker counts a user's open streams across conversations. The last
// stream closing starts a grace timer; a user reconnecting within it never
// appears offline. With Redis, last-seen keys let other processes see the user.
type PresenceTracker struct {
	rdb *redis.Client

	mu       sync.Mutex
	conns    map[uint]int
	timers   map[uint]*time.Timer
	reported map[uint]bool // users last reported online

	onlineKey   string
	seenPrefix  string
	seenTTL     time.Duration
	grace       time.Duration
	reapEvery   time.Duration
	onChange    func(userID uint, online bool)
	stopOnce    sync.Once
	stopCh      chan struct{}
	reaperAlive bool
}

// NewPresenceTracker creates a tracker; rdb may be nil for single-process use.
func NewPresenceTracker(rdb *redis.Client, cfg PresenceConfig) *PresenceTracker {
	t := &PresenceTracker{
		rdb:        rdb,
		conns:      make(map[uint]int),
		timers:     make(map[uint]*time.Timer),
		reported:   make(map[uint]bool),
		onlineKey:  defaultOnlineSetKey,
		seenPrefix: defaultLastSeenPrefix,
		seenTTL:    defaultLastSeenTTL,
		grace:      defaultOfflineGrace,
		reapEvery:  defaultReapInterval,
		onChange:   cfg.OnChange,
		stopCh:     make(chan struct{}),
	}
	if cfg.OnlineSetKey != "" {
		t.onlineKey = cfg.OnlineSetKey
	}
	if cfg.LastSeenPrefix != "" {
		t.seenPrefix = cfg.LastSeenPrefix
	}
	if cfg.LastSeenTTL > 0 {
		t.seenTTL = cfg.LastSeenTTL
	}
	if cfg.OfflineGrace > 0 {
		t.grace = cfg.OfflineGrace
	}
	if cfg.ReapInterval > 0 {
		t.reapEvery = cfg.ReapInterval
	}
	return t
}

// SetOnChange replaces the transition callback.
func (t *PresenceTracker) SetOnChange(fn func(userID uint, online bool)) {
	t.mu.Lock()
	t.onChange = fn
	t.mu.Unlock()
}

// Start runs the Redis reaper that expires users whose last-seen key lapsed.
func (t *PresenceTracker) Start() {
	if t.rdb == nil {
		return
	}
	t.mu.Lock()
	if t.reaperAlive {
		t.mu.Unlock()
		return
	}
	t.reaperAlive = true
	t.mu.Unlock()
	go t.reapLoop()
}

// Stop halts the reaper and pending offline timers.
func (t *PresenceTracker) Stop() {
	t.stopOnce.Do(func() {
		close(t.stopCh)
		t.mu.Lock()
		for userID, timer := range t.timers {
			timer.Stop()
			delete(t.timers, userID)
		}
		t.mu.Unlock()
	})
}

// Connect records a new stream for userID and reports the user online if
// they were not already.
func (t *PresenceTracker) Connect(ctx context.Context, userID uint) {
	wasOnline := t.IsOnline(ctx, userID)

	t.mu.Lock()
	if timer, ok := t.timers[userID]; ok {
		timer.Stop()
		delete(t.timers, userID)
	}
	t.conns[userID]++
	t.mu.Unlock()

	t.Touch(ctx, userID)
	if !wasOnline {
		t.report(userID, true)
	}
}

// Touch refreshes the user's last-seen key.
func (t *PresenceTracker) Touch(ctx context.Context, userID uint) {
	if t.rdb == nil {
		return
	}
	uid := strconv.FormatUint(uint64(userID), 10)
	pipe := t.rdb.TxPipeline()
	pipe.SAdd(ctx, t.onlineKey, uid)
	pipe.SetEx(ctx, t.lastSeenKey(userID), strconv.FormatInt(time.Now().Unix(), 10), t.seenTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		observability.RedisErrorRate.WithLabelValues("presence_touch").Inc()
		observability.GlobalLogger.WarnContext(ctx, "presence touch failed", "user_id", userID, "error", err)
	}
}

// Disconnect drops one stream; the last one clears the last-seen key and
// starts the offline grace timer.
func (t *PresenceTracker) Disconnect(ctx context.Context, userID uint) {
	t.mu.Lock()
	n := t.conns[userID] - 1
	if n > 0 {
		t.conns[userID] = n
		t.mu.Unlock()
		return
	}
	delete(t.conns, userID)
	if timer, ok := t.timers[userID]; ok {
		timer.Stop()
	}
	t.timers[userID] = time.AfterFunc(t.grace, func() {
		t.finalizeOffline(context.Background(), userID)
	})
	t.mu.Unlock()

	if t.rdb != nil {
		if err := t.rdb.Del(ctx, t.lastSeenKey(userID)).Err(); err != nil {
			observability.RedisErrorRate.WithLabelValues("presence_clear").Inc()
		}
	}
}

// IsOnline reports whether userID has a local stream or a live last-seen key.
func (t *PresenceTracker) IsOnline(ctx context.Context, userID uint) bool {
	t.mu.Lock()
	local := t.conns[userID] > 0
	_, grace := t.timers[userID]
	t.mu.Unlock()
	if local || grace {
		return true
	}
	if t.rdb == nil {
		return false
	}
	n, err := t.rdb.Exists(ctx, t.lastSeenKey(userID)).Result()
	return err == nil && n > 0
}

// OnlineUserIDs filters ids down to those currently online.
func (t *PresenceTracker) OnlineUserIDs(ctx context.Context, ids []uint) []uint {
	online := make([]uint, 0, len(ids))
	for _, id := range ids {
		if t.IsOnline(ctx, id) {
			online = append(online, id)
		}
	}
	return online
}

func (t *PresenceTracker) finalizeOffline(ctx context.Context, userID uint) {
	t.mu.Lock()
	delete(t.timers, userID)
	if t.conns[userID] > 0 {
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	if t.rdb != nil {
		// a stream in another process touched the key during the grace window
		if n, err := t.rdb.Exists(ctx, t.lastSeenKey(userID)).Result(); err == nil && n > 0 {
			return
		}
		_ = t.rdb.SRem(ctx, t.onlineKey, strconv.FormatUint(uint64(userID), 10)).Err()
	}
	t.report(userID, false)
}

// reapOnce reports users offline whose last-seen key expired without a local stream.
func (t *PresenceTracker) reapOnce(ctx context.Context) {
	members, err := t.rdb.SMembers(ctx, t.onlineKey).Result()
	if err != nil {
		observability.RedisErrorRate.WithLabelValues("presence_reap").Inc()
		return
	}
	for _, raw := range members {
		id, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			continue
		}
		userID := uint(id)
		n, err := t.rdb.Exists(ctx, t.lastSeenKey(userID)).Result()
		if err != nil || n > 0 {
			continue
		}
		_ = t.rdb.SRem(ctx, t.onlineKey, raw).Err()

		t.mu.Lock()
		local := t.conns[userID] > 0
		t.mu.Unlock()
		if !local {
			t.report(userID, false)
		}
	}
}

func (t *PresenceTracker) reapLoop() {
	ticker := time.NewTicker(t.reapEvery)
	defer ticker.Stop()
	for {
		select {
		case <-t.stopCh:
			return
		case <-ticker.C:
			t.reapOnce(context.Background())
		}
	}
}

// report emits a transition once; repeated reports of the same state are dropped.
func (t *PresenceTracker) report(userID uint, online bool) {
	t.mu.Lock()
	if t.reported[userID] == online {
		t.mu.Unlock()
		return
	}
	if online {
		t.reported[userID] = true
	} else {
		delete(t.reported, userID)
	}
	cb := t.onChange
	t.mu.Unlock()
	if cb != nil {
		cb(userID, online)
	}
}

func (t *PresenceTracker) lastSeenKey(userID uint) string {
	return t.seenPrefix + strconv.FormatUint(uint64(userID), 10)
}
