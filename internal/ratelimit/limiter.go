package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"loom/internal/models"
	"loom/internal/observability"
)

// Key identifies the actor and operation being admitted.
type Key struct {
	UserID         uint
	ConversationID uint
	Op             string
}

// BucketKey identifies one stored TAT: the actor plus the profile the operation resolved to.
type BucketKey struct {
	UserID         uint
	ConversationID uint
	Bucket         string
}

func (k BucketKey) String() string {
	return fmt.Sprintf("%d:%d:%s", k.UserID, k.ConversationID, k.Bucket)
}

// Store performs the GCRA read-modify-write for one bucket atomically with
// respect to other callers of the same store.
type Store interface {
	Admit(ctx context.Context, key BucketKey, now time.Time, limit Limit) (Decision, error)
}

// Limiter is the admission gate consulted before rate-limited mutations.
type Limiter struct {
	store    Store
	profiles *Profiles
	locks    *keyedMutex
	now      func() time.Time
}

// NewLimiter creates a limiter over store using profiles to resolve limits.
func NewLimiter(store Store, profiles *Profiles) *Limiter {
	return &Limiter{
		store:    store,
		profiles: profiles,
		locks:    newKeyedMutex(),
		now:      time.Now,
	}
}

// WithClock replaces the time source. Intended for tests.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// Allow admits or rejects one request for key. A rejection is returned as a
// RATE_LIMITED AppError carrying the retry-after estimate; any other error
// means the store could not be consulted.
func (l *Limiter) Allow(ctx context.Context, key Key) (Decision, error) {
	name, limit := l.profiles.Resolve(key.Op)
	bucket := BucketKey{UserID: key.UserID, ConversationID: key.ConversationID, Bucket: name}

	unlock := l.locks.Lock(bucket.String())
	decision, err := l.store.Admit(ctx, bucket, l.now(), limit)
	unlock()

	if err != nil {
		observability.RateLimitDecisions.WithLabelValues(key.Op, "error").Inc()
		return Decision{}, fmt.Errorf("rate limit store: %w", err)
	}
	if !decision.Allowed {
		observability.RateLimitDecisions.WithLabelValues(key.Op, "rejected").Inc()
		return decision, models.NewRateLimitedError(decision.RetryAfter)
	}
	observability.RateLimitDecisions.WithLabelValues(key.Op, "allowed").Inc()
	return decision, nil
}

// keyedMutex serializes callers per key and forgets keys nobody holds.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

// Lock acquires the mutex for key and returns its release function.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
