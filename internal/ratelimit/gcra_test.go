package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimit_Intervals(t *testing.T) {
	l := Limit{Rate: 5, Burst: 10}
	assert.Equal(t, 200*time.Millisecond, l.Emission())
	assert.Equal(t, 2*time.Second, l.Window())
	assert.Zero(t, Limit{}.Emission())
}

func TestGCRA_BurstThenSustainedRate(t *testing.T) {
	limit := Limit{Rate: 5, Burst: 10}
	now := time.Unix(1_700_000_000, 0)

	var tat time.Time
	for i := 0; i < 10; i++ {
		d := GCRA(tat, now, limit)
		assert.True(t, d.Allowed, "request %d should be admitted", i+1)
		tat = d.TAT
	}

	rejected := GCRA(tat, now, limit)
	assert.False(t, rejected.Allowed)
	assert.Equal(t, tat, rejected.TAT, "rejection must not move the TAT")
	assert.Positive(t, rejected.RetryAfter)

	later := now.Add(limit.Emission())
	d := GCRA(tat, later, limit)
	assert.True(t, d.Allowed)
	tat = d.TAT

	assert.False(t, GCRA(tat, later, limit).Allowed, "only one slot refills per emission interval")
}

func TestGCRA_RetryAfterIsAllowAtMinusNow(t *testing.T) {
	limit := Limit{Rate: 1, Burst: 1}
	now := time.Unix(1_700_000_000, 0)

	first := GCRA(time.Time{}, now, limit)
	assert.True(t, first.Allowed)
	assert.Equal(t, now.Add(time.Second), first.TAT)

	early := now.Add(-300 * time.Millisecond)
	// tat - window = now, so a request 300ms earlier waits until just past now.
	d := GCRA(first.TAT, early, limit)
	assert.False(t, d.Allowed)
	assert.Equal(t, 300*time.Millisecond+time.Nanosecond, d.RetryAfter)
	assert.True(t, GCRA(first.TAT, early.Add(d.RetryAfter), limit).Allowed)
}

func TestGCRA_RejectionAtBoundaryHasPositiveRetryAfter(t *testing.T) {
	limit := Limit{Rate: 2, Burst: 3}
	now := time.Unix(1_700_000_000, 0)

	var tat time.Time
	for i := 0; i < limit.Burst; i++ {
		d := GCRA(tat, now, limit)
		require.True(t, d.Allowed)
		tat = d.TAT
	}

	// tat - window == now exactly
	d := GCRA(tat, now, limit)
	assert.False(t, d.Allowed)
	assert.Positive(t, d.RetryAfter)

	retried := GCRA(tat, now.Add(d.RetryAfter), limit)
	assert.True(t, retried.Allowed, "retrying after RetryAfter is admitted")
}

func TestGCRA_IdleKeyStartsFresh(t *testing.T) {
	limit := Limit{Rate: 5, Burst: 10}
	now := time.Unix(1_700_000_000, 0)
	stale := now.Add(-time.Hour)

	d := GCRA(stale, now, limit)
	assert.True(t, d.Allowed)
	assert.Equal(t, now.Add(limit.Emission()), d.TAT)
}
