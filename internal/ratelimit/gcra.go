// Package ratelimit implements a GCRA admission gate keyed by user, conversation and
// operation profile.
package ratelimit

import "time"

// Limit is a sustained rate in requests per second plus the number of requests
// that may be admitted back to back.
type Limit struct {
	Rate  float64
	Burst int
}

// Emission is the spacing between requests at the sustained rate.
func (l Limit) Emission() time.Duration {
	if l.Rate <= 0 {
		return 0
	}
	return time.Duration(float64(time.Second) / l.Rate)
}

// Window is how far ahead of now the TAT may run before requests are rejected.
func (l Limit) Window() time.Duration {
	return l.Emission() * time.Duration(l.Burst)
}

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
	// TAT is the theoretical arrival time after the check. Unchanged on rejection.
	TAT time.Time
}

// GCRA runs one admission check against tat at now. A zero tat means no prior
// state for the key. Rejections never move the TAT.
//
// The admission boundary is exclusive: a request arriving exactly at
// tat-window is rejected, so Burst requests at a single instant are admitted
// and the next one is not. RetryAfter therefore points just past the boundary
// and is always positive.
func GCRA(tat, now time.Time, limit Limit) Decision {
	emission := limit.Emission()
	if tat.IsZero() {
		return Decision{Allowed: true, TAT: now.Add(emission)}
	}

	allowAt := tat.Add(-limit.Window())
	if !now.After(allowAt) {
		return Decision{Allowed: false, RetryAfter: allowAt.Sub(now) + time.Nanosecond, TAT: tat}
	}

	if tat.Before(now) {
		tat = now
	}
	return Decision{Allowed: true, TAT: tat.Add(emission)}
}
