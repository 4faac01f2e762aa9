package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helix-runtime/helixd/pkg/config"
	"github.com/helix-runtime/helixd/pkg/faults"
)

func newTestLimiter() (*Limiter, *time.Time) {
	l := New(config.RateLimitConfig{Window: 60 * time.Second, MaxAttempts: 5})
	current := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return current }
	return l, &current
}

func TestLimiter_AllowsWithinWindow(t *testing.T) {
	l, _ := newTestLimiter()
	for i := 0; i < 5; i++ {
		assert.NoError(t, l.Attempt("u1"))
	}
}

func TestLimiter_SixthAttemptLocksOut(t *testing.T) {
	l, now := newTestLimiter()
	for i := 0; i < 5; i++ {
		require.NoError(t, l.Attempt("u1"))
	}

	err := l.Attempt("u1")
	require.Error(t, err)
	assert.Equal(t, faults.KindRateLimited, faults.KindOf(err))

	var fe *faults.Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, time.Minute, fe.RetryAfter, "level 1 lockout is 2^0 minutes")

	// Still locked 30s later.
	*now = now.Add(30 * time.Second)
	assert.Equal(t, 30*time.Second, l.RemainingLockout("u1"))
}

func TestLimiter_LockoutEscalates(t *testing.T) {
	l, now := newTestLimiter()
	expected := []time.Duration{1, 2, 4, 8, 16, 16} // minutes, capped at level 5
	for round, mins := range expected {
		for i := 0; i < 5; i++ {
			require.NoError(t, l.Attempt("u1"), "round %d attempt %d", round, i)
		}
		err := l.Attempt("u1")
		require.Error(t, err, "round %d", round)
		var fe *faults.Error
		require.ErrorAs(t, err, &fe)
		assert.Equal(t, mins*time.Minute, fe.RetryAfter, "round %d", round)

		// Wait out the lockout, poking every 20s so the level stays sticky,
		// then step just past its end.
		lockEnd := now.Add(mins * time.Minute)
		for now.Add(20 * time.Second).Before(lockEnd) {
			*now = now.Add(20 * time.Second)
			_ = l.Attempt("u1")
		}
		*now = lockEnd.Add(time.Second)
	}
}

func TestLimiter_QuietWindowClearsLevel(t *testing.T) {
	l, now := newTestLimiter()
	for i := 0; i < 6; i++ {
		_ = l.Attempt("u1")
	}

	// A full window with no attempts resets the level; the next overflow
	// starts back at one minute.
	*now = now.Add(2 * time.Minute)
	for i := 0; i < 5; i++ {
		require.NoError(t, l.Attempt("u1"))
	}
	err := l.Attempt("u1")
	var fe *faults.Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, time.Minute, fe.RetryAfter)
}

func TestLimiter_ClientsAreIndependent(t *testing.T) {
	l, _ := newTestLimiter()
	for i := 0; i < 6; i++ {
		_ = l.Attempt("u1")
	}
	assert.NoError(t, l.Attempt("u2"))
}

func TestIdleClientsAreEvicted(t *testing.T) {
	l := New(config.RateLimitConfig{Window: 60 * time.Second, MaxAttempts: 5})
	current := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return current }

	require.NoError(t, l.Attempt("stale"))
	require.NoError(t, l.Attempt("fresh"))

	current = current.Add(23 * time.Hour)
	require.NoError(t, l.Attempt("fresh"))

	current = current.Add(2 * time.Hour)
	require.NoError(t, l.Attempt("fresh"))

	l.mu.Lock()
	_, staleKept := l.clients["stale"]
	_, freshKept := l.clients["fresh"]
	l.mu.Unlock()
	assert.False(t, staleKept)
	assert.True(t, freshKept)
}
