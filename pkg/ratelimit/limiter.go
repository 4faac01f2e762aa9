// Package ratelimit implements the sliding-window limiter with sticky
// exponential-backoff lockout used for auth attempts and operation pacing.
package ratelimit

import (
	"log/slog"
	"sync"
	"time"

	"github.com/helix-runtime/helixd/pkg/config"
	"github.com/helix-runtime/helixd/pkg/faults"
)

const maxLockoutLevel = 5

// evictAfter is how long an idle client entry survives before it is purged.
const evictAfter = 24 * time.Hour

type clientState struct {
	attempts    []time.Time
	level       int
	lockedUntil time.Time
	lastAttempt time.Time
}

// Limiter tracks attempts per client id. Overflowing the window enters a
// lockout whose duration doubles per level (1, 2, 4, 8, 16 minutes); the
// level only clears after a full window with no attempts.
type Limiter struct {
	mu          sync.Mutex
	clients     map[string]*clientState
	window      time.Duration
	maxAttempts int
	now         func() time.Time
	lastSweep   time.Time
	logger      *slog.Logger
}

// New creates a limiter from config.
func New(cfg config.RateLimitConfig) *Limiter {
	return &Limiter{
		clients:     make(map[string]*clientState),
		window:      cfg.Window,
		maxAttempts: cfg.MaxAttempts,
		now:         time.Now,
		logger:      slog.Default().With("component", "ratelimit"),
	}
}

// Attempt records one attempt for clientID and reports whether it is
// allowed. Attempts made during a lockout keep the level sticky.
func (l *Limiter) Attempt(clientID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.sweepLocked(now)
	s, ok := l.clients[clientID]
	if !ok {
		s = &clientState{}
		l.clients[clientID] = s
	}

	// A full quiet window clears the lockout level.
	if s.level > 0 && now.Sub(s.lastAttempt) >= l.window {
		s.level = 0
	}
	s.lastAttempt = now

	cutoff := now.Add(-l.window)
	kept := s.attempts[:0]
	for _, t := range s.attempts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.attempts = kept

	if now.Before(s.lockedUntil) {
		return faults.New(faults.KindRateLimited, "client %s locked out", clientID).
			WithRetryAfter(s.lockedUntil.Sub(now))
	}

	s.attempts = append(s.attempts, now)
	if len(s.attempts) > l.maxAttempts {
		if s.level < maxLockoutLevel {
			s.level++
		}
		lockout := time.Duration(1<<(s.level-1)) * time.Minute
		s.lockedUntil = now.Add(lockout)
		l.logger.Warn("Rate limit lockout",
			"client_id", clientID, "level", s.level, "lockout", lockout)
		return faults.New(faults.KindRateLimited, "client %s exceeded %d attempts in %s",
			clientID, l.maxAttempts, l.window).WithRetryAfter(lockout)
	}
	return nil
}

// sweepLocked purges clients idle for more than a day. Runs at most once
// per hour.
func (l *Limiter) sweepLocked(now time.Time) {
	if now.Sub(l.lastSweep) < time.Hour {
		return
	}
	l.lastSweep = now
	for id, s := range l.clients {
		if now.Sub(s.lastAttempt) > evictAfter {
			delete(l.clients, id)
		}
	}
}

// RemainingLockout returns how long clientID stays locked, or zero.
func (l *Limiter) RemainingLockout(clientID string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.clients[clientID]
	if !ok {
		return 0
	}
	if rem := s.lockedUntil.Sub(l.now()); rem > 0 {
		return rem
	}
	return 0
}
