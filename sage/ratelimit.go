package sage

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitDecision is the outcome of a RateLimiter admission check.
type RateLimitDecision struct {
	Admitted bool

	// RetryAfter is how long until the oldest counted question falls out of
	// the window. Only set on denial.
	RetryAfter time.Duration
}

// userRateState tracks one user's admitted questions within the trailing
// window, plus a limiter that throttles how often the user is warned about
// being rate limited.
type userRateState struct {
	timestamps  []time.Time
	warnLimiter *rate.Limiter
}

// RateLimiter bounds how many questions a user may trigger per sliding
// window, independent of whether a match is found. State is in-memory and
// process-local: losing it on restart only briefly un-throttles users, which
// is acceptable for a soft throttle.
//
// The limiter is a component instance rather than package state so tests can
// construct isolated instances.
type RateLimiter struct {
	mu           sync.Mutex
	window       time.Duration
	maxPerWindow int
	users        map[string]*userRateState
	logger       *slog.Logger
}

func NewRateLimiter(window time.Duration, maxPerWindow int, log *slog.Logger) *RateLimiter {
	if log == nil {
		log = slog.Default()
	}
	return &RateLimiter{
		window:       window,
		maxPerWindow: maxPerWindow,
		users:        map[string]*userRateState{},
		logger:       log.With(loggerNameKey, "rate_limiter"),
	}
}

// state returns the per-user record, creating it on first sight. Callers
// must hold r.mu.
func (r *RateLimiter) state(userID string) *userRateState {
	st := r.users[userID]
	if st == nil {
		st = &userRateState{
			warnLimiter: rate.NewLimiter(rate.Every(r.window), 1),
		}
		r.users[userID] = st
	}
	return st
}

// purge drops timestamps older than the window start. Callers must hold r.mu.
func (st *userRateState) purge(windowStart time.Time) {
	keep := st.timestamps[:0]
	for _, ts := range st.timestamps {
		if !ts.Before(windowStart) {
			keep = append(keep, ts)
		}
	}
	st.timestamps = keep
}

// Admit reports whether a question from the user may be processed right now.
// It does not consume a slot: that happens via Consume, and only once the
// cooldown gate has passed, so a message rejected purely by cooldown does
// not burn the user's quota.
func (r *RateLimiter) Admit(userID string, now time.Time) RateLimitDecision {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := r.state(userID)
	st.purge(now.Add(-r.window))

	if len(st.timestamps) >= r.maxPerWindow {
		retryAfter := r.window - now.Sub(st.timestamps[0])
		r.logger.Debug(
			"rate limit exceeded",
			"user_id", userID,
			"retry_after", retryAfter,
		)
		return RateLimitDecision{RetryAfter: retryAfter}
	}
	return RateLimitDecision{Admitted: true}
}

// Consume records one processed question against the user's window.
func (r *RateLimiter) Consume(userID string, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := r.state(userID)
	st.purge(now.Add(-r.window))
	st.timestamps = append(st.timestamps, now)
}

// AllowWarning reports whether a rate-limited user may be sent a notice
// right now. At most one warning per window per user, so repeated messages
// while limited don't produce repeated notices.
func (r *RateLimiter) AllowWarning(userID string) bool {
	r.mu.Lock()
	st := r.state(userID)
	r.mu.Unlock()
	return st.warnLimiter.Allow()
}
