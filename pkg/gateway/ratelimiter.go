package gateway

import (
	"sync"
	"time"

	"github.com/sightlinehq/sightline/internal/observability"
)

// callerWindow tracks one caller's sliding request window and in-flight count.
type callerWindow struct {
	requests   []time.Time
	concurrent int
	lastSeen   time.Time
}

// RateLimiter enforces per-caller sliding window rate limiting on the chat
// endpoint.
type RateLimiter struct {
	mu                sync.Mutex
	requestsPerMinute int
	maxConcurrent     int
	callers           map[string]*callerWindow
	now               func() time.Time
}

// NewRateLimiter creates a rate limiter with the given per-caller limits.
func NewRateLimiter(requestsPerMinute, maxConcurrent int) *RateLimiter {
	if requestsPerMinute <= 0 {
		requestsPerMinute = 12
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	return &RateLimiter{
		requestsPerMinute: requestsPerMinute,
		maxConcurrent:     maxConcurrent,
		callers:           make(map[string]*callerWindow),
		now:               time.Now,
	}
}

// Allow checks whether a new request from the caller fits the limits and, if
// it does, records it. The returned release func must be called when the
// request finishes.
func (r *RateLimiter) Allow(callerID string) (func(), bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	window, ok := r.callers[callerID]
	if !ok {
		window = &callerWindow{}
		r.callers[callerID] = window
	}
	window.lastSeen = now

	if window.concurrent >= r.maxConcurrent {
		observability.RecordRateLimitRejection()
		return nil, false
	}

	cutoff := now.Add(-time.Minute)
	valid := window.requests[:0]
	for _, t := range window.requests {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	window.requests = valid

	if len(window.requests) >= r.requestsPerMinute {
		observability.RecordRateLimitRejection()
		return nil, false
	}

	window.requests = append(window.requests, now)
	window.concurrent++
	r.sweepLocked(now)

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if w, ok := r.callers[callerID]; ok && w.concurrent > 0 {
			w.concurrent--
		}
	}, true
}

// UpdateLimits applies new limits, used by config hot reload.
func (r *RateLimiter) UpdateLimits(requestsPerMinute, maxConcurrent int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if requestsPerMinute > 0 {
		r.requestsPerMinute = requestsPerMinute
	}
	if maxConcurrent > 0 {
		r.maxConcurrent = maxConcurrent
	}
}

// sweepLocked drops callers idle past the window so the map does not grow
// with every identity ever seen. Caller holds r.mu.
func (r *RateLimiter) sweepLocked(now time.Time) {
	cutoff := now.Add(-5 * time.Minute)
	for id, window := range r.callers {
		if window.concurrent == 0 && window.lastSeen.Before(cutoff) {
			delete(r.callers, id)
		}
	}
}
