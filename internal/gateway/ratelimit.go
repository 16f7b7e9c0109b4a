package gateway

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// limiterIdleTTL is how long an agent's bucket survives without requests.
	// A bucket idle that long has refilled, so dropping it loses no state.
	limiterIdleTTL = 10 * time.Minute
	sweepInterval  = time.Minute
)

type agentBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter enforces per-agent and global request rate limits with token
// buckets from golang.org/x/time/rate. Buckets of agents that stop sending
// requests are evicted.
type RateLimiter struct {
	mu        sync.Mutex
	global    *rate.Limiter
	agents    map[string]*agentBucket
	perAgent  rate.Limit
	burst     int
	lastSweep time.Time
	now       func() time.Time
}

// NewRateLimiter takes limits in requests per minute.
func NewRateLimiter(globalRPM, perAgentRPM int) *RateLimiter {
	return &RateLimiter{
		global:   rate.NewLimiter(perMinute(globalRPM), max(globalRPM, 1)),
		agents:   make(map[string]*agentBucket),
		perAgent: perMinute(perAgentRPM),
		burst:    max(perAgentRPM, 1),
		now:      time.Now,
	}
}

func perMinute(rpm int) rate.Limit {
	return rate.Limit(float64(rpm) / 60.0)
}

// Allow reports whether a request for agentID may proceed. A request refused
// by either bucket takes no token from the other.
func (rl *RateLimiter) Allow(agentID string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	rl.sweep(now)

	b, ok := rl.agents[agentID]
	if !ok {
		b = &agentBucket{limiter: rate.NewLimiter(rl.perAgent, rl.burst)}
		rl.agents[agentID] = b
	}
	b.lastSeen = now

	r := b.limiter.ReserveN(now, 1)
	if !r.OK() || r.DelayFrom(now) > 0 {
		r.CancelAt(now)
		return false
	}
	if !rl.global.AllowN(now, 1) {
		r.CancelAt(now)
		return false
	}
	return true
}

// Len returns the number of agents with a live bucket.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.agents)
}

func (rl *RateLimiter) sweep(now time.Time) {
	if now.Sub(rl.lastSweep) < sweepInterval {
		return
	}
	rl.lastSweep = now
	for id, b := range rl.agents {
		if now.Sub(b.lastSeen) > limiterIdleTTL {
			delete(rl.agents, id)
		}
	}
}
