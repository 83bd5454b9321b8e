// Package ratelimit implements fixed-window request limiting. A window opens with the first
// hit of a key and every hit until it elapses counts against the policy's maximum.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"
)

const DefaultCode = "RATE_LIMIT_EXCEEDED"

type Policy struct {
	Window time.Duration
	Max    int
	// Code is reported to clients that hit the limit.
	Code string
}

func (p Policy) String() string {
	return fmt.Sprintf("%d per %v", p.Max, p.Window)
}

// Counter counts hits per key within fixed windows.
type Counter interface {
	// Incr records one hit for key and returns the hit count of the current window and the
	// time the window ends.
	Incr(ctx context.Context, key string, window time.Duration) (int64, time.Time, error)
}

type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

type Limiter struct {
	name    string
	policy  Policy
	counter Counter
}

func New(name string, policy Policy, counter Counter) *Limiter {
	if policy.Code == "" {
		policy.Code = DefaultCode
	}
	return &Limiter{name: name, policy: policy, counter: counter}
}

func (l *Limiter) Policy() Policy {
	return l.policy
}

// Allow records a hit for key. Counter failures let the request through.
func (l *Limiter) Allow(ctx context.Context, key string) Decision {
	count, resetAt, err := l.counter.Incr(ctx, l.name+":"+key, l.policy.Window)
	if err != nil {
		log.Warnf("[ratelimit][%s] counter unavailable, allowing request: %v", l.name, err)
		return Decision{Allowed: true, Limit: l.policy.Max, Remaining: l.policy.Max, ResetAt: time.Now().Add(l.policy.Window)}
	}

	remaining := int64(l.policy.Max) - count
	if remaining < 0 {
		remaining = 0
	}

	return Decision{
		Allowed:   count <= int64(l.policy.Max),
		Limit:     l.policy.Max,
		Remaining: int(remaining),
		ResetAt:   resetAt,
	}
}

// SetHeaders writes the standard RateLimit-* headers, plus Retry-After when d was rejected.
func SetHeaders(w http.ResponseWriter, d Decision, now time.Time) {
	reset := int(math.Ceil(d.ResetAt.Sub(now).Seconds()))
	if reset < 0 {
		reset = 0
	}

	h := w.Header()
	h.Set("RateLimit-Limit", strconv.Itoa(d.Limit))
	h.Set("RateLimit-Remaining", strconv.Itoa(d.Remaining))
	h.Set("RateLimit-Reset", strconv.Itoa(reset))
	if !d.Allowed {
		h.Set("Retry-After", strconv.Itoa(reset))
	}
}
