// Package ratelimit implements multi-scope admission control. Each scope
// (global, per-client, per-method) has independent minute and hour
// buckets; a message is admitted only when every applicable bucket has
// points left.
package ratelimit

import (
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrThrottled is returned when any applicable bucket is exhausted.
var ErrThrottled = errors.New("ratelimit: exceeded")

// ScopeConfig sets the per-window point counts for one scope. Zero
// disables the corresponding bucket.
type ScopeConfig struct {
	RequestsPerMinute int
	RequestsPerHour   int
}

// Config configures the limiter.
type Config struct {
	Enabled   bool
	Global    ScopeConfig
	PerClient ScopeConfig
	PerMethod map[string]ScopeConfig
}

type bucket struct {
	points       int
	window       time.Duration
	remaining    int
	resetAt      time.Time
	blockedUntil time.Time
	lastUsed     time.Time
}

// Limiter is shared across all connections. The bucket map is mutated
// under one lock; checks are cheap and never block.
type Limiter struct {
	cfg Config

	m       sync.Mutex
	buckets map[string]*bucket
	checks  uint64
}

// New creates a limiter.
func New(cfg Config) *Limiter {
	return &Limiter{cfg: cfg, buckets: make(map[string]*bucket)}
}

type consume struct {
	key    string
	points int
	window time.Duration
}

// Check consumes one point from every applicable bucket, tightest scope
// last: global/minute, global/hour, client/minute, client/hour,
// method/minute, method/hour. The first exhausted bucket short-circuits
// to ErrThrottled; points already consumed are not rolled back.
func (l *Limiter) Check(connID, method string) error {
	if !l.cfg.Enabled {
		return nil
	}
	wants := []consume{
		{"global:m", l.cfg.Global.RequestsPerMinute, time.Minute},
		{"global:h", l.cfg.Global.RequestsPerHour, time.Hour},
		{connID + ":m", l.cfg.PerClient.RequestsPerMinute, time.Minute},
		{connID + ":h", l.cfg.PerClient.RequestsPerHour, time.Hour},
	}
	if mc, ok := l.cfg.PerMethod[method]; ok && method != "" {
		wants = append(wants,
			consume{connID + ":" + method + ":m", mc.RequestsPerMinute, time.Minute},
			consume{connID + ":" + method + ":h", mc.RequestsPerHour, time.Hour},
		)
	}

	now := time.Now()
	l.m.Lock()
	defer l.m.Unlock()

	l.checks++
	if l.checks%256 == 0 {
		l.gcLocked(now)
	}

	for _, w := range wants {
		if w.points <= 0 {
			continue
		}
		if !l.takeLocked(w, now) {
			logrus.Debugf("ratelimit: bucket %s exhausted", w.key)
			return ErrThrottled
		}
	}
	return nil
}

// +checklocks:l.m
func (l *Limiter) takeLocked(w consume, now time.Time) bool {
	b, ok := l.buckets[w.key]
	if !ok {
		b = &bucket{points: w.points, window: w.window}
		b.remaining = w.points
		b.resetAt = now.Add(w.window)
		l.buckets[w.key] = b
	}
	b.lastUsed = now
	if b.blockedUntil.After(now) {
		return false
	}
	if !now.Before(b.resetAt) {
		b.remaining = b.points
		b.resetAt = now.Add(b.window)
	}
	if b.remaining <= 0 {
		// Block for one full window.
		b.blockedUntil = now.Add(b.window)
		return false
	}
	b.remaining--
	return true
}

// gcLocked drops buckets idle for two full windows.
// +checklocks:l.m
func (l *Limiter) gcLocked(now time.Time) {
	for key, b := range l.buckets {
		if now.Sub(b.lastUsed) > 2*b.window {
			delete(l.buckets, key)
		}
	}
}

// Forget drops every bucket keyed to connID. Called at teardown so
// short-lived connections do not accumulate state.
func (l *Limiter) Forget(connID string) {
	if !l.cfg.Enabled {
		return
	}
	l.m.Lock()
	defer l.m.Unlock()
	prefix := connID + ":"
	for key := range l.buckets {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			delete(l.buckets, key)
		}
	}
}
