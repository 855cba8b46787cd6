// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit provides per-peer rate limiting using the token bucket
// algorithm.
package ratelimit

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrRateLimitExceeded is returned when rate limit is exceeded.
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
)

// DefaultMaxPeers bounds the number of tracked peers.
const DefaultMaxPeers = 10000

// TokenBucket implements the token bucket algorithm for rate limiting.
type TokenBucket struct {
	mu         sync.Mutex
	capacity   float64
	tokens     float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	lastUsed   time.Time
}

// NewTokenBucket creates a full token bucket.
// capacity is the maximum number of tokens.
// refillRate is the number of tokens added per second.
func NewTokenBucket(capacity, refillRate float64, now time.Time) *TokenBucket {
	return &TokenBucket{
		capacity:   capacity,
		tokens:     capacity,
		refillRate: refillRate,
		lastRefill: now,
		lastUsed:   now,
	}
}

// Allow reports whether one token is available at now and takes it.
func (tb *TokenBucket) Allow(now time.Time) bool {
	return tb.AllowN(1, now)
}

// AllowN reports whether n tokens are available at now and takes them.
func (tb *TokenBucket) AllowN(n float64, now time.Time) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill(now)
	tb.lastUsed = now

	if tb.tokens >= n {
		tb.tokens -= n
		return true
	}

	return false
}

// Available returns the number of available tokens at now.
func (tb *TokenBucket) Available(now time.Time) float64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill(now)
	return tb.tokens
}

// refill adds tokens based on elapsed time.
func (tb *TokenBucket) refill(now time.Time) {
	elapsed := now.Sub(tb.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	tb.tokens = min(tb.capacity, tb.tokens+elapsed*tb.refillRate)
	tb.lastRefill = now
}

// Limiter manages per-peer token buckets.
type Limiter struct {
	mu         sync.Mutex
	buckets    map[string]*TokenBucket
	capacity   float64
	refillRate float64
	maxPeers   int
}

// NewLimiter creates a rate limiter with per-peer tracking.
func NewLimiter(capacity, refillRate float64, maxPeers int) *Limiter {
	if maxPeers <= 0 {
		maxPeers = DefaultMaxPeers
	}
	return &Limiter{
		buckets:    make(map[string]*TokenBucket),
		capacity:   capacity,
		refillRate: refillRate,
		maxPeers:   maxPeers,
	}
}

// Allow reports whether a datagram from peer is allowed at now. Unknown
// peers are refused once maxPeers are tracked.
func (l *Limiter) Allow(peer string, now time.Time) bool {
	l.mu.Lock()
	tb, exists := l.buckets[peer]
	if !exists {
		if len(l.buckets) >= l.maxPeers {
			l.mu.Unlock()
			return false
		}
		tb = NewTokenBucket(l.capacity, l.refillRate, now)
		l.buckets[peer] = tb
	}
	l.mu.Unlock()

	return tb.Allow(now)
}

// Remove forgets peer.
func (l *Limiter) Remove(peer string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, peer)
}

// Prune forgets peers that sent nothing for idle.
func (l *Limiter) Prune(now time.Time, idle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for peer, tb := range l.buckets {
		if now.Sub(tb.lastActivity()) >= idle {
			delete(l.buckets, peer)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked peers.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

func (tb *TokenBucket) lastActivity() time.Time {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.lastUsed
}
