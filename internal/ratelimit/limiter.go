// Package ratelimit paces load transactions at a strict interval.
package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Limiter hands out permits no faster than one per interval. There is no
// burst allowance: a caller that falls behind catches up immediately, but a
// caller that is early waits for its slot.
type Limiter struct {
	mu       sync.Mutex
	next     time.Time
	interval time.Duration

	rateX1000 atomic.Int64
}

// New creates a limiter issuing ratePerSec permits per second. Non-positive
// rates are clamped to one per second.
func New(ratePerSec float64) *Limiter {
	if ratePerSec <= 0 {
		ratePerSec = 1
	}

	l := &Limiter{
		next:     time.Now(),
		interval: time.Duration(float64(time.Second) / ratePerSec),
	}
	l.rateX1000.Store(int64(ratePerSec * 1000))
	return l
}

// Wait blocks until the caller's permit time or until ctx is done. A
// cancelled wait gives its slot back when nobody has reserved a later one.
func (l *Limiter) Wait(ctx context.Context) error {
	l.mu.Lock()
	now := time.Now()
	if l.next.Before(now) {
		l.next = now
	}
	slot := l.next
	l.next = slot.Add(l.interval)
	l.mu.Unlock()

	delay := time.Until(slot)
	if delay <= 0 {
		return nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		l.release(slot)
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (l *Limiter) release(slot time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.next.Equal(slot.Add(l.interval)) {
		l.next = slot
	}
}

// SetRate changes the rate for subsequent permits.
func (l *Limiter) SetRate(ratePerSec float64) {
	if ratePerSec <= 0 {
		ratePerSec = 1
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.interval = time.Duration(float64(time.Second) / ratePerSec)
	l.rateX1000.Store(int64(ratePerSec * 1000))
	if now := time.Now(); l.next.After(now.Add(l.interval)) {
		l.next = now
	}
}

// Rate returns the current rate in permits per second.
func (l *Limiter) Rate() float64 {
	return float64(l.rateX1000.Load()) / 1000
}
