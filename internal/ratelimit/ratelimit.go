// Package ratelimit bounds webhook sends to a sliding one-hour window.
// The limiter is in-process, per worker: the singleton poller lock is what
// keeps a deployment down to one active sender.
package ratelimit

import (
	"sync"
	"time"
)

// Window is the sliding interval over which sends are counted.
const Window = time.Hour

// Limiter counts recorded send timestamps within the last hour.
type Limiter struct {
	mu     sync.Mutex
	events []time.Time
}

// New returns an empty limiter.
func New() *Limiter {
	return &Limiter{}
}

// AllowAt prunes events older than the window and reports whether another
// send is admissible under limitPerHour. A limit <= 0 disables limiting.
func (l *Limiter) AllowAt(now time.Time, limitPerHour int) bool {
	if limitPerHour <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(now)
	return len(l.events) < limitPerHour
}

// RecordAt registers one send.
func (l *Limiter) RecordAt(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(now)
	l.events = append(l.events, now)
}

// Allow is AllowAt on the wall clock.
func (l *Limiter) Allow(limitPerHour int) bool {
	return l.AllowAt(time.Now(), limitPerHour)
}

// Record is RecordAt on the wall clock.
func (l *Limiter) Record() {
	l.RecordAt(time.Now())
}

// prune drops events that left the window. Events are appended in time
// order, so pruning only ever trims the front.
func (l *Limiter) prune(now time.Time) {
	cutoff := now.Add(-Window)
	n := 0
	for n < len(l.events) && !l.events[n].After(cutoff) {
		n++
	}
	if n > 0 {
		l.events = append(l.events[:0], l.events[n:]...)
	}
}
