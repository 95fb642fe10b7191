package autosave

import (
	"sync"
	"time"
)

// Rate limiting defaults. These are policy numbers, not derived values: they
// bound how hard manual SaveNow calls and rapid edit bursts can hammer the
// drafts endpoint, independent of debounce.
const (
	DefaultMinSaveInterval = 20 * time.Second
	DefaultRateWindow      = 60 * time.Second
	DefaultRateBurst       = 3
)

// RateWindow tracks recent save-attempt timestamps and answers whether a
// fresh attempt may proceed now.
//
// CanSave denies when the last attempt was less than the minimum interval
// ago, or when the burst cap is reached within the sliding window. Entries
// older than the window are pruned lazily on each check; they are never
// consulted either way.
//
// Retries do not go through the window at all: they are continuations of one
// logical attempt, not new user-triggered saves.
type RateWindow struct {
	minInterval time.Duration
	window      time.Duration
	burst       int

	mu       sync.Mutex
	attempts []time.Time
	last     time.Time
}

// NewRateWindow creates a rate window. Non-positive arguments fall back to
// the package defaults.
func NewRateWindow(minInterval, window time.Duration, burst int) *RateWindow {
	if minInterval <= 0 {
		minInterval = DefaultMinSaveInterval
	}
	if window <= 0 {
		window = DefaultRateWindow
	}
	if burst <= 0 {
		burst = DefaultRateBurst
	}
	return &RateWindow{minInterval: minInterval, window: window, burst: burst}
}

// CanSave reports whether an attempt may proceed at now. It does not record
// anything; the caller records an accepted attempt via Record.
func (w *RateWindow) CanSave(now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.pruneLocked(now)

	if !w.last.IsZero() && now.Sub(w.last) < w.minInterval {
		return false
	}
	return len(w.attempts) < w.burst
}

// Record notes that an attempt was accepted at now.
func (w *RateWindow) Record(now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.pruneLocked(now)
	w.attempts = append(w.attempts, now)
	if now.After(w.last) {
		w.last = now
	}
}

func (w *RateWindow) pruneLocked(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.attempts) && !w.attempts[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.attempts = append(w.attempts[:0], w.attempts[i:]...)
	}
}
