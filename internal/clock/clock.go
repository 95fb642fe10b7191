// Package clock abstracts timer scheduling behind a small interface so the
// timing-heavy engine code (debounce, backoff, dwell, auto-dismiss) can be
// driven by a virtual clock in tests instead of real timers.
package clock

import (
	"sort"
	"sync"
	"time"
)

// Timer is a handle to a scheduled callback.
type Timer interface {
	// Stop cancels the timer. It reports whether the call prevented the
	// callback from firing. Stopping an already-fired or already-stopped
	// timer is a no-op.
	Stop() bool
}

// Clock schedules one-shot callbacks.
type Clock interface {
	Now() time.Time
	// AfterFunc runs fn in its own goroutine after d has elapsed.
	AfterFunc(d time.Duration, fn func()) Timer
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}

// System returns the wall-clock implementation backed by time.AfterFunc.
func System() Clock { return systemClock{} }

// Fake is a manually advanced clock for tests.
//
// Advance moves time forward and fires due callbacks synchronously, in
// deadline order (creation order breaks ties). Callbacks run with the fake's
// lock released, so they may schedule further timers or read Now().
type Fake struct {
	mu     sync.Mutex
	now    time.Time
	seq    int
	timers []*fakeTimer
}

type fakeTimer struct {
	c        *Fake
	deadline time.Time
	seq      int
	fn       func()
	fired    bool
	stopped  bool
}

// NewFake returns a fake clock positioned at start.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) AfterFunc(d time.Duration, fn func()) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	t := &fakeTimer{c: f, deadline: f.now.Add(d), seq: f.seq, fn: fn}
	f.timers = append(f.timers, t)
	return t
}

// Advance moves the clock forward by d, firing every callback whose deadline
// falls within the window. Each callback observes Now() at its own deadline.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)
	for {
		t := f.popDueLocked(target)
		if t == nil {
			break
		}
		if t.deadline.After(f.now) {
			f.now = t.deadline
		}
		fn := t.fn
		f.mu.Unlock()
		fn()
		f.mu.Lock()
	}
	if target.After(f.now) {
		f.now = target
	}
	f.mu.Unlock()
}

// Pending returns the number of timers that have neither fired nor been
// stopped. Useful for teardown assertions.
func (f *Fake) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, t := range f.timers {
		if !t.fired && !t.stopped {
			n++
		}
	}
	return n
}

// popDueLocked removes and returns the earliest live timer with a deadline at
// or before target, or nil if none is due.
func (f *Fake) popDueLocked(target time.Time) *fakeTimer {
	live := f.timers[:0]
	for _, t := range f.timers {
		if !t.fired && !t.stopped {
			live = append(live, t)
		}
	}
	f.timers = live

	sort.SliceStable(f.timers, func(i, j int) bool {
		a, b := f.timers[i], f.timers[j]
		if a.deadline.Equal(b.deadline) {
			return a.seq < b.seq
		}
		return a.deadline.Before(b.deadline)
	})

	for _, t := range f.timers {
		if !t.deadline.After(target) {
			t.fired = true
			return t
		}
	}
	return nil
}

func (t *fakeTimer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	if t.fired || t.stopped {
		return false
	}
	t.stopped = true
	return true
}
