// Package notify implements the app-wide transient notification queue: a
// bounded, deduplicated list of toasts with per-entry auto-dismiss.
//
// The Store is independent of any single form. It is constructed once at
// application start and passed by reference; there is no package-level
// singleton. All methods are safe on a nil *Store (they no-op and Snapshot
// returns an empty queue), so read-only environments can share the code
// without wiring timers.
package notify

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"draftsync/internal/clock"
	"draftsync/internal/eventbus"
)

// Kind classifies a notification.
type Kind string

const (
	KindSuccess Kind = "success"
	KindError   Kind = "error"
	KindInfo    Kind = "info"
)

// Notification is one visible toast.
type Notification struct {
	ID       string
	Message  string
	Kind     Kind
	Duration time.Duration // <= 0 means no auto-dismiss
	At       time.Time
}

// QueueEvent is the bus payload for notify.* events.
type QueueEvent struct {
	ID      string
	Kind    Kind
	Message string
	At      time.Time
}

// Listener receives the queue snapshot after every mutation.
type Listener func([]Notification)

// Defaults. MaxVisible bounds the queue; the dedup window absorbs bursts of
// identical messages (e.g. several autosave cycles failing the same way).
const (
	DefaultMaxVisible      = 3
	DefaultDedupWindow     = 500 * time.Millisecond
	DefaultDisplayDuration = 3 * time.Second
	DefaultErrorDuration   = 5 * time.Second
)

// Config controls a Store. Zero fields fall back to defaults.
type Config struct {
	MaxVisible      int
	DedupWindow     time.Duration
	DisplayDuration time.Duration
	ErrorDuration   time.Duration

	// Clock defaults to the system clock. Tests inject clock.NewFake.
	Clock clock.Clock
}

func (c Config) withDefaults() Config {
	if c.MaxVisible <= 0 {
		c.MaxVisible = DefaultMaxVisible
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = DefaultDedupWindow
	}
	if c.DisplayDuration <= 0 {
		c.DisplayDuration = DefaultDisplayDuration
	}
	if c.ErrorDuration <= 0 {
		c.ErrorDuration = DefaultErrorDuration
	}
	if c.Clock == nil {
		c.Clock = clock.System()
	}
	return c
}

// Store holds the notification queue. Safe for concurrent use.
type Store struct {
	cfg   Config
	clock clock.Clock
	bus   eventbus.Bus

	mu       sync.Mutex
	queue    []Notification
	timers   map[string]clock.Timer
	lastSeen map[string]time.Time // dedup key -> enqueue time
	subs     map[uint64]Listener
	seq      uint64
}

// New creates a Store. The bus is optional.
func New(cfg Config, bus eventbus.Bus) *Store {
	cfg = cfg.withDefaults()
	return &Store{
		cfg:      cfg,
		clock:    cfg.Clock,
		bus:      bus,
		timers:   map[string]clock.Timer{},
		lastSeen: map[string]time.Time{},
		subs:     map[uint64]Listener{},
	}
}

// Enqueue appends a notification with the default duration for its kind.
// It returns the new id, or ("", false) when the call was absorbed by the
// dedup window.
func (s *Store) Enqueue(message string, kind Kind) (string, bool) {
	if s == nil {
		return "", false
	}
	d := s.cfg.DisplayDuration
	if kind == KindError {
		d = s.cfg.ErrorDuration
	}
	return s.EnqueueFor(message, kind, d)
}

// EnqueueFor appends a notification with an explicit display duration.
// duration <= 0 disables auto-dismiss; the entry stays until Dismiss.
func (s *Store) EnqueueFor(message string, kind Kind, duration time.Duration) (string, bool) {
	if s == nil {
		return "", false
	}

	s.mu.Lock()
	now := s.clock.Now()

	// Identical (kind, message) inside the dedup window collapses to one.
	key := string(kind) + "|" + message
	if at, ok := s.lastSeen[key]; ok && now.Sub(at) < s.cfg.DedupWindow {
		s.mu.Unlock()
		s.publish(eventbus.EventNotifyDeduped, QueueEvent{Kind: kind, Message: message, At: now})
		return "", false
	}
	s.lastSeen[key] = now
	s.pruneSeenLocked(now)

	n := Notification{
		ID:       uuid.NewString(),
		Message:  message,
		Kind:     kind,
		Duration: duration,
		At:       now,
	}
	s.queue = append(s.queue, n)

	// Oldest entries drop first when over capacity.
	for len(s.queue) > s.cfg.MaxVisible {
		evicted := s.queue[0]
		s.queue = s.queue[1:]
		s.cancelTimerLocked(evicted.ID)
	}

	if duration > 0 {
		id := n.ID
		s.timers[id] = s.clock.AfterFunc(duration, func() { s.Dismiss(id) })
	}
	s.mu.Unlock()

	s.publish(eventbus.EventNotifyEnqueued, QueueEvent{ID: n.ID, Kind: kind, Message: message, At: now})
	s.broadcast()
	return n.ID, true
}

// Dismiss removes an entry and cancels its auto-dismiss timer. Idempotent:
// dismissing an unknown or already-dismissed id is a no-op.
func (s *Store) Dismiss(id string) {
	if s == nil || id == "" {
		return
	}

	s.mu.Lock()
	s.cancelTimerLocked(id)
	idx := -1
	for i, n := range s.queue {
		if n.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return
	}
	n := s.queue[idx]
	s.queue = append(s.queue[:idx], s.queue[idx+1:]...)
	now := s.clock.Now()
	s.mu.Unlock()

	s.publish(eventbus.EventNotifyDismissed, QueueEvent{ID: n.ID, Kind: n.Kind, Message: n.Message, At: now})
	s.broadcast()
}

// Subscribe registers a listener invoked after every mutation with the
// current queue snapshot.
func (s *Store) Subscribe(fn Listener) (unsubscribe func()) {
	if s == nil {
		return func() {}
	}
	s.mu.Lock()
	s.seq++
	id := s.seq
	s.subs[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
}

// Snapshot returns a copy of the current queue, oldest first.
func (s *Store) Snapshot() []Notification {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Notification(nil), s.queue...)
}

// Stop cancels all pending auto-dismiss timers. Entries stay visible; this
// is a teardown hook, not a clear.
func (s *Store) Stop() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}

func (s *Store) cancelTimerLocked(id string) {
	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
	}
}

// pruneSeenLocked drops dedup entries whose window has passed. The map stays
// tiny in practice; this keeps it from growing over a long session.
func (s *Store) pruneSeenLocked(now time.Time) {
	for k, at := range s.lastSeen {
		if now.Sub(at) >= s.cfg.DedupWindow {
			delete(s.lastSeen, k)
		}
	}
}

func (s *Store) broadcast() {
	s.mu.Lock()
	snap := append([]Notification(nil), s.queue...)
	listeners := make([]Listener, 0, len(s.subs))
	for _, fn := range s.subs {
		listeners = append(listeners, fn)
	}
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(snap)
	}
}

func (s *Store) publish(typ string, data QueueEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: data})
}
