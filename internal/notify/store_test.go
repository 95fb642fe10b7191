package notify

import (
	"testing"
	"time"

	"draftsync/internal/clock"
)

func newTestStore(mutate func(*Config)) (*Store, *clock.Fake) {
	clk := clock.NewFake(time.Unix(5000, 0))
	cfg := Config{Clock: clk}
	if mutate != nil {
		mutate(&cfg)
	}
	return New(cfg, nil), clk
}

func TestEnqueueDedupWindow(t *testing.T) {
	t.Parallel()
	s, clk := newTestStore(nil)

	if _, ok := s.Enqueue("autosave failed", KindError); !ok {
		t.Fatal("first enqueue should succeed")
	}
	clk.Advance(400 * time.Millisecond)
	if _, ok := s.Enqueue("autosave failed", KindError); ok {
		t.Fatal("identical enqueue inside the dedup window should be a no-op")
	}
	if n := len(s.Snapshot()); n != 1 {
		t.Fatalf("queue has %d entries, want 1", n)
	}

	// Different kind is a different dedup key.
	if _, ok := s.Enqueue("autosave failed", KindInfo); !ok {
		t.Fatal("same message with different kind should enqueue")
	}

	clk.Advance(600 * time.Millisecond)
	if _, ok := s.Enqueue("autosave failed", KindError); !ok {
		t.Fatal("enqueue past the dedup window should succeed")
	}
	if n := len(s.Snapshot()); n != 3 {
		t.Fatalf("queue has %d entries, want 3", n)
	}
}

func TestQueueBoundedOldestDropsFirst(t *testing.T) {
	t.Parallel()
	s, clk := newTestStore(nil)

	msgs := []string{"one", "two", "three", "four", "five"}
	for _, m := range msgs {
		if _, ok := s.Enqueue(m, KindInfo); !ok {
			t.Fatalf("enqueue %q failed", m)
		}
		clk.Advance(time.Second) // clear of the dedup window
	}

	snap := s.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("queue has %d entries, want 3", len(snap))
	}
	for i, want := range []string{"three", "four", "five"} {
		if snap[i].Message != want {
			t.Fatalf("entry %d = %q, want %q (oldest dropped first)", i, snap[i].Message, want)
		}
	}
}

func TestAutoDismissByKindDefaults(t *testing.T) {
	t.Parallel()
	s, clk := newTestStore(nil)

	s.Enqueue("saved", KindSuccess) // 3s default
	s.Enqueue("broke", KindError)   // 5s default

	clk.Advance(3 * time.Second)
	snap := s.Snapshot()
	if len(snap) != 1 || snap[0].Kind != KindError {
		t.Fatalf("after 3s queue = %+v, want only the error", snap)
	}

	clk.Advance(2 * time.Second)
	if n := len(s.Snapshot()); n != 0 {
		t.Fatalf("after 5s queue has %d entries, want 0", n)
	}
}

func TestStickyNotificationNeverExpires(t *testing.T) {
	t.Parallel()
	s, clk := newTestStore(nil)

	id, ok := s.EnqueueFor("read me", KindInfo, -1)
	if !ok {
		t.Fatal("enqueue failed")
	}
	clk.Advance(24 * time.Hour)
	if n := len(s.Snapshot()); n != 1 {
		t.Fatalf("sticky entry expired; queue has %d entries", n)
	}

	s.Dismiss(id)
	if n := len(s.Snapshot()); n != 0 {
		t.Fatalf("dismiss left %d entries", n)
	}
}

func TestDismissIsIdempotent(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(nil)

	id, _ := s.Enqueue("x", KindInfo)
	s.Dismiss(id)
	s.Dismiss(id)        // second time is a no-op
	s.Dismiss("no-such") // unknown id is a no-op
	s.Dismiss("")        // empty id is a no-op

	if n := len(s.Snapshot()); n != 0 {
		t.Fatalf("queue has %d entries, want 0", n)
	}
}

func TestSubscribersSeeEveryMutation(t *testing.T) {
	t.Parallel()
	s, clk := newTestStore(nil)

	var snaps [][]Notification
	unsub := s.Subscribe(func(q []Notification) { snaps = append(snaps, q) })

	id, _ := s.Enqueue("a", KindInfo)
	clk.Advance(time.Second)
	s.Enqueue("b", KindInfo)
	s.Dismiss(id)

	if len(snaps) != 3 {
		t.Fatalf("listener saw %d mutations, want 3", len(snaps))
	}
	if len(snaps[0]) != 1 || len(snaps[1]) != 2 || len(snaps[2]) != 1 {
		t.Fatalf("unexpected queue sizes: %d %d %d", len(snaps[0]), len(snaps[1]), len(snaps[2]))
	}

	unsub()
	s.Enqueue("c", KindInfo)
	if len(snaps) != 3 {
		t.Fatal("listener invoked after unsubscribe")
	}
}

func TestDedupedCallDoesNotNotify(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(nil)

	calls := 0
	unsub := s.Subscribe(func([]Notification) { calls++ })
	defer unsub()

	s.Enqueue("same", KindError)
	s.Enqueue("same", KindError) // deduped, no mutation
	if calls != 1 {
		t.Fatalf("listener invoked %d times, want 1", calls)
	}
}

func TestNilStoreIsSafe(t *testing.T) {
	t.Parallel()
	var s *Store

	if _, ok := s.Enqueue("x", KindInfo); ok {
		t.Fatal("nil store must not accept entries")
	}
	s.Dismiss("x")
	s.Stop()
	if snap := s.Snapshot(); len(snap) != 0 {
		t.Fatalf("nil store snapshot = %v, want empty", snap)
	}
	unsub := s.Subscribe(func([]Notification) {})
	unsub()
}

func TestEvictionCancelsTimer(t *testing.T) {
	t.Parallel()
	s, clk := newTestStore(func(c *Config) { c.MaxVisible = 1 })

	s.Enqueue("old", KindInfo)
	clk.Advance(time.Second)
	s.Enqueue("new", KindInfo) // evicts "old"

	if n := clk.Pending(); n != 1 {
		t.Fatalf("%d timers pending after eviction, want 1", n)
	}
	snap := s.Snapshot()
	if len(snap) != 1 || snap[0].Message != "new" {
		t.Fatalf("queue = %+v, want only the new entry", snap)
	}
}
