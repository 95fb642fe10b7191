package autosave

import (
	"testing"
	"time"
)

func TestRateWindowMinimumSpacing(t *testing.T) {
	t.Parallel()
	w := NewRateWindow(20*time.Second, time.Minute, 3)
	t0 := time.Unix(2000, 0)

	if !w.CanSave(t0) {
		t.Fatal("empty window should allow")
	}
	w.Record(t0)

	if w.CanSave(t0.Add(19 * time.Second)) {
		t.Fatal("19s after last attempt should deny")
	}
	if !w.CanSave(t0.Add(20 * time.Second)) {
		t.Fatal("20s after last attempt should allow")
	}
}

func TestRateWindowBurstCap(t *testing.T) {
	t.Parallel()
	w := NewRateWindow(time.Millisecond, time.Minute, 3)
	t0 := time.Unix(2000, 0)

	for i := 0; i < 3; i++ {
		at := t0.Add(time.Duration(i) * time.Second)
		if !w.CanSave(at) {
			t.Fatalf("attempt %d should be allowed", i+1)
		}
		w.Record(at)
	}
	if w.CanSave(t0.Add(3 * time.Second)) {
		t.Fatal("fourth attempt inside the window should deny")
	}

	// Once the oldest entry slides out, an attempt fits again.
	if !w.CanSave(t0.Add(61 * time.Second)) {
		t.Fatal("attempt after the window slid should allow")
	}
}

func TestRateWindowPrunesLazily(t *testing.T) {
	t.Parallel()
	w := NewRateWindow(time.Millisecond, time.Minute, 3)
	t0 := time.Unix(2000, 0)

	w.Record(t0)
	w.Record(t0.Add(time.Second))
	w.Record(t0.Add(2 * time.Second))

	// Far in the future all entries are stale; only spacing applies.
	if !w.CanSave(t0.Add(time.Hour)) {
		t.Fatal("stale entries must never be consulted")
	}
}

func TestRateWindowDefaults(t *testing.T) {
	t.Parallel()
	w := NewRateWindow(0, 0, 0)
	if w.minInterval != DefaultMinSaveInterval || w.window != DefaultRateWindow || w.burst != DefaultRateBurst {
		t.Fatalf("defaults not applied: %v %v %d", w.minInterval, w.window, w.burst)
	}
}
