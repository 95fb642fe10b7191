package autosave

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"draftsync/internal/clock"
	logx "draftsync/pkg/logx"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type saveCall struct {
	At   time.Time
	Snap Snapshot
}

// scriptSaver records every call and fails the first len(errs) calls with the
// scripted errors.
type scriptSaver struct {
	clk *clock.Fake

	mu    sync.Mutex
	calls []saveCall
	errs  []error
}

func (r *scriptSaver) SaveDraft(_ context.Context, _ string, snap Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := len(r.calls)
	r.calls = append(r.calls, saveCall{At: r.clk.Now(), Snap: snap})
	if i < len(r.errs) {
		return r.errs[i]
	}
	return nil
}

func (r *scriptSaver) Calls() []saveCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]saveCall(nil), r.calls...)
}

func newTestScheduler(t *testing.T, clk *clock.Fake, sv Saver, mutate func(*Config)) *Scheduler {
	t.Helper()
	cfg := Config{SessionToken: "tok", Clock: clk}
	if mutate != nil {
		mutate(&cfg)
	}
	s := New("expense", cfg, sv, logx.Nop(), nil)
	t.Cleanup(s.Stop)
	return s
}

func TestDebounceCollapsesEditBurst(t *testing.T) {
	t.Parallel()
	clk := clock.NewFake(time.Unix(1000, 0))
	sv := &scriptSaver{clk: clk}
	s := newTestScheduler(t, clk, sv, nil)

	s.Changed(Snapshot{"mileage": 1}, true, LifecycleIdle)
	clk.Advance(10 * time.Second)
	s.Changed(Snapshot{"mileage": 2}, true, LifecycleIdle)
	clk.Advance(10 * time.Second)
	s.Changed(Snapshot{"mileage": 3}, true, LifecycleIdle)

	// 29s after the last edit: still inside the quiet period.
	clk.Advance(29 * time.Second)
	if n := len(sv.Calls()); n != 0 {
		t.Fatalf("saved %d times before debounce elapsed, want 0", n)
	}

	clk.Advance(time.Second)
	calls := sv.Calls()
	if len(calls) != 1 {
		t.Fatalf("saved %d times, want exactly 1", len(calls))
	}
	if got := calls[0].Snap["mileage"]; got != 3 {
		t.Fatalf("saved snapshot mileage = %v, want the last edit (3)", got)
	}

	// Nothing further pending without new edits.
	clk.Advance(10 * time.Minute)
	if n := len(sv.Calls()); n != 1 {
		t.Fatalf("saved %d times after quiet period, want 1", n)
	}
}

func TestCleanOrSubmittingCancelsPendingSave(t *testing.T) {
	t.Parallel()
	for _, tt := range []struct {
		name  string
		dirty bool
		lc    Lifecycle
	}{
		{name: "clean", dirty: false, lc: LifecycleIdle},
		{name: "submitting", dirty: true, lc: LifecycleSubmitting},
		{name: "submitted", dirty: true, lc: LifecycleSubmitted},
	} {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			clk := clock.NewFake(time.Unix(1000, 0))
			sv := &scriptSaver{clk: clk}
			s := newTestScheduler(t, clk, sv, nil)

			s.Changed(Snapshot{"a": 1}, true, LifecycleIdle)
			clk.Advance(10 * time.Second)
			s.Changed(Snapshot{"a": 2}, tt.dirty, tt.lc)

			clk.Advance(time.Hour)
			if n := len(sv.Calls()); n != 0 {
				t.Fatalf("saved %d times, want 0", n)
			}
		})
	}
}

func TestSaveNowRejectedWhileInFlight(t *testing.T) {
	t.Parallel()
	clk := clock.NewFake(time.Unix(1000, 0))

	entered := make(chan struct{})
	release := make(chan struct{})
	var mu sync.Mutex
	calls := 0
	sv := SaverFunc(func(context.Context, string, Snapshot) error {
		mu.Lock()
		calls++
		mu.Unlock()
		close(entered)
		<-release
		return nil
	})
	s := newTestScheduler(t, clk, sv, nil)
	s.Changed(Snapshot{"a": 1}, true, LifecycleIdle)

	done := make(chan error, 1)
	go func() { done <- s.SaveNow() }()
	<-entered

	if err := s.SaveNow(); !errors.Is(err, ErrSaveInFlight) {
		t.Fatalf("second SaveNow = %v, want ErrSaveInFlight", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first SaveNow = %v, want nil", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("persistence called %d times, want 1", calls)
	}
}

func TestRateGateMinimumSpacing(t *testing.T) {
	t.Parallel()
	clk := clock.NewFake(time.Unix(1000, 0))
	sv := &scriptSaver{clk: clk}
	s := newTestScheduler(t, clk, sv, nil)
	s.Changed(Snapshot{"a": 1}, true, LifecycleIdle)

	if err := s.SaveNow(); err != nil {
		t.Fatalf("first SaveNow = %v, want nil", err)
	}
	for i := 0; i < 3; i++ {
		clk.Advance(time.Millisecond)
		s.Changed(Snapshot{"a": 2 + i}, true, LifecycleIdle)
		if err := s.SaveNow(); !errors.Is(err, ErrRateLimited) {
			t.Fatalf("SaveNow %d = %v, want ErrRateLimited", i+2, err)
		}
	}
	if n := len(sv.Calls()); n != 1 {
		t.Fatalf("persistence called %d times, want 1", n)
	}

	// After the minimum spacing a fresh attempt goes through again.
	clk.Advance(20 * time.Second)
	s.Changed(Snapshot{"a": 9}, true, LifecycleIdle)
	if err := s.SaveNow(); err != nil {
		t.Fatalf("SaveNow after spacing = %v, want nil", err)
	}
	if n := len(sv.Calls()); n != 2 {
		t.Fatalf("persistence called %d times, want 2", n)
	}
}

func TestRateGateBurstCap(t *testing.T) {
	t.Parallel()
	clk := clock.NewFake(time.Unix(1000, 0))
	sv := &scriptSaver{clk: clk}
	s := newTestScheduler(t, clk, sv, func(c *Config) {
		c.MinSaveInterval = time.Millisecond
	})

	for i := 0; i < 4; i++ {
		s.Changed(Snapshot{"a": i}, true, LifecycleIdle)
		err := s.SaveNow()
		if i < 3 && err != nil {
			t.Fatalf("SaveNow %d = %v, want nil", i+1, err)
		}
		if i == 3 && !errors.Is(err, ErrRateLimited) {
			t.Fatalf("SaveNow 4 = %v, want ErrRateLimited", err)
		}
		clk.Advance(2 * time.Millisecond)
	}
	if n := len(sv.Calls()); n != 3 {
		t.Fatalf("persistence called %d times within the window, want 3", n)
	}
}

func TestRetryBackoffThenSuccess(t *testing.T) {
	t.Parallel()
	clk := clock.NewFake(time.Unix(1000, 0))
	boom := errors.New("boom")
	sv := &scriptSaver{clk: clk, errs: []error{boom, boom, boom}}
	s := newTestScheduler(t, clk, sv, nil)
	s.Changed(Snapshot{"a": 1}, true, LifecycleIdle)

	start := clk.Now()
	if err := s.SaveNow(); !errors.Is(err, boom) {
		t.Fatalf("SaveNow = %v, want the first failure", err)
	}

	// Backoff schedule: 2s, 4s, 8s.
	clk.Advance(2 * time.Second)
	clk.Advance(4 * time.Second)
	clk.Advance(8 * time.Second)

	calls := sv.Calls()
	if len(calls) != 4 {
		t.Fatalf("persistence called %d times, want 4", len(calls))
	}
	wantOffsets := []time.Duration{0, 2 * time.Second, 6 * time.Second, 14 * time.Second}
	for i, c := range calls {
		if got := c.At.Sub(start); got != wantOffsets[i] {
			t.Fatalf("call %d at +%v, want +%v", i+1, got, wantOffsets[i])
		}
	}

	clk.Advance(DefaultDwellFloor)
	if got := s.State().Status; got != StatusSaved {
		t.Fatalf("status after successful retry = %v, want saved", got)
	}
}

func TestRetryExhaustionEntersError(t *testing.T) {
	t.Parallel()
	clk := clock.NewFake(time.Unix(1000, 0))
	sv := &scriptSaver{clk: clk, errs: []error{
		errors.New("first"), errors.New("second"), errors.New("third"), errors.New("final"),
	}}
	s := newTestScheduler(t, clk, sv, nil)
	s.Changed(Snapshot{"a": 1}, true, LifecycleIdle)

	_ = s.SaveNow()
	clk.Advance(14 * time.Second) // 2s + 4s + 8s

	if n := len(sv.Calls()); n != 4 {
		t.Fatalf("persistence called %d times, want 4", n)
	}
	st := s.State()
	if st.Status != StatusError {
		t.Fatalf("status = %v, want error", st.Status)
	}
	if st.LastError != "final" {
		t.Fatalf("LastError = %q, want the last failure's message", st.LastError)
	}

	// No further retries after exhaustion.
	clk.Advance(time.Hour)
	if n := len(sv.Calls()); n != 4 {
		t.Fatalf("persistence called %d times after exhaustion, want 4", n)
	}
}

func TestRetryUsesLatestSnapshot(t *testing.T) {
	t.Parallel()
	clk := clock.NewFake(time.Unix(1000, 0))
	sv := &scriptSaver{clk: clk, errs: []error{errors.New("boom")}}
	s := newTestScheduler(t, clk, sv, nil)

	s.Changed(Snapshot{"v": "old"}, true, LifecycleIdle)
	_ = s.SaveNow()

	// Edit lands during the backoff gap.
	clk.Advance(time.Second)
	s.Changed(Snapshot{"v": "new"}, true, LifecycleIdle)

	clk.Advance(time.Second) // retry fires at +2s
	calls := sv.Calls()
	if len(calls) != 2 {
		t.Fatalf("persistence called %d times, want 2", len(calls))
	}
	if got := calls[1].Snap["v"]; got != "new" {
		t.Fatalf("retry saved %v, want the edit made during backoff", got)
	}
}

func TestDwellFloorBeforeSaved(t *testing.T) {
	t.Parallel()
	clk := clock.NewFake(time.Unix(1000, 0))
	sv := &scriptSaver{clk: clk}
	s := newTestScheduler(t, clk, sv, nil)
	s.Changed(Snapshot{"a": 1}, true, LifecycleIdle)

	if err := s.SaveNow(); err != nil {
		t.Fatalf("SaveNow = %v", err)
	}
	if got := s.State().Status; got != StatusSaving {
		t.Fatalf("status right after instant save = %v, want saving (dwell floor)", got)
	}

	clk.Advance(DefaultDwellFloor - time.Millisecond)
	if got := s.State().Status; got != StatusSaving {
		t.Fatalf("status 1ms before dwell floor = %v, want saving", got)
	}
	clk.Advance(time.Millisecond)
	if got := s.State().Status; got != StatusSaved {
		t.Fatalf("status at dwell floor = %v, want saved", got)
	}

	clk.Advance(DefaultIdleDecay)
	if got := s.State().Status; got != StatusIdle {
		t.Fatalf("status after idle decay = %v, want idle", got)
	}
}

func TestStateTransitionsBroadcast(t *testing.T) {
	t.Parallel()
	clk := clock.NewFake(time.Unix(1000, 0))
	sv := &scriptSaver{clk: clk}
	s := newTestScheduler(t, clk, sv, nil)
	s.Changed(Snapshot{"a": 1}, true, LifecycleIdle)

	var seen []Status
	unsub := s.SubscribeState(func(st SaveState) { seen = append(seen, st.Status) })
	defer unsub()

	_ = s.SaveNow()
	clk.Advance(DefaultDwellFloor + DefaultIdleDecay)

	want := []Status{StatusSaving, StatusSaved, StatusIdle}
	if len(seen) != len(want) {
		t.Fatalf("observed %d transitions (%v), want %v", len(seen), seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("transition %d = %v, want %v", i, seen[i], want[i])
		}
	}
}

func TestStopCancelsAllTimers(t *testing.T) {
	t.Parallel()
	clk := clock.NewFake(time.Unix(1000, 0))
	sv := &scriptSaver{clk: clk}
	s := newTestScheduler(t, clk, sv, nil)

	// Pending debounce.
	s.Changed(Snapshot{"a": 1}, true, LifecycleIdle)
	s.Stop()

	clk.Advance(24 * time.Hour)
	if n := len(sv.Calls()); n != 0 {
		t.Fatalf("persistence called %d times after Stop, want 0", n)
	}
	if got := s.State().Status; got != StatusIdle {
		t.Fatalf("status after Stop = %v, want idle", got)
	}
	if err := s.SaveNow(); !errors.Is(err, ErrStopped) {
		t.Fatalf("SaveNow after Stop = %v, want ErrStopped", err)
	}
}

func TestStopDuringDwellSuppressesTransitions(t *testing.T) {
	t.Parallel()
	clk := clock.NewFake(time.Unix(1000, 0))
	sv := &scriptSaver{clk: clk}
	s := newTestScheduler(t, clk, sv, nil)
	s.Changed(Snapshot{"a": 1}, true, LifecycleIdle)

	var transitions int
	unsub := s.SubscribeState(func(SaveState) { transitions++ })
	defer unsub()

	_ = s.SaveNow() // success; dwell timer pending
	s.Stop()

	clk.Advance(24 * time.Hour)
	if transitions != 1 { // only the Saving broadcast from the attempt itself
		t.Fatalf("observed %d transitions, want 1 (saving)", transitions)
	}
	if n := clk.Pending(); n != 0 {
		t.Fatalf("%d timers still pending after Stop", n)
	}
}

func TestSuccessClearsDirty(t *testing.T) {
	t.Parallel()
	clk := clock.NewFake(time.Unix(1000, 0))
	sv := &scriptSaver{clk: clk}
	s := newTestScheduler(t, clk, sv, nil)

	s.Changed(Snapshot{"a": 1}, true, LifecycleIdle)
	if !s.Dirty() {
		t.Fatalf("Dirty = false after an edit")
	}
	if err := s.SaveNow(); err != nil {
		t.Fatalf("SaveNow = %v", err)
	}
	if s.Dirty() {
		t.Fatalf("Dirty = true after a successful save with no newer edits")
	}
}

func TestSuccessKeepsDirtyWhenEditLandsMidFlight(t *testing.T) {
	t.Parallel()
	clk := clock.NewFake(time.Unix(1000, 0))

	entered := make(chan struct{})
	release := make(chan struct{})
	sv := SaverFunc(func(context.Context, string, Snapshot) error {
		close(entered)
		<-release
		return nil
	})
	s := newTestScheduler(t, clk, sv, nil)
	s.Changed(Snapshot{"a": 1}, true, LifecycleIdle)

	done := make(chan error, 1)
	go func() { done <- s.SaveNow() }()
	<-entered

	// Edit arrives while the attempt is on the wire.
	s.Changed(Snapshot{"a": 2}, true, LifecycleIdle)
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("SaveNow = %v", err)
	}

	if !s.Dirty() {
		t.Fatalf("Dirty = false, but the persisted snapshot was superseded mid-flight")
	}
}

func TestErrorStateRecoversOnNextCycle(t *testing.T) {
	t.Parallel()
	clk := clock.NewFake(time.Unix(1000, 0))
	sv := &scriptSaver{clk: clk, errs: []error{
		errors.New("e1"), errors.New("e2"), errors.New("e3"), errors.New("e4"),
	}}
	s := newTestScheduler(t, clk, sv, nil)
	s.Changed(Snapshot{"a": 1}, true, LifecycleIdle)

	_ = s.SaveNow()
	clk.Advance(14 * time.Second)
	if got := s.State().Status; got != StatusError {
		t.Fatalf("status = %v, want error", got)
	}

	// Past the rate gate's minimum spacing, the next cycle saves cleanly.
	clk.Advance(time.Minute)
	s.Changed(Snapshot{"a": 2}, true, LifecycleIdle)
	if err := s.SaveNow(); err != nil {
		t.Fatalf("SaveNow after error = %v, want nil", err)
	}
	clk.Advance(DefaultDwellFloor)
	st := s.State()
	if st.Status != StatusSaved {
		t.Fatalf("status = %v, want saved", st.Status)
	}
	if st.LastError != "" {
		t.Fatalf("LastError = %q, want cleared on success", st.LastError)
	}
}
