package autosave

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"draftsync/internal/clock"
	"draftsync/internal/eventbus"
	logx "draftsync/pkg/logx"
)

// Timing defaults. DefaultDebounce is deliberately long: drafts are advisory
// and the endpoint is shared, so we only save after a real quiet period.
const (
	DefaultDebounce    = 30 * time.Second
	DefaultDwellFloor  = 800 * time.Millisecond
	DefaultIdleDecay   = 3 * time.Second
	DefaultRetryMax    = 3
	DefaultRetryBase   = 2 * time.Second
	DefaultSaveTimeout = 10 * time.Second
)

// Config controls a Scheduler. Zero fields fall back to defaults.
//
// All durations observe the injected Clock, so tests can compress time.
type Config struct {
	// SessionToken is passed through to the Saver on every attempt.
	SessionToken string

	Debounce   time.Duration // quiet period before an edit burst saves
	DwellFloor time.Duration // minimum visible Saving duration
	IdleDecay  time.Duration // Saved -> Idle delay

	RetryMax  int           // retries after the initial attempt
	RetryBase time.Duration // backoff base; delay = base << retry

	SaveTimeout time.Duration // per-attempt persistence timeout

	// Rate gate for fresh attempts. See RateWindow.
	MinSaveInterval time.Duration
	RateWindow      time.Duration
	RateBurst       int

	// Clock defaults to the system clock. Tests inject clock.NewFake.
	Clock clock.Clock
}

func (c Config) withDefaults() Config {
	if c.Debounce <= 0 {
		c.Debounce = DefaultDebounce
	}
	if c.DwellFloor <= 0 {
		c.DwellFloor = DefaultDwellFloor
	}
	if c.IdleDecay <= 0 {
		c.IdleDecay = DefaultIdleDecay
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	} else if c.RetryMax == 0 {
		c.RetryMax = DefaultRetryMax
	}
	if c.RetryBase <= 0 {
		c.RetryBase = DefaultRetryBase
	}
	if c.SaveTimeout <= 0 {
		c.SaveTimeout = DefaultSaveTimeout
	}
	if c.Clock == nil {
		c.Clock = clock.System()
	}
	return c
}

// Scheduler coordinates debounce, rate gating, retries and the status machine
// for one form session. Safe for concurrent use.
type Scheduler struct {
	form    string
	cfg     Config
	clock   clock.Clock
	saver   Saver
	log     logx.Logger
	machine *StatusMachine
	window  *RateWindow
	bus     eventbus.Bus

	mu         sync.Mutex
	latest     Snapshot
	dirty      bool
	lifecycle  Lifecycle
	inFlight   bool
	retryCount int
	stopped    bool

	// editSeq counts Changed calls. A success only clears dirty when no edit
	// arrived after the snapshot it persisted was read.
	editSeq uint64

	// gen identifies the current save cycle. Dwell and idle-decay callbacks
	// capture it and no-op once a newer cycle (or Stop) has bumped it.
	gen uint64

	debounce clock.Timer
	retry    clock.Timer
	dwell    clock.Timer
	idle     clock.Timer
}

// New creates a Scheduler for one form session. The bus is optional.
func New(form string, cfg Config, saver Saver, log logx.Logger, bus eventbus.Bus) *Scheduler {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Scheduler{
		form:      form,
		cfg:       cfg,
		clock:     cfg.Clock,
		saver:     saver,
		log:       log.With(logx.String("form", form)),
		machine:   NewStatusMachine(),
		window:    NewRateWindow(cfg.MinSaveInterval, cfg.RateWindow, cfg.RateBurst),
		bus:       bus,
		lifecycle: LifecycleIdle,
	}
}

// Form returns the logical form name this scheduler owns.
func (s *Scheduler) Form() string { return s.form }

// State returns the current save indicator state.
func (s *Scheduler) State() SaveState { return s.machine.State() }

// SubscribeState registers a listener for save indicator transitions.
func (s *Scheduler) SubscribeState(fn StateListener) (unsubscribe func()) {
	return s.machine.Subscribe(fn)
}

// Dirty reports whether there are unsaved edits.
func (s *Scheduler) Dirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirty
}

// Changed records the owner's latest state. Called on every edit.
//
// When the draft is clean, or the form is submitting/submitted, any pending
// debounce is cancelled and nothing is scheduled. Otherwise the debounce
// timer restarts: only the last edit inside the quiet period triggers a save.
func (s *Scheduler) Changed(snap Snapshot, dirty bool, lc Lifecycle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}

	s.latest = snap
	s.dirty = dirty
	s.lifecycle = lc
	s.editSeq++

	stopTimer(&s.debounce)
	if !dirty || lc.blocksAutosave() {
		return
	}
	s.debounce = s.clock.AfterFunc(s.cfg.Debounce, func() { _ = s.attemptSave(false) })
	s.publish(eventbus.EventSaveScheduled, SaveEvent{Form: s.form, At: s.clock.Now()})
}

// SaveNow cancels any pending debounce and attempts a save immediately. The
// attempt still goes through the rate gate and the in-flight check, and runs
// in the caller's goroutine: SaveNow returns once the attempt resolves or a
// retry has been scheduled.
//
// The returned error is advisory (ErrSaveInFlight, ErrNotDirty,
// ErrRateLimited, ErrStopped, or the persistence error of a failed attempt).
func (s *Scheduler) SaveNow() error {
	s.mu.Lock()
	stopTimer(&s.debounce)
	s.mu.Unlock()
	return s.attemptSave(false)
}

// Stop cancels every pending timer. No state transition or persistence call
// happens after Stop returns; an attempt already executing finishes its
// network call but drops its results. Stop does not interrupt that call.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	s.gen++
	stopTimer(&s.debounce)
	stopTimer(&s.retry)
	stopTimer(&s.dwell)
	stopTimer(&s.idle)
}

// attemptSave runs one save attempt. Fresh attempts (isRetry=false) go
// through the in-flight, dirty and rate checks; retries re-enter past all
// three, because they continue the cycle that already passed them.
func (s *Scheduler) attemptSave(isRetry bool) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	if !isRetry {
		if s.inFlight {
			s.mu.Unlock()
			return ErrSaveInFlight
		}
		if !s.dirty || s.lifecycle.blocksAutosave() {
			s.mu.Unlock()
			return ErrNotDirty
		}
		now := s.clock.Now()
		if !s.window.CanSave(now) {
			s.mu.Unlock()
			s.log.Debug("save rate limited")
			s.publish(eventbus.EventSaveRateLimited, SaveEvent{Form: s.form, At: now})
			return ErrRateLimited
		}
		s.window.Record(now)
		s.retryCount = 0
	}

	s.inFlight = true
	s.gen++
	gen := s.gen
	// A new cycle supersedes any Saved/Idle decay still pending.
	stopTimer(&s.dwell)
	stopTimer(&s.idle)

	att := Attempt{
		ID:        uuid.NewString(),
		StartedAt: s.clock.Now(),
		Retry:     s.retryCount,
		IsRetry:   isRetry,
	}
	snap := s.latest
	seq := s.editSeq
	session := s.cfg.SessionToken
	s.mu.Unlock()

	s.machine.ToSaving()
	s.publish(eventbus.EventSaveStarted, SaveEvent{Form: s.form, Attempt: att.ID, Retry: att.Retry, At: att.StartedAt})

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.SaveTimeout)
	err := s.saver.SaveDraft(ctx, session, snap)
	cancel()

	if err != nil {
		return s.saveFailed(att, err)
	}
	s.saveSucceeded(gen, seq, att)
	return nil
}

func (s *Scheduler) saveSucceeded(gen, seq uint64, att Attempt) {
	s.mu.Lock()
	if s.stopped {
		s.inFlight = false
		s.mu.Unlock()
		return
	}
	s.inFlight = false
	s.retryCount = 0
	if seq == s.editSeq {
		s.dirty = false
	}

	now := s.clock.Now()
	took := now.Sub(att.StartedAt)
	savedAt := now

	// Hold Saving for the dwell floor so fast saves don't flash the spinner.
	wait := s.cfg.DwellFloor - took
	if wait > 0 {
		s.dwell = s.clock.AfterFunc(wait, func() { s.enterSaved(gen, savedAt) })
		s.mu.Unlock()
	} else {
		s.mu.Unlock()
		s.enterSaved(gen, savedAt)
	}

	s.log.Info("draft saved", logx.Duration("took", took), logx.Bool("retry", att.IsRetry))
	s.publish(eventbus.EventSaveSaved, SaveEvent{Form: s.form, Attempt: att.ID, Retry: att.Retry, Took: took, At: now})
}

func (s *Scheduler) enterSaved(gen uint64, savedAt time.Time) {
	s.mu.Lock()
	if s.stopped || gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.idle = s.clock.AfterFunc(s.cfg.IdleDecay, func() { s.enterIdle(gen) })
	s.mu.Unlock()

	s.machine.ToSaved(savedAt)
}

func (s *Scheduler) enterIdle(gen uint64) {
	s.mu.Lock()
	if s.stopped || gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.machine.ToIdle()
}

func (s *Scheduler) saveFailed(att Attempt, err error) error {
	s.mu.Lock()
	if s.stopped {
		s.inFlight = false
		s.mu.Unlock()
		return err
	}

	if s.retryCount < s.cfg.RetryMax {
		delay := s.cfg.RetryBase << uint(s.retryCount)
		s.retryCount++
		retry := s.retryCount
		s.retry = s.clock.AfterFunc(delay, func() { _ = s.attemptSave(true) })
		s.mu.Unlock()

		s.log.Warn("draft save failed, retrying",
			logx.Err(err), logx.Int("retry", retry), logx.Duration("delay", delay))
		s.publish(eventbus.EventSaveRetry, SaveEvent{Form: s.form, Attempt: att.ID, Retry: retry, Error: err.Error(), At: s.clock.Now()})
		return err
	}

	s.inFlight = false
	s.retryCount = 0
	s.mu.Unlock()

	s.machine.ToError(err.Error())
	s.log.Error("draft save failed, retries exhausted", logx.Err(err))
	s.publish(eventbus.EventSaveFailed, SaveEvent{Form: s.form, Attempt: att.ID, Retry: att.Retry, Error: err.Error(), At: s.clock.Now()})
	return err
}

func (s *Scheduler) publish(typ string, data SaveEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: data})
}

// stopTimer stops and clears a timer slot. Caller holds s.mu.
func stopTimer(t *clock.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}
