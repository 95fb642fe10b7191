package autosave

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrSaveInFlight means a save attempt was rejected because another one
	// has not resolved yet. Advisory; the next edit re-triggers naturally.
	ErrSaveInFlight = errors.New("save already in flight")
	// ErrNotDirty means there is nothing to save.
	ErrNotDirty = errors.New("draft not dirty")
	// ErrRateLimited means the attempt was denied locally and never reached
	// the network. Never surfaced to users.
	ErrRateLimited = errors.New("save rate limited")
	// ErrStopped means the scheduler has been stopped.
	ErrStopped = errors.New("scheduler stopped")
)

// Snapshot is the editable document's current value: an opaque field->value
// map owned by the form-state owner. The engine only reads it, and only the
// latest reference at the moment a save fires.
type Snapshot map[string]any

// Lifecycle mirrors the form-state owner's submission lifecycle. Autosave is
// inert while the form is submitting or already submitted.
type Lifecycle string

const (
	LifecycleIdle       Lifecycle = "idle"
	LifecycleSaving     Lifecycle = "saving"
	LifecycleSubmitting Lifecycle = "submitting"
	LifecycleSubmitted  Lifecycle = "submitted"
	LifecycleError      Lifecycle = "error"
)

func (l Lifecycle) blocksAutosave() bool {
	return l == LifecycleSubmitting || l == LifecycleSubmitted
}

// Saver persists a draft snapshot. Implementations must return an error with
// a user-meaningful message on any failure (network, validation, server).
type Saver interface {
	SaveDraft(ctx context.Context, session string, snap Snapshot) error
}

// SaverFunc adapts a function to the Saver interface.
type SaverFunc func(ctx context.Context, session string, snap Snapshot) error

func (f SaverFunc) SaveDraft(ctx context.Context, session string, snap Snapshot) error {
	return f(ctx, session, snap)
}

// Attempt describes one save attempt within a save cycle.
// It lives from the moment the attempt is accepted until the cycle resolves.
type Attempt struct {
	ID        string
	StartedAt time.Time
	Retry     int
	IsRetry   bool
}

// SaveEvent is the bus payload for save.* events.
type SaveEvent struct {
	Form    string
	Attempt string
	Retry   int
	Took    time.Duration
	Error   string
	At      time.Time
}
