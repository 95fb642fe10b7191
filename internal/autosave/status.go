package autosave

import (
	"sync"
	"time"
)

// Status is the observable save indicator state.
type Status int

const (
	StatusIdle Status = iota
	StatusSaving
	StatusSaved
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusSaving:
		return "saving"
	case StatusSaved:
		return "saved"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// SaveState is the snapshot broadcast to subscribers on every transition.
type SaveState struct {
	Status      Status
	LastSavedAt time.Time // zero if never saved
	LastError   string    // last terminal failure message, empty otherwise
}

// StateListener receives SaveState snapshots.
type StateListener func(SaveState)

// StatusMachine owns SaveState and enforces the legal transitions:
//
//	Idle -> Saving -> Saved -> Idle   (happy path)
//	Saving -> Error                   (terminal until superseded)
//	Error -> Saving                   (next cycle retries from scratch)
//	Saved -> Saving                   (new cycle supersedes the dwell)
//
// No transition skips Saving. Each committed transition is broadcast
// synchronously to all current subscribers.
type StatusMachine struct {
	mu    sync.Mutex
	state SaveState
	subs  map[uint64]StateListener
	seq   uint64
}

func NewStatusMachine() *StatusMachine {
	return &StatusMachine{subs: map[uint64]StateListener{}}
}

// State returns the current snapshot.
func (m *StatusMachine) State() SaveState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Subscribe registers a listener and returns its unsubscribe func.
// Listeners are invoked synchronously, outside the machine's lock.
func (m *StatusMachine) Subscribe(fn StateListener) (unsubscribe func()) {
	m.mu.Lock()
	m.seq++
	id := m.seq
	m.subs[id] = fn
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
		})
	}
}

// ToSaving starts a save cycle. Legal from Idle, Saved and Error; a no-op
// when already Saving (retry chains stay in Saving).
func (m *StatusMachine) ToSaving() bool {
	return m.transition(func(s *SaveState) bool {
		if s.Status == StatusSaving {
			return false
		}
		s.Status = StatusSaving
		return true
	})
}

// ToSaved commits a successful save. Legal only from Saving.
func (m *StatusMachine) ToSaved(at time.Time) bool {
	return m.transition(func(s *SaveState) bool {
		if s.Status != StatusSaving {
			return false
		}
		s.Status = StatusSaved
		s.LastSavedAt = at
		s.LastError = ""
		return true
	})
}

// ToIdle decays the Saved indicator. Legal only from Saved.
func (m *StatusMachine) ToIdle() bool {
	return m.transition(func(s *SaveState) bool {
		if s.Status != StatusSaved {
			return false
		}
		s.Status = StatusIdle
		return true
	})
}

// ToError records a terminal failure. Legal only from Saving.
func (m *StatusMachine) ToError(msg string) bool {
	return m.transition(func(s *SaveState) bool {
		if s.Status != StatusSaving {
			return false
		}
		s.Status = StatusError
		s.LastError = msg
		return true
	})
}

func (m *StatusMachine) transition(apply func(*SaveState) bool) bool {
	m.mu.Lock()
	if !apply(&m.state) {
		m.mu.Unlock()
		return false
	}
	state := m.state
	listeners := make([]StateListener, 0, len(m.subs))
	for _, fn := range m.subs {
		listeners = append(listeners, fn)
	}
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(state)
	}
	return true
}
