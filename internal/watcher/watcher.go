// Package watcher feeds local draft-file edits into the autosave engine.
// Each watched file holds one form's working copy; any write to it is treated
// as an edit burst and forwarded as a dirty change.
package watcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"draftsync/internal/autosave"
	logx "draftsync/pkg/logx"
)

// Draft is the on-disk working copy of a form.
type Draft struct {
	Lifecycle autosave.Lifecycle `json:"lifecycle"`
	Fields    autosave.Snapshot  `json:"fields"`
}

// Target receives change notifications. *autosave.Scheduler satisfies it.
type Target interface {
	Changed(snap autosave.Snapshot, dirty bool, lc autosave.Lifecycle)
}

// ReadDraft loads and validates a draft file.
func ReadDraft(path string) (Draft, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Draft{}, err
	}
	var d Draft
	dec := json.NewDecoder(bytes.NewReader(b))
	if err := dec.Decode(&d); err != nil {
		return Draft{}, fmt.Errorf("draft %s: %w", path, err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Draft{}, fmt.Errorf("draft %s: trailing data", path)
	}
	if d.Lifecycle == "" {
		d.Lifecycle = autosave.LifecycleIdle
	}
	return d, nil
}

// Watcher watches one form's draft file.
type Watcher struct {
	form   string
	path   string
	target Target
	log    logx.Logger

	// lastHash skips editors that emit several write events for one save.
	mu       sync.Mutex
	lastHash uint64
}

func New(form, path string, target Target, log logx.Logger) *Watcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Watcher{form: form, path: path, target: target, log: log.With(logx.String("form", form))}
}

// Prime loads the current file contents and forwards them as a clean
// (non-dirty) change so the engine knows the starting lifecycle.
func (w *Watcher) Prime() error {
	d, err := ReadDraft(w.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	w.mu.Lock()
	w.lastHash = hashDraft(d)
	w.mu.Unlock()
	w.target.Changed(d.Fields, false, d.Lifecycle)
	return nil
}

// Run blocks until ctx is done, forwarding file writes as dirty changes.
// The loop mirrors the config manager's: debounced reloads, content hashing,
// and watcher recreation with backoff when fsnotify misbehaves.
func (w *Watcher) Run(ctx context.Context) error {
	dir := filepath.Dir(w.path)
	file := filepath.Base(w.path)

	const (
		restartBackoffBase = 250 * time.Millisecond
		restartBackoffMax  = 5 * time.Second
	)
	backoff := restartBackoffBase

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	debounce := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(100*time.Millisecond, w.reload)
	}

	wait := func() bool {
		d := backoff
		if backoff < restartBackoffMax {
			backoff *= 2
			if backoff > restartBackoffMax {
				backoff = restartBackoffMax
			}
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(d):
			return true
		}
	}

	for {
		if ctx.Err() != nil {
			return nil
		}

		fw, err := fsnotify.NewWatcher()
		if err != nil {
			w.log.Warn("draft watch init failed", logx.Err(err), logx.String("dir", dir))
			if !wait() {
				return nil
			}
			continue
		}
		if err := fw.Add(dir); err != nil {
			_ = fw.Close()
			w.log.Warn("draft watch add failed", logx.Err(err), logx.String("dir", dir))
			if !wait() {
				return nil
			}
			continue
		}

		backoff = restartBackoffBase

		broken := false
		for !broken {
			select {
			case <-ctx.Done():
				_ = fw.Close()
				return nil
			case ev, ok := <-fw.Events:
				if !ok {
					broken = true
					break
				}
				if strings.EqualFold(filepath.Base(ev.Name), file) {
					if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
						debounce()
					}
				}
			case err, ok := <-fw.Errors:
				if !ok {
					broken = true
					break
				}
				if err == nil {
					continue
				}
				if strings.Contains(strings.ToLower(err.Error()), "overflow") {
					debounce()
					continue
				}
				w.log.Warn("draft watch error", logx.Err(err), logx.String("dir", dir))
				if strings.Contains(strings.ToLower(err.Error()), "closed") {
					broken = true
				}
			}
		}

		_ = fw.Close()
		if ctx.Err() != nil {
			return nil
		}
		if !wait() {
			return nil
		}
	}
}

func (w *Watcher) reload() {
	d, err := ReadDraft(w.path)
	if err != nil {
		if os.IsNotExist(err) {
			return
		}
		w.log.Warn("draft reload rejected", logx.String("path", w.path), logx.Err(err))
		return
	}

	h := hashDraft(d)
	w.mu.Lock()
	unchanged := h != 0 && h == w.lastHash
	if !unchanged {
		w.lastHash = h
	}
	w.mu.Unlock()
	if unchanged {
		return
	}

	w.log.Debug("draft changed", logx.String("lifecycle", string(d.Lifecycle)))
	w.target.Changed(d.Fields, true, d.Lifecycle)
}

func hashDraft(d Draft) uint64 {
	b, err := json.Marshal(d)
	if err != nil {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
