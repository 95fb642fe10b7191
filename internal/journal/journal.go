// Package journal persists save-attempt outcomes to SQLite for operational
// visibility. It is strictly write-behind: the engine never reads it, and a
// journal failure never fails a save.
package journal

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"draftsync/internal/autosave"
	"draftsync/internal/eventbus"
	logx "draftsync/pkg/logx"
)

//go:embed schema.sql
var schemaFS embed.FS

var ErrDisabled = errors.New("journal disabled")

type Config struct {
	Path string
	// Retention caps stored rows per form; 0 keeps everything.
	Retention int
}

// Outcomes recorded per attempt.
const (
	OutcomeSaved       = "saved"
	OutcomeRetry       = "retry"
	OutcomeFailed      = "failed"
	OutcomeRateLimited = "rate_limited"
)

type Entry struct {
	At      time.Time
	Form    string
	Attempt string
	Outcome string
	Retry   int
	TookMS  int64
	Error   string
}

type Journal struct {
	db  *sql.DB
	log logx.Logger
	cfg Config

	opCount    atomic.Uint64
	pruneEvery uint64
}

// Open initializes the journal. It returns (nil, nil) when no path is
// configured; a nil *Journal is safe to use and drops everything.
func Open(cfg Config, log logx.Logger) (*Journal, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	j := &Journal{db: db, log: log, cfg: cfg, pruneEvery: 200}
	if err := j.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) migrate(ctx context.Context) error {
	b, err := schemaFS.ReadFile("schema.sql")
	if err != nil {
		return err
	}
	_, err = j.db.ExecContext(ctx, string(b))
	return err
}

func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

// Append records one attempt outcome.
func (j *Journal) Append(ctx context.Context, e Entry) error {
	if j == nil || j.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO save_attempts(at, form, attempt_id, outcome, retry, took_ms, err)
		 VALUES(?,?,?,?,?,?,?)`,
		e.At.Format(time.RFC3339Nano), e.Form, e.Attempt, e.Outcome, e.Retry, e.TookMS, nullStr(e.Error),
	)
	if err == nil && j.cfg.Retention > 0 && j.opCount.Add(1)%j.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		_ = j.prune(pctx, e.Form)
		cancel()
	}
	return err
}

// Recent returns the latest attempts for a form, newest first.
func (j *Journal) Recent(ctx context.Context, form string, limit int) ([]Entry, error) {
	if j == nil || j.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT at, form, attempt_id, outcome, retry, took_ms, COALESCE(err, '')
		 FROM save_attempts WHERE form = ? ORDER BY id DESC LIMIT ?`, form, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var at string
		if err := rows.Scan(&at, &e.Form, &e.Attempt, &e.Outcome, &e.Retry, &e.TookMS, &e.Error); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339Nano, at)
		if err != nil {
			return nil, fmt.Errorf("journal: bad timestamp %q: %w", at, err)
		}
		e.At = t
		out = append(out, e)
	}
	return out, rows.Err()
}

func (j *Journal) prune(ctx context.Context, form string) error {
	_, err := j.db.ExecContext(ctx,
		`DELETE FROM save_attempts WHERE form = ? AND id NOT IN (
		   SELECT id FROM save_attempts WHERE form = ? ORDER BY id DESC LIMIT ?
		 )`, form, form, j.cfg.Retention)
	return err
}

// Run consumes save events from the bus until ctx is done. Intended to be
// run as a goroutine by the app.
func (j *Journal) Run(ctx context.Context, bus eventbus.Bus) {
	if j == nil || bus == nil {
		return
	}
	ch, unsub := bus.Subscribe(64)
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			e, ok := entryFor(ev)
			if !ok {
				continue
			}
			actx, cancel := context.WithTimeout(context.Background(), time.Second)
			if err := j.Append(actx, e); err != nil && !errors.Is(err, ErrDisabled) {
				j.log.Warn("journal append failed", logx.Err(err), logx.String("form", e.Form))
			}
			cancel()
		}
	}
}

func entryFor(ev eventbus.Event) (Entry, bool) {
	se, ok := ev.Data.(autosave.SaveEvent)
	if !ok {
		return Entry{}, false
	}
	e := Entry{
		At:      ev.Time,
		Form:    se.Form,
		Attempt: se.Attempt,
		Retry:   se.Retry,
		TookMS:  se.Took.Milliseconds(),
		Error:   se.Error,
	}
	switch ev.Type {
	case eventbus.EventSaveSaved:
		e.Outcome = OutcomeSaved
	case eventbus.EventSaveRetry:
		e.Outcome = OutcomeRetry
	case eventbus.EventSaveFailed:
		e.Outcome = OutcomeFailed
	case eventbus.EventSaveRateLimited:
		e.Outcome = OutcomeRateLimited
	default:
		return Entry{}, false
	}
	return e, true
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
