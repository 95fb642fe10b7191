// Package app wires the process together: config, logging, the per-form
// autosave engines and their watchers, the notification queue, and the
// optional journal, alert and checkpoint services.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"draftsync/internal/alert"
	"draftsync/internal/autosave"
	"draftsync/internal/config"
	"draftsync/internal/eventbus"
	"draftsync/internal/journal"
	"draftsync/internal/notify"
	"draftsync/internal/saver"
	"draftsync/internal/watcher"
	logx "draftsync/pkg/logx"
)

// session is one watched form: its draft file watcher and its scheduler.
type session struct {
	form    string
	sched   *autosave.Scheduler
	watch   *watcher.Watcher
	unsub   func()
	stateMu sync.Mutex
}

type App struct {
	cfgm *config.Manager

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store    *notify.Store
	journ    *journal.Journal
	alerts   *alert.Service
	cronSvc  *cron.Cron
	sessions []*session

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	bus := eventbus.New()

	ncfg, err := mapNotifyConfig(cfg)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	store := notify.New(ncfg, bus)

	journ, err := journal.Open(journal.Config{
		Path:      cfg.Journal.Path,
		Retention: cfg.Journal.Retention,
	}, log.With(logx.String("comp", "journal")))
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	if journ != nil {
		log.Info("journal enabled", logx.String("path", cfg.Journal.Path))
	}

	var alerts *alert.Service
	if cfg.Alert != nil {
		acfg := alert.Config{
			Token:      cfg.Alert.Token,
			ChatID:     cfg.Alert.ChatID,
			RatePerSec: cfg.Alert.RatePerSec,
		}
		sender, err := alert.NewTelegramSender(acfg)
		if err != nil {
			_ = journ.Close()
			_ = logSvc.Close()
			return nil, fmt.Errorf("alert: %w", err)
		}
		alerts = alert.New(acfg, sender, log.With(logx.String("comp", "alert")))
		log.Info("failure alerts enabled")
	}

	a := &App{
		cfgm:   cfgm,
		log:    log,
		logs:   logSvc,
		bus:    bus,
		store:  store,
		journ:  journ,
		alerts: alerts,
	}

	// Per-form sessions share one outbound limiter so a burst across forms
	// doesn't exceed the endpoint's pacing.
	scfg := saver.Config{BaseURL: cfg.Saver.BaseURL, RatePerSec: cfg.Saver.RatePerSec}
	limiter := saver.SharedLimiter(scfg)

	engCfg, err := mapAutosaveConfig(cfg)
	if err != nil {
		_ = journ.Close()
		_ = logSvc.Close()
		return nil, err
	}

	for _, f := range cfg.Forms {
		fc := engCfg
		fc.SessionToken = f.SessionToken
		sv := saver.NewHTTP(scfg, f.Name, limiter, log.With(logx.String("comp", "saver")))
		sched := autosave.New(f.Name, fc, sv, log.With(logx.String("comp", "autosave")), bus)
		s := &session{
			form:  f.Name,
			sched: sched,
			watch: watcher.New(f.Name, f.Path, sched, log.With(logx.String("comp", "watcher"))),
		}
		s.unsub = sched.SubscribeState(a.stateToastFunc(s))
		a.sessions = append(a.sessions, s)
	}

	if schedExpr := cfg.Checkpoint.Schedule; schedExpr != "" {
		c := cron.New()
		if _, err := c.AddFunc(schedExpr, a.checkpoint); err != nil {
			_ = journ.Close()
			_ = logSvc.Close()
			return nil, fmt.Errorf("checkpoint.schedule: %w", err)
		}
		a.cronSvc = c
		log.Info("checkpoint schedule enabled", logx.String("schedule", schedExpr))
	}

	return a, nil
}

// stateToastFunc turns save indicator transitions into toasts. Saved and
// Error transitions surface; Saving and Idle are silent.
func (a *App) stateToastFunc(s *session) autosave.StateListener {
	var last autosave.Status
	return func(st autosave.SaveState) {
		s.stateMu.Lock()
		prev := last
		last = st.Status
		s.stateMu.Unlock()
		if st.Status == prev {
			return
		}
		switch st.Status {
		case autosave.StatusSaved:
			a.store.Enqueue("Draft saved", notify.KindSuccess)
		case autosave.StatusError:
			a.store.Enqueue("Draft save failed: "+st.LastError, notify.KindError)
		}
	}
}

// checkpoint force-saves every dirty session. Attempts still go through each
// engine's rate gate.
func (a *App) checkpoint() {
	for _, s := range a.sessions {
		if !s.sched.Dirty() {
			continue
		}
		if err := s.sched.SaveNow(); err != nil {
			a.log.Debug("checkpoint save skipped", logx.String("form", s.form), logx.Err(err))
		}
	}
}

func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return nil
	}
	a.started = true
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.mu.Unlock()

	for _, s := range a.sessions {
		if err := s.watch.Prime(); err != nil {
			a.log.Warn("draft prime failed", logx.String("form", s.form), logx.Err(err))
		}
		s := s
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			_ = s.watch.Run(runCtx)
		}()
	}

	if a.journ != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.journ.Run(runCtx, a.bus)
		}()
	}

	if a.alerts != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.alerts.Run(runCtx, a.bus)
		}()
	}

	if a.cronSvc != nil {
		a.cronSvc.Start()
	}

	// Config hot reload: logging applies live; structural sections need a
	// restart (sessions hold the old saver and watcher).
	sub := a.cfgm.Subscribe(8)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-runCtx.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				a.logs.Apply(mapLoggingConfig(newCfg))
				a.log.Info("logging config reloaded")
				a.log.Warn("forms/saver/journal config changes require a restart")
			}
		}
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		_ = a.cfgm.Watch(runCtx)
	}()

	a.log.Info("started", logx.Int("forms", len(a.sessions)))
	return nil
}

// Stop shuts everything down. Pending timers are cancelled; an attempt
// already on the wire finishes its call but drops its results.
func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	cancel := a.cancel
	a.cancel = nil
	started := a.started
	a.started = false
	a.mu.Unlock()
	if !started {
		return nil
	}
	if cancel != nil {
		cancel()
	}

	if a.cronSvc != nil {
		cronCtx := a.cronSvc.Stop()
		select {
		case <-cronCtx.Done():
		case <-ctx.Done():
		}
	}

	for _, s := range a.sessions {
		s.sched.Stop()
		if s.unsub != nil {
			s.unsub()
		}
	}
	a.store.Stop()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.log.Warn("shutdown timed out waiting for background loops")
	}

	if err := a.journ.Close(); err != nil {
		a.log.Warn("journal close failed", logx.Err(err))
	}
	a.log.Info("stopped")
	return a.logs.Close()
}

// Notifications exposes the toast queue for embedding surfaces.
func (a *App) Notifications() *notify.Store { return a.store }

// Sessions returns the form names in config order.
func (a *App) Sessions() []string {
	out := make([]string, 0, len(a.sessions))
	for _, s := range a.sessions {
		out = append(out, s.form)
	}
	return out
}

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapNotifyConfig(cfg *config.Config) (notify.Config, error) {
	var (
		out notify.Config
		err error
	)
	out.MaxVisible = cfg.Notifications.MaxVisible
	if out.DedupWindow, err = config.ParseDurationField("notifications.dedup_window", cfg.Notifications.DedupWindow); err != nil {
		return notify.Config{}, err
	}
	if out.DisplayDuration, err = config.ParseDurationField("notifications.display_duration", cfg.Notifications.DisplayDuration); err != nil {
		return notify.Config{}, err
	}
	if out.ErrorDuration, err = config.ParseDurationField("notifications.error_duration", cfg.Notifications.ErrorDuration); err != nil {
		return notify.Config{}, err
	}
	return out, nil
}

func mapAutosaveConfig(cfg *config.Config) (autosave.Config, error) {
	var out autosave.Config
	out.RetryMax = cfg.Autosave.RetryMax
	out.RateBurst = cfg.Autosave.RateBurst

	type field struct {
		path string
		raw  string
		dst  *time.Duration
	}
	for _, f := range []field{
		{"autosave.debounce", cfg.Autosave.Debounce, &out.Debounce},
		{"autosave.dwell_floor", cfg.Autosave.DwellFloor, &out.DwellFloor},
		{"autosave.idle_decay", cfg.Autosave.IdleDecay, &out.IdleDecay},
		{"autosave.retry_base", cfg.Autosave.RetryBase, &out.RetryBase},
		{"autosave.save_timeout", cfg.Autosave.SaveTimeout, &out.SaveTimeout},
		{"autosave.min_save_interval", cfg.Autosave.MinSaveInterval, &out.MinSaveInterval},
		{"autosave.rate_window", cfg.Autosave.RateWindow, &out.RateWindow},
	} {
		d, err := config.ParseDurationField(f.path, f.raw)
		if err != nil {
			return autosave.Config{}, err
		}
		*f.dst = d
	}
	return out, nil
}
