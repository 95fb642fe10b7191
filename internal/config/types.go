// Package config defines draftsync's configuration file schema and a manager
// that hot-reloads it on change.
//
// Config files are JSON or YAML (by extension). YAML is coerced to JSON so a
// single strict decoder (DisallowUnknownFields) serves both formats. All
// durations are Go duration strings (e.g. "500ms", "30s", "1m").
package config

import (
	"errors"
	"fmt"
	"strings"
)

type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Saver configures the drafts endpoint every form session saves to.
	Saver SaverConfig `json:"saver"`

	// Autosave tunes the engine. Omitted fields use engine defaults
	// (30s debounce, 800ms dwell, 3 retries at 2s base, 20s/60s/3 rate gate).
	Autosave AutosaveConfig `json:"autosave,omitempty"`

	// Notifications tunes the toast queue (defaults: 3 visible, 500ms dedup).
	Notifications NotificationsConfig `json:"notifications,omitempty"`

	// Journal enables the SQLite save-attempt journal when a path is set.
	Journal JournalConfig `json:"journal,omitempty"`

	// Alert forwards terminal save failures to Telegram when configured.
	Alert *AlertConfig `json:"alert,omitempty"`

	// Checkpoint optionally force-saves all dirty sessions on a cron schedule.
	Checkpoint CheckpointConfig `json:"checkpoint,omitempty"`

	// Forms lists the watched draft sessions.
	Forms []FormConfig `json:"forms"`
}

type LoggingConfig struct {
	Level   string     `json:"level,omitempty"`
	Console bool       `json:"console"`
	File    FileConfig `json:"file,omitempty"`
}

type FileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

type SaverConfig struct {
	BaseURL string `json:"base_url"`
	// RatePerSec paces outbound requests across all sessions. 0 disables
	// client-side pacing (the engine's rate gate still applies per session).
	RatePerSec int `json:"rate_per_sec,omitempty"`
}

type AutosaveConfig struct {
	Debounce        string `json:"debounce,omitempty"`
	DwellFloor      string `json:"dwell_floor,omitempty"`
	IdleDecay       string `json:"idle_decay,omitempty"`
	RetryMax        int    `json:"retry_max,omitempty"`
	RetryBase       string `json:"retry_base,omitempty"`
	SaveTimeout     string `json:"save_timeout,omitempty"`
	MinSaveInterval string `json:"min_save_interval,omitempty"`
	RateWindow      string `json:"rate_window,omitempty"`
	RateBurst       int    `json:"rate_burst,omitempty"`
}

type NotificationsConfig struct {
	MaxVisible      int    `json:"max_visible,omitempty"`
	DedupWindow     string `json:"dedup_window,omitempty"`
	DisplayDuration string `json:"display_duration,omitempty"`
	ErrorDuration   string `json:"error_duration,omitempty"`
}

type JournalConfig struct {
	Path string `json:"path,omitempty"`
	// Retention caps stored attempts; older rows are pruned opportunistically.
	Retention int `json:"retention,omitempty"`
}

type AlertConfig struct {
	Token      string `json:"token"`
	ChatID     int64  `json:"chat_id"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

type CheckpointConfig struct {
	// Schedule is a cron expression (robfig/cron, 5-field or descriptors
	// like "@hourly"). Empty disables checkpointing.
	Schedule string `json:"schedule,omitempty"`
}

type FormConfig struct {
	Name         string `json:"name"`
	Path         string `json:"path"`
	SessionToken string `json:"session_token"`
}

// Validate checks cross-field requirements that the strict decoder cannot.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if len(c.Forms) > 0 && strings.TrimSpace(c.Saver.BaseURL) == "" {
		return errors.New("saver.base_url is required when forms are configured")
	}
	seen := map[string]bool{}
	for i, f := range c.Forms {
		name := strings.TrimSpace(f.Name)
		if name == "" {
			return fmt.Errorf("forms[%d]: name is required", i)
		}
		if seen[name] {
			return fmt.Errorf("forms[%d]: duplicate name %q", i, name)
		}
		seen[name] = true
		if strings.TrimSpace(f.Path) == "" {
			return fmt.Errorf("forms[%d] (%s): path is required", i, name)
		}
		if strings.TrimSpace(f.SessionToken) == "" {
			return fmt.Errorf("forms[%d] (%s): session_token is required", i, name)
		}
	}
	// Durations must at least parse.
	for _, d := range []struct{ path, raw string }{
		{"autosave.debounce", c.Autosave.Debounce},
		{"autosave.dwell_floor", c.Autosave.DwellFloor},
		{"autosave.idle_decay", c.Autosave.IdleDecay},
		{"autosave.retry_base", c.Autosave.RetryBase},
		{"autosave.save_timeout", c.Autosave.SaveTimeout},
		{"autosave.min_save_interval", c.Autosave.MinSaveInterval},
		{"autosave.rate_window", c.Autosave.RateWindow},
		{"notifications.dedup_window", c.Notifications.DedupWindow},
		{"notifications.display_duration", c.Notifications.DisplayDuration},
		{"notifications.error_duration", c.Notifications.ErrorDuration},
	} {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			return err
		}
	}
	return nil
}
