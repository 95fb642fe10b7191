// Package saver implements the drafts persistence boundary: a JSON POST of
// the full snapshot to the portal's drafts endpoint. No partial diffs; the
// server applies last-write-wins.
package saver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"draftsync/internal/autosave"
	logx "draftsync/pkg/logx"
)

type Config struct {
	// BaseURL is the portal API root, e.g. "https://portal.example.com/api".
	BaseURL string
	// RatePerSec paces outbound requests. 0 disables pacing.
	RatePerSec int
}

// HTTP saves one form's drafts. Create one per form session; the limiter may
// be shared so pacing applies across sessions.
type HTTP struct {
	form    string
	base    string
	client  *http.Client
	limiter *rate.Limiter
	log     logx.Logger
}

// SharedLimiter builds a limiter suitable for passing to every NewHTTP call.
// Returns nil when pacing is disabled.
func SharedLimiter(cfg Config) *rate.Limiter {
	if cfg.RatePerSec <= 0 {
		return nil
	}
	// Burst = rate per sec, so short spikes don't block too hard.
	return rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

func NewHTTP(cfg Config, form string, limiter *rate.Limiter, log logx.Logger) *HTTP {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &HTTP{
		form:    form,
		base:    strings.TrimRight(cfg.BaseURL, "/"),
		client:  &http.Client{Timeout: 15 * time.Second},
		limiter: limiter,
		log:     log.With(logx.String("form", form)),
	}
}

// SaveDraft implements autosave.Saver.
func (h *HTTP) SaveDraft(ctx context.Context, session string, snap autosave.Snapshot) error {
	if h.limiter != nil {
		if err := h.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("save draft: %w", err)
		}
	}

	body, err := json.Marshal(map[string]any{"fields": snap})
	if err != nil {
		return fmt.Errorf("save draft: encode snapshot: %w", err)
	}

	endpoint := h.base + "/forms/" + url.PathEscape(h.form) + "/draft"
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("save draft: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+session)

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("save draft: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return fmt.Errorf("save draft: %s", serverMessage(resp))
}

// serverMessage extracts a user-meaningful message from an error response.
// The portal replies {"error": "..."}; anything else falls back to the HTTP
// status.
func serverMessage(resp *http.Response) string {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(b, &payload); err == nil && strings.TrimSpace(payload.Error) != "" {
		return payload.Error
	}
	return resp.Status
}
