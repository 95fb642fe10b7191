// Package alert forwards terminal save failures to an operator channel.
// Alerts are best-effort: a dropped or failed alert never affects saving.
package alert

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"
	"golang.org/x/time/rate"

	"draftsync/internal/autosave"
	"draftsync/internal/eventbus"
	logx "draftsync/pkg/logx"
)

var ErrDisabled = errors.New("alerts disabled")

type Config struct {
	Enabled    bool
	Token      string
	ChatID     int64
	RatePerSec int
}

// Sender delivers one alert message. The Telegram implementation is the only
// production one; tests substitute their own.
type Sender interface {
	Send(ctx context.Context, text string) error
}

type telegramSender struct {
	bot  *tele.Bot
	chat *tele.Chat
}

// NewTelegramSender builds a send-only Telegram client.
func NewTelegramSender(cfg Config) (Sender, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat id is empty")
	}
	b, err := tele.NewBot(tele.Settings{Token: cfg.Token})
	if err != nil {
		return nil, err
	}
	return &telegramSender{bot: b, chat: &tele.Chat{ID: cfg.ChatID}}, nil
}

func (t *telegramSender) Send(ctx context.Context, text string) error {
	if ctx != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
	_, err := t.bot.Send(t.chat, text)
	return err
}

// Service watches the event bus and alerts on terminal save failures.
type Service struct {
	log     logx.Logger
	sender  Sender
	limiter *rate.Limiter
}

func New(cfg Config, sender Sender, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 1
	}
	return &Service{
		log:     log,
		sender:  sender,
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
	}
}

// Run consumes the bus until ctx is done. Alerts beyond the rate limit are
// dropped, not queued; a flood of failures should not become a flood of pings.
func (s *Service) Run(ctx context.Context, bus eventbus.Bus) {
	if s == nil || s.sender == nil || bus == nil {
		return
	}
	ch, unsub := bus.Subscribe(32)
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.Type != eventbus.EventSaveFailed {
				continue
			}
			se, ok := ev.Data.(autosave.SaveEvent)
			if !ok {
				continue
			}
			if !s.limiter.Allow() {
				s.log.Debug("alert dropped (rate limited)", logx.String("form", se.Form))
				continue
			}
			sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := s.sender.Send(sctx, formatFailure(se))
			cancel()
			if err != nil {
				s.log.Warn("alert send failed", logx.Err(err), logx.String("form", se.Form))
			}
		}
	}
}

func formatFailure(se autosave.SaveEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🚨 draft save failed: %s\n", se.Form)
	fmt.Fprintf(&b, "retries exhausted after %d attempts\n", se.Retry+1)
	if se.Error != "" {
		fmt.Fprintf(&b, "last error: %s", se.Error)
	}
	return b.String()
}
