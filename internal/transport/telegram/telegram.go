// Package telegram is a send-only Telegram channel used to mirror operator
// notifications (revoke alerts, delivery failures) to a Telegram chat. It
// never polls for updates; the bot surface of this service lives on the
// WeChat gateway adapter.
package telegram

import (
	"context"
	"errors"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	logx "revokeguard/pkg/logx"
)

type Config struct {
	Token  string
	ChatID int64
}

type Sender struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot
}

func New(cfg Config, log logx.Logger) (*Sender, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is empty")
	}
	b, err := tele.NewBot(tele.Settings{
		Token: cfg.Token,
		// Send-only: no poller, and skip the getMe probe so construction
		// does not depend on the network being up.
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Sender{cfg: cfg, log: log, bot: b}, nil
}

// Send posts text to the configured operator chat. Errors are returned to the
// caller for logging; there is no retry here.
func (s *Sender) Send(ctx context.Context, text string) error {
	if s == nil || s.bot == nil {
		return errors.New("telegram sender not configured")
	}
	done := make(chan error, 1)
	go func() {
		_, err := s.bot.Send(&tele.Chat{ID: s.cfg.ChatID}, text, &tele.SendOptions{DisableWebPagePreview: true})
		done <- err
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(10 * time.Second):
		return errors.New("telegram send timed out")
	}
}
