// Package telegram forwards log alerts to a Telegram chat.
package telegram

import (
	"context"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	tele "gopkg.in/telebot.v4"

	"groupbot/internal/fault"
)

// telegramTextLimit is the Bot API message size limit in runes.
const telegramTextLimit = 4096

type Config struct {
	Token    string
	ChatID   int64
	ThreadID int
	// URL overrides the Bot API endpoint; empty uses the public one.
	URL     string
	Timeout time.Duration
}

// Sender implements logx.Sender.
type Sender struct {
	bot  *tele.Bot
	chat *tele.Chat
	opts *tele.SendOptions
}

func New(cfg Config) (*Sender, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, fault.Missing("telegram.token", "set telegram.token or the env var named by telegram.token_env")
	}
	if cfg.ChatID == 0 {
		return nil, fault.Missing("telegram.chat_id", "")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	// Offline skips the getMe round trip; only sendMessage is used.
	b, err := tele.NewBot(tele.Settings{
		URL:     cfg.URL,
		Token:   cfg.Token,
		Client:  &http.Client{Timeout: timeout},
		Offline: true,
	})
	if err != nil {
		return nil, fault.Wrap(err, "telegram bot")
	}
	return &Sender{
		bot:  b,
		chat: &tele.Chat{ID: cfg.ChatID},
		opts: &tele.SendOptions{ThreadID: cfg.ThreadID, DisableWebPagePreview: true},
	}, nil
}

func (s *Sender) SendAlert(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := s.bot.Send(s.chat, truncate(text, telegramTextLimit), s.opts); err != nil {
		return fault.Wrap(err, "telegram send")
	}
	return nil
}

func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	r := []rune(s)
	return string(r[:limit-1]) + "…"
}
