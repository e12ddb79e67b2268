// Package telegram delivers push messages as Telegram chat messages. The
// device token is the numeric chat id of the user's chat with the bot.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"monunotify/internal/push"
)

type Config struct {
	Token string
	// APIURL overrides the Bot API base URL.
	APIURL  string
	Timeout time.Duration // default 30s
}

type Client struct {
	bot *tele.Bot
}

func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     cfg.APIURL,
		Offline: true,
		Client:  &http.Client{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	return &Client{bot: b}, nil
}

func (c *Client) Platform() string { return "telegram" }

func (c *Client) Send(ctx context.Context, m push.Message) error {
	chatID, err := strconv.ParseInt(strings.TrimSpace(m.Token), 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: chat id %q: %w", m.Token, push.ErrUnregistered)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	text := m.Title
	if m.Body != "" {
		text += "\n" + m.Body
	}
	opts := &tele.SendOptions{
		DisableWebPagePreview: true,
		DisableNotification:   m.Priority == "low",
	}
	if m.ActionURL != "" {
		rm := &tele.ReplyMarkup{}
		rm.Inline(rm.Row(rm.URL("Open", m.ActionURL)))
		opts.ReplyMarkup = rm
	}

	_, err = c.bot.Send(&tele.Chat{ID: chatID}, text, opts)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, tele.ErrBlockedByUser), errors.Is(err, tele.ErrChatNotFound), errors.Is(err, tele.ErrUserIsDeactivated):
		return fmt.Errorf("telegram: %v: %w", err, push.ErrUnregistered)
	default:
		return fmt.Errorf("telegram: %w", err)
	}
}
