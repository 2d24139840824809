package telegram

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"groupwatch/internal/transport"
	logx "groupwatch/pkg/logx"
)

const telegramCaptionLimit = 1024

// Config selects the bot and the chats that receive mirrored notices.
type Config struct {
	Token   string
	ChatID  int64
	Groups  map[string]int64
	Timeout time.Duration
}

// target resolves the Telegram chat for a source group; 0 means the group is
// not mirrored.
func (c Config) target(groupID string) int64 {
	if id, ok := c.Groups[groupID]; ok {
		return id
	}
	return c.ChatID
}

type sendFunc func(to tele.Recipient, what any, opts ...any) error

// Mirror copies departure notices into Telegram chats.
type Mirror struct {
	cfg  Config
	send sendFunc
	log  logx.Logger
}

// New connects to the Bot API (getMe) and returns a ready Mirror.
func New(cfg Config, log logx.Logger) (*Mirror, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  strings.TrimSpace(cfg.Token),
		Client: &http.Client{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log.Info("telegram mirror ready", logx.String("bot", b.Me.Username), logx.Int64("chat_id", cfg.ChatID))
	return newMirror(cfg, func(to tele.Recipient, what any, opts ...any) error {
		_, err := b.Send(to, what, opts...)
		return err
	}, log), nil
}

func newMirror(cfg Config, send sendFunc, log logx.Logger) *Mirror {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Mirror{cfg: cfg, send: send, log: log}
}

func (m *Mirror) Name() string { return "telegram" }

// SendText mirrors a text notice raised in groupID.
func (m *Mirror) SendText(ctx context.Context, groupID, text string) error {
	chat := m.cfg.target(groupID)
	if chat == 0 {
		m.log.Debug("group not mirrored", logx.String("group", groupID))
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return m.send(tele.ChatID(chat), text, &tele.SendOptions{DisableWebPagePreview: true})
}

// SendLink mirrors a card. With a thumbnail it becomes a captioned photo,
// otherwise a text message.
func (m *Mirror) SendLink(ctx context.Context, groupID string, link transport.Link) error {
	chat := m.cfg.target(groupID)
	if chat == 0 {
		m.log.Debug("group not mirrored", logx.String("group", groupID))
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	caption := linkCaption(link)
	if link.ThumbURL == "" {
		return m.send(tele.ChatID(chat), caption, &tele.SendOptions{DisableWebPagePreview: true})
	}
	return m.send(tele.ChatID(chat), &tele.Photo{File: tele.FromURL(link.ThumbURL), Caption: truncate(caption, telegramCaptionLimit)})
}

func linkCaption(l transport.Link) string {
	parts := make([]string, 0, 3)
	for _, s := range []string{l.Title, l.Description, l.URL} {
		if s = strings.TrimSpace(s); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "\n")
}

func truncate(s string, limit int) string {
	rs := []rune(s)
	if len(rs) <= limit {
		return s
	}
	return string(rs[:limit-1]) + "…"
}
