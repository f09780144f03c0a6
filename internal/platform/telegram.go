package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	tele "gopkg.in/telebot.v4"

	"crosspost/internal/config"
	"crosspost/internal/progress"
	"crosspost/internal/publish"
	logx "crosspost/pkg/logx"
)

// Limits count visible runes, so every field is cut before it is escaped.
const (
	telegramTextLimit  = 4096
	telegramBodyLimit  = 3000
	telegramTitleLimit = 256
	telegramFieldLimit = 512
)

// TelegramConfig posts to a chat or channel through the Bot API.
type TelegramConfig struct {
	Token  string `json:"token"` // do not log
	ChatID int64  `json:"chat_id"`
	// Channel is the public @username used to build message links; optional.
	Channel        string `json:"channel,omitempty"`
	ThreadID       int    `json:"thread_id,omitempty"`
	DisablePreview bool   `json:"disable_preview,omitempty"`
	// APIURL overrides https://api.telegram.org (local Bot API server, tests).
	APIURL  string `json:"api_url,omitempty"`
	Timeout string `json:"timeout,omitempty"` // default "15s"
}

type telegram struct {
	cfg TelegramConfig
	bot *tele.Bot
	log logx.Logger
}

func newTelegram(_ string, raw json.RawMessage, log logx.Logger) (publish.Publisher, error) {
	var cfg TelegramConfig
	if err := config.DecodeStrict(raw, &cfg); err != nil {
		return nil, err
	}
	return NewTelegram(cfg, log)
}

func NewTelegram(cfg TelegramConfig, log logx.Logger) (publish.Publisher, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is required")
	}
	timeout, err := config.ParseDurationOrDefault("timeout", cfg.Timeout, 15*time.Second)
	if err != nil {
		return nil, err
	}
	// Offline skips getMe at construction; credentials are checked on first send
	// so a bad token fails that platform run instead of the whole process.
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     cfg.APIURL,
		Offline: true,
		Client:  &http.Client{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	cfg.Channel = strings.TrimPrefix(strings.TrimSpace(cfg.Channel), "@")
	return &telegram{cfg: cfg, bot: b, log: log}, nil
}

func (t *telegram) Method() string { return "telegram" }

func (t *telegram) Publish(ctx context.Context, c publish.Content, tr *progress.Tracker) (publish.Result, error) {
	tr.Started("render", "")
	text := renderTelegram(c)
	tr.Completed("render", 0)

	if err := ctx.Err(); err != nil {
		return publish.Result{}, fail(tr, "send", err)
	}
	tr.Started("send", "")
	type sent struct {
		msg *tele.Message
		err error
	}
	done := make(chan sent, 1)
	go func() {
		msg, err := t.bot.Send(&tele.Chat{ID: t.cfg.ChatID}, text, &tele.SendOptions{
			ParseMode:             tele.ModeHTML,
			DisableWebPagePreview: t.cfg.DisablePreview,
			ThreadID:              t.cfg.ThreadID,
		})
		done <- sent{msg, err}
	}()

	var s sent
	select {
	case s = <-done:
	case <-ctx.Done():
		return publish.Result{}, fail(tr, "send", ctx.Err())
	}
	if s.err != nil {
		return publish.Result{}, fail(tr, "send", telegramError(s.err))
	}
	tr.Completed("send", 0)

	res := publish.Result{PostID: fmt.Sprintf("%d/%d", t.cfg.ChatID, s.msg.ID)}
	if t.cfg.Channel != "" {
		res.URL = fmt.Sprintf("https://t.me/%s/%d", t.cfg.Channel, s.msg.ID)
	}
	return res, nil
}

func renderTelegram(c publish.Content) string {
	title := truncateRunes(c.Title, telegramTitleLimit)
	summary := truncateRunes(c.Summary, telegramFieldLimit)

	var tail strings.Builder
	if !c.StartsAt.IsZero() {
		tail.WriteString("\n\n🗓 " + c.StartsAt.Format("Mon, 02 Jan 2006 15:04 MST"))
	}
	if c.Location != "" {
		tail.WriteString("\n📍 " + truncateRunes(c.Location, telegramFieldLimit))
	}
	if c.URL != "" {
		tail.WriteString("\n\n" + truncateRunes(c.URL, telegramFieldLimit))
	}

	used := utf8.RuneCountInString(title) + 2 + utf8.RuneCountInString(tail.String())
	if summary != "" {
		used += utf8.RuneCountInString(summary) + 2
	}
	body := truncateRunes(c.Body, min(telegramBodyLimit, telegramTextLimit-used))

	var b strings.Builder
	b.WriteString("<b>" + html.EscapeString(title) + "</b>\n\n")
	if summary != "" {
		b.WriteString(html.EscapeString(summary) + "\n\n")
	}
	b.WriteString(html.EscapeString(body))
	b.WriteString(html.EscapeString(tail.String()))
	return b.String()
}

// truncateRunes cuts s to at most n runes, marking the cut with an ellipsis.
func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	if n <= 0 {
		return ""
	}
	r := []rune(s)
	return string(r[:n-1]) + "…"
}

// telegramError maps Bot API failures onto the error taxonomy.
func telegramError(err error) error {
	var flood tele.FloodError
	if errors.As(err, &flood) {
		return publish.RateLimited(err, time.Duration(flood.RetryAfter)*time.Second)
	}
	var te *tele.Error
	if errors.As(err, &te) {
		switch {
		case te.Code == http.StatusUnauthorized || te.Code == http.StatusForbidden:
			return publish.Auth(err)
		case te.Code == http.StatusBadRequest:
			return publish.InvalidContent(err)
		case te.Code >= 500:
			return publish.Transient(err)
		}
		return publish.Unknown(err)
	}
	return err
}
