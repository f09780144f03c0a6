package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"crosspost/internal/config"
	"crosspost/internal/progress"
	"crosspost/internal/publish"
	logx "crosspost/pkg/logx"
)

const maxResponseBody = 1 << 20

// WebhookConfig posts the content as JSON to an HTTP endpoint. Forum and
// social APIs fronted by a small relay are configured this way.
type WebhookConfig struct {
	URL     string            `json:"url"`
	Method  string            `json:"method,omitempty"` // default POST
	Headers map[string]string `json:"headers,omitempty"`
	// Token is sent as a bearer token (do not log).
	Token   string `json:"token,omitempty"`
	Timeout string `json:"timeout,omitempty"` // HTTP client timeout, default "30s"
}

type webhook struct {
	cfg    WebhookConfig
	client *http.Client
	log    logx.Logger
}

func newWebhook(_ string, raw json.RawMessage, log logx.Logger) (publish.Publisher, error) {
	var cfg WebhookConfig
	if err := config.DecodeStrict(raw, &cfg); err != nil {
		return nil, err
	}
	return NewWebhook(cfg, nil, log)
}

// NewWebhook builds a webhook publisher. client may be nil.
func NewWebhook(cfg WebhookConfig, client *http.Client, log logx.Logger) (publish.Publisher, error) {
	u, err := url.Parse(strings.TrimSpace(cfg.URL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("webhook url %q is not an http(s) url", cfg.URL)
	}
	cfg.URL = u.String()
	cfg.Method = strings.ToUpper(strings.TrimSpace(cfg.Method))
	if cfg.Method == "" {
		cfg.Method = http.MethodPost
	}
	if client == nil {
		timeout, err := config.ParseDurationOrDefault("timeout", cfg.Timeout, 30*time.Second)
		if err != nil {
			return nil, err
		}
		client = &http.Client{Timeout: timeout}
	}
	return &webhook{cfg: cfg, client: client, log: log}, nil
}

func (w *webhook) Method() string { return "webhook" }

// webhookReply is the optional response body; both fields may be absent.
type webhookReply struct {
	URL string `json:"url"`
	ID  string `json:"id"`
}

func (w *webhook) Publish(ctx context.Context, c publish.Content, t *progress.Tracker) (publish.Result, error) {
	t.Started("render", "encoding payload")
	body, err := json.Marshal(c)
	if err != nil {
		return publish.Result{}, fail(t, "render", publish.InvalidContent(err))
	}
	t.Completed("render", 0)

	t.Started("submit", "posting to "+hostOf(w.cfg.URL))
	req, err := http.NewRequestWithContext(ctx, w.cfg.Method, w.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return publish.Result{}, fail(t, "submit", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", t.SessionID()+"/"+t.PlatformID())
	for k, v := range w.cfg.Headers {
		req.Header.Set(k, v)
	}
	if w.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+w.cfg.Token)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return publish.Result{}, fail(t, "submit", unwrapURLError(err))
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))

	if err := statusError(resp, raw); err != nil {
		return publish.Result{}, fail(t, "submit", err)
	}
	t.Progress("submit", 100, resp.Status)
	t.Completed("submit", 0)

	var reply webhookReply
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &reply); err != nil {
			w.log.Debug("webhook reply is not json", logx.Int("status", resp.StatusCode))
		}
	}
	return publish.Result{URL: reply.URL, PostID: reply.ID}, nil
}

// statusError maps an HTTP status onto the error taxonomy.
func statusError(resp *http.Response, body []byte) error {
	code := resp.StatusCode
	if code >= 200 && code < 300 {
		return nil
	}
	msg := fmt.Errorf("%s: %s", resp.Status, snippet(body))
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return publish.Auth(msg)
	case code == http.StatusTooManyRequests:
		return publish.RateLimited(msg, retryAfter(resp.Header.Get("Retry-After")))
	case code == http.StatusBadRequest || code == http.StatusNotFound || code == http.StatusConflict ||
		code == http.StatusRequestEntityTooLarge || code == http.StatusUnprocessableEntity:
		return publish.InvalidContent(msg)
	case code == http.StatusRequestTimeout || code >= 500:
		return publish.Transient(msg)
	default:
		return publish.Unknown(msg)
	}
}

func retryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		return time.Until(at)
	}
	return 0
}

// unwrapURLError strips *url.Error so Classify sees the transport error.
func unwrapURLError(err error) error {
	var ue *url.Error
	if errors.As(err, &ue) && ue.Err != nil {
		return ue.Err
	}
	return err
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}

func hostOf(raw string) string {
	if u, err := url.Parse(raw); err == nil {
		return u.Host
	}
	return raw
}
