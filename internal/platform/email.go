package platform

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/mail"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"crosspost/internal/config"
	"crosspost/internal/progress"
	"crosspost/internal/publish"
	logx "crosspost/pkg/logx"
)

// EmailConfig delivers the announcement to a fixed list of recipients,
// typically a mailing list address.
type EmailConfig struct {
	Host     string   `json:"host"`
	Port     int      `json:"port,omitempty"` // default 587
	Username string   `json:"username,omitempty"`
	Password string   `json:"password,omitempty"` // do not log
	From     string   `json:"from"`
	To       []string `json:"to"`
	// SubjectPrefix is prepended to the event title, e.g. "[events] ".
	SubjectPrefix string `json:"subject_prefix,omitempty"`
	// ArchiveURL may contain {messageId}; it becomes the result url.
	ArchiveURL string `json:"archive_url,omitempty"`
	// RequireTLS fails the run when the server does not offer STARTTLS.
	RequireTLS bool `json:"require_tls,omitempty"`
}

type email struct {
	cfg  EmailConfig
	from *mail.Address
	to   []*mail.Address
	log  logx.Logger
}

func newEmail(_ string, raw json.RawMessage, log logx.Logger) (publish.Publisher, error) {
	var cfg EmailConfig
	if err := config.DecodeStrict(raw, &cfg); err != nil {
		return nil, err
	}
	return NewEmail(cfg, log)
}

func NewEmail(cfg EmailConfig, log logx.Logger) (publish.Publisher, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, errors.New("email host is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	from, err := mail.ParseAddress(cfg.From)
	if err != nil {
		return nil, fmt.Errorf("email from: %w", err)
	}
	if len(cfg.To) == 0 {
		return nil, errors.New("email needs at least one recipient")
	}
	to := make([]*mail.Address, 0, len(cfg.To))
	for _, raw := range cfg.To {
		a, err := mail.ParseAddress(raw)
		if err != nil {
			return nil, fmt.Errorf("email to %q: %w", raw, err)
		}
		to = append(to, a)
	}
	return &email{cfg: cfg, from: from, to: to, log: log}, nil
}

func (e *email) Method() string { return "smtp" }

func (e *email) Publish(ctx context.Context, c publish.Content, t *progress.Tracker) (publish.Result, error) {
	t.Started("render", "")
	msgID := e.messageID(t)
	msg, err := e.render(c, msgID, time.Now())
	if err != nil {
		return publish.Result{}, fail(t, "render", publish.InvalidContent(err))
	}
	t.Completed("render", 0)

	t.Started("connect", e.cfg.Host)
	addr := net.JoinHostPort(e.cfg.Host, strconv.Itoa(e.cfg.Port))
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return publish.Result{}, fail(t, "connect", err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	// Closing the conn unblocks the client when ctx is cancelled without a deadline.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	client, err := smtp.NewClient(conn, e.cfg.Host)
	if err != nil {
		return publish.Result{}, fail(t, "connect", smtpError(ctx, err))
	}
	defer client.Close()
	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(&tls.Config{ServerName: e.cfg.Host}); err != nil {
			return publish.Result{}, fail(t, "connect", smtpError(ctx, err))
		}
	} else if e.cfg.RequireTLS {
		return publish.Result{}, fail(t, "connect", publish.Auth(errors.New("server does not offer STARTTLS")))
	}
	t.Completed("connect", 0)

	if e.cfg.Username != "" {
		t.Started("authenticate", e.cfg.Username)
		auth := smtp.PlainAuth("", e.cfg.Username, e.cfg.Password, e.cfg.Host)
		if err := client.Auth(auth); err != nil {
			return publish.Result{}, fail(t, "authenticate", smtpError(ctx, err))
		}
		t.Completed("authenticate", 0)
	}

	t.Started("send", fmt.Sprintf("%d recipient(s)", len(e.to)))
	if err := client.Mail(e.from.Address); err != nil {
		return publish.Result{}, fail(t, "send", smtpError(ctx, err))
	}
	for i, rcpt := range e.to {
		if err := client.Rcpt(rcpt.Address); err != nil {
			return publish.Result{}, fail(t, "send", smtpError(ctx, err))
		}
		t.Progress("send", (i+1)*50/len(e.to), "")
	}
	w, err := client.Data()
	if err != nil {
		return publish.Result{}, fail(t, "send", smtpError(ctx, err))
	}
	if _, err := w.Write(msg); err != nil {
		return publish.Result{}, fail(t, "send", smtpError(ctx, err))
	}
	if err := w.Close(); err != nil {
		return publish.Result{}, fail(t, "send", smtpError(ctx, err))
	}
	t.Completed("send", 0)
	if err := client.Quit(); err != nil {
		e.log.Debug("smtp quit failed", logx.Err(err))
	}

	return publish.Result{
		URL:    strings.ReplaceAll(e.cfg.ArchiveURL, "{messageId}", strings.Trim(msgID, "<>")),
		PostID: msgID,
	}, nil
}

func (e *email) messageID(t *progress.Tracker) string {
	var b [6]byte
	_, _ = rand.Read(b[:])
	domain := e.from.Address[strings.LastIndexByte(e.from.Address, '@')+1:]
	return fmt.Sprintf("<%s.%s.%s@%s>", t.SessionID(), t.PlatformID(), hex.EncodeToString(b[:]), domain)
}

func (e *email) render(c publish.Content, msgID string, now time.Time) ([]byte, error) {
	if strings.ContainsAny(c.Title, "\r\n") {
		return nil, errors.New("title must be a single line")
	}
	to := make([]string, len(e.to))
	for i, a := range e.to {
		to[i] = a.String()
	}

	var b bytes.Buffer
	header := func(k, v string) { fmt.Fprintf(&b, "%s: %s\r\n", k, v) }
	header("From", e.from.String())
	header("To", strings.Join(to, ", "))
	header("Subject", mime.QEncoding.Encode("utf-8", e.cfg.SubjectPrefix+c.Title))
	header("Date", now.Format(time.RFC1123Z))
	header("Message-ID", msgID)
	header("MIME-Version", "1.0")
	header("Content-Type", `text/plain; charset="utf-8"`)
	header("Content-Transfer-Encoding", "8bit")
	b.WriteString("\r\n")

	var body strings.Builder
	if c.Summary != "" {
		body.WriteString(c.Summary + "\n\n")
	}
	body.WriteString(c.Body)
	if !c.StartsAt.IsZero() || c.Location != "" {
		body.WriteString("\n\n")
		if !c.StartsAt.IsZero() {
			body.WriteString("When: " + c.StartsAt.Format("Mon, 02 Jan 2006 15:04 MST") + "\n")
		}
		if c.Location != "" {
			body.WriteString("Where: " + c.Location + "\n")
		}
	}
	if c.URL != "" {
		body.WriteString("\n" + c.URL + "\n")
	}
	b.WriteString(strings.ReplaceAll(strings.ReplaceAll(body.String(), "\r\n", "\n"), "\n", "\r\n"))
	return b.Bytes(), nil
}

// smtpError maps SMTP reply codes onto the error taxonomy.
func smtpError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var te *textproto.Error
	if !errors.As(err, &te) {
		return err
	}
	switch {
	case te.Code == 530 || te.Code == 534 || te.Code == 535 || te.Code == 454:
		return publish.Auth(err)
	case te.Code == 421 || te.Code == 450 || te.Code == 451 || te.Code == 452:
		return publish.Transient(err)
	case te.Code == 552 || te.Code == 554:
		return publish.InvalidContent(err)
	default:
		return publish.Unknown(err)
	}
}
