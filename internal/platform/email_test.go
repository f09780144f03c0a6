package platform

import (
	"context"
	"errors"
	"net"
	"net/textproto"
	"strings"
	"sync"
	"testing"

	"crosspost/internal/publish"
	logx "crosspost/pkg/logx"
)

// fakeSMTP speaks just enough SMTP for net/smtp: EHLO, AUTH PLAIN, MAIL,
// RCPT, DATA and QUIT.
type fakeSMTP struct {
	ln         net.Listener
	rejectAuth bool

	mu   sync.Mutex
	rcpt []string
	data string
}

func startSMTP(t *testing.T, rejectAuth bool) *fakeSMTP {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	s := &fakeSMTP{ln: ln, rejectAuth: rejectAuth}
	go s.serve()
	t.Cleanup(func() { _ = ln.Close() })
	return s
}

func (s *fakeSMTP) port() int { return s.ln.Addr().(*net.TCPAddr).Port }

func (s *fakeSMTP) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.handle(conn)
	}
}

func (s *fakeSMTP) handle(conn net.Conn) {
	defer conn.Close()
	tp := textproto.NewConn(conn)
	_ = tp.PrintfLine("220 fake ESMTP")
	for {
		line, err := tp.ReadLine()
		if err != nil {
			return
		}
		verb := strings.ToUpper(strings.SplitN(line, " ", 2)[0])
		switch verb {
		case "EHLO", "HELO":
			_ = tp.PrintfLine("250-fake")
			_ = tp.PrintfLine("250-AUTH PLAIN")
			_ = tp.PrintfLine("250 8BITMIME")
		case "AUTH":
			if s.rejectAuth {
				_ = tp.PrintfLine("535 5.7.8 authentication failed")
			} else {
				_ = tp.PrintfLine("235 2.7.0 ok")
			}
		case "MAIL":
			_ = tp.PrintfLine("250 ok")
		case "RCPT":
			s.mu.Lock()
			s.rcpt = append(s.rcpt, line)
			s.mu.Unlock()
			_ = tp.PrintfLine("250 ok")
		case "DATA":
			_ = tp.PrintfLine("354 go ahead")
			b, err := tp.ReadDotBytes()
			if err != nil {
				return
			}
			s.mu.Lock()
			s.data = string(b)
			s.mu.Unlock()
			_ = tp.PrintfLine("250 queued")
		case "QUIT":
			_ = tp.PrintfLine("221 bye")
			return
		default:
			_ = tp.PrintfLine("502 not implemented")
		}
	}
}

func emailConfig(port int) EmailConfig {
	return EmailConfig{
		Host:          "127.0.0.1",
		Port:          port,
		Username:      "bot",
		Password:      "pw",
		From:          "Events <events@example.org>",
		To:            []string{"list@example.org", "ops@example.org"},
		SubjectPrefix: "[events] ",
		ArchiveURL:    "https://lists.example.org/msg/{messageId}",
	}
}

func TestEmailDelivers(t *testing.T) {
	t.Parallel()

	srv := startSMTP(t, false)
	pub, err := NewEmail(emailConfig(srv.port()), logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	tr, rec := newTracker()
	res, err := pub.Publish(context.Background(), sampleContent(), tr)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if !strings.HasPrefix(res.PostID, "<publish-1700000000000-abcdefabcdef.test.") || !strings.HasSuffix(res.PostID, "@example.org>") {
		t.Fatalf("message id %q", res.PostID)
	}
	if !strings.HasPrefix(res.URL, "https://lists.example.org/msg/publish-") {
		t.Fatalf("url %q", res.URL)
	}
	for _, step := range []string{"render", "connect", "authenticate", "send"} {
		if k := rec.kinds(step); len(k) == 0 {
			t.Fatalf("no events for %s", step)
		}
	}

	srv.mu.Lock()
	defer srv.mu.Unlock()
	if len(srv.rcpt) != 2 {
		t.Fatalf("rcpt %v", srv.rcpt)
	}
	for _, want := range []string{"Subject: [events] Go & Gophers", "Message-ID: " + res.PostID, "Where: Room 1", "Talks <and> pizza."} {
		if !strings.Contains(srv.data, want) {
			t.Fatalf("message lacks %q:\n%s", want, srv.data)
		}
	}
}

func TestEmailAuthFailure(t *testing.T) {
	t.Parallel()

	srv := startSMTP(t, true)
	pub, _ := NewEmail(emailConfig(srv.port()), logx.Nop())
	tr, _ := newTracker()
	_, err := pub.Publish(context.Background(), sampleContent(), tr)
	var pe *publish.Error
	if !errors.As(err, &pe) || pe.Code != publish.CodeAuth || pe.Retryable {
		t.Fatalf("err=%v", err)
	}
	st, _ := tr.FirstFailure()
	if st.Name != "authenticate" {
		t.Fatalf("failed step %q", st.Name)
	}
}

func TestEmailRequiresTLS(t *testing.T) {
	t.Parallel()

	srv := startSMTP(t, false)
	cfg := emailConfig(srv.port())
	cfg.RequireTLS = true
	pub, _ := NewEmail(cfg, logx.Nop())
	tr, _ := newTracker()
	_, err := pub.Publish(context.Background(), sampleContent(), tr)
	if err == nil {
		t.Fatal("expected failure without STARTTLS")
	}
	if st, _ := tr.FirstFailure(); st.Name != "connect" {
		t.Fatalf("failed step %q", st.Name)
	}
}

func TestEmailConnectRefused(t *testing.T) {
	t.Parallel()

	ln, _ := net.Listen("tcp", "127.0.0.1:0")
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()

	pub, _ := NewEmail(emailConfig(port), logx.Nop())
	tr, _ := newTracker()
	_, err := pub.Publish(context.Background(), sampleContent(), tr)
	var pe *publish.Error
	if !errors.As(err, &pe) || pe.Code != publish.CodeTransient {
		t.Fatalf("err=%v", err)
	}
}

func TestEmailConfigValidation(t *testing.T) {
	t.Parallel()

	base := emailConfig(25)
	bad := []func(*EmailConfig){
		func(c *EmailConfig) { c.Host = "" },
		func(c *EmailConfig) { c.From = "not an address" },
		func(c *EmailConfig) { c.To = nil },
		func(c *EmailConfig) { c.To = []string{"@@"} },
	}
	for i, mut := range bad {
		cfg := base
		cfg.To = append([]string(nil), base.To...)
		mut(&cfg)
		if _, err := NewEmail(cfg, logx.Nop()); err == nil {
			t.Fatalf("case %d accepted", i)
		}
	}
	if _, err := NewEmail(base, logx.Nop()); err != nil {
		t.Fatal(err)
	}
}
