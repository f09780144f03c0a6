package pprof

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"crosspost/internal/config"
	logx "crosspost/pkg/logx"
)

func TestHandlerAuth(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(Handler("/dbg", "s3cret"))
	defer srv.Close()

	cases := []struct {
		path   string
		header string
		want   int
	}{
		{"/healthz", "", http.StatusUnauthorized},
		{"/healthz?token=s3cret", "", http.StatusOK},
		{"/healthz", "Bearer s3cret", http.StatusOK},
		{"/healthz", "Bearer nope", http.StatusUnauthorized},
		{"/dbg/cmdline?token=s3cret", "", http.StatusOK},
	}
	for _, tc := range cases {
		req, _ := http.NewRequest(http.MethodGet, srv.URL+tc.path, nil)
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		resp, err := srv.Client().Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != tc.want {
			t.Fatalf("%s %q: %d want %d", tc.path, tc.header, resp.StatusCode, tc.want)
		}
	}
}

func TestStartRefusesInsecureBind(t *testing.T) {
	t.Parallel()

	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, logx.Nop())
	if err := s.Start(context.Background()); !errors.Is(err, errInsecureBind) {
		t.Fatalf("err=%v", err)
	}
	if s.Addr() != "" {
		t.Fatal("server bound despite refusal")
	}
}

func TestReconfigureLifecycle(t *testing.T) {
	t.Parallel()

	cfg, err := FromConfig(config.PprofConfig{Enabled: true, Addr: "127.0.0.1:0"})
	if err != nil {
		t.Fatal(err)
	}
	s := New(Config{}, logx.Nop())
	ctx := context.Background()
	if err := s.Reconfigure(ctx, cfg); err != nil {
		t.Fatal(err)
	}
	addr := s.Addr()
	if addr == "" {
		t.Fatal("not serving")
	}
	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}

	cfg.Enabled = false
	if err := s.Reconfigure(ctx, cfg); err != nil {
		t.Fatal(err)
	}
	if s.Addr() != "" {
		t.Fatal("still serving after disable")
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	for addr, want := range map[string]bool{
		"127.0.0.1:6060": true,
		"localhost:1":    true,
		"[::1]:1":        true,
		":6060":          false,
		"10.0.0.1:6060":  false,
		"garbage":        false,
	} {
		if got := isLoopbackAddr(addr); got != want {
			t.Fatalf("%s: %v", addr, got)
		}
	}
}
