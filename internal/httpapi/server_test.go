package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"crosspost/internal/catalog"
	"crosspost/internal/progress"
	"crosspost/internal/publish"
	"crosspost/internal/session"
	"crosspost/internal/storage"
	"crosspost/internal/stream"
	logx "crosspost/pkg/logx"
)

type stubPublisher struct {
	method string
	fn     func(ctx context.Context, t *progress.Tracker) (publish.Result, error)
}

func (s stubPublisher) Method() string { return s.method }
func (s stubPublisher) Publish(ctx context.Context, _ publish.Content, t *progress.Tracker) (publish.Result, error) {
	return s.fn(ctx, t)
}

type env struct {
	srv     *httptest.Server
	coord   *publish.Coordinator
	release chan struct{}
}

func newEnv(t *testing.T) *env {
	t.Helper()
	store := storage.NewMemory()
	broker := stream.New(stream.Options{}, logx.Nop())
	reg := session.New(store, logx.Nop())
	plats := publish.NewPlatforms()
	release := make(chan struct{})

	plats.Register("email", stubPublisher{method: "smtp", fn: func(ctx context.Context, t *progress.Tracker) (publish.Result, error) {
		t.Started("send", "")
		t.Completed("send", 0)
		return publish.Result{URL: "https://lists.example.org/m/1"}, nil
	}})
	plats.Register("reddit", stubPublisher{method: "api", fn: func(ctx context.Context, t *progress.Tracker) (publish.Result, error) {
		t.Started("authenticate", "")
		return publish.Result{}, publish.Auth(errors.New("invalid_grant"))
	}})
	plats.Register("forum", stubPublisher{method: "webhook", fn: func(ctx context.Context, t *progress.Tracker) (publish.Result, error) {
		return publish.Result{}, publish.Transient(errors.New("connection reset"))
	}})
	plats.Register("slow", stubPublisher{method: "api", fn: func(ctx context.Context, t *progress.Tracker) (publish.Result, error) {
		t.Started("upload", "")
		select {
		case <-release:
		case <-ctx.Done():
		}
		t.Completed("upload", 0)
		return publish.Result{}, nil
	}})

	coord := publish.New(publish.Options{}, publish.Deps{
		Catalog:   catalog.NewMemory(publish.Content{EventID: "evt-42", Title: "Meetup"}),
		Platforms: plats,
		Sessions:  reg,
		Store:     store,
		Stream:    broker,
		Log:       logx.Nop(),
	})
	api := New(Options{AllowedOrigins: []string{"https://app.example"}, Heartbeat: 50 * time.Millisecond}, Deps{
		Coordinator: coord,
		Platforms:   plats,
		Sessions:    reg,
		Broker:      broker,
		Store:       store,
		Log:         logx.Nop(),
	})
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})
	return &env{srv: srv, coord: coord, release: release}
}

func (e *env) post(t *testing.T, path, body string) (int, map[string]any) {
	t.Helper()
	resp, err := e.srv.Client().Post(e.srv.URL+path, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func (e *env) get(t *testing.T, path string) (int, map[string]any) {
	t.Helper()
	resp, err := e.srv.Client().Get(e.srv.URL + path)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func (e *env) wait(t *testing.T, sid string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.coord.Wait(ctx, sid); err != nil {
		t.Fatal(err)
	}
}

// readStream collects data frames until the server ends the response.
func readStream(t *testing.T, e *env, sid string) ([]map[string]any, int) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, e.srv.URL+"/api/v1/publish/stream/"+sid, nil)
	resp, err := e.srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type %q", ct)
	}
	var frames []map[string]any
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &m); err != nil {
			t.Fatalf("frame %q: %v", line, err)
		}
		frames = append(frames, m)
	}
	return frames, resp.StatusCode
}

func TestSubmitStreamAndResults(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	code, body := e.post(t, "/api/v1/publish", `{"eventId":"evt-42","platforms":{"email":true,"reddit":true,"forum":false}}`)
	if code != http.StatusAccepted {
		t.Fatalf("submit %d %v", code, body)
	}
	sid, _ := body["publishSessionId"].(string)
	if !session.Valid(sid) {
		t.Fatalf("session id %q", sid)
	}

	frames, _ := readStream(t, e, sid)
	if len(frames) == 0 || frames[0]["type"] != "connected" {
		t.Fatalf("first frame %v", frames)
	}
	var redditFailed bool
	for _, f := range frames {
		if f["platformId"] == "reddit" && f["type"] == "step_failed" {
			redditFailed = f["errorCode"] == "AuthError" && f["retryable"] == false
		}
	}
	if !redditFailed {
		t.Fatalf("no AuthError step_failed for reddit in %v", frames)
	}

	code, body = e.get(t, "/api/v1/publish/results/evt-42/"+sid)
	if code != http.StatusOK {
		t.Fatalf("results %d %v", code, body)
	}
	sess := body["session"].(map[string]any)
	if sess["overallSuccess"] != false || sess["id"] != sid {
		t.Fatalf("session %v", sess)
	}
	results := sess["results"].([]any)
	if len(results) != 2 {
		t.Fatalf("results %v", results)
	}
	email := results[0].(map[string]any)
	data := email["data"].(map[string]any)
	if email["platform"] != "email" || email["success"] != true || data["url"] == "" || data["sentAt"] == nil {
		t.Fatalf("email result %v", email)
	}
	reddit := results[1].(map[string]any)
	if reddit["success"] != false || reddit["errorCode"] != "AuthError" || reddit["error"] != "invalid_grant" {
		t.Fatalf("reddit result %v", reddit)
	}

	// A reconnect after completion replays the same history and ends.
	again, _ := readStream(t, e, sid)
	if len(again) != len(frames) {
		t.Fatalf("replay %d frames, live %d", len(again), len(frames))
	}
}

func TestSubmitValidation(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	for _, body := range []string{
		`{"eventId":"evt-404","platforms":{"email":true}}`,
		`{"eventId":"evt-42","platforms":{"email":false}}`,
		`{"eventId":"evt-42","platforms":{"myspace":true}}`,
		`{"eventId":"evt-42","platforms":{"email":true},"extra":1}`,
		`not json`,
	} {
		if code, out := e.post(t, "/api/v1/publish", body); code != http.StatusBadRequest || out["success"] != false {
			t.Fatalf("%s: %d %v", body, code, out)
		}
	}
}

func TestResultsNotFound(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	if code, _ := e.get(t, "/api/v1/publish/results/evt-42/publish-1-aaaaaaaaaaaa"); code != http.StatusNotFound {
		t.Fatalf("unknown session %d", code)
	}

	_, body := e.post(t, "/api/v1/publish", `{"eventId":"evt-42","platforms":{"slow":true}}`)
	sid := body["publishSessionId"].(string)
	if code, _ := e.get(t, "/api/v1/publish/results/evt-42/"+sid); code != http.StatusNotFound {
		t.Fatalf("running session %d", code)
	}
	code, body := e.get(t, "/api/v1/publish/sessions/"+sid)
	if code != http.StatusOK || body["live"] != true {
		t.Fatalf("live snapshot %d %v", code, body)
	}

	if code, _ := e.post(t, "/api/v1/publish/sessions/"+sid+"/abandon", ""); code != http.StatusAccepted {
		t.Fatalf("abandon %d", code)
	}
	e.wait(t, sid)
	code, body = e.get(t, "/api/v1/publish/sessions/"+sid)
	if code != http.StatusOK || body["live"] != false {
		t.Fatalf("stored snapshot %d %v", code, body)
	}
	res := body["session"].(map[string]any)["results"].([]any)[0].(map[string]any)
	if res["errorCode"] != "ABANDONED" || res["retryable"] != true {
		t.Fatalf("abandoned run %v", res)
	}
	if code, _ := e.post(t, "/api/v1/publish/sessions/"+sid+"/abandon", ""); code != http.StatusNotFound {
		t.Fatalf("second abandon %d", code)
	}
}

func TestRetry(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	_, body := e.post(t, "/api/v1/publish", `{"eventId":"evt-42","platforms":{"reddit":true,"forum":true}}`)
	first := body["publishSessionId"].(string)
	e.wait(t, first)

	code, body := e.get(t, "/api/v1/publish/results/evt-42/"+first+"/retryable")
	if plats, _ := body["platforms"].([]any); code != http.StatusOK || len(plats) != 1 || plats[0] != "forum" {
		t.Fatalf("retryable %d %v", code, body)
	}
	if code, _ := e.get(t, "/api/v1/publish/results/evt-42/publish-1-aaaaaaaaaaaa/retryable"); code != http.StatusNotFound {
		t.Fatalf("retryable for unknown session %d", code)
	}

	code, _ = e.post(t, "/api/v1/publish/retry", `{"eventId":"evt-42","platformId":"reddit","publishSessionId":"`+first+`"}`)
	if code != http.StatusConflict {
		t.Fatalf("non-retryable retry %d", code)
	}

	code, body = e.post(t, "/api/v1/publish/retry", `{"eventId":"evt-42","platforms":{"forum":true},"publishSessionId":"`+first+`"}`)
	if code != http.StatusAccepted {
		t.Fatalf("retry %d %v", code, body)
	}
	second := body["publishSessionId"].(string)
	if second == first {
		t.Fatal("retry reused the session id")
	}
	e.wait(t, second)
	_, body = e.get(t, "/api/v1/publish/results/evt-42/"+second)
	results := body["session"].(map[string]any)["results"].([]any)
	if len(results) != 1 || results[0].(map[string]any)["platform"] != "forum" {
		t.Fatalf("retry results %v", results)
	}

	if code, _ := e.post(t, "/api/v1/publish/retry", `{"eventId":"evt-42","platforms":{"forum":true,"reddit":true}}`); code != http.StatusBadRequest {
		t.Fatalf("two platforms %d", code)
	}
}

func TestStreamUnknownSession(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	for _, sid := range []string{"nope", "publish-1-aaaaaaaaaaaa"} {
		if _, code := readStream(t, e, sid); code != http.StatusNotFound {
			t.Fatalf("%s: %d", sid, code)
		}
	}
}

func TestStreamHeartbeat(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	_, body := e.post(t, "/api/v1/publish", `{"eventId":"evt-42","platforms":{"slow":true}}`)
	sid := body["publishSessionId"].(string)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, e.srv.URL+"/api/v1/publish/stream/"+sid, nil)
	resp, err := e.srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		if sc.Text() == ": ping" {
			return
		}
	}
	t.Fatal("no heartbeat before stream ended")
}

func TestHealthAndPlatforms(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	code, body := e.get(t, "/health")
	if code != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("health %d %v", code, body)
	}
	if _, ok := body["workers"]; ok {
		t.Fatalf("workers reported without a supervisor: %v", body)
	}
	code, body = e.get(t, "/api/v1/publish/platforms")
	if code != http.StatusOK || len(body["platforms"].([]any)) != 4 {
		t.Fatalf("platforms %d %v", code, body)
	}
}

func TestCORSPreflight(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	req, _ := http.NewRequest(http.MethodOptions, e.srv.URL+"/api/v1/publish", bytes.NewReader(nil))
	req.Header.Set("Origin", "https://app.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	resp, err := e.srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://app.example" {
		t.Fatalf("allow origin %q", got)
	}
}
