package publish

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"crosspost/internal/progress"
	"crosspost/internal/session"
	"crosspost/internal/storage"
	"crosspost/internal/stream"
	logx "crosspost/pkg/logx"
)

type memCatalog map[string]Content

func (m memCatalog) Lookup(_ context.Context, eventID string) (Content, error) {
	c, ok := m[eventID]
	if !ok {
		return Content{}, ErrEventNotFound
	}
	return c, nil
}

type funcPublisher struct {
	method string
	fn     func(ctx context.Context, c Content, t *progress.Tracker) (Result, error)
}

func (f funcPublisher) Method() string { return f.method }
func (f funcPublisher) Publish(ctx context.Context, c Content, t *progress.Tracker) (Result, error) {
	return f.fn(ctx, c, t)
}

func succeeding(method, url string) funcPublisher {
	return funcPublisher{method: method, fn: func(ctx context.Context, c Content, t *progress.Tracker) (Result, error) {
		t.Started("render", "rendering")
		t.Completed("render", 0)
		t.Started("send", "sending")
		t.Progress("send", 50, "")
		t.Completed("send", 0)
		return Result{URL: url, PostID: "p-1"}, nil
	}}
}

func authFailing() funcPublisher {
	return funcPublisher{method: "api", fn: func(ctx context.Context, c Content, t *progress.Tracker) (Result, error) {
		t.Started("authenticate", "")
		err := Auth(errors.New("token expired"))
		t.Failed("authenticate", err.Detail(), string(err.Code), err.Retryable)
		return Result{}, err
	}}
}

type harness struct {
	coord  *Coordinator
	store  storage.Store
	broker *stream.Broker
	plats  *Platforms
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	store := storage.NewMemory()
	broker := stream.New(stream.Options{}, logx.Nop())
	plats := NewPlatforms()
	coord := New(opts, Deps{
		Catalog:   memCatalog{"evt-42": {EventID: "evt-42", Title: "Meetup", Body: "Join us"}},
		Platforms: plats,
		Sessions:  session.New(store, logx.Nop()),
		Store:     store,
		Stream:    broker,
		Log:       logx.Nop(),
	})
	return &harness{coord: coord, store: store, broker: broker, plats: plats}
}

func (h *harness) wait(t *testing.T, sessionID string) storage.SessionRecord {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.coord.Wait(ctx, sessionID); err != nil {
		t.Fatalf("wait %s: %v", sessionID, err)
	}
	rec, err := h.coord.Result(ctx, "evt-42", sessionID)
	if err != nil {
		t.Fatalf("result %s: %v", sessionID, err)
	}
	return rec
}

func collect(t *testing.T, sub *stream.Subscription) []progress.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var out []progress.Event
	for {
		e, err := sub.Next(ctx)
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			t.Fatalf("stream: %v", err)
		}
		out = append(out, e)
	}
}

func TestEmailSucceedsRedditAuthFails(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{})
	h.plats.Register("email", succeeding("smtp", "https://mail.example/archive/1"))
	h.plats.Register("reddit", authFailing())

	sid, err := h.coord.Accept(context.Background(), "evt-42", []string{"email", "reddit"})
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if !session.Valid(sid) {
		t.Fatalf("session id %q has wrong shape", sid)
	}
	sub := h.broker.Subscribe(sid)
	rec := h.wait(t, sid)

	if rec.OverallSuccess || rec.Status != string(SessionFailed) {
		t.Fatalf("overall=%v status=%s", rec.OverallSuccess, rec.Status)
	}
	email, _ := rec.Run("email")
	if !email.Success || email.Data == nil || email.Data.URL == "" || email.Data.SentAt.IsZero() || email.Data.Method != "smtp" {
		t.Fatalf("email run: %+v", email)
	}
	reddit, _ := rec.Run("reddit")
	if reddit.Success || reddit.ErrorCode != "AuthError" || reddit.Retryable || reddit.Error != "token expired" {
		t.Fatalf("reddit run: %+v", reddit)
	}

	var redditKinds []progress.Kind
	for _, e := range collect(t, sub) {
		if e.PlatformID == "reddit" {
			redditKinds = append(redditKinds, e.Kind())
		}
	}
	want := []progress.Kind{progress.KindStepStarted, progress.KindStepFailed, progress.KindError}
	if fmt.Sprint(redditKinds) != fmt.Sprint(want) {
		t.Fatalf("reddit events=%v want %v", redditKinds, want)
	}
}

func TestAcceptValidation(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{})
	h.plats.Register("email", succeeding("smtp", ""))

	cases := []struct {
		name      string
		event     string
		platforms []string
		want      error
	}{
		{"unknown event", "evt-404", []string{"email"}, ErrEventNotFound},
		{"empty event", " ", []string{"email"}, ErrEventNotFound},
		{"no platforms", "evt-42", nil, ErrNoPlatforms},
		{"blank platforms", "evt-42", []string{"", " "}, ErrNoPlatforms},
		{"unknown platform", "evt-42", []string{"email", "myspace"}, ErrUnknownPlatform},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.coord.Accept(context.Background(), tc.event, tc.platforms)
			if !errors.Is(err, ErrValidation) || !errors.Is(err, tc.want) {
				t.Fatalf("err=%v want %v", err, tc.want)
			}
		})
	}
	if n := h.coord.Active(); n != 0 {
		t.Fatalf("rejected requests created %d sessions", n)
	}
}

func TestTimeoutDoesNotDelaySibling(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{RunTimeout: time.Minute})
	h.plats.Register("fast", succeeding("webhook", "https://fast"))
	h.plats.Register("slow", funcPublisher{method: "webhook", fn: func(ctx context.Context, c Content, t *progress.Tracker) (Result, error) {
		t.Started("upload", "")
		<-ctx.Done()
		time.Sleep(10 * time.Millisecond)
		t.Completed("upload", 0) // late; dropped
		return Result{}, nil
	}}, WithTimeout(100*time.Millisecond))

	finished := make(chan string, 2)
	ch, unsub := h.coord.bus.Subscribe(8)
	defer unsub()
	go func() {
		for ev := range ch {
			if pe, ok := ev.Data.(PlatformEvent); ok {
				finished <- pe.Platform
			}
		}
	}()

	sid, err := h.coord.Accept(context.Background(), "evt-42", []string{"fast", "slow"})
	if err != nil {
		t.Fatal(err)
	}
	if first := <-finished; first != "fast" {
		t.Fatalf("first finished platform=%s", first)
	}
	if !h.coord.Live(sid) {
		t.Fatalf("session finalized before slow platform timed out")
	}

	rec := h.wait(t, sid)
	slow, _ := rec.Run("slow")
	if slow.ErrorCode != "TIMEOUT" || !slow.Retryable {
		t.Fatalf("slow run: %+v", slow)
	}
	if len(slow.Steps) != 1 || slow.Steps[0].Name != "upload" || slow.Steps[0].ErrorCode != "TIMEOUT" {
		t.Fatalf("open step not failed with TIMEOUT: %+v", slow.Steps)
	}
	fast, _ := rec.Run("fast")
	if !fast.Success {
		t.Fatalf("fast run: %+v", fast)
	}
}

func TestAdapterPanicIsContained(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{})
	h.plats.Register("email", succeeding("smtp", ""))
	h.plats.Register("broken", funcPublisher{method: "api", fn: func(ctx context.Context, c Content, t *progress.Tracker) (Result, error) {
		panic("nil map")
	}})

	sid, err := h.coord.Accept(context.Background(), "evt-42", []string{"email", "broken"})
	if err != nil {
		t.Fatal(err)
	}
	rec := h.wait(t, sid)
	broken, _ := rec.Run("broken")
	if broken.ErrorCode != "UnknownError" || broken.Retryable {
		t.Fatalf("broken run: %+v", broken)
	}
	if len(broken.Steps) != 1 || broken.Steps[0].Name != SyntheticStep {
		t.Fatalf("expected synthetic failed step: %+v", broken.Steps)
	}
	if email, _ := rec.Run("email"); !email.Success {
		t.Fatalf("sibling affected: %+v", email)
	}
}

func TestOpenStepFailsRun(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{})
	h.plats.Register("sloppy", funcPublisher{method: "api", fn: func(ctx context.Context, c Content, t *progress.Tracker) (Result, error) {
		t.Started("submit", "")
		return Result{URL: "https://x"}, nil
	}})

	sid, _ := h.coord.Accept(context.Background(), "evt-42", []string{"sloppy"})
	rec := h.wait(t, sid)
	run, _ := rec.Run("sloppy")
	if run.Success || run.ErrorCode != "UnknownError" || rec.OverallSuccess {
		t.Fatalf("run: %+v", run)
	}
}

func TestClassifiedErrorWithoutSteps(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{})
	h.plats.Register("forum", funcPublisher{method: "webhook", fn: func(ctx context.Context, c Content, t *progress.Tracker) (Result, error) {
		return Result{}, RateLimited(errors.New("slow down"), 30*time.Second)
	}})

	sid, _ := h.coord.Accept(context.Background(), "evt-42", []string{"forum"})
	rec := h.wait(t, sid)
	run, _ := rec.Run("forum")
	if run.ErrorCode != "RateLimited" || !run.Retryable {
		t.Fatalf("run: %+v", run)
	}
}

func TestTypedNilErrorStillFinalizes(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{})
	h.plats.Register("forum", funcPublisher{method: "api", fn: func(ctx context.Context, c Content, t *progress.Tracker) (Result, error) {
		t.Started("send", "")
		t.Completed("send", 0)
		var e *Error
		return Result{}, e
	}})

	sid, err := h.coord.Accept(context.Background(), "evt-42", []string{"forum"})
	if err != nil {
		t.Fatal(err)
	}
	rec := h.wait(t, sid)
	run, _ := rec.Run("forum")
	if run.Success || run.ErrorCode != "UnknownError" || run.Retryable {
		t.Fatalf("run: %+v", run)
	}
	if len(run.Steps) != 2 || run.Steps[0].Status != "completed" || run.Steps[1].Name != SyntheticStep {
		t.Fatalf("steps: %+v", run.Steps)
	}
}

func TestTimeoutLeavesNoRunningStep(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{RunTimeout: 2 * time.Millisecond})
	h.plats.Register("spinner", funcPublisher{method: "api", fn: func(ctx context.Context, c Content, t *progress.Tracker) (Result, error) {
		until := time.Now().Add(30 * time.Millisecond)
		for i := 0; time.Now().Before(until); i++ {
			name := fmt.Sprintf("chunk-%d", i)
			t.Started(name, "")
			t.Completed(name, 0)
		}
		return Result{}, nil
	}})

	sid, err := h.coord.Accept(context.Background(), "evt-42", []string{"spinner"})
	if err != nil {
		t.Fatal(err)
	}
	rec := h.wait(t, sid)
	run, _ := rec.Run("spinner")
	if run.ErrorCode != "TIMEOUT" {
		t.Fatalf("run: %+v", run)
	}
	for _, st := range run.Steps {
		if st.Status == "running" {
			t.Fatalf("step %q persisted as running", st.Name)
		}
	}
}

func TestRetryCreatesIndependentSession(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{})
	h.plats.Register("email", succeeding("smtp", "https://mail"))
	var fixed atomic.Bool
	h.plats.Register("reddit", funcPublisher{method: "api", fn: func(ctx context.Context, c Content, t *progress.Tracker) (Result, error) {
		if !fixed.Load() {
			return Result{}, Transient(errors.New("connection reset"))
		}
		t.Started("submit", "")
		t.Completed("submit", 0)
		return Result{URL: "https://reddit/r/1"}, nil
	}})

	ctx := context.Background()
	first, _ := h.coord.Accept(ctx, "evt-42", []string{"email", "reddit"})
	orig := h.wait(t, first)

	got, err := h.coord.RetryablePlatforms(ctx, "evt-42", first)
	if err != nil || fmt.Sprint(got) != "[reddit]" {
		t.Fatalf("retryable=%v err=%v", got, err)
	}

	fixed.Store(true)
	second, err := h.coord.RetryFrom(ctx, "evt-42", first, "reddit")
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if second == first {
		t.Fatalf("retry reused session id")
	}
	retried := h.wait(t, second)
	if len(retried.Runs) != 1 || retried.Runs[0].Platform != "reddit" || !retried.OverallSuccess {
		t.Fatalf("retried session: %+v", retried)
	}

	after, _ := h.coord.Result(ctx, "evt-42", first)
	if after.OverallSuccess != orig.OverallSuccess || len(after.Runs) != 2 {
		t.Fatalf("original session changed: %+v", after)
	}
	if r, _ := after.Run("reddit"); r.Success {
		t.Fatalf("original reddit run mutated")
	}
}

func TestRetryFromRejectsNonRetryable(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{})
	h.plats.Register("email", succeeding("smtp", ""))
	h.plats.Register("reddit", authFailing())

	ctx := context.Background()
	sid, _ := h.coord.Accept(ctx, "evt-42", []string{"email", "reddit"})
	h.wait(t, sid)

	for _, p := range []string{"reddit", "email"} {
		if _, err := h.coord.RetryFrom(ctx, "evt-42", sid, p); !errors.Is(err, ErrNotRetryable) {
			t.Fatalf("%s: err=%v", p, err)
		}
	}
	if _, err := h.coord.RetryFrom(ctx, "evt-42", "publish-1-000000000000", "reddit"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("unknown session err=%v", err)
	}
	// The controller itself does not enforce the policy.
	if _, err := h.coord.Retry(ctx, "evt-42", "reddit"); err != nil {
		t.Fatalf("plain retry: %v", err)
	}
}

func TestResultNotFoundWhileRunning(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{})
	release := make(chan struct{})
	h.plats.Register("slow", funcPublisher{method: "api", fn: func(ctx context.Context, c Content, t *progress.Tracker) (Result, error) {
		<-release
		return Result{}, nil
	}})

	ctx := context.Background()
	sid, _ := h.coord.Accept(ctx, "evt-42", []string{"slow"})
	if _, err := h.coord.Result(ctx, "evt-42", sid); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("running session result err=%v", err)
	}
	snap, err := h.coord.Snapshot(sid)
	if err != nil || snap.Status != string(SessionRunning) {
		t.Fatalf("snapshot=%+v err=%v", snap, err)
	}
	close(release)
	rec := h.wait(t, sid)
	if !rec.OverallSuccess {
		t.Fatalf("rec: %+v", rec)
	}
	if _, err := h.coord.Snapshot(sid); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("snapshot after finish err=%v", err)
	}
}

func TestAbandonMarksPendingRuns(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{})
	h.plats.Register("email", succeeding("smtp", ""))
	stuck := make(chan struct{})
	defer close(stuck)
	h.plats.Register("stuck", funcPublisher{method: "api", fn: func(ctx context.Context, c Content, t *progress.Tracker) (Result, error) {
		t.Started("upload", "")
		<-stuck
		t.Completed("upload", 0)
		return Result{}, nil
	}})

	ctx := context.Background()
	sid, _ := h.coord.Accept(ctx, "evt-42", []string{"email", "stuck"})
	deadline := time.Now().Add(5 * time.Second)
	for {
		snap, err := h.coord.Snapshot(sid)
		if err != nil {
			t.Fatal(err)
		}
		if r, _ := snap.Run("email"); r.Status == string(RunCompleted) {
			if s, _ := snap.Run("stuck"); s.Status == string(RunRunning) {
				break
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("runs never reached expected state: %+v", snap)
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := h.coord.Abandon(sid); err != nil {
		t.Fatalf("abandon: %v", err)
	}
	rec := h.wait(t, sid)
	stuckRun, _ := rec.Run("stuck")
	if stuckRun.ErrorCode != "ABANDONED" || !stuckRun.Retryable {
		t.Fatalf("stuck run: %+v", stuckRun)
	}
	if email, _ := rec.Run("email"); !email.Success {
		t.Fatalf("completed run changed by abandon: %+v", email)
	}
	if err := h.coord.Abandon(sid); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("second abandon err=%v", err)
	}
}

func TestMaxConcurrentPlatforms(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{MaxConcurrent: 2})
	var running, peak atomic.Int32
	pub := funcPublisher{method: "api", fn: func(ctx context.Context, c Content, t *progress.Tracker) (Result, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		running.Add(-1)
		return Result{}, nil
	}}
	ids := []string{"a", "b", "c", "d", "e"}
	for _, id := range ids {
		h.plats.Register(id, pub)
	}
	sid, _ := h.coord.Accept(context.Background(), "evt-42", ids)
	rec := h.wait(t, sid)
	if !rec.OverallSuccess {
		t.Fatalf("rec: %+v", rec)
	}
	if p := peak.Load(); p > 2 {
		t.Fatalf("peak concurrency %d > 2", p)
	}
}

func TestOverallSuccessIsConjunction(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{})
	ok := succeeding("api", "")
	bad := funcPublisher{method: "api", fn: func(ctx context.Context, c Content, t *progress.Tracker) (Result, error) {
		return Result{}, InvalidContent(errors.New("too long"))
	}}
	h.plats.Register("ok1", ok)
	h.plats.Register("ok2", ok)
	h.plats.Register("bad", bad)

	cases := [][]string{{"ok1"}, {"ok1", "ok2"}, {"ok1", "bad"}, {"bad"}, {"bad", "ok1", "ok2"}}
	var wg sync.WaitGroup
	for _, sel := range cases {
		wg.Add(1)
		go func(sel []string) {
			defer wg.Done()
			sid, err := h.coord.Accept(context.Background(), "evt-42", sel)
			if err != nil {
				t.Errorf("accept: %v", err)
				return
			}
			rec := h.wait(t, sid)
			want := true
			for _, r := range rec.Runs {
				want = want && r.Success
			}
			if rec.OverallSuccess != want || len(rec.Runs) != len(sel) {
				t.Errorf("%v: overall=%v want %v", sel, rec.OverallSuccess, want)
			}
		}(sel)
	}
	wg.Wait()
}

func TestDrainRefusesNewSessions(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{})
	block := make(chan struct{})
	defer close(block)
	h.plats.Register("stuck", funcPublisher{method: "api", fn: func(ctx context.Context, c Content, t *progress.Tracker) (Result, error) {
		<-block
		return Result{}, nil
	}})
	sid, _ := h.coord.Accept(context.Background(), "evt-42", []string{"stuck"})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_ = h.coord.Drain(ctx)

	if _, err := h.coord.Accept(context.Background(), "evt-42", []string{"stuck"}); !errors.Is(err, ErrStopping) {
		t.Fatalf("accept during drain err=%v", err)
	}
	rec := h.wait(t, sid)
	if r, _ := rec.Run("stuck"); r.ErrorCode != "ABANDONED" {
		t.Fatalf("run: %+v", r)
	}
}
