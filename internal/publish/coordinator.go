package publish

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"crosspost/internal/eventbus"
	"crosspost/internal/progress"
	"crosspost/internal/runtime/supervisor"
	"crosspost/internal/storage"
	logx "crosspost/pkg/logx"
)

// SyntheticStep names the step failed on behalf of a run that ended
// without ever reporting a failing step.
const SyntheticStep = "publish"

type Options struct {
	// RunTimeout bounds each platform run (default 5m).
	RunTimeout time.Duration
	// PersistTimeout bounds each attempt to save a finished session (default 10s).
	PersistTimeout time.Duration
	// MaxConcurrent caps running platforms per session; 0 means unbounded.
	MaxConcurrent int
}

func (o Options) withDefaults() Options {
	if o.RunTimeout <= 0 {
		o.RunTimeout = 5 * time.Minute
	}
	if o.PersistTimeout <= 0 {
		o.PersistTimeout = 10 * time.Second
	}
	if o.MaxConcurrent < 0 {
		o.MaxConcurrent = 0
	}
	return o
}

type Deps struct {
	Catalog    Catalog
	Platforms  *Platforms
	Sessions   Sessions
	Store      storage.Store
	Stream     Stream
	Bus        eventbus.Bus
	Supervisor *supervisor.Supervisor
	Log        logx.Logger
}

// Coordinator accepts publish requests, fans them out across platform
// adapters and records the finished sessions.
type Coordinator struct {
	log       logx.Logger
	catalog   Catalog
	platforms *Platforms
	sessions  Sessions
	store     storage.Store
	stream    Stream
	bus       eventbus.Bus
	sup       *supervisor.Supervisor
	now       func() time.Time

	mu       sync.Mutex
	opts     Options
	live     map[string]*liveSession
	stopping bool
}

func New(opts Options, d Deps) *Coordinator {
	if d.Bus == nil {
		d.Bus = eventbus.New()
	}
	if d.Supervisor == nil {
		d.Supervisor = supervisor.New(context.Background(), supervisor.WithLogger(d.Log))
	}
	return &Coordinator{
		log:       d.Log,
		catalog:   d.Catalog,
		platforms: d.Platforms,
		sessions:  d.Sessions,
		store:     d.Store,
		stream:    d.Stream,
		bus:       d.Bus,
		sup:       d.Supervisor,
		now:       time.Now,
		opts:      opts.withDefaults(),
		live:      map[string]*liveSession{},
	}
}

// Apply swaps options at runtime; sessions already running keep theirs.
func (c *Coordinator) Apply(opts Options) {
	c.mu.Lock()
	c.opts = opts.withDefaults()
	c.mu.Unlock()
}

// Accept validates the request, creates a session and starts one
// independent run per platform. Nothing is created when validation fails.
func (c *Coordinator) Accept(ctx context.Context, eventID string, platformIDs []string) (string, error) {
	return c.accept(ctx, eventID, platformIDs, false)
}

func (c *Coordinator) accept(ctx context.Context, eventID string, platformIDs []string, retry bool) (string, error) {
	c.mu.Lock()
	stopping, opts := c.stopping, c.opts
	c.mu.Unlock()
	if stopping {
		return "", ErrStopping
	}

	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return "", fmt.Errorf("%w: %w", ErrValidation, ErrEventNotFound)
	}
	ids := uniqueIDs(platformIDs)
	if len(ids) == 0 {
		return "", fmt.Errorf("%w: %w", ErrValidation, ErrNoPlatforms)
	}

	content, err := c.catalog.Lookup(ctx, eventID)
	if errors.Is(err, ErrEventNotFound) {
		return "", fmt.Errorf("%w: %w: %s", ErrValidation, ErrEventNotFound, eventID)
	}
	if err != nil {
		return "", fmt.Errorf("lookup event %s: %w", eventID, err)
	}

	targets := make([]Platform, 0, len(ids))
	for _, id := range ids {
		p, ok := c.platforms.Lookup(id)
		if !ok {
			return "", fmt.Errorf("%w: %w: %s", ErrValidation, ErrUnknownPlatform, id)
		}
		targets = append(targets, p)
	}

	now := c.now()
	sessionID := c.sessions.NewID(now)
	if err := c.sessions.Bind(ctx, sessionID, eventID); err != nil {
		return "", fmt.Errorf("bind session: %w", err)
	}

	ls := newLiveSession(sessionID, eventID, targets, c.stream, now)
	ls.retry = retry
	c.mu.Lock()
	c.live[sessionID] = ls
	c.mu.Unlock()

	c.log.Info("publish session accepted",
		logx.String("session_id", sessionID),
		logx.String("event_id", eventID),
		logx.Strs("platforms", ids),
		logx.Bool("retry", retry),
	)
	c.bus.Publish(eventbus.Event{Type: eventbus.SessionAccepted, Time: now, Data: SessionEvent{
		SessionID: sessionID, EventID: eventID, Platforms: ids, Retry: retry,
	}})

	var sem chan struct{}
	if opts.MaxConcurrent > 0 {
		sem = make(chan struct{}, opts.MaxConcurrent)
	}
	for _, p := range targets {
		p := p
		c.sup.Go0("publish."+p.ID, func(runCtx context.Context) {
			c.runPlatform(runCtx, ls, p, content, opts, sem)
		})
	}
	return sessionID, nil
}

func uniqueIDs(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, id := range in {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

type outcome struct {
	res Result
	err error
}

// runPlatform executes one platform run. ctx is the coordinator lifetime,
// not the request that accepted the session.
func (c *Coordinator) runPlatform(ctx context.Context, ls *liveSession, p Platform, content Content, opts Options, sem chan struct{}) {
	r := ls.runs[p.ID]

	if sem != nil {
		select {
		case sem <- struct{}{}:
			defer func() { <-sem }()
		case <-ctx.Done():
			c.fail(ls, r, abandonedError("coordinator stopped before run started"))
			return
		}
	}
	if p.Limiter != nil {
		if err := p.Limiter.Wait(ctx); err != nil {
			c.fail(ls, r, abandonedError("coordinator stopped before run started"))
			return
		}
	}
	if !ls.markRunning(r, c.now()) {
		return
	}

	timeout := opts.RunTimeout
	if p.Timeout > 0 {
		timeout = p.Timeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out := make(chan outcome, 1)
	go func() {
		defer func() {
			if v := recover(); v != nil {
				out <- outcome{err: Unknown(panicError{v: v})}
			}
		}()
		res, err := p.Publisher.Publish(runCtx, content, r.tracker)
		out <- outcome{res: res, err: err}
	}()

	select {
	case o := <-out:
		c.finish(ls, r, o)
	case <-runCtx.Done():
		if ctx.Err() != nil {
			c.fail(ls, r, abandonedError("coordinator stopped"))
			return
		}
		// The adapter keeps running until it notices ctx; its late events are dropped.
		c.fail(ls, r, timeoutError(timeout))
	}
}

// finish turns an adapter outcome into the terminal state of r.
func (c *Coordinator) finish(ls *liveSession, r *run, o outcome) {
	tr := r.tracker
	if o.err != nil {
		c.fail(ls, r, Classify(o.err))
		return
	}
	if open := tr.OpenSteps(); len(open) > 0 {
		c.fail(ls, r, &Error{Code: CodeUnknown, Message: fmt.Sprintf("step %q never completed", open[0])})
		return
	}
	if st, ok := tr.FirstFailure(); ok {
		code := Code(st.ErrorCode)
		if code == "" {
			code = CodeUnknown
		}
		c.fail(ls, r, &Error{Code: code, Message: st.Error, Retryable: st.Retryable})
		return
	}

	if !ls.claim(r) {
		return
	}
	res := o.res
	if res.SentAt.IsZero() {
		res.SentAt = c.now()
	}
	tr.Succeed(res.Message, resultData(r.method, res))
	c.settle(ls, r, &res, nil)
}

// fail closes every open step of r with e, or a synthetic step when none
// failed, then emits the run-level error event.
func (c *Coordinator) fail(ls *liveSession, r *run, e *Error) {
	if e == nil {
		e = &Error{Code: CodeUnknown, Message: "run failed without an error"}
	}
	msg, code := e.Detail(), string(e.Code)
	if !ls.claim(r) {
		return
	}
	r.tracker.Abort(SyntheticStep, msg, code, e.Retryable)
	c.settle(ls, r, nil, e)
}

func (c *Coordinator) settle(ls *liveSession, r *run, res *Result, e *Error) {
	now := c.now()
	last := ls.settle(r, res, e, now)

	took := now.Sub(r.startedAt).Milliseconds()
	ev := PlatformEvent{SessionID: ls.id, EventID: ls.eventID, Platform: r.platform, Success: e == nil, TookMs: took}
	if e != nil {
		ev.ErrorCode = string(e.Code)
		c.log.Warn("platform run failed",
			logx.String("session_id", ls.id),
			logx.String("platform", r.platform),
			logx.String("code", string(e.Code)),
			logx.Bool("retryable", e.Retryable),
			logx.String("error", e.Detail()),
		)
	} else {
		c.log.Info("platform run completed",
			logx.String("session_id", ls.id),
			logx.String("platform", r.platform),
			logx.Int64("took_ms", took),
		)
	}
	c.bus.Publish(eventbus.Event{Type: eventbus.PlatformFinished, Time: now, Data: ev})

	if last {
		c.finalize(ls)
	}
}

func resultData(method string, res Result) map[string]any {
	data := map[string]any{"method": method, "sentAt": res.SentAt.UTC().Format(time.RFC3339Nano)}
	if res.URL != "" {
		data["url"] = res.URL
	}
	if res.PostID != "" {
		data["postId"] = res.PostID
	}
	return data
}

// finalize persists the finished session, then releases stream observers.
func (c *Coordinator) finalize(ls *liveSession) {
	rec := ls.record(c.now())

	c.mu.Lock()
	persistTimeout := c.opts.PersistTimeout
	c.mu.Unlock()

	if err := c.persist(rec, persistTimeout); err != nil {
		c.log.Error("publish result not persisted",
			logx.String("session_id", rec.ID),
			logx.String("event_id", rec.EventID),
			logx.Err(err),
		)
	}

	c.mu.Lock()
	delete(c.live, ls.id)
	c.mu.Unlock()

	failed := 0
	for _, r := range rec.Runs {
		if !r.Success {
			failed++
		}
	}
	c.log.Info("publish session finished",
		logx.String("session_id", rec.ID),
		logx.Bool("overall_success", rec.OverallSuccess),
		logx.Int("failed", failed),
		logx.Int64("duration_ms", rec.TotalDurationMs),
	)
	c.stream.MarkComplete(ls.id)
	c.bus.Publish(eventbus.Event{Type: eventbus.SessionFinished, Data: SessionEvent{
		SessionID:      rec.ID,
		EventID:        rec.EventID,
		Platforms:      rec.Platforms,
		Retry:          ls.retry,
		OverallSuccess: rec.OverallSuccess,
		DurationMs:     rec.TotalDurationMs,
		Failed:         failed,
	}})
	close(ls.done)
}

// persist saves rec with a bounded number of jittered retries.
func (c *Coordinator) persist(rec storage.SessionRecord, timeout time.Duration) error {
	const attempts = 4
	var err error
	delay := 200 * time.Millisecond
	for i := 1; i <= attempts; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		err = c.store.SaveResult(ctx, rec)
		cancel()
		if err == nil {
			return nil
		}
		c.log.Debug("save result failed", logx.String("session_id", rec.ID), logx.Int("attempt", i), logx.Err(err))
		if i < attempts {
			time.Sleep(time.Duration(float64(delay) * (0.7 + rand.Float64()*0.6)))
			delay *= 2
		}
	}
	return err
}

// Abandon stops waiting on a session: every run that is not terminal yet is
// failed with ABANDONED and the session is finalized. Adapters are not
// interrupted; anything they report afterwards is dropped.
func (c *Coordinator) Abandon(sessionID string) error {
	c.mu.Lock()
	ls := c.live[sessionID]
	c.mu.Unlock()
	if ls == nil {
		return ErrSessionNotFound
	}
	c.abandon(ls, "session abandoned")
	c.bus.Publish(eventbus.Event{Type: eventbus.SessionAbandoned, Data: SessionEvent{
		SessionID: ls.id, EventID: ls.eventID, Platforms: ls.platforms,
	}})
	return nil
}

func (c *Coordinator) abandon(ls *liveSession, reason string) {
	for _, id := range ls.platforms {
		c.fail(ls, ls.runs[id], abandonedError(reason))
	}
}

// Snapshot returns the live state of an in-flight session.
// Finished sessions are served by the result store instead.
func (c *Coordinator) Snapshot(sessionID string) (storage.SessionRecord, error) {
	c.mu.Lock()
	ls := c.live[sessionID]
	c.mu.Unlock()
	if ls == nil {
		return storage.SessionRecord{}, ErrSessionNotFound
	}
	return ls.view(), nil
}

// Events returns the step log of one platform run of an in-flight session.
func (c *Coordinator) Events(sessionID, platformID string) ([]progress.Event, error) {
	c.mu.Lock()
	ls := c.live[sessionID]
	c.mu.Unlock()
	if ls == nil {
		return nil, ErrSessionNotFound
	}
	r, ok := ls.runs[platformID]
	if !ok {
		return nil, ErrUnknownPlatform
	}
	return r.tracker.Events(), nil
}

// Live reports whether the session is still in flight.
func (c *Coordinator) Live(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.live[sessionID] != nil
}

func (c *Coordinator) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.live)
}

// Wait blocks until the session is finalized. Unknown sessions return at once.
func (c *Coordinator) Wait(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	ls := c.live[sessionID]
	c.mu.Unlock()
	if ls == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-ls.done:
		return nil
	}
}

// Drain refuses new sessions and waits for running ones until ctx is done,
// then abandons whatever is left.
func (c *Coordinator) Drain(ctx context.Context) error {
	c.mu.Lock()
	c.stopping = true
	pending := make([]*liveSession, 0, len(c.live))
	for _, ls := range c.live {
		pending = append(pending, ls)
	}
	c.mu.Unlock()

	for _, ls := range pending {
		select {
		case <-ls.done:
		case <-ctx.Done():
			c.log.Warn("drain deadline reached; abandoning session", logx.String("session_id", ls.id))
			c.abandon(ls, "coordinator shutting down")
		}
	}
	return ctx.Err()
}
