package progress

import (
	"sync"
	"time"
)

// Sink receives every event a Tracker emits. Implementations must not block.
type Sink interface {
	Publish(e Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(e Event)

func (f SinkFunc) Publish(e Event) { f(e) }

// StepStatus is the state of one named step.
type StepStatus string

const (
	StatusRunning   StepStatus = "running"
	StatusCompleted StepStatus = "completed"
	StatusFailed    StepStatus = "failed"
)

// Step is a snapshot of one reported step.
type Step struct {
	Name       string
	Status     StepStatus
	StartedAt  time.Time
	DurationMs int64
	Error      string
	ErrorCode  string
	Retryable  bool
}

// Tracker is the handle a platform adapter uses to report progress for one
// (session, platform) pair. All methods are safe for concurrent use and
// never block on subscribers.
//
// Ordering rules enforced here:
//   - a second Started for a known step is ignored
//   - Completed/Failed on an unknown step emits the implied step_started first
//   - only the first terminal call per step counts
//   - Progress is clamped to 0-100 and only applies to running steps
//   - after Succeed, Fail or Abort every call is dropped
type Tracker struct {
	sessionID  string
	platformID string
	sink       Sink
	now        func() time.Time

	mu     sync.Mutex
	steps  []*Step
	byName map[string]*Step
	events []Event
	sealed bool
}

func NewTracker(sessionID, platformID string, sink Sink) *Tracker {
	return &Tracker{
		sessionID:  sessionID,
		platformID: platformID,
		sink:       sink,
		now:        time.Now,
		byName:     map[string]*Step{},
	}
}

func (t *Tracker) SessionID() string  { return t.sessionID }
func (t *Tracker) PlatformID() string { return t.platformID }

func (t *Tracker) Started(step, message string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sealed || t.byName[step] != nil {
		return
	}
	t.startLocked(step, message)
}

func (t *Tracker) Progress(step string, pct int, message string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sealed {
		return
	}
	st := t.byName[step]
	if st == nil || st.Status != StatusRunning {
		return
	}
	t.emitLocked(step, StepProgress{Progress: min(max(pct, 0), 100), Message: message})
}

// Completed closes step successfully. durationMs <= 0 means "measure it".
func (t *Tracker) Completed(step string, durationMs int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.closableLocked(step)
	if st == nil {
		return
	}
	st.Status = StatusCompleted
	st.DurationMs = t.durationLocked(st, durationMs)
	t.emitLocked(step, StepCompleted{DurationMs: st.DurationMs})
}

// Failed closes step unsuccessfully.
func (t *Tracker) Failed(step, errMsg, errorCode string, retryable bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.closableLocked(step)
	if st == nil {
		return
	}
	t.failLocked(st, errMsg, errorCode, retryable)
}

func (t *Tracker) failLocked(st *Step, errMsg, errorCode string, retryable bool) {
	st.Status = StatusFailed
	st.DurationMs = t.durationLocked(st, 0)
	st.Error, st.ErrorCode, st.Retryable = errMsg, errorCode, retryable
	t.emitLocked(st.Name, StepFailed{Error: errMsg, ErrorCode: errorCode, Retryable: retryable, DurationMs: st.DurationMs})
}

// Succeed emits the run-level success event and seals the tracker.
// It reports false if the tracker was already sealed.
func (t *Tracker) Succeed(message string, data any) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sealed {
		return false
	}
	t.emitLocked("", RunSuccess{Message: message, Data: data})
	t.sealed = true
	return true
}

// Abort ends the run from outside the adapter. Every open step fails, and a
// step named fallback fails when none had and the name is unused. Then the
// run-level error is emitted and the tracker is sealed, all under one lock so
// a still-running adapter cannot start a step in between. It reports false if
// the tracker was already sealed.
func (t *Tracker) Abort(fallback, errMsg, errorCode string, retryable bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sealed {
		return false
	}
	failed := false
	for _, st := range t.steps {
		switch st.Status {
		case StatusRunning:
			t.failLocked(st, errMsg, errorCode, retryable)
			failed = true
		case StatusFailed:
			failed = true
		}
	}
	if !failed && t.byName[fallback] == nil {
		t.failLocked(t.startLocked(fallback, ""), errMsg, errorCode, retryable)
	}
	t.emitLocked("", RunError{Error: errMsg, ErrorCode: errorCode, Retryable: retryable})
	t.sealed = true
	return true
}

// OpenSteps returns the names of steps that started but never closed, in start order.
func (t *Tracker) OpenSteps() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for _, st := range t.steps {
		if st.Status == StatusRunning {
			out = append(out, st.Name)
		}
	}
	return out
}

// FirstFailure returns the first step that ended in step_failed.
func (t *Tracker) FirstFailure() (Step, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, st := range t.steps {
		if st.Status == StatusFailed {
			return *st, true
		}
	}
	return Step{}, false
}

func (t *Tracker) Steps() []Step {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Step, len(t.steps))
	for i, st := range t.steps {
		out[i] = *st
	}
	return out
}

// Events returns the step log in emission order.
func (t *Tracker) Events() []Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Event(nil), t.events...)
}

// closableLocked returns the running step, starting it implicitly when it was
// never reported. It returns nil when the call must be dropped.
func (t *Tracker) closableLocked(step string) *Step {
	if t.sealed {
		return nil
	}
	st := t.byName[step]
	if st == nil {
		return t.startLocked(step, "")
	}
	if st.Status != StatusRunning {
		return nil
	}
	return st
}

func (t *Tracker) startLocked(step, message string) *Step {
	st := &Step{Name: step, Status: StatusRunning, StartedAt: t.now()}
	t.steps = append(t.steps, st)
	t.byName[step] = st
	t.emitLocked(step, StepStarted{Message: message})
	return st
}

func (t *Tracker) durationLocked(st *Step, reported int64) int64 {
	if reported > 0 {
		return reported
	}
	return t.now().Sub(st.StartedAt).Milliseconds()
}

// emitLocked runs under mu so the sink sees events in log order.
func (t *Tracker) emitLocked(step string, p Payload) {
	ev := Event{
		Header: Header{
			SessionID:  t.sessionID,
			PlatformID: t.platformID,
			Step:       step,
			Timestamp:  t.now(),
		},
		Payload: p,
	}
	t.events = append(t.events, ev)
	if t.sink != nil {
		t.sink.Publish(ev)
	}
}
