// Package progress defines the step events a platform delivery emits and
// the Tracker that adapters use to report them.
package progress

import (
	"encoding/json"
	"time"
)

// Kind is the wire "type" of an Event.
type Kind string

const (
	KindConnected     Kind = "connected"
	KindStepStarted   Kind = "step_started"
	KindStepProgress  Kind = "step_progress"
	KindStepCompleted Kind = "step_completed"
	KindStepFailed    Kind = "step_failed"
	KindError         Kind = "error"
	KindSuccess       Kind = "success"
)

// Header is common to every event.
type Header struct {
	SessionID  string
	PlatformID string
	Step       string
	Timestamp  time.Time
}

// Payload is implemented by exactly one type per Kind.
type Payload interface{ kind() Kind }

type (
	Connected   struct{}
	StepStarted struct{ Message string }
	// StepProgress carries a 0-100 percentage.
	StepProgress struct {
		Progress int
		Message  string
	}
	StepCompleted struct {
		Message    string
		DurationMs int64
	}
	StepFailed struct {
		Error      string
		ErrorCode  string
		Retryable  bool
		DurationMs int64
	}
	// RunError ends a platform run unsuccessfully.
	RunError struct {
		Error     string
		ErrorCode string
		Retryable bool
	}
	// RunSuccess ends a platform run successfully.
	RunSuccess struct {
		Message string
		Data    any
	}
)

func (Connected) kind() Kind     { return KindConnected }
func (StepStarted) kind() Kind   { return KindStepStarted }
func (StepProgress) kind() Kind  { return KindStepProgress }
func (StepCompleted) kind() Kind { return KindStepCompleted }
func (StepFailed) kind() Kind    { return KindStepFailed }
func (RunError) kind() Kind      { return KindError }
func (RunSuccess) kind() Kind    { return KindSuccess }

// Event is a header plus a kind-specific payload.
type Event struct {
	Header
	Payload Payload
}

func (e Event) Kind() Kind {
	if e.Payload == nil {
		return ""
	}
	return e.Payload.kind()
}

// wire is the flat JSON form sent to stream subscribers.
type wire struct {
	Type       Kind   `json:"type"`
	SessionID  string `json:"sessionId,omitempty"`
	PlatformID string `json:"platformId,omitempty"`
	Step       string `json:"step,omitempty"`
	Message    string `json:"message,omitempty"`
	Progress   *int   `json:"progress,omitempty"`
	DurationMs *int64 `json:"durationMs,omitempty"`
	Error      string `json:"error,omitempty"`
	ErrorCode  string `json:"errorCode,omitempty"`
	Retryable  *bool  `json:"retryable,omitempty"`
	Data       any    `json:"data,omitempty"`
	Timestamp  string `json:"timestamp"`
}

func (e Event) MarshalJSON() ([]byte, error) {
	w := wire{
		Type:       e.Kind(),
		SessionID:  e.SessionID,
		PlatformID: e.PlatformID,
		Step:       e.Step,
		Timestamp:  e.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	switch p := e.Payload.(type) {
	case StepStarted:
		w.Message = p.Message
	case StepProgress:
		pct := p.Progress
		w.Progress, w.Message = &pct, p.Message
	case StepCompleted:
		d := p.DurationMs
		w.Message, w.DurationMs = p.Message, &d
	case StepFailed:
		d, r := p.DurationMs, p.Retryable
		w.Error, w.ErrorCode, w.Retryable, w.DurationMs = p.Error, p.ErrorCode, &r, &d
	case RunError:
		r := p.Retryable
		w.Error, w.ErrorCode, w.Retryable = p.Error, p.ErrorCode, &r
	case RunSuccess:
		w.Message, w.Data = p.Message, p.Data
	}
	return json.Marshal(w)
}

// NewConnected builds the first message every stream subscriber receives.
func NewConnected(sessionID string, now time.Time) Event {
	return Event{Header: Header{SessionID: sessionID, Timestamp: now}, Payload: Connected{}}
}
