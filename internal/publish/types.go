package publish

import (
	"context"
	"time"

	"crosspost/internal/progress"
)

// Content is the rendered announcement delivered to every platform.
type Content struct {
	EventID  string    `json:"eventId"`
	Title    string    `json:"title"`
	Summary  string    `json:"summary,omitempty"`
	Body     string    `json:"body"`
	URL      string    `json:"url,omitempty"`
	ImageURL string    `json:"imageUrl,omitempty"`
	Location string    `json:"location,omitempty"`
	StartsAt time.Time `json:"startsAt,omitempty"`
	Tags     []string  `json:"tags,omitempty"`
	Locale   string    `json:"locale,omitempty"`
}

// Result is what an adapter reports after a successful delivery.
type Result struct {
	URL     string
	PostID  string
	SentAt  time.Time
	Message string
}

// Publisher delivers content to one destination, reporting each step through
// the tracker. Implementations must honour ctx and should return a *Error
// for failures they can classify.
type Publisher interface {
	// Method names the delivery channel, e.g. "smtp" or "webhook".
	Method() string
	Publish(ctx context.Context, c Content, t *progress.Tracker) (Result, error)
}

// Catalog resolves an event id to its content. It returns an error wrapping
// ErrEventNotFound when the event does not exist.
type Catalog interface {
	Lookup(ctx context.Context, eventID string) (Content, error)
}

// Sessions issues session ids and stores the session -> event binding.
type Sessions interface {
	NewID(now time.Time) string
	Bind(ctx context.Context, sessionID, eventID string) error
}

// Stream receives live step events and is told when a session ends.
type Stream interface {
	progress.Sink
	MarkComplete(sessionID string)
}

type SessionStatus string

const (
	SessionPending   SessionStatus = "pending"
	SessionRunning   SessionStatus = "running"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
)

type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// SessionEvent is the payload of publish lifecycle events on the event bus.
type SessionEvent struct {
	SessionID      string   `json:"sessionId"`
	EventID        string   `json:"eventId"`
	Platforms      []string `json:"platforms"`
	Retry          bool     `json:"retry,omitempty"`
	OverallSuccess bool     `json:"overallSuccess,omitempty"`
	DurationMs     int64    `json:"durationMs,omitempty"`
	Failed         int      `json:"failed,omitempty"`
}

// PlatformEvent is the payload of publish.platform.finished.
type PlatformEvent struct {
	SessionID string `json:"sessionId"`
	EventID   string `json:"eventId"`
	Platform  string `json:"platform"`
	Success   bool   `json:"success"`
	ErrorCode string `json:"errorCode,omitempty"`
	TookMs    int64  `json:"tookMs"`
}
