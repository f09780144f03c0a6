package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage.
//
// Driver values:
//   - "memory": in-process maps, lost on restart
//   - "file": JSON Lines journal + snapshot compaction
//   - "sqlite": SQLite database file
//   - "postgres": PostgreSQL via DSN
//
// An empty Driver means "memory".
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
	MaxOpen     int           // postgres only
	MaxIdle     int
}

// Store is the persistence API used by the publish coordinator, the session
// registry and the HTTP layer.
type Store interface {
	SaveResult(ctx context.Context, rec SessionRecord) error
	// GetResult returns ErrNotFound for unknown sessions and for sessions
	// that have not finished yet.
	GetResult(ctx context.Context, eventID, sessionID string) (SessionRecord, error)
	// ListResults returns an event's finished sessions, newest first.
	// limit <= 0 means no limit.
	ListResults(ctx context.Context, eventID string, limit int) ([]SessionRecord, error)
	PruneResults(ctx context.Context, before time.Time) (int, error)

	PutBinding(ctx context.Context, b Binding) error
	GetBinding(ctx context.Context, sessionID string) (Binding, error)

	AppendAudit(ctx context.Context, e AuditEntry) error

	Ping(ctx context.Context) error
	Close() error
}

// SessionRecord is the durable form of a finished publish session.
type SessionRecord struct {
	ID              string      `json:"id"`
	EventID         string      `json:"eventId"`
	Platforms       []string    `json:"platforms"`
	Status          string      `json:"status"`
	CreatedAt       time.Time   `json:"createdAt"`
	StartedAt       time.Time   `json:"startedAt"`
	CompletedAt     time.Time   `json:"completedAt"`
	TotalDurationMs int64       `json:"totalDurationMs"`
	OverallSuccess  bool        `json:"overallSuccess"`
	Runs            []RunRecord `json:"runs"`
}

// Run returns the record for platformID.
func (r SessionRecord) Run(platformID string) (RunRecord, bool) {
	for _, run := range r.Runs {
		if run.Platform == platformID {
			return run, true
		}
	}
	return RunRecord{}, false
}

// RunRecord is one platform's outcome inside a SessionRecord.
type RunRecord struct {
	Platform    string       `json:"platform"`
	Method      string       `json:"method,omitempty"`
	Status      string       `json:"status"`
	Success     bool         `json:"success"`
	StartedAt   time.Time    `json:"startedAt,omitempty"`
	CompletedAt time.Time    `json:"completedAt,omitempty"`
	Error       string       `json:"error,omitempty"`
	ErrorCode   string       `json:"errorCode,omitempty"`
	Retryable   bool         `json:"retryable,omitempty"`
	Data        *ResultData  `json:"data,omitempty"`
	Steps       []StepRecord `json:"steps,omitempty"`
}

// ResultData is what a platform reports back after a successful delivery.
type ResultData struct {
	URL    string    `json:"url,omitempty"`
	PostID string    `json:"postId,omitempty"`
	Method string    `json:"method,omitempty"`
	SentAt time.Time `json:"sentAt,omitempty"`
}

// StepRecord is the final state of one reported step.
type StepRecord struct {
	Name       string `json:"name"`
	Status     string `json:"status"`
	DurationMs int64  `json:"durationMs,omitempty"`
	Error      string `json:"error,omitempty"`
	ErrorCode  string `json:"errorCode,omitempty"`
}

// Binding ties a session id to the event that owns it.
type Binding struct {
	SessionID string    `json:"sessionId"`
	EventID   string    `json:"eventId"`
	CreatedAt time.Time `json:"createdAt"`
}

// AuditEntry records one publish action. Keep it compact and schema-stable.
type AuditEntry struct {
	At        time.Time `json:"at"`
	Action    string    `json:"action"` // submit, retry, abandon, finish
	EventID   string    `json:"eventId"`
	SessionID string    `json:"sessionId,omitempty"`
	Platforms []string  `json:"platforms,omitempty"`
	OK        int       `json:"ok"`
	Fail      int       `json:"fail"`
	Error     string    `json:"error,omitempty"`
	TookMS    int64     `json:"tookMs,omitempty"`
}
