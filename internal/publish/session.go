package publish

import (
	"sync"
	"time"

	"crosspost/internal/progress"
	"crosspost/internal/storage"
)

// liveSession is the coordinator's bookkeeping for one in-flight session.
// Every field below mu is guarded by it; run transitions happen exactly once.
type liveSession struct {
	id        string
	eventID   string
	platforms []string
	retry     bool
	done      chan struct{}

	mu        sync.Mutex
	status    SessionStatus
	createdAt time.Time
	startedAt time.Time
	runs      map[string]*run
	pending   int
	finalized bool
}

type run struct {
	platform string
	method   string
	tracker  *progress.Tracker

	// guarded by liveSession.mu
	status      RunStatus
	terminal    bool
	startedAt   time.Time
	completedAt time.Time
	result      *Result
	failure     *Error
}

func newLiveSession(id, eventID string, platforms []Platform, stream progress.Sink, now time.Time) *liveSession {
	ls := &liveSession{
		id:        id,
		eventID:   eventID,
		done:      make(chan struct{}),
		status:    SessionRunning,
		createdAt: now,
		startedAt: now,
		runs:      make(map[string]*run, len(platforms)),
		pending:   len(platforms),
	}
	for _, p := range platforms {
		ls.platforms = append(ls.platforms, p.ID)
		ls.runs[p.ID] = &run{
			platform: p.ID,
			method:   p.Publisher.Method(),
			tracker:  progress.NewTracker(id, p.ID, stream),
			status:   RunPending,
		}
	}
	return ls
}

func (ls *liveSession) markRunning(r *run, now time.Time) bool {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	if r.terminal {
		return false
	}
	r.status = RunRunning
	r.startedAt = now
	return true
}

// claim reserves the single terminal transition of r for the caller.
func (ls *liveSession) claim(r *run) bool {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	if r.terminal {
		return false
	}
	r.terminal = true
	return true
}

// settle records the outcome of a claimed run. It reports true when this
// was the last pending run, in which case the caller must finalize.
func (ls *liveSession) settle(r *run, res *Result, failure *Error, now time.Time) bool {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	r.completedAt = now
	if r.startedAt.IsZero() {
		r.startedAt = now
	}
	if failure != nil {
		r.status = RunFailed
		r.failure = failure
	} else {
		r.status = RunCompleted
		r.result = res
	}
	ls.pending--
	if ls.pending > 0 || ls.finalized {
		return false
	}
	ls.finalized = true
	return true
}

// record builds the durable form. Call only after the last settle.
func (ls *liveSession) record(now time.Time) storage.SessionRecord {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	overall := true
	runs := make([]storage.RunRecord, 0, len(ls.platforms))
	for _, id := range ls.platforms {
		r := ls.runs[id]
		rr := runRecord(r)
		overall = overall && rr.Success
		runs = append(runs, rr)
	}
	if overall {
		ls.status = SessionCompleted
	} else {
		ls.status = SessionFailed
	}
	return storage.SessionRecord{
		ID:              ls.id,
		EventID:         ls.eventID,
		Platforms:       append([]string(nil), ls.platforms...),
		Status:          string(ls.status),
		CreatedAt:       ls.createdAt,
		StartedAt:       ls.startedAt,
		CompletedAt:     now,
		TotalDurationMs: now.Sub(ls.startedAt).Milliseconds(),
		OverallSuccess:  overall,
		Runs:            runs,
	}
}

// view builds a live snapshot under the lock.
func (ls *liveSession) view() storage.SessionRecord {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	runs := make([]storage.RunRecord, 0, len(ls.platforms))
	for _, id := range ls.platforms {
		runs = append(runs, runRecord(ls.runs[id]))
	}
	return storage.SessionRecord{
		ID:        ls.id,
		EventID:   ls.eventID,
		Platforms: append([]string(nil), ls.platforms...),
		Status:    string(ls.status),
		CreatedAt: ls.createdAt,
		StartedAt: ls.startedAt,
		Runs:      runs,
	}
}

func runRecord(r *run) storage.RunRecord {
	rr := storage.RunRecord{
		Platform:    r.platform,
		Method:      r.method,
		Status:      string(r.status),
		Success:     r.status == RunCompleted,
		StartedAt:   r.startedAt,
		CompletedAt: r.completedAt,
	}
	if r.failure != nil {
		rr.Error = r.failure.Detail()
		rr.ErrorCode = string(r.failure.Code)
		rr.Retryable = r.failure.Retryable
	}
	if r.result != nil {
		rr.Data = &storage.ResultData{
			URL:    r.result.URL,
			PostID: r.result.PostID,
			Method: r.method,
			SentAt: r.result.SentAt,
		}
	}
	for _, st := range r.tracker.Steps() {
		rr.Steps = append(rr.Steps, storage.StepRecord{
			Name:       st.Name,
			Status:     string(st.Status),
			DurationMs: st.DurationMs,
			Error:      st.Error,
			ErrorCode:  st.ErrorCode,
		})
	}
	return rr
}
