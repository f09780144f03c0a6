package httpapi

import (
	"time"

	"crosspost/internal/storage"
)

type sessionView struct {
	ID             string           `json:"id"`
	EventID        string           `json:"eventId"`
	Status         string           `json:"status"`
	Timestamp      time.Time        `json:"timestamp"`
	CompletedAt    *time.Time       `json:"completedAt,omitempty"`
	TotalDuration  int64            `json:"totalDuration"`
	OverallSuccess bool             `json:"overallSuccess"`
	Results        []platformResult `json:"results"`
}

type platformResult struct {
	Platform  string      `json:"platform"`
	Status    string      `json:"status"`
	Success   bool        `json:"success"`
	Error     string      `json:"error,omitempty"`
	ErrorCode string      `json:"errorCode,omitempty"`
	Retryable bool        `json:"retryable,omitempty"`
	Data      *resultData `json:"data,omitempty"`
	Steps     []stepView  `json:"steps,omitempty"`
}

type resultData struct {
	URL    string     `json:"url,omitempty"`
	PostID string     `json:"postId,omitempty"`
	Method string     `json:"method,omitempty"`
	SentAt *time.Time `json:"sentAt,omitempty"`
}

type stepView struct {
	Name       string `json:"name"`
	Status     string `json:"status"`
	DurationMs int64  `json:"durationMs,omitempty"`
	Error      string `json:"error,omitempty"`
	ErrorCode  string `json:"errorCode,omitempty"`
}

func newSessionView(rec storage.SessionRecord) sessionView {
	v := sessionView{
		ID:             rec.ID,
		EventID:        rec.EventID,
		Status:         rec.Status,
		Timestamp:      rec.CreatedAt.UTC(),
		TotalDuration:  rec.TotalDurationMs,
		OverallSuccess: rec.OverallSuccess,
		Results:        make([]platformResult, 0, len(rec.Runs)),
	}
	if !rec.CompletedAt.IsZero() {
		t := rec.CompletedAt.UTC()
		v.CompletedAt = &t
	}
	for _, run := range rec.Runs {
		pr := platformResult{
			Platform:  run.Platform,
			Status:    run.Status,
			Success:   run.Success,
			Error:     run.Error,
			ErrorCode: run.ErrorCode,
			Retryable: run.Retryable,
		}
		if d := run.Data; d != nil {
			pr.Data = &resultData{URL: d.URL, PostID: d.PostID, Method: d.Method}
			if !d.SentAt.IsZero() {
				t := d.SentAt.UTC()
				pr.Data.SentAt = &t
			}
		}
		for _, st := range run.Steps {
			pr.Steps = append(pr.Steps, stepView(st))
		}
		v.Results = append(v.Results, pr)
	}
	return v
}
