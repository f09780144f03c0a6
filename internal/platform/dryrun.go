package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"crosspost/internal/config"
	"crosspost/internal/progress"
	"crosspost/internal/publish"
	logx "crosspost/pkg/logx"
)

// DryRunConfig simulates a destination. It is used for demos, load tests and
// for exercising the stream without external accounts.
type DryRunConfig struct {
	Steps   []string `json:"steps,omitempty"`   // default: render, submit
	Latency string   `json:"latency,omitempty"` // per step, default "0s"
	// FailStep makes the named step fail with FailCode.
	FailStep string `json:"fail_step,omitempty"`
	FailCode string `json:"fail_code,omitempty"` // default UnknownError
	// URL may contain {eventId}.
	URL string `json:"url,omitempty"`
}

type dryRun struct {
	id      string
	cfg     DryRunConfig
	latency time.Duration
	log     logx.Logger
}

func newDryRun(id string, raw json.RawMessage, log logx.Logger) (publish.Publisher, error) {
	var cfg DryRunConfig
	if err := config.DecodeStrict(raw, &cfg); err != nil {
		return nil, err
	}
	return NewDryRun(id, cfg, log)
}

func NewDryRun(id string, cfg DryRunConfig, log logx.Logger) (publish.Publisher, error) {
	if len(cfg.Steps) == 0 {
		cfg.Steps = []string{"render", "submit"}
	}
	latency, err := config.ParseDurationField("latency", cfg.Latency)
	if err != nil {
		return nil, err
	}
	if cfg.FailStep != "" && cfg.FailCode == "" {
		cfg.FailCode = string(publish.CodeUnknown)
	}
	return &dryRun{id: id, cfg: cfg, latency: latency, log: log}, nil
}

func (d *dryRun) Method() string { return "dryrun" }

func (d *dryRun) Publish(ctx context.Context, c publish.Content, t *progress.Tracker) (publish.Result, error) {
	for _, step := range d.cfg.Steps {
		t.Started(step, fmt.Sprintf("%s: %s", d.id, step))
		if err := sleep(ctx, d.latency/2); err != nil {
			return publish.Result{}, fail(t, step, err)
		}
		t.Progress(step, 50, "")
		if err := sleep(ctx, d.latency-d.latency/2); err != nil {
			return publish.Result{}, fail(t, step, err)
		}
		if step == d.cfg.FailStep {
			code := publish.Code(d.cfg.FailCode)
			return publish.Result{}, fail(t, step, classified(code, "simulated %s at %s", code, step))
		}
		t.Completed(step, 0)
	}
	d.log.Debug("dry run delivered", logx.String("event_id", c.EventID), logx.String("session_id", t.SessionID()))
	return publish.Result{
		URL:     strings.ReplaceAll(d.cfg.URL, "{eventId}", c.EventID),
		PostID:  t.SessionID() + "/" + d.id,
		Message: "dry run: nothing was sent",
	}, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
