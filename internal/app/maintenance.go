package app

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"crosspost/internal/storage"
	logx "crosspost/pkg/logx"
)

var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// maintenance prunes stored results older than the retention window on a
// cron schedule. A zero retention keeps everything.
type maintenance struct {
	log   logx.Logger
	store storage.Store
	now   func() time.Time

	mu        sync.Mutex
	c         *cron.Cron
	schedule  string
	retention time.Duration
}

func newMaintenance(store storage.Store, schedule string, retention time.Duration, log logx.Logger) *maintenance {
	return &maintenance{
		log:       log,
		store:     store,
		now:       time.Now,
		schedule:  schedule,
		retention: retention,
	}
}

func (m *maintenance) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.c != nil {
		return nil
	}
	return m.startLocked()
}

func (m *maintenance) startLocked() error {
	c := cron.New(cron.WithParser(cronParser))
	if _, err := c.AddFunc(m.schedule, m.run); err != nil {
		return err
	}
	c.Start()
	m.c = c
	m.log.Debug("maintenance scheduled", logx.String("schedule", m.schedule), logx.Duration("retention", m.retention))
	return nil
}

// Apply swaps schedule and retention; the cron is rebuilt only when the
// schedule changed.
func (m *maintenance) Apply(schedule string, retention time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retention = retention
	if schedule == m.schedule {
		return nil
	}
	m.schedule = schedule
	if m.c == nil {
		return nil
	}
	m.c.Stop()
	m.c = nil
	return m.startLocked()
}

func (m *maintenance) Stop(ctx context.Context) {
	m.mu.Lock()
	c := m.c
	m.c = nil
	m.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		m.log.Warn("maintenance job still running at stop")
	}
}

func (m *maintenance) run() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := m.Prune(ctx); err != nil {
		m.log.Warn("result prune failed", logx.Err(err))
	}
}

// Prune removes results completed before now minus the retention window.
func (m *maintenance) Prune(ctx context.Context) (int, error) {
	m.mu.Lock()
	retention := m.retention
	m.mu.Unlock()
	if retention <= 0 {
		return 0, nil
	}
	start := m.now()
	cutoff := start.Add(-retention)
	n, err := m.store.PruneResults(ctx, cutoff)
	if err != nil {
		return n, err
	}
	if n > 0 {
		m.log.Info("pruned stored results",
			logx.Int("removed", n),
			logx.Time("before", cutoff),
			logx.Duration("took", time.Since(start)),
		)
	}
	return n, nil
}
