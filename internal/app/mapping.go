package app

import (
	"fmt"
	"strings"
	"time"

	"crosspost/internal/config"
	"crosspost/internal/publish"
	"crosspost/internal/storage"
	"crosspost/internal/stream"
	logx "crosspost/pkg/logx"
)

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

// mapStorageConfig returns the memory store when no storage section is set.
func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{Driver: "memory"}, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "memory", "none":
		return storage.Config{Driver: "memory"}, nil
	case "file":
		if path == "" {
			path = "./data/crosspost"
		}
		return storage.Config{Driver: "file", Path: path}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	case "postgres", "postgresql":
		return storage.Config{
			Driver:  "postgres",
			DSN:     strings.TrimSpace(sc.DSN),
			MaxOpen: sc.MaxOpen,
			MaxIdle: sc.MaxIdle,
		}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

type publishSettings struct {
	opts          publish.Options
	drain         time.Duration
	retention     time.Duration
	pruneSchedule string
}

func mapPublishConfig(cfg *config.Config) (publishSettings, error) {
	pc := cfg.Publish
	run, err := config.ParseDurationOrDefault("publish.run_timeout", pc.RunTimeout, 5*time.Minute)
	if err != nil {
		return publishSettings{}, err
	}
	persist, err := config.ParseDurationOrDefault("publish.persist_timeout", pc.PersistTimeout, 10*time.Second)
	if err != nil {
		return publishSettings{}, err
	}
	drain, err := config.ParseDurationOrDefault("publish.drain_timeout", pc.DrainTimeout, 30*time.Second)
	if err != nil {
		return publishSettings{}, err
	}
	retention, err := config.ParseDurationField("publish.retention", pc.Retention)
	if err != nil {
		return publishSettings{}, err
	}
	schedule := strings.TrimSpace(pc.PruneSchedule)
	if schedule == "" {
		schedule = "@hourly"
	}
	if _, err := cronParser.Parse(schedule); err != nil {
		return publishSettings{}, fmt.Errorf("publish.prune_schedule: %w", err)
	}
	return publishSettings{
		opts: publish.Options{
			RunTimeout:     run,
			PersistTimeout: persist,
			MaxConcurrent:  pc.MaxConcurrentPlatforms,
		},
		drain:         drain,
		retention:     retention,
		pruneSchedule: schedule,
	}, nil
}

type streamSettings struct {
	opts      stream.Options
	sweep     time.Duration
	heartbeat time.Duration
}

func mapStreamConfig(cfg *config.Config) (streamSettings, error) {
	sc := cfg.Stream
	grace, err := config.ParseDurationOrDefault("stream.grace", sc.Grace, 60*time.Second)
	if err != nil {
		return streamSettings{}, err
	}
	sweep, err := config.ParseDurationOrDefault("stream.sweep_every", sc.SweepEvery, 15*time.Second)
	if err != nil {
		return streamSettings{}, err
	}
	hb, err := config.ParseDurationOrDefault("stream.heartbeat", sc.Heartbeat, 15*time.Second)
	if err != nil {
		return streamSettings{}, err
	}
	return streamSettings{
		opts: stream.Options{
			BufferSize:      sc.BufferSize,
			SubscriberQueue: sc.SubscriberQueue,
			Grace:           grace,
		},
		sweep:     sweep,
		heartbeat: hb,
	}, nil
}

type serverSettings struct {
	addr     string
	read     time.Duration
	write    time.Duration
	idle     time.Duration
	shutdown time.Duration
}

func mapServerConfig(cfg *config.Config) (serverSettings, error) {
	sc := cfg.Server
	addr := strings.TrimSpace(sc.Addr)
	if addr == "" {
		addr = ":8080"
	}
	read, err := config.ParseDurationOrDefault("server.read_timeout", sc.ReadTimeout, 15*time.Second)
	if err != nil {
		return serverSettings{}, err
	}
	// The stream endpoint holds responses open; 0 leaves writes unbounded.
	write, err := config.ParseDurationField("server.write_timeout", sc.WriteTimeout)
	if err != nil {
		return serverSettings{}, err
	}
	idle, err := config.ParseDurationOrDefault("server.idle_timeout", sc.IdleTimeout, 120*time.Second)
	if err != nil {
		return serverSettings{}, err
	}
	shutdown, err := config.ParseDurationOrDefault("server.shutdown_timeout", sc.ShutdownTimeout, 5*time.Second)
	if err != nil {
		return serverSettings{}, err
	}
	return serverSettings{addr: addr, read: read, write: write, idle: idle, shutdown: shutdown}, nil
}
