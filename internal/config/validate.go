package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks values that can be verified without building components:
// duration strings, storage driver names and platform kinds.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	dur := func(path, raw string) {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	dur("server.read_timeout", cfg.Server.ReadTimeout)
	dur("server.write_timeout", cfg.Server.WriteTimeout)
	dur("server.idle_timeout", cfg.Server.IdleTimeout)
	dur("server.shutdown_timeout", cfg.Server.ShutdownTimeout)
	dur("publish.run_timeout", cfg.Publish.RunTimeout)
	dur("publish.persist_timeout", cfg.Publish.PersistTimeout)
	dur("publish.drain_timeout", cfg.Publish.DrainTimeout)
	dur("publish.retention", cfg.Publish.Retention)
	dur("stream.grace", cfg.Stream.Grace)
	dur("stream.sweep_every", cfg.Stream.SweepEvery)
	dur("stream.heartbeat", cfg.Stream.Heartbeat)
	dur("pprof.read_timeout", cfg.Pprof.ReadTimeout)
	dur("pprof.write_timeout", cfg.Pprof.WriteTimeout)
	dur("pprof.idle_timeout", cfg.Pprof.IdleTimeout)

	if cfg.Publish.MaxConcurrentPlatforms < 0 {
		errs = append(errs, errors.New("publish.max_concurrent_platforms must be >= 0"))
	}
	if cfg.Stream.BufferSize < 0 || cfg.Stream.SubscriberQueue < 0 {
		errs = append(errs, errors.New("stream sizes must be >= 0"))
	}

	if s := cfg.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "memory", "file", "sqlite":
		case "postgres", "postgresql":
			if strings.TrimSpace(s.DSN) == "" {
				errs = append(errs, errors.New("storage.dsn is required for postgres"))
			}
		default:
			errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", s.Driver))
		}
		dur("storage.busy_timeout", s.BusyTimeout)
	}

	for id, p := range cfg.Platforms {
		if strings.TrimSpace(id) == "" {
			errs = append(errs, errors.New("platforms: empty platform id"))
		}
		if strings.TrimSpace(p.Kind) == "" {
			errs = append(errs, fmt.Errorf("platforms.%s.kind is required", id))
		}
		if p.RatePerSec < 0 {
			errs = append(errs, fmt.Errorf("platforms.%s.rate_per_sec must be >= 0", id))
		}
		dur("platforms."+id+".timeout", p.Timeout)
	}

	return errors.Join(errs...)
}
