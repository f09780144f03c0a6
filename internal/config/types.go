package config

import (
	"bytes"
	"encoding/json"
)

type Config struct {
	Server  ServerConfig  `json:"server"`
	Logging LoggingConfig `json:"logging"`
	Pprof   PprofConfig   `json:"pprof,omitempty"`

	Publish PublishConfig  `json:"publish"`
	Stream  StreamConfig   `json:"stream"`
	Storage *StorageConfig `json:"storage,omitempty"`
	Catalog CatalogConfig  `json:"catalog"`

	// Platforms maps a platform id (as used in publish requests) to the
	// adapter that delivers to it.
	Platforms map[string]PlatformConfigRaw `json:"platforms"`
}

// ServerConfig controls the HTTP API.
//
// Durations are Go duration strings. write_timeout defaults to "0s" because
// the stream endpoint holds connections open for the whole publish session.
type ServerConfig struct {
	Addr            string   `json:"addr,omitempty"` // default ":8080"
	AllowedOrigins  []string `json:"allowed_origins,omitempty"`
	ReadTimeout     string   `json:"read_timeout,omitempty"`
	WriteTimeout    string   `json:"write_timeout,omitempty"`
	IdleTimeout     string   `json:"idle_timeout,omitempty"`
	ShutdownTimeout string   `json:"shutdown_timeout,omitempty"`
}

// PublishConfig controls the publish coordinator.
//
// Defaults (when fields are omitted/zero):
//   - run_timeout: "5m"
//   - persist_timeout: "10s"
//   - max_concurrent_platforms: 0 (unbounded)
//   - drain_timeout: "30s"
type PublishConfig struct {
	RunTimeout             string `json:"run_timeout,omitempty"`
	PersistTimeout         string `json:"persist_timeout,omitempty"`
	MaxConcurrentPlatforms int    `json:"max_concurrent_platforms,omitempty"`
	DrainTimeout           string `json:"drain_timeout,omitempty"`

	// Retention prunes stored results older than this (e.g. "720h"); empty keeps everything.
	Retention string `json:"retention,omitempty"`
	// PruneSchedule is a cron spec for the retention job (default "@hourly").
	PruneSchedule string `json:"prune_schedule,omitempty"`
}

// StreamConfig controls the progress stream broker.
type StreamConfig struct {
	BufferSize      int    `json:"buffer_size,omitempty"`      // replay events kept per session (default 500)
	SubscriberQueue int    `json:"subscriber_queue,omitempty"` // pending events per subscriber (default 1024)
	Grace           string `json:"grace,omitempty"`            // default "60s"
	SweepEvery      string `json:"sweep_every,omitempty"`      // default "15s"
	Heartbeat       string `json:"heartbeat,omitempty"`        // default "15s"
}

// StorageConfig controls the result store.
//
// Example:
//
//	storage: { driver: sqlite, path: ./crosspost.db }
//	storage: { driver: postgres, dsn: "${DATABASE_URL}" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`          // postgres (do not log)
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
	MaxOpen     int    `json:"max_open,omitempty"`     // postgres pool
	MaxIdle     int    `json:"max_idle,omitempty"`
}

// CatalogConfig points at the directory holding one file per event.
type CatalogConfig struct {
	Dir string `json:"dir"`
}

// PprofConfig controls the optional pprof HTTP server.
//
// Prefer binding to localhost. A non-loopback address needs a token or allow_insecure.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`   // default: "127.0.0.1:6060"
	Prefix        string `json:"prefix,omitempty"` // default: "/debug/pprof/"
	Token         string `json:"token,omitempty"`  // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// PlatformConfigRaw describes one destination. Kind selects the adapter
// (dryrun, webhook, email, telegram); Config is decoded by that adapter.
type PlatformConfigRaw struct {
	Kind       string          `json:"kind"`
	Enabled    bool            `json:"enabled"`
	RatePerSec float64         `json:"rate_per_sec,omitempty"`
	Timeout    string          `json:"timeout,omitempty"`
	Config     json.RawMessage `json:"config,omitempty"`
}

// UnmarshalJSON disallows unknown fields so typos in a platform block are
// caught at load and reload time.
func (p *PlatformConfigRaw) UnmarshalJSON(b []byte) error {
	type plain PlatformConfigRaw
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var t plain
	if err := dec.Decode(&t); err != nil {
		return err
	}
	*p = PlatformConfigRaw(t)
	return nil
}

// DecodeStrict decodes an adapter config block, rejecting unknown fields.
func DecodeStrict(raw json.RawMessage, dst any) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}
