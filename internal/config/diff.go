package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"

	logx "crosspost/pkg/logx"
)

// SummarizeConfigChange returns the changed sections, safe structured attrs
// for logging (never secrets such as tokens or DSNs), and the platform ids
// whose definition changed.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	var changed []string
	var attrs []logx.Field

	if !reflect.DeepEqual(oldCfg.Server, newCfg.Server) {
		changed = append(changed, "server")
		attrs = append(attrs, logx.String("server.addr", newCfg.Server.Addr))
	}
	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}
	if oldCfg.Pprof.Enabled != newCfg.Pprof.Enabled ||
		oldCfg.Pprof.Addr != newCfg.Pprof.Addr ||
		(strings.TrimSpace(oldCfg.Pprof.Token) != "") != (strings.TrimSpace(newCfg.Pprof.Token) != "") {
		changed = append(changed, "pprof")
		attrs = append(attrs,
			logx.Bool("pprof.enabled", newCfg.Pprof.Enabled),
			logx.Bool("pprof.token_set", strings.TrimSpace(newCfg.Pprof.Token) != ""),
		)
	}
	if oldCfg.Publish != newCfg.Publish {
		changed = append(changed, "publish")
		attrs = append(attrs,
			logx.String("publish.run_timeout", newCfg.Publish.RunTimeout),
			logx.Int("publish.max_concurrent_platforms", newCfg.Publish.MaxConcurrentPlatforms),
			logx.String("publish.retention", newCfg.Publish.Retention),
		)
	}
	if oldCfg.Stream != newCfg.Stream {
		changed = append(changed, "stream")
		attrs = append(attrs,
			logx.Int("stream.buffer_size", newCfg.Stream.BufferSize),
			logx.String("stream.grace", newCfg.Stream.Grace),
		)
	}
	if storageKey(oldCfg.Storage) != storageKey(newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.driver", storageKey(newCfg.Storage)))
	}
	if oldCfg.Catalog != newCfg.Catalog {
		changed = append(changed, "catalog")
		attrs = append(attrs, logx.String("catalog.dir", newCfg.Catalog.Dir))
	}

	platforms := diffPlatforms(oldCfg.Platforms, newCfg.Platforms)
	if len(platforms) > 0 {
		changed = append(changed, "platforms")
		attrs = append(attrs, logx.Strs("platforms.changed", platforms))
	}

	sort.Strings(changed)
	return changed, attrs, platforms
}

// storageKey identifies the store without exposing credentials.
func storageKey(s *StorageConfig) string {
	if s == nil {
		return ""
	}
	key := strings.ToLower(strings.TrimSpace(s.Driver)) + ":" + strings.TrimSpace(s.Path)
	if s.DSN != "" {
		key += fmt.Sprintf(":dsn#%04x", hashBytes([]byte(s.DSN))&0xffff)
	}
	return key
}

func diffPlatforms(oldM, newM map[string]PlatformConfigRaw) []string {
	set := map[string]struct{}{}
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}

	var out []string
	for id := range set {
		o, oOK := oldM[id]
		n, nOK := newM[id]
		if oOK != nOK || o.Kind != n.Kind || o.Enabled != n.Enabled ||
			o.RatePerSec != n.RatePerSec || o.Timeout != n.Timeout ||
			canonicalHashJSON(o.Config) != canonicalHashJSON(n.Config) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// canonicalHashJSON hashes JSON independent of key order and whitespace.
func canonicalHashJSON(raw json.RawMessage) uint64 {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return 0
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return hashBytes(raw)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return hashBytes(raw)
	}
	return hashBytes(b)
}
