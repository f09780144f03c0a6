package config

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
server:
  addr: ":9090"
logging:
  level: debug
  console: true
publish:
  run_timeout: 2m
  max_concurrent_platforms: 2
stream:
  buffer_size: 100
  grace: 30s
storage:
  driver: sqlite
  path: ./data.db
catalog:
  dir: ./events
platforms:
  email:
    kind: email
    enabled: true
    config:
      host: smtp.example.com
      password: ${CROSSPOST_TEST_SMTP_PASSWORD}
  reddit:
    kind: webhook
    enabled: true
    rate_per_sec: 0.5
`

func TestParseBytesYAMLWithEnv(t *testing.T) {
	t.Setenv("CROSSPOST_TEST_SMTP_PASSWORD", "hunter2")

	cfg, err := ParseBytes("crosspost.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Server.Addr != ":9090" || cfg.Publish.MaxConcurrentPlatforms != 2 {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
	if got := cfg.Platforms["reddit"].RatePerSec; got != 0.5 {
		t.Fatalf("rate_per_sec=%v", got)
	}
	if !strings.Contains(string(cfg.Platforms["email"].Config), "hunter2") {
		t.Fatalf("env var not expanded: %s", cfg.Platforms["email"].Config)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestParseBytesRejectsUnknownFields(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"top level": `{"bogus": 1}`,
		"platform":  `{"platforms": {"x": {"kind": "dryrun", "nope": true}}}`,
		"trailing":  `{} {}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseBytes("c.json", []byte(body)); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{name: "empty", cfg: Config{}, ok: true},
		{name: "bad duration", cfg: Config{Publish: PublishConfig{RunTimeout: "soon"}}},
		{name: "negative cap", cfg: Config{Publish: PublishConfig{MaxConcurrentPlatforms: -1}}},
		{name: "unknown driver", cfg: Config{Storage: &StorageConfig{Driver: "redis"}}},
		{name: "postgres without dsn", cfg: Config{Storage: &StorageConfig{Driver: "postgres"}}},
		{name: "platform without kind", cfg: Config{Platforms: map[string]PlatformConfigRaw{"x": {}}}},
		{name: "platform ok", cfg: Config{Platforms: map[string]PlatformConfigRaw{"x": {Kind: "dryrun", Timeout: "30s"}}}, ok: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Validate(&tc.cfg)
			if (err == nil) != tc.ok {
				t.Fatalf("Validate err=%v ok=%v", err, tc.ok)
			}
		})
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()

	d, err := ParseDurationOrDefault("x", "", 5*time.Minute)
	if err != nil || d != 5*time.Minute {
		t.Fatalf("got %v %v", d, err)
	}
	d, err = ParseDurationOrDefault("x", "90s", time.Minute)
	if err != nil || d != 90*time.Second {
		t.Fatalf("got %v %v", d, err)
	}
	if _, err := ParseDurationField("x", "-1s"); err == nil {
		t.Fatalf("expected negative duration error")
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()

	oldCfg := &Config{
		Publish:   PublishConfig{RunTimeout: "5m"},
		Platforms: map[string]PlatformConfigRaw{"a": {Kind: "dryrun", Config: []byte(`{"x":1,"y":2}`)}},
	}
	newCfg := &Config{
		Publish: PublishConfig{RunTimeout: "1m"},
		Platforms: map[string]PlatformConfigRaw{
			"a": {Kind: "dryrun", Config: []byte(`{ "y": 2, "x": 1 }`)},
			"b": {Kind: "webhook"},
		},
	}
	changed, _, platforms := SummarizeConfigChange(oldCfg, newCfg)
	if !slices.Equal(changed, []string{"platforms", "publish"}) {
		t.Fatalf("changed=%v", changed)
	}
	if !slices.Equal(platforms, []string{"b"}) {
		t.Fatalf("platforms=%v", platforms)
	}
}

func TestManagerReloadPublishesOnChange(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "crosspost.json")
	if err := os.WriteFile(path, []byte(`{"logging":{"level":"info"}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ok, err := m.Reload(context.Background())
	if err != nil || ok {
		t.Fatalf("unchanged reload: ok=%v err=%v", ok, err)
	}

	if err := os.WriteFile(path, []byte(`{"logging":{"level":"debug"}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	ok, err = m.Reload(context.Background())
	if err != nil || !ok {
		t.Fatalf("changed reload: ok=%v err=%v", ok, err)
	}
	got := <-ch
	if got.Logging.Level != "debug" || m.Get().Logging.Level != "debug" {
		t.Fatalf("unexpected committed config: %+v", got.Logging)
	}
}
