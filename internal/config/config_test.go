package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

const validJSON = `{
  "logging": {"level": "debug", "console": true, "file": {"enabled": false, "path": ""}},
  "rules": [
    {"name": "docs", "paths": ["./docs"], "settle": "300ms", "command": ["make", "docs"]}
  ]
}`

func TestLoadJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settle.json")
	writeFile(t, path, validJSON)

	m := NewManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Rules) != 1 || cfg.Rules[0].Name != "docs" {
		t.Fatalf("unexpected rules: %+v", cfg.Rules)
	}
	d, err := cfg.Rules[0].SettleDuration()
	if err != nil || d != 300*time.Millisecond {
		t.Fatalf("settle: %v %v", d, err)
	}
	if got := m.Get(); got != cfg {
		t.Fatal("Get did not return committed config")
	}
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settle.yaml")
	writeFile(t, path, `
logging:
  level: info
  console: true
  file:
    enabled: false
    path: ""
storage:
  driver: sqlite
  path: ./settle.db
  busy_timeout: 2s
rules:
  - name: site
    paths: ["./site"]
    command: ["make", "build"]
`)

	m := NewManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage == nil || cfg.Storage.Driver != "sqlite" {
		t.Fatalf("unexpected storage: %+v", cfg.Storage)
	}
	// Defaults kick in for omitted fields.
	d, err := cfg.Rules[0].SettleDuration()
	if err != nil || d != DefaultSettle {
		t.Fatalf("default settle: %v %v", d, err)
	}
	if cfg.History.Schedule() != DefaultPruneSchedule {
		t.Fatalf("default schedule: %q", cfg.History.Schedule())
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settle.json")
	writeFile(t, path, `{"rules": [{"name": "a", "paths": ["."], "command": ["true"], "bogus": 1}]}`)

	m := NewManager(path)
	if _, err := m.Load(); err == nil {
		t.Fatal("expected unknown-field error")
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		want string
	}{
		{"no rules", Config{}, "at least one rule"},
		{"unnamed rule", Config{Rules: []RuleConfig{{Paths: []string{"."}, Command: []string{"x"}}}}, "name is required"},
		{"duplicate names", Config{Rules: []RuleConfig{
			{Name: "a", Paths: []string{"."}, Command: []string{"x"}},
			{Name: "a", Paths: []string{"."}, Command: []string{"x"}},
		}}, "duplicate rule name"},
		{"no paths", Config{Rules: []RuleConfig{{Name: "a", Command: []string{"x"}}}}, "at least one path"},
		{"no command", Config{Rules: []RuleConfig{{Name: "a", Paths: []string{"."}}}}, "command is required"},
		{"bad settle", Config{Rules: []RuleConfig{{Name: "a", Paths: []string{"."}, Command: []string{"x"}, Settle: "soon"}}}, "invalid duration"},
		{"bad retention", Config{
			History: HistoryConfig{Retention: "-1h"},
			Rules:   []RuleConfig{{Name: "a", Paths: []string{"."}, Command: []string{"x"}}},
		}, "duration must be >= 0"},
	}
	for _, tc := range cases {
		err := tc.cfg.Validate()
		if err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
		if !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("%s: error %q does not contain %q", tc.name, err, tc.want)
		}
	}
}

func TestSummarizeChange(t *testing.T) {
	oldCfg := &Config{
		Logging: LoggingConfig{Level: "info"},
		Rules: []RuleConfig{
			{Name: "a", Paths: []string{"."}, Command: []string{"x"}},
			{Name: "b", Paths: []string{"."}, Command: []string{"x"}},
		},
	}
	newCfg := &Config{
		Logging: LoggingConfig{Level: "debug"},
		Rules: []RuleConfig{
			{Name: "a", Paths: []string{"."}, Command: []string{"x"}},
			{Name: "c", Paths: []string{"."}, Command: []string{"x"}},
		},
	}

	changed, _, rules := SummarizeChange(oldCfg, newCfg)
	joined := strings.Join(changed, ",")
	if !strings.Contains(joined, "logging") || !strings.Contains(joined, "rules") {
		t.Fatalf("unexpected sections: %v", changed)
	}
	if strings.Join(rules, ",") != "b,c" {
		t.Fatalf("unexpected rule diff: %v", rules)
	}
}

func TestWatchReloadsAfterSettle(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settle.json")
	writeFile(t, path, validJSON)

	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		_ = m.Watch(ctx)
	}()
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	// Give the watcher a moment to attach before writing.
	time.Sleep(200 * time.Millisecond)

	writeFile(t, path, strings.Replace(validJSON, `"docs"`, `"book"`, 1))

	select {
	case cfg := <-sub:
		if cfg.Rules[0].Name != "book" {
			t.Fatalf("unexpected reloaded rules: %+v", cfg.Rules)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reload published")
	}

	// A broken edit must not replace the committed config.
	writeFile(t, path, `{"rules": []}`)
	time.Sleep(time.Second)
	if got := m.Get(); got == nil || got.Rules[0].Name != "book" {
		t.Fatalf("invalid config replaced a working one: %+v", got)
	}

	cancel()
	select {
	case <-watchDone:
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not stop")
	}
}
