package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Defaults applied during Validate when fields are omitted/zero.
const (
	DefaultSettle        = 500 * time.Millisecond
	DefaultRetention     = 7 * 24 * time.Hour
	DefaultPruneSchedule = "@hourly"
)

type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Storage controls the optional run-history database.
	// If omitted, runs are not recorded.
	Storage *StorageConfig `json:"storage,omitempty"`

	// History controls retention of recorded runs (only meaningful with storage).
	History HistoryConfig `json:"history,omitempty"`

	// Rules are the watch rules. At least one is required.
	Rules []RuleConfig `json:"rules"`
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

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./settle.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// HistoryConfig controls pruning of recorded runs.
//
// All durations are Go duration strings (e.g. "72h", "168h").
type HistoryConfig struct {
	// Retention is how long run records are kept. Default: "168h".
	Retention string `json:"retention,omitempty"`
	// PruneSchedule is a cron spec (robfig/cron, descriptors allowed).
	// Default: "@hourly".
	PruneSchedule string `json:"prune_schedule,omitempty"`
}

// RuleConfig is one watch rule: debounce filesystem events under Paths for
// Settle, then run Command once things quiet down.
//
// All durations are Go duration strings (e.g. "500ms", "2s", "1m").
type RuleConfig struct {
	// Name identifies the rule in logs and history. Must be unique.
	Name string `json:"name"`

	// Paths are files or directories to watch (directories are non-recursive,
	// matching fsnotify semantics).
	Paths []string `json:"paths"`

	// Settle is the quiet period required before the command runs.
	// Every new event pushes the deadline out again. Default: "500ms".
	Settle string `json:"settle,omitempty"`

	// Timeout bounds a single command run. "0s" disables the bound.
	Timeout string `json:"timeout,omitempty"`

	// Command is the argv to run when events settle.
	Command []string `json:"command"`

	// Dir is the working directory for Command. Empty means inherit.
	Dir string `json:"dir,omitempty"`
}

// SettleDuration returns the parsed settle window with the default applied.
func (r *RuleConfig) SettleDuration() (time.Duration, error) {
	return ParseDurationOrDefault("rules."+r.Name+".settle", r.Settle, DefaultSettle)
}

// TimeoutDuration returns the parsed run timeout (0 = disabled).
func (r *RuleConfig) TimeoutDuration() (time.Duration, error) {
	return ParseDurationField("rules."+r.Name+".timeout", r.Timeout)
}

// RetentionDuration returns the parsed history retention with the default applied.
func (h *HistoryConfig) RetentionDuration() (time.Duration, error) {
	return ParseDurationOrDefault("history.retention", h.Retention, DefaultRetention)
}

// Schedule returns the prune cron spec with the default applied.
func (h *HistoryConfig) Schedule() string {
	s := strings.TrimSpace(h.PruneSchedule)
	if s == "" {
		return DefaultPruneSchedule
	}
	return s
}

// Validate checks the whole config. It is run before a config is committed,
// both at startup and on live reload, so a broken edit never replaces a
// working config.
func (c *Config) Validate() error {
	if len(c.Rules) == 0 {
		return errors.New("config: at least one rule is required")
	}

	seen := make(map[string]bool, len(c.Rules))
	for i := range c.Rules {
		r := &c.Rules[i]
		name := strings.TrimSpace(r.Name)
		if name == "" {
			return fmt.Errorf("config: rules[%d]: name is required", i)
		}
		if seen[name] {
			return fmt.Errorf("config: duplicate rule name %q", name)
		}
		seen[name] = true

		if len(r.Paths) == 0 {
			return fmt.Errorf("config: rule %q: at least one path is required", name)
		}
		for _, p := range r.Paths {
			if strings.TrimSpace(p) == "" {
				return fmt.Errorf("config: rule %q: empty path", name)
			}
		}
		if len(r.Command) == 0 || strings.TrimSpace(r.Command[0]) == "" {
			return fmt.Errorf("config: rule %q: command is required", name)
		}
		if _, err := r.SettleDuration(); err != nil {
			return fmt.Errorf("config: %w", err)
		}
		if _, err := r.TimeoutDuration(); err != nil {
			return fmt.Errorf("config: %w", err)
		}
	}

	if _, err := c.History.RetentionDuration(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	if c.Storage != nil {
		if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
			return fmt.Errorf("config: %w", err)
		}
	}
	return nil
}
