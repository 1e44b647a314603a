package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (jsonl)
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// RunRecord is one debounced command run.
// Keep it compact and schema-stable.
type RunRecord struct {
	At       time.Time `json:"at"`
	Rule     string    `json:"rule"`
	Command  string    `json:"command"`
	OK       bool      `json:"ok"`
	ExitCode int       `json:"exit_code"`
	Error    string    `json:"err,omitempty"`
	TookMS   int64     `json:"took_ms"`
	Output   string    `json:"output,omitempty"` // truncated tail of combined output
}
