package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "settle/pkg/logx"
)

// Store is the minimal persistence API used by the runner and the janitor.
type Store interface {
	// AppendRun records a finished run.
	AppendRun(ctx context.Context, r RunRecord) error
	// RecentRuns returns up to limit newest runs, newest first.
	// An empty rule means all rules.
	RecentRuns(ctx context.Context, rule string, limit int) ([]RunRecord, error)
	// PruneBefore deletes runs older than cutoff and reports how many went.
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
