package storage

import (
	"context"
	"errors"
	"strings"

	logx "fleetd/pkg/logx"
)

// Store is the minimal persistence API used by the scheduler service.
type Store interface {
	AppendRun(ctx context.Context, rec RunRecord) error
	RecentRuns(ctx context.Context, job string, limit int) ([]RunRecord, error)
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
