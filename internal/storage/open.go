package storage

import (
	"context"
	"fmt"
	"strings"

	logx "vssbench/pkg/logx"
)

type Store interface {
	SaveResult(ctx context.Context, r Result) error
	// ListResults returns up to limit results, newest first. limit <= 0
	// means all.
	ListResults(ctx context.Context, limit int) ([]Result, error)
	Close() error
}

// Open initializes the configured store. It returns (nil, nil) if storage
// is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", driver)
	}
}
