package storage

import (
	"context"
	"strings"

	"groupbot/internal/dispatch"
	"groupbot/internal/fault"
	logx "groupbot/pkg/logx"
)

// Store is the persistence API used by the recorder and the panel.
type Store interface {
	AppendRun(ctx context.Context, r dispatch.Run) error
	// Recent returns up to limit runs, newest first.
	Recent(ctx context.Context, limit int) ([]dispatch.Run, error)
	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, fault.Newf("unknown storage driver: %s", driver)
	}
}
