package storage

import (
	"context"
	"errors"
	"strings"

	logx "qualix/pkg/logx"
)

// Journal is the persistence API used by the recorder and diagnostics.
type Journal interface {
	Append(ctx context.Context, o Outcome) error
	// Recent returns up to n outcomes, newest first.
	Recent(ctx context.Context, n int) ([]Outcome, error)
	Close() error
}

// Open initializes the configured journal.
// It returns (nil, nil) if the journal is disabled.
func Open(cfg Config, log logx.Logger) (Journal, error) {
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
		return nil, errors.New("unknown journal driver: " + driver)
	}
}
