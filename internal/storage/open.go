package storage

import (
	"context"
	"fmt"
	"strings"

	logx "promosched/pkg/logx"
)

// Open builds the configured backend and loads it into a Store.
// "memory" (or "none") yields a store with no persistence.
func Open(ctx context.Context, cfg Config, log logx.Logger, opts ...Option) (*Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"))

	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	var (
		backend Backend
		err     error
	)
	switch driver {
	case "", "file", "json":
		backend, err = openFile(cfg, log)
	case "sqlite", "sqlite3":
		backend, err = openSQLite(cfg, log)
	case "postgres", "postgresql", "pg":
		backend, err = openPostgres(cfg, log)
	case "memory", "none":
		backend = nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownDriver, driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s storage: %w", driver, err)
	}
	if driver == "" {
		driver = "file"
	}
	log.Info("storage opened", logx.String("driver", driver))
	return NewStore(ctx, backend, log, opts...), nil
}
