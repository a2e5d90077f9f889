package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	logx "postbot/pkg/logx"
)

// Open initializes the configured store and applies migrations.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"))

	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	var (
		db  *sqlx.DB
		d   dialect
		err error
	)
	switch driver {
	case "memory":
		log.Warn("using in-memory store; posts will not survive a restart")
		return NewMemory(), nil
	case "", "sqlite", "sqlite3":
		d = dialectSQLite
		db, err = openSQLite(ctx, cfg)
	case "postgres", "postgresql", "pq":
		d = dialectPostgres
		db, err = openPostgres(ctx, cfg)
	default:
		return nil, fmt.Errorf("storage: unknown driver %q", driver)
	}
	if err != nil {
		return nil, err
	}
	if err := migrate(ctx, db, d); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info("store opened", logx.String("driver", d.name))
	return newSQLStore(db, d, log), nil
}
