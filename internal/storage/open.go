package storage

import (
	"context"
	"errors"
	"strings"

	logx "taskd/pkg/logx"
)

// Open initializes the configured store. An empty driver selects memory.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "store"), logx.String("driver", driverName(driver)))

	switch driver {
	case "", "memory", "mem":
		return NewMemory(), nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(ctx, cfg, log)
	case "postgres", "postgresql", "pgx":
		return openPostgres(ctx, cfg, log)
	case "redis":
		return openRedis(ctx, cfg, log)
	default:
		return nil, errors.New("unknown store driver: " + driver)
	}
}

// Drivers lists the accepted driver names.
func Drivers() []string {
	return []string{"memory", "file", "sqlite", "postgres", "redis"}
}

func driverName(d string) string {
	if d == "" {
		return "memory"
	}
	return d
}
