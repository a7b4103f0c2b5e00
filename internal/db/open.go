package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// database/sql driver names registered by the imports above.
const (
	pgxDriverName    = "pgx"
	sqliteDriverName = "sqlite"
)

func init() {
	sqlx.BindDriver(sqliteDriverName, sqlx.QUESTION)
}

type Config struct {
	Driver          string
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// Open connects to Postgres through the pgx stdlib driver or to an on-device
// SQLite file. SQLite is pinned to a single connection so that writes are
// serialised by the pool instead of failing with SQLITE_BUSY.
func Open(ctx context.Context, cfg Config) (*sqlx.DB, error) {
	var (
		database *sqlx.DB
		err      error
	)

	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case DriverPostgres, pgxDriverName, "":
		database, err = sqlx.Open(pgxDriverName, cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		database.SetMaxOpenConns(valueOrDefault(cfg.MaxOpenConns, 10))
		database.SetMaxIdleConns(valueOrDefault(cfg.MaxIdleConns, 5))
		database.SetConnMaxLifetime(durationOrDefault(cfg.ConnMaxLifetime, 30*time.Minute))
		database.SetConnMaxIdleTime(durationOrDefault(cfg.ConnMaxIdleTime, 10*time.Minute))
	case DriverSQLite:
		database, err = sqlx.Open(sqliteDriverName, sqliteDSN(cfg.URL))
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		database.SetMaxOpenConns(1)
		database.SetMaxIdleConns(1)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}

	if err := database.PingContext(ctx); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return database, nil
}

func sqliteDSN(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		path = "parental-gate.db"
	}
	if strings.Contains(path, "_pragma=") {
		return path
	}

	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
}

func valueOrDefault(value, fallback int) int {
	if value <= 0 {
		return fallback
	}
	return value
}

func durationOrDefault(value, fallback time.Duration) time.Duration {
	if value <= 0 {
		return fallback
	}
	return value
}
