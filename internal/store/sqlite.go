package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "modernc.org/sqlite"
)

var sqliteDialect = dialect{
	name:        "sqlite",
	placeholder: sq.Question,
	flagTrue: func(flag string) sq.Sqlizer {
		return sq.Expr("json_extract(status_flags, ?) IN (1, 'true')", jsonPath(flag))
	},
	flagNotTrue: func(flag string) sq.Sqlizer {
		return sq.Expr("COALESCE(json_extract(status_flags, ?), 0) NOT IN (1, 'true')", jsonPath(flag))
	},
	timeArg: func(t time.Time) any { return t.UTC().Format(time.RFC3339Nano) },
}

func jsonPath(flag string) string {
	return fmt.Sprintf("$.%q", flag)
}

func openSQLite(ctx context.Context, path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection keeps pragmas and :memory: databases consistent.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %s: %w", pragma, err)
		}
	}
	return newStore(db, sqliteDialect), nil
}
