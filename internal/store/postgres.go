package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/jackc/pgx/v5/stdlib"
)

var postgresDialect = dialect{
	name:        "postgres",
	placeholder: sq.Dollar,
	flagTrue: func(flag string) sq.Sqlizer {
		return sq.Expr("status_flags->>CAST(? AS TEXT) = 'true'", flag)
	},
	flagNotTrue: func(flag string) sq.Sqlizer {
		return sq.Expr("COALESCE(status_flags->>CAST(? AS TEXT), '') <> 'true'", flag)
	},
	timeArg: func(t time.Time) any { return t.UTC() },
}

func openPostgres(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(5)
	db.SetConnMaxIdleTime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return newStore(db, postgresDialect), nil
}
