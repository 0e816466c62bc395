package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
)

const contentsTable = "contents"

var (
	// ErrNotFound is returned when no content item matches.
	ErrNotFound = errors.New("content item not found")
	// ErrVersionConflict is returned when the row changed since it was read.
	ErrVersionConflict = errors.New("content item version conflict")
	// ErrNoChange lets an Update mutator skip the write.
	ErrNoChange = errors.New("no change")
)

// Store persists content items in Postgres or SQLite.
type Store struct {
	db      *sql.DB
	dialect dialect
	builder sq.StatementBuilderType
	now     func() time.Time
}

// Open connects to the database named by dsn. postgres:// and postgresql://
// URLs select Postgres; anything else is treated as a SQLite path, with an
// optional sqlite:// prefix.
func Open(ctx context.Context, dsn string) (*Store, error) {
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return openPostgres(ctx, dsn)
	case dsn == "":
		return nil, errors.New("empty database dsn")
	default:
		return openSQLite(ctx, strings.TrimPrefix(dsn, "sqlite://"))
	}
}

func newStore(db *sql.DB, d dialect) *Store {
	return &Store{
		db:      db,
		dialect: d,
		builder: sq.StatementBuilder.PlaceholderFormat(d.placeholder),
		now:     time.Now,
	}
}

// Dialect returns the backend name ("postgres" or "sqlite").
func (s *Store) Dialect() string {
	return s.dialect.name
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// dialect captures the few places where Postgres and SQLite SQL differ.
type dialect struct {
	name        string
	placeholder sq.PlaceholderFormat
	flagTrue    func(flag string) sq.Sqlizer
	flagNotTrue func(flag string) sq.Sqlizer
	timeArg     func(t time.Time) any
}

func parseTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), nil
	case string:
		return parseTimeString(t)
	case []byte:
		return parseTimeString(string(t))
	case nil:
		return time.Time{}, nil
	default:
		return time.Time{}, fmt.Errorf("unsupported time value %T", v)
	}
}

func parseTimeString(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999999-07:00", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("parse time %q", s)
}

func asBytes(v any) []byte {
	switch b := v.(type) {
	case []byte:
		return b
	case string:
		return []byte(b)
	default:
		return nil
	}
}
