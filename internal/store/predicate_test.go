package store

import (
	"errors"
	"strings"
	"testing"
)

func TestPredicateValidate(t *testing.T) {
	cases := []struct {
		name string
		p    Predicate
		ok   bool
	}{
		{"empty", Predicate{}, true},
		{"disjoint", Predicate{RequiredTrue: []string{"funfact_created"}, RequiredNotTrue: []string{"wav_generated"}}, true},
		{"overlap", Predicate{RequiredTrue: []string{"wav_generated"}, RequiredNotTrue: []string{"wav_generated"}}, false},
		{"bad name", Predicate{RequiredTrue: []string{"wav'; DROP TABLE contents"}}, false},
		{"upper case", Predicate{RequiredNotTrue: []string{"WAV"}}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.p.Validate()
			if tc.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tc.ok && !errors.Is(err, ErrInvalidPredicate) {
				t.Fatalf("expected ErrInvalidPredicate, got %v", err)
			}
		})
	}
}

func TestPostgresPredicateSQL(t *testing.T) {
	st := newStore(nil, postgresDialect)
	where, err := st.where(Predicate{RequiredTrue: []string{"funfact_created"}, RequiredNotTrue: []string{"wav_generated"}, Type: "fact"})
	if err != nil {
		t.Fatalf("where: %v", err)
	}
	query, args, err := st.builder.Select("id").From(contentsTable).Where(where).OrderBy("id ASC").ToSql()
	if err != nil {
		t.Fatalf("to sql: %v", err)
	}
	for _, fragment := range []string{
		"status_flags->>CAST($1 AS TEXT) = 'true'",
		"COALESCE(status_flags->>CAST($2 AS TEXT), '') <> 'true'",
		"type = $3",
		"ORDER BY id ASC",
	} {
		if !strings.Contains(query, fragment) {
			t.Fatalf("query %q missing %q", query, fragment)
		}
	}
	if len(args) != 3 || args[0] != "funfact_created" || args[1] != "wav_generated" || args[2] != "fact" {
		t.Fatalf("unexpected args %v", args)
	}
}
