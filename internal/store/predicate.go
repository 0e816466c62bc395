package store

import (
	"errors"
	"fmt"
	"regexp"

	sq "github.com/Masterminds/squirrel"
)

// ErrInvalidPredicate reports a malformed stage predicate.
var ErrInvalidPredicate = errors.New("invalid predicate")

var flagPattern = regexp.MustCompile(`^[a-z0-9_.]+$`)

// Predicate selects items by status flags. Every RequiredTrue flag must be
// true and every RequiredNotTrue flag must be absent or false. Type narrows
// the selection to one content type when set.
type Predicate struct {
	RequiredTrue    []string
	RequiredNotTrue []string
	Type            string
}

// Validate rejects unknown flag syntax and flags listed in both sets.
func (p Predicate) Validate() error {
	seen := make(map[string]struct{}, len(p.RequiredTrue))
	for _, f := range p.RequiredTrue {
		if !flagPattern.MatchString(f) {
			return fmt.Errorf("%w: bad flag name %q", ErrInvalidPredicate, f)
		}
		seen[f] = struct{}{}
	}
	for _, f := range p.RequiredNotTrue {
		if !flagPattern.MatchString(f) {
			return fmt.Errorf("%w: bad flag name %q", ErrInvalidPredicate, f)
		}
		if _, dup := seen[f]; dup {
			return fmt.Errorf("%w: flag %q is both required and excluded", ErrInvalidPredicate, f)
		}
	}
	return nil
}

func (s *Store) where(p Predicate) (sq.And, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	conds := sq.And{}
	for _, f := range p.RequiredTrue {
		conds = append(conds, s.dialect.flagTrue(f))
	}
	for _, f := range p.RequiredNotTrue {
		conds = append(conds, s.dialect.flagNotTrue(f))
	}
	if p.Type != "" {
		conds = append(conds, sq.Eq{"type": p.Type})
	}
	return conds, nil
}
