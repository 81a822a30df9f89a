package codes

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var spaceTables = map[Space]string{
	SpaceAppointment:    "appointments",
	SpaceCertificate:    "certificates",
	SpaceReregistration: "reregistrations",
}

// NewTableChecker returns a Checker backed by the validation_code column of
// the table that stores space.
func NewTableChecker(pool *pgxpool.Pool, space Space) (Checker, error) {
	table, ok := spaceTables[space]
	if !ok {
		return Checker{}, fmt.Errorf("codes: no table for space %q", space)
	}
	query := "SELECT EXISTS(SELECT 1 FROM " + pgx.Identifier{table}.Sanitize() + " WHERE validation_code = $1)"
	return Checker{
		Space: space,
		Exists: func(ctx context.Context, code string) (bool, error) {
			var exists bool
			err := pool.QueryRow(ctx, query, code).Scan(&exists)
			return exists, err
		},
	}, nil
}

// AllSpaceCheckers returns checkers for every code space.
func AllSpaceCheckers(pool *pgxpool.Pool) ([]Checker, error) {
	var out []Checker
	for _, s := range []Space{SpaceAppointment, SpaceCertificate, SpaceReregistration} {
		c, err := NewTableChecker(pool, s)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}
