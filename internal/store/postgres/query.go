package postgres

import (
	"fmt"

	"github.com/alanyoungcy/copybot/internal/domain"
)

// listQuery appends the ListOpts time bounds on col, newest-first ordering
// and paging to base, which must end in a WHERE clause. extra are the args
// base already binds.
func listQuery(base, col string, opts domain.ListOpts, extra ...any) (string, []any) {
	query := base
	args := append([]any(nil), extra...)
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if opts.Since != nil {
		query += " AND " + col + " >= " + next(*opts.Since)
	}
	if opts.Until != nil {
		query += " AND " + col + " <= " + next(*opts.Until)
	}
	query += " ORDER BY " + col + " DESC"
	if opts.Limit > 0 {
		query += " LIMIT " + next(opts.Limit)
	}
	if opts.Offset > 0 {
		query += " OFFSET " + next(opts.Offset)
	}
	return query, args
}
