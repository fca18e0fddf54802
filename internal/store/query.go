package store

import (
	sq "github.com/Masterminds/squirrel"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// selectTenant starts a SELECT that is always filtered to one organization.
func selectTenant(table string, org OrgID, columns ...string) sq.SelectBuilder {
	return psql.Select(columns...).From(table).Where(sq.Eq{table + ".organization_id": int64(org)})
}

// selectLive is selectTenant for tables carrying a Lifecycle. Deleted rows
// are excluded unless the lookup opts in.
func selectLive(table string, org OrgID, lookup Lookup, columns ...string) sq.SelectBuilder {
	query := selectTenant(table, org, columns...)
	if !lookup.IncludeDeleted {
		query = query.Where(sq.Expr(table + ".deleted_at IS NULL"))
	}
	return query
}

func updateTenant(table string, org OrgID) sq.UpdateBuilder {
	return psql.Update(table).Where(sq.Eq{"organization_id": int64(org)})
}
