package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"handbook/api/internal/store"
)

// PgFTS searches merged documents with PostgreSQL full-text search when
// Meilisearch is unavailable.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search ranks the current merged version of every live document.
func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	q = normalize(q)
	if q.Text == "" {
		return nil, 0, nil
	}

	const query = `
		WITH current AS (
			SELECT DISTINCT ON (entity_id) entity_id, title, slug, description, content, deleted_at
			FROM versions
			WHERE organization_id = $2 AND kind = 'document' AND status = 'merged'
			ORDER BY entity_id, merge_seq DESC
		), matched AS (
			SELECT c.*, to_tsvector('english', c.title || ' ' || c.description || ' ' || c.content) AS doc
			FROM current c
			WHERE c.deleted_at IS NULL
		)
		SELECT entity_id, title, slug,
			ts_headline('english', coalesce(nullif(description, ''), content), plainto_tsquery('english', $1), 'MaxFragments=1,MaxWords=30') AS snippet,
			count(*) OVER () AS total
		FROM matched
		WHERE doc @@ plainto_tsquery('english', $1)
		ORDER BY ts_rank(doc, plainto_tsquery('english', $1)) DESC, entity_id
		LIMIT $3 OFFSET $4`

	rows, err := p.db.QueryContext(ctx, query, q.Text, int64(q.OrganizationID), q.Limit, q.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	total := 0
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.EntityID, &r.Title, &r.Slug, &r.Snippet, &total); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// VersionLister is the slice of the store the fallback searchers need.
type VersionLister interface {
	ListOrganizationIDs(ctx context.Context) ([]store.OrgID, error)
	ListMergedVersions(ctx context.Context, org store.OrgID, kind store.EntityKind) ([]store.Version, error)
}

// StoreScan matches merged documents by substring. It backs the in-memory
// store where no full-text engine exists.
type StoreScan struct {
	store VersionLister
}

func NewStoreScan(s VersionLister) *StoreScan {
	return &StoreScan{store: s}
}

func (s *StoreScan) Healthy() bool { return true }

func (s *StoreScan) Search(ctx context.Context, q Query) ([]Result, int, error) {
	q = normalize(q)
	if q.Text == "" {
		return nil, 0, nil
	}
	docs, err := s.store.ListMergedVersions(ctx, q.OrganizationID, store.KindDocument)
	if err != nil {
		return nil, 0, fmt.Errorf("list merged documents: %w", err)
	}
	needle := strings.ToLower(q.Text)
	var matched []Result
	for _, v := range docs {
		haystack := strings.ToLower(v.Title + "\n" + v.Description + "\n" + v.Content)
		if !strings.Contains(haystack, needle) {
			continue
		}
		snippet := v.Description
		if snippet == "" {
			snippet = v.Content
		}
		matched = append(matched, Result{EntityID: v.EntityID, Title: v.Title, Slug: v.Slug, Snippet: snippet})
	}
	total := len(matched)
	if q.Offset >= total {
		return nil, total, nil
	}
	end := q.Offset + q.Limit
	if end > total {
		end = total
	}
	return matched[q.Offset:end], total, nil
}
