package search

import (
	"context"
	"fmt"
	"strings"

	"handbook/api/internal/store"
)

// Result is a single search hit returned to the caller.
type Result struct {
	EntityID int64  `json:"entity_id"`
	Title    string `json:"title"`
	Slug     string `json:"slug"`
	Snippet  string `json:"snippet"`
}

// Query describes a search request. Searches never cross organizations.
type Query struct {
	OrganizationID store.OrgID
	Text           string
	Limit          int
	Offset         int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search over merged documents.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// DocumentRecord is the data we index for a merged document.
type DocumentRecord struct {
	ID             string `json:"id"`
	EntityID       int64  `json:"entityId"`
	OrganizationID int64  `json:"organizationId"`
	Title          string `json:"title"`
	Slug           string `json:"slug"`
	Description    string `json:"description"`
	Content        string `json:"content"`
}

// RecordID keys index entries by organization and entity, so a newer merge
// replaces the previous entry.
func RecordID(org store.OrgID, entityID int64) string {
	return fmt.Sprintf("%d-%d", org, entityID)
}

func RecordFor(v store.Version) DocumentRecord {
	return DocumentRecord{
		ID:             RecordID(v.OrganizationID, v.EntityID),
		EntityID:       v.EntityID,
		OrganizationID: int64(v.OrganizationID),
		Title:          v.Title,
		Slug:           v.Slug,
		Description:    v.Description,
		Content:        v.Content,
	}
}

func normalize(q Query) Query {
	q.Text = strings.TrimSpace(q.Text)
	if q.Limit <= 0 || q.Limit > 100 {
		q.Limit = 20
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	return q
}
