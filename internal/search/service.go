package search

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"handbook/api/internal/store"
)

// Service is the facade that tries Meilisearch first and falls back to the
// database searcher.
type Service struct {
	meili    *Meili
	fallback Searcher
	logger   *zap.Logger
}

// NewService creates a search service. meili may be nil if Meilisearch is
// not configured.
func NewService(meili *Meili, fallback Searcher, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{meili: meili, fallback: fallback, logger: logger}
}

func (s *Service) Search(ctx context.Context, q Query) Response {
	q = normalize(q)
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.logger.Warn("meilisearch error, falling back", zap.Error(err))
	}

	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.logger.Error("fallback search failed", zap.Error(err))
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexMerged pushes newly merged versions into the index. Deleted documents
// are removed from it; categories are not indexed.
func (s *Service) IndexMerged(versions []store.Version) error {
	if s.meili == nil || !s.meili.Healthy() {
		return nil
	}
	var records []DocumentRecord
	for _, v := range versions {
		if v.Kind != store.KindDocument {
			continue
		}
		if v.IsDeleted() {
			if err := s.meili.DeleteDocument(RecordID(v.OrganizationID, v.EntityID)); err != nil {
				return fmt.Errorf("delete document %d from index: %w", v.EntityID, err)
			}
			continue
		}
		records = append(records, RecordFor(v))
	}
	if err := s.meili.IndexDocuments(records); err != nil {
		return fmt.Errorf("index %d documents: %w", len(records), err)
	}
	return nil
}

// ReindexAll pushes every organization's merged documents into Meilisearch.
func (s *Service) ReindexAll(ctx context.Context, lister VersionLister) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	orgs, err := lister.ListOrganizationIDs(ctx)
	if err != nil {
		s.logger.Error("reindex: list organizations", zap.Error(err))
		return
	}
	for _, org := range orgs {
		docs, err := lister.ListMergedVersions(ctx, org, store.KindDocument)
		if err != nil {
			s.logger.Error("reindex: list documents", zap.Int64("organization_id", int64(org)), zap.Error(err))
			continue
		}
		records := make([]DocumentRecord, 0, len(docs))
		for _, v := range docs {
			records = append(records, RecordFor(v))
		}
		if err := s.meili.IndexDocuments(records); err != nil {
			s.logger.Error("reindex: index documents", zap.Int64("organization_id", int64(org)), zap.Error(err))
		}
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
