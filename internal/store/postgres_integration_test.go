package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func openIntegrationStore(t *testing.T) (*PostgresStore, OrgID) {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("HANDBOOK_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("HANDBOOK_TEST_DATABASE_URL is not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	db, err := Open(ctx, dsn)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := resetPublicSchema(ctx, db); err != nil {
		t.Fatalf("reset schema: %v", err)
	}
	if err := ApplyMigrations(ctx, db, filepath.Join("..", "..", "db", "migrations")); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	var orgID int64
	if err := db.QueryRowContext(ctx, `INSERT INTO organizations (name, slug) VALUES ('Acme', 'acme') RETURNING id`).Scan(&orgID); err != nil {
		t.Fatalf("seed organization: %v", err)
	}
	return NewPostgresStore(db), OrgID(orgID)
}

func TestPostgresVersionLifecycle(t *testing.T) {
	s, org := openIntegrationStore(t)
	ctx := context.Background()

	branch, err := s.InsertBranch(ctx, org, UserBranch{UserID: 10, BranchName: "branch-abc", IsActive: true})
	if err != nil {
		t.Fatalf("InsertBranch() error = %v", err)
	}
	entity, err := s.CreateEntity(ctx, org, KindCategory)
	if err != nil {
		t.Fatalf("CreateEntity() error = %v", err)
	}
	draft, err := s.InsertVersion(ctx, org, Version{
		EntityID: entity.ID, Kind: KindCategory, Title: "Guides", Slug: "guides", UserBranchID: &branch.ID,
	})
	if err != nil {
		t.Fatalf("InsertVersion() error = %v", err)
	}

	current, err := s.CurrentBranchVersion(ctx, org, entity.ID, branch.ID)
	if err != nil || current.ID != draft.ID {
		t.Fatalf("CurrentBranchVersion() = %+v, %v", current, err)
	}
	if n, _ := s.CountBranchDrafts(ctx, org, branch.ID); n != 1 {
		t.Fatalf("CountBranchDrafts() = %d, want 1", n)
	}

	for i := 0; i < 2; i++ {
		if _, err := s.PromoteVersions(ctx, org, []int64{draft.ID}, time.Now()); err != nil {
			t.Fatalf("PromoteVersions() pass %d error = %v", i, err)
		}
	}
	merged, err := s.CurrentMergedVersion(ctx, org, entity.ID, Lookup{})
	if err != nil {
		t.Fatalf("CurrentMergedVersion() error = %v", err)
	}
	if merged.UserBranchID != nil || merged.Status != StatusMerged || merged.MergeSeq == 0 {
		t.Fatalf("unexpected merged version: %+v", merged)
	}

	if _, err := s.CurrentMergedVersion(ctx, org+1000, entity.ID, Lookup{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("merged version leaked across organizations: %v", err)
	}
}

func TestPostgresActivityLogIsAppendOnly(t *testing.T) {
	s, org := openIntegrationStore(t)
	ctx := context.Background()

	branch, _ := s.InsertBranch(ctx, org, UserBranch{UserID: 1, BranchName: "branch-log", IsActive: true})
	pr, err := s.InsertPullRequest(ctx, org, PullRequest{UserBranchID: branch.ID, UserID: 1, Title: "t", Status: PROpened, Reviewers: []int64{2, 3}})
	if err != nil {
		t.Fatalf("InsertPullRequest() error = %v", err)
	}
	if _, err := s.InsertActivity(ctx, org, ActivityLog{PullRequestID: pr.ID, UserID: 1, Action: "created"}); err != nil {
		t.Fatalf("InsertActivity() error = %v", err)
	}

	if _, err := s.DB().ExecContext(ctx, `UPDATE activity_logs SET action='closed' WHERE pull_request_id=$1`, pr.ID); err == nil {
		t.Fatal("expected UPDATE on activity_logs to fail")
	}
	if _, err := s.DB().ExecContext(ctx, `DELETE FROM activity_logs WHERE pull_request_id=$1`, pr.ID); err == nil {
		t.Fatal("expected DELETE on activity_logs to fail")
	}

	loaded, err := s.GetPullRequest(ctx, org, pr.ID)
	if err != nil {
		t.Fatalf("GetPullRequest() error = %v", err)
	}
	if len(loaded.Reviewers) != 2 {
		t.Fatalf("expected 2 reviewers, got %v", loaded.Reviewers)
	}
	if _, err := s.InsertPullRequest(ctx, org, PullRequest{UserBranchID: branch.ID, UserID: 1, Title: "again", Status: PROpened}); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected duplicate open pull request error, got %v", err)
	}
}
