package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5/pgconn"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type txKey struct{}

// conn returns the transaction carried by ctx, if any.
func (s *PostgresStore) conn(ctx context.Context) execer {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return s.db
}

func (s *PostgresStore) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return fn(ctx)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) ListOrganizationIDs(ctx context.Context) ([]OrgID, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, `SELECT id FROM organizations ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list organizations: %w", err)
	}
	defer rows.Close()
	var ids []OrgID
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan organization: %w", err)
		}
		ids = append(ids, OrgID(id))
	}
	return ids, rows.Err()
}

func (s *PostgresStore) MemberRole(ctx context.Context, org OrgID, userID int64) (string, error) {
	query, args, err := selectTenant("memberships", org, "role").Where(sq.Eq{"user_id": userID}).ToSql()
	if err != nil {
		return "", err
	}
	var role string
	if err := s.conn(ctx).QueryRowContext(ctx, query, args...).Scan(&role); err != nil {
		return "", notFound(err, "member role")
	}
	return role, nil
}

func (s *PostgresStore) CreateEntity(ctx context.Context, org OrgID, kind EntityKind) (Entity, error) {
	query, args, err := psql.Insert("entities").
		Columns("organization_id", "kind").
		Values(int64(org), string(kind)).
		Suffix("RETURNING id, created_at").
		ToSql()
	if err != nil {
		return Entity{}, err
	}
	entity := Entity{OrganizationID: org, Kind: kind}
	if err := s.conn(ctx).QueryRowContext(ctx, query, args...).Scan(&entity.ID, &entity.CreatedAt); err != nil {
		return Entity{}, fmt.Errorf("insert entity: %w", err)
	}
	return entity, nil
}

func (s *PostgresStore) GetEntity(ctx context.Context, org OrgID, id int64) (Entity, error) {
	query, args, err := selectTenant("entities", org, "id", "kind", "created_at").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return Entity{}, err
	}
	entity := Entity{OrganizationID: org}
	var kind string
	if err := s.conn(ctx).QueryRowContext(ctx, query, args...).Scan(&entity.ID, &kind, &entity.CreatedAt); err != nil {
		return Entity{}, notFound(err, "entity")
	}
	entity.Kind = EntityKind(kind)
	return entity, nil
}

var versionColumns = []string{
	"id", "entity_id", "organization_id", "kind", "title", "description", "content", "slug",
	"sidebar_label", "position", "parent_id", "status", "user_branch_id", "pull_request_edit_session_id",
	"base_version_id", "COALESCE(merge_seq, 0)", "merged_at", "deleted_at", "created_at", "updated_at",
}

type scanner interface {
	Scan(dest ...any) error
}

func scanVersion(row scanner) (Version, error) {
	var (
		v                             Version
		org                           int64
		kind, status                  string
		parent, branch, session, base sql.NullInt64
		mergedAt, deletedAt           sql.NullTime
	)
	err := row.Scan(
		&v.ID, &v.EntityID, &org, &kind, &v.Title, &v.Description, &v.Content, &v.Slug,
		&v.SidebarLabel, &v.Position, &parent, &status, &branch, &session,
		&base, &v.MergeSeq, &mergedAt, &deletedAt, &v.CreatedAt, &v.UpdatedAt,
	)
	if err != nil {
		return Version{}, err
	}
	v.OrganizationID = OrgID(org)
	v.Kind = EntityKind(kind)
	v.Status = VersionStatus(status)
	v.ParentID = int64Ptr(parent)
	v.UserBranchID = int64Ptr(branch)
	v.EditSessionID = int64Ptr(session)
	v.BaseVersionID = int64Ptr(base)
	v.MergedAt = timePtr(mergedAt)
	v.DeletedAt = timePtr(deletedAt)
	return v, nil
}

func (s *PostgresStore) queryVersions(ctx context.Context, builder sq.SelectBuilder) ([]Version, error) {
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.conn(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query versions: %w", err)
	}
	defer rows.Close()
	var items []Version
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		items = append(items, v)
	}
	return items, rows.Err()
}

func (s *PostgresStore) queryVersion(ctx context.Context, builder sq.SelectBuilder) (Version, error) {
	query, args, err := builder.ToSql()
	if err != nil {
		return Version{}, err
	}
	v, err := scanVersion(s.conn(ctx).QueryRowContext(ctx, query, args...))
	if err != nil {
		return Version{}, notFound(err, "version")
	}
	return v, nil
}

func (s *PostgresStore) InsertVersion(ctx context.Context, org OrgID, v Version) (Version, error) {
	status := v.Status
	if status == "" {
		status = StatusDraft
	}
	query, args, err := psql.Insert("versions").
		Columns(
			"organization_id", "entity_id", "kind", "title", "description", "content", "slug",
			"sidebar_label", "position", "parent_id", "status", "user_branch_id",
			"pull_request_edit_session_id", "base_version_id", "deleted_at",
		).
		Values(
			int64(org), v.EntityID, string(v.Kind), v.Title, v.Description, v.Content, v.Slug,
			v.SidebarLabel, v.Position, nullInt(v.ParentID), string(status), nullInt(v.UserBranchID),
			nullInt(v.EditSessionID), nullInt(v.BaseVersionID), nullTime(v.DeletedAt),
		).
		Suffix("RETURNING id, created_at, updated_at").
		ToSql()
	if err != nil {
		return Version{}, err
	}
	v.OrganizationID = org
	v.Status = status
	if err := s.conn(ctx).QueryRowContext(ctx, query, args...).Scan(&v.ID, &v.CreatedAt, &v.UpdatedAt); err != nil {
		return Version{}, fmt.Errorf("insert version: %w", err)
	}
	return v, nil
}

func (s *PostgresStore) GetVersion(ctx context.Context, org OrgID, id int64, lookup Lookup) (Version, error) {
	return s.queryVersion(ctx, selectLive("versions", org, lookup, versionColumns...).Where(sq.Eq{"id": id}))
}

// CurrentBranchVersion includes soft-deleted rows: a deleted draft is how a
// branch proposes removing an entity.
func (s *PostgresStore) CurrentBranchVersion(ctx context.Context, org OrgID, entityID, branchID int64) (Version, error) {
	return s.queryVersion(ctx, selectLive("versions", org, IncludeDeleted, versionColumns...).
		Where(sq.Eq{
			"entity_id":      entityID,
			"user_branch_id": branchID,
			"status":         []string{string(StatusDraft), string(StatusPendingReview)},
		}).
		OrderBy("id DESC").
		Limit(1))
}

func (s *PostgresStore) CurrentMergedVersion(ctx context.Context, org OrgID, entityID int64, lookup Lookup) (Version, error) {
	v, err := s.queryVersion(ctx, selectLive("versions", org, IncludeDeleted, versionColumns...).
		Where(sq.Eq{"entity_id": entityID, "status": string(StatusMerged)}).
		OrderBy("merge_seq DESC").
		Limit(1))
	if err != nil {
		return Version{}, err
	}
	if v.IsDeleted() && !lookup.IncludeDeleted {
		return Version{}, ErrNotFound
	}
	return v, nil
}

func (s *PostgresStore) ListBranchVersions(ctx context.Context, org OrgID, branchID int64) ([]Version, error) {
	items, err := s.queryVersions(ctx, selectLive("versions", org, IncludeDeleted, versionColumns...).
		Options("DISTINCT ON (entity_id)").
		Where(sq.Eq{
			"user_branch_id": branchID,
			"status":         []string{string(StatusDraft), string(StatusPendingReview)},
		}).
		OrderBy("entity_id", "id DESC"))
	if err != nil {
		return nil, err
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

func (s *PostgresStore) ListMergedVersions(ctx context.Context, org OrgID, kind EntityKind) ([]Version, error) {
	items, err := s.queryVersions(ctx, selectLive("versions", org, IncludeDeleted, versionColumns...).
		Options("DISTINCT ON (entity_id)").
		Where(sq.Eq{"kind": string(kind), "status": string(StatusMerged)}).
		OrderBy("entity_id", "merge_seq DESC"))
	if err != nil {
		return nil, err
	}
	live := items[:0]
	for _, v := range items {
		if !v.IsDeleted() {
			live = append(live, v)
		}
	}
	return live, nil
}

func (s *PostgresStore) CountBranchDrafts(ctx context.Context, org OrgID, branchID int64) (int, error) {
	query, args, err := selectTenant("versions", org, "COUNT(DISTINCT entity_id)").
		Where(sq.Eq{"user_branch_id": branchID, "status": string(StatusDraft)}).
		ToSql()
	if err != nil {
		return 0, err
	}
	var count int
	if err := s.conn(ctx).QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count branch drafts: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) SoftDeleteVersion(ctx context.Context, org OrgID, id int64, at time.Time) error {
	return s.execUpdate(ctx, updateTenant("versions", org).
		Set("deleted_at", at).
		Set("updated_at", at).
		Where(sq.Eq{"id": id}).
		Where(sq.Expr("deleted_at IS NULL")), "soft delete version", false)
}

func (s *PostgresStore) PromoteVersions(ctx context.Context, org OrgID, ids []int64, at time.Time) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	query, args, err := updateTenant("versions", org).
		Set("status", string(StatusMerged)).
		Set("user_branch_id", nil).
		Set("merge_seq", sq.Expr("nextval('version_merge_seq')")).
		Set("merged_at", at).
		Set("updated_at", at).
		Where(sq.Eq{"id": ids}).
		Where(sq.NotEq{"status": string(StatusMerged)}).
		ToSql()
	if err != nil {
		return 0, err
	}
	result, err := s.conn(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("promote versions: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("promote versions rows: %w", err)
	}
	return int(affected), nil
}

func (s *PostgresStore) SetBranchVersionStatus(ctx context.Context, org OrgID, branchID int64, from, to VersionStatus) (int, error) {
	query, args, err := updateTenant("versions", org).
		Set("status", string(to)).
		Set("updated_at", sq.Expr("NOW()")).
		Where(sq.Eq{"user_branch_id": branchID, "status": string(from)}).
		ToSql()
	if err != nil {
		return 0, err
	}
	result, err := s.conn(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("set branch version status: %w", err)
	}
	affected, _ := result.RowsAffected()
	return int(affected), nil
}

var branchColumns = []string{"id", "organization_id", "user_id", "branch_name", "is_active", "deleted_at", "created_at", "updated_at"}

func scanBranch(row scanner) (UserBranch, error) {
	var (
		b         UserBranch
		org       int64
		deletedAt sql.NullTime
	)
	if err := row.Scan(&b.ID, &org, &b.UserID, &b.BranchName, &b.IsActive, &deletedAt, &b.CreatedAt, &b.UpdatedAt); err != nil {
		return UserBranch{}, err
	}
	b.OrganizationID = OrgID(org)
	b.DeletedAt = timePtr(deletedAt)
	return b, nil
}

func (s *PostgresStore) queryBranch(ctx context.Context, builder sq.SelectBuilder) (UserBranch, error) {
	query, args, err := builder.ToSql()
	if err != nil {
		return UserBranch{}, err
	}
	b, err := scanBranch(s.conn(ctx).QueryRowContext(ctx, query, args...))
	if err != nil {
		return UserBranch{}, notFound(err, "user branch")
	}
	return b, nil
}

func (s *PostgresStore) GetActiveBranch(ctx context.Context, org OrgID, userID int64) (UserBranch, error) {
	return s.queryBranch(ctx, selectLive("user_branches", org, Lookup{}, branchColumns...).
		Where(sq.Eq{"user_id": userID, "is_active": true}).
		OrderBy("id DESC").
		Limit(1))
}

func (s *PostgresStore) GetBranch(ctx context.Context, org OrgID, id int64, lookup Lookup) (UserBranch, error) {
	return s.queryBranch(ctx, selectLive("user_branches", org, lookup, branchColumns...).Where(sq.Eq{"id": id}))
}

func (s *PostgresStore) InsertBranch(ctx context.Context, org OrgID, b UserBranch) (UserBranch, error) {
	query, args, err := psql.Insert("user_branches").
		Columns("organization_id", "user_id", "branch_name", "is_active").
		Values(int64(org), b.UserID, b.BranchName, b.IsActive).
		Suffix("RETURNING id, created_at, updated_at").
		ToSql()
	if err != nil {
		return UserBranch{}, err
	}
	b.OrganizationID = org
	if err := s.conn(ctx).QueryRowContext(ctx, query, args...).Scan(&b.ID, &b.CreatedAt, &b.UpdatedAt); err != nil {
		return UserBranch{}, duplicate(err, "insert user branch")
	}
	return b, nil
}

func (s *PostgresStore) DeactivateBranch(ctx context.Context, org OrgID, id int64, at time.Time) error {
	return s.execUpdate(ctx, updateTenant("user_branches", org).
		Set("is_active", false).
		Set("deleted_at", sq.Expr("COALESCE(deleted_at, ?)", at)).
		Set("updated_at", at).
		Where(sq.Eq{"id": id}), "deactivate branch", true)
}

var editSessionColumns = []string{"id", "organization_id", "pull_request_id", "user_id", "token", "is_active", "expires_at", "created_at", "updated_at"}

func (s *PostgresStore) InsertEditSession(ctx context.Context, org OrgID, es EditSession) (EditSession, error) {
	query, args, err := psql.Insert("pull_request_edit_sessions").
		Columns("organization_id", "pull_request_id", "user_id", "token", "is_active", "expires_at").
		Values(int64(org), es.PullRequestID, es.UserID, es.Token, es.IsActive, es.ExpiresAt).
		Suffix("RETURNING id, created_at, updated_at").
		ToSql()
	if err != nil {
		return EditSession{}, err
	}
	es.OrganizationID = org
	if err := s.conn(ctx).QueryRowContext(ctx, query, args...).Scan(&es.ID, &es.CreatedAt, &es.UpdatedAt); err != nil {
		return EditSession{}, duplicate(err, "insert edit session")
	}
	return es, nil
}

func (s *PostgresStore) DeactivateEditSessions(ctx context.Context, org OrgID, pullRequestID, userID int64) (int, error) {
	query, args, err := updateTenant("pull_request_edit_sessions", org).
		Set("is_active", false).
		Set("updated_at", sq.Expr("NOW()")).
		Where(sq.Eq{"pull_request_id": pullRequestID, "user_id": userID, "is_active": true}).
		ToSql()
	if err != nil {
		return 0, err
	}
	result, err := s.conn(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("deactivate edit sessions: %w", err)
	}
	affected, _ := result.RowsAffected()
	return int(affected), nil
}

func (s *PostgresStore) GetEditSessionByToken(ctx context.Context, org OrgID, token string) (EditSession, error) {
	query, args, err := selectTenant("pull_request_edit_sessions", org, editSessionColumns...).
		Where(sq.Eq{"token": token}).
		ToSql()
	if err != nil {
		return EditSession{}, err
	}
	var (
		es    EditSession
		orgID int64
	)
	err = s.conn(ctx).QueryRowContext(ctx, query, args...).Scan(
		&es.ID, &orgID, &es.PullRequestID, &es.UserID, &es.Token, &es.IsActive, &es.ExpiresAt, &es.CreatedAt, &es.UpdatedAt,
	)
	if err != nil {
		return EditSession{}, notFound(err, "edit session")
	}
	es.OrganizationID = OrgID(orgID)
	return es, nil
}

func (s *PostgresStore) FinishEditSession(ctx context.Context, org OrgID, id int64) error {
	return s.execUpdate(ctx, updateTenant("pull_request_edit_sessions", org).
		Set("is_active", false).
		Set("updated_at", sq.Expr("NOW()")).
		Where(sq.Eq{"id": id}), "finish edit session", true)
}

func (s *PostgresStore) ExpireEditSessions(ctx context.Context, org OrgID, now time.Time) (int, error) {
	query, args, err := updateTenant("pull_request_edit_sessions", org).
		Set("is_active", false).
		Set("updated_at", now).
		Where(sq.Eq{"is_active": true}).
		Where(sq.LtOrEq{"expires_at": now}).
		ToSql()
	if err != nil {
		return 0, err
	}
	result, err := s.conn(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("expire edit sessions: %w", err)
	}
	affected, _ := result.RowsAffected()
	return int(affected), nil
}

var pullRequestColumns = []string{"id", "organization_id", "user_branch_id", "user_id", "author_email", "title", "body", "status", "pr_number", "created_at", "updated_at"}

func (s *PostgresStore) InsertPullRequest(ctx context.Context, org OrgID, pr PullRequest) (PullRequest, error) {
	err := s.InTx(ctx, func(ctx context.Context) error {
		query, args, err := psql.Insert("pull_requests").
			Columns("organization_id", "user_branch_id", "user_id", "author_email", "title", "body", "status", "pr_number").
			Values(int64(org), pr.UserBranchID, pr.UserID, pr.AuthorEmail, pr.Title, pr.Body, string(pr.Status), pr.PRNumber).
			Suffix("RETURNING id, created_at, updated_at").
			ToSql()
		if err != nil {
			return err
		}
		if err := s.conn(ctx).QueryRowContext(ctx, query, args...).Scan(&pr.ID, &pr.CreatedAt, &pr.UpdatedAt); err != nil {
			return duplicate(err, "insert pull request")
		}
		for _, reviewerID := range pr.Reviewers {
			if _, err := s.conn(ctx).ExecContext(ctx, `
				INSERT INTO pull_request_reviewers (pull_request_id, user_id)
				VALUES ($1, $2)
				ON CONFLICT DO NOTHING
			`, pr.ID, reviewerID); err != nil {
				return fmt.Errorf("insert reviewer: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return PullRequest{}, err
	}
	pr.OrganizationID = org
	return pr, nil
}

func (s *PostgresStore) scanPullRequest(ctx context.Context, builder sq.SelectBuilder) (PullRequest, error) {
	query, args, err := builder.ToSql()
	if err != nil {
		return PullRequest{}, err
	}
	var (
		pr     PullRequest
		org    int64
		status string
	)
	err = s.conn(ctx).QueryRowContext(ctx, query, args...).Scan(
		&pr.ID, &org, &pr.UserBranchID, &pr.UserID, &pr.AuthorEmail, &pr.Title, &pr.Body, &status, &pr.PRNumber, &pr.CreatedAt, &pr.UpdatedAt,
	)
	if err != nil {
		return PullRequest{}, notFound(err, "pull request")
	}
	pr.OrganizationID = OrgID(org)
	pr.Status = PullRequestStatus(status)

	rows, err := s.conn(ctx).QueryContext(ctx, `SELECT user_id FROM pull_request_reviewers WHERE pull_request_id=$1 ORDER BY user_id`, pr.ID)
	if err != nil {
		return PullRequest{}, fmt.Errorf("list reviewers: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var reviewerID int64
		if err := rows.Scan(&reviewerID); err != nil {
			return PullRequest{}, fmt.Errorf("scan reviewer: %w", err)
		}
		pr.Reviewers = append(pr.Reviewers, reviewerID)
	}
	return pr, rows.Err()
}

func (s *PostgresStore) GetPullRequest(ctx context.Context, org OrgID, id int64) (PullRequest, error) {
	return s.scanPullRequest(ctx, selectTenant("pull_requests", org, pullRequestColumns...).Where(sq.Eq{"id": id}))
}

func (s *PostgresStore) GetOpenPullRequestForBranch(ctx context.Context, org OrgID, branchID int64) (PullRequest, error) {
	return s.scanPullRequest(ctx, selectTenant("pull_requests", org, pullRequestColumns...).
		Where(sq.Eq{"user_branch_id": branchID, "status": []string{string(PROpened), string(PRConflict)}}).
		OrderBy("id DESC").
		Limit(1))
}

func (s *PostgresStore) UpdatePullRequestStatus(ctx context.Context, org OrgID, id int64, status PullRequestStatus) error {
	return s.execUpdate(ctx, updateTenant("pull_requests", org).
		Set("status", string(status)).
		Set("updated_at", sq.Expr("NOW()")).
		Where(sq.Eq{"id": id}), "update pull request status", true)
}

func (s *PostgresStore) TransitionPullRequestStatus(ctx context.Context, org OrgID, id int64, from, to PullRequestStatus) error {
	return s.execUpdate(ctx, updateTenant("pull_requests", org).
		Set("status", string(to)).
		Set("updated_at", sq.Expr("NOW()")).
		Where(sq.Eq{"id": id, "status": string(from)}), "transition pull request status", true)
}

var activityColumns = []string{"id", "organization_id", "pull_request_id", "user_id", "action", "created_at"}

func (s *PostgresStore) InsertActivity(ctx context.Context, org OrgID, entry ActivityLog) (ActivityLog, error) {
	query, args, err := psql.Insert("activity_logs").
		Columns("organization_id", "pull_request_id", "user_id", "action").
		Values(int64(org), entry.PullRequestID, entry.UserID, entry.Action).
		Suffix("RETURNING id, created_at").
		ToSql()
	if err != nil {
		return ActivityLog{}, err
	}
	entry.OrganizationID = org
	if err := s.conn(ctx).QueryRowContext(ctx, query, args...).Scan(&entry.ID, &entry.CreatedAt); err != nil {
		return ActivityLog{}, fmt.Errorf("insert activity log: %w", err)
	}
	return entry, nil
}

func (s *PostgresStore) listActivity(ctx context.Context, builder sq.SelectBuilder) ([]ActivityLog, error) {
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.conn(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list activity: %w", err)
	}
	defer rows.Close()
	var items []ActivityLog
	for rows.Next() {
		var (
			entry ActivityLog
			org   int64
		)
		if err := rows.Scan(&entry.ID, &org, &entry.PullRequestID, &entry.UserID, &entry.Action, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		entry.OrganizationID = OrgID(org)
		items = append(items, entry)
	}
	return items, rows.Err()
}

func (s *PostgresStore) LastActivity(ctx context.Context, org OrgID, pullRequestID int64) (ActivityLog, error) {
	items, err := s.listActivity(ctx, selectTenant("activity_logs", org, activityColumns...).
		Where(sq.Eq{"pull_request_id": pullRequestID}).
		OrderBy("id DESC").
		Limit(1))
	if err != nil {
		return ActivityLog{}, err
	}
	if len(items) == 0 {
		return ActivityLog{}, ErrNotFound
	}
	return items[0], nil
}

func (s *PostgresStore) ListActivity(ctx context.Context, org OrgID, pullRequestID int64) ([]ActivityLog, error) {
	return s.listActivity(ctx, selectTenant("activity_logs", org, activityColumns...).
		Where(sq.Eq{"pull_request_id": pullRequestID}).
		OrderBy("id ASC"))
}

func (s *PostgresStore) InsertFixRequest(ctx context.Context, org OrgID, f FixRequest) (FixRequest, error) {
	changes, err := encodeChanges(f.Changes)
	if err != nil {
		return FixRequest{}, fmt.Errorf("encode fix changes: %w", err)
	}
	status := f.Status
	if status == "" {
		status = FixPending
	}
	query, args, err := psql.Insert("fix_requests").
		Columns("organization_id", "pull_request_id", "user_id", "token", "title", "description", "changes", "status", "expires_at").
		Values(int64(org), f.PullRequestID, f.UserID, f.Token, f.Title, f.Description, string(changes), string(status), f.ExpiresAt).
		Suffix("RETURNING id, created_at").
		ToSql()
	if err != nil {
		return FixRequest{}, err
	}
	f.OrganizationID = org
	f.Status = status
	if err := s.conn(ctx).QueryRowContext(ctx, query, args...).Scan(&f.ID, &f.CreatedAt); err != nil {
		return FixRequest{}, duplicate(err, "insert fix request")
	}
	return f, nil
}

func (s *PostgresStore) GetFixRequestByToken(ctx context.Context, org OrgID, token string) (FixRequest, error) {
	query, args, err := selectTenant("fix_requests", org,
		"id", "pull_request_id", "user_id", "token", "title", "description", "changes", "status", "expires_at", "applied_at", "created_at",
	).Where(sq.Eq{"token": token}).ToSql()
	if err != nil {
		return FixRequest{}, err
	}
	var (
		f         FixRequest
		changes   []byte
		status    string
		appliedAt sql.NullTime
	)
	err = s.conn(ctx).QueryRowContext(ctx, query, args...).Scan(
		&f.ID, &f.PullRequestID, &f.UserID, &f.Token, &f.Title, &f.Description, &changes, &status, &f.ExpiresAt, &appliedAt, &f.CreatedAt,
	)
	if err != nil {
		return FixRequest{}, notFound(err, "fix request")
	}
	f.OrganizationID = org
	f.Status = FixRequestStatus(status)
	f.AppliedAt = timePtr(appliedAt)
	if f.Changes, err = decodeChanges(changes); err != nil {
		return FixRequest{}, fmt.Errorf("decode fix changes: %w", err)
	}
	return f, nil
}

func (s *PostgresStore) MarkFixRequestApplied(ctx context.Context, org OrgID, id int64, at time.Time) error {
	return s.execUpdate(ctx, updateTenant("fix_requests", org).
		Set("status", string(FixApplied)).
		Set("applied_at", at).
		Where(sq.Eq{"id": id, "status": string(FixPending)}), "mark fix request applied", true)
}

func (s *PostgresStore) UpsertConflictTemporary(ctx context.Context, org OrgID, t ConflictTemporary) (ConflictTemporary, error) {
	query, args, err := psql.Insert("conflict_temporaries").
		Columns("organization_id", "pull_request_id", "entity_id", "kind", "object_key", "user_id").
		Values(int64(org), t.PullRequestID, t.EntityID, string(t.Kind), t.ObjectKey, t.UserID).
		Suffix(`ON CONFLICT (pull_request_id, entity_id) WHERE deleted_at IS NULL
			DO UPDATE SET object_key = EXCLUDED.object_key, user_id = EXCLUDED.user_id, updated_at = NOW()
			RETURNING id, created_at, updated_at`).
		ToSql()
	if err != nil {
		return ConflictTemporary{}, err
	}
	t.OrganizationID = org
	if err := s.conn(ctx).QueryRowContext(ctx, query, args...).Scan(&t.ID, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return ConflictTemporary{}, fmt.Errorf("upsert conflict temporary: %w", err)
	}
	return t, nil
}

func (s *PostgresStore) ListConflictTemporaries(ctx context.Context, org OrgID, pullRequestID int64) ([]ConflictTemporary, error) {
	query, args, err := selectLive("conflict_temporaries", org, Lookup{},
		"id", "pull_request_id", "entity_id", "kind", "object_key", "user_id", "created_at", "updated_at",
	).Where(sq.Eq{"pull_request_id": pullRequestID}).OrderBy("id ASC").ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.conn(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list conflict temporaries: %w", err)
	}
	defer rows.Close()
	var items []ConflictTemporary
	for rows.Next() {
		var (
			t    ConflictTemporary
			kind string
		)
		if err := rows.Scan(&t.ID, &t.PullRequestID, &t.EntityID, &kind, &t.ObjectKey, &t.UserID, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan conflict temporary: %w", err)
		}
		t.OrganizationID = org
		t.Kind = EntityKind(kind)
		items = append(items, t)
	}
	return items, rows.Err()
}

func (s *PostgresStore) ClearConflictTemporaries(ctx context.Context, org OrgID, pullRequestID int64, at time.Time) error {
	return s.execUpdate(ctx, updateTenant("conflict_temporaries", org).
		Set("deleted_at", at).
		Where(sq.Eq{"pull_request_id": pullRequestID}).
		Where(sq.Expr("deleted_at IS NULL")), "clear conflict temporaries", false)
}

func (s *PostgresStore) execUpdate(ctx context.Context, builder sq.UpdateBuilder, op string, requireRow bool) error {
	query, args, err := builder.ToSql()
	if err != nil {
		return err
	}
	result, err := s.conn(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if !requireRow {
		return nil
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows: %w", op, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func notFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return fmt.Errorf("load %s: %w", what, err)
}

// IsUniqueViolation reports a Postgres unique_violation (23505).
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func duplicate(err error, op string) error {
	if IsUniqueViolation(err) {
		return fmt.Errorf("%s: %w", op, ErrDuplicate)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func nullInt(value *int64) any {
	if value == nil {
		return nil
	}
	return *value
}

func nullTime(value *time.Time) any {
	if value == nil {
		return nil
	}
	return *value
}

func int64Ptr(value sql.NullInt64) *int64 {
	if !value.Valid {
		return nil
	}
	v := value.Int64
	return &v
}

func timePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	v := value.Time
	return &v
}
