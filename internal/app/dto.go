package app

import (
	"time"

	"handbook/api/internal/diff"
	"handbook/api/internal/pullrequest"
	"handbook/api/internal/store"
	"handbook/api/internal/versions"
)

// Request bodies. Each maps to its service command through an explicit
// function so renaming a wire field never silently changes a command.

type diffItemRef struct {
	EntityID int64 `json:"entity_id"`
}

type createPullRequestRequest struct {
	UserBranchID int64         `json:"user_branch_id"`
	Title        string        `json:"title"`
	Body         string        `json:"body"`
	ReviewerIDs  []int64       `json:"reviewer_ids"`
	DiffItems    []diffItemRef `json:"diff_items"`
}

func (r createPullRequestRequest) command() pullrequest.CreateCommand {
	entityIDs := make([]int64, 0, len(r.DiffItems))
	for _, item := range r.DiffItems {
		entityIDs = append(entityIDs, item.EntityID)
	}
	return pullrequest.CreateCommand{
		UserBranchID:  r.UserBranchID,
		Title:         r.Title,
		Body:          r.Body,
		ReviewerIDs:   r.ReviewerIDs,
		DiffEntityIDs: entityIDs,
	}
}

type fixChangeRequest struct {
	VersionID    int64   `json:"version_id"`
	Title        *string `json:"title"`
	Slug         *string `json:"slug"`
	SidebarLabel *string `json:"sidebar_label"`
	Description  *string `json:"description"`
	Position     *int    `json:"position"`
	Content      *string `json:"content"`
}

type fixRequestRequest struct {
	Title       string             `json:"title"`
	Description string             `json:"description"`
	Changes     []fixChangeRequest `json:"changes"`
}

func (r fixRequestRequest) command() pullrequest.FixRequestCommand {
	changes := make([]store.FixChange, 0, len(r.Changes))
	for _, c := range r.Changes {
		changes = append(changes, store.FixChange{
			VersionID:    c.VersionID,
			Title:        c.Title,
			Slug:         c.Slug,
			SidebarLabel: c.SidebarLabel,
			Description:  c.Description,
			Position:     c.Position,
			Content:      c.Content,
		})
	}
	return pullrequest.FixRequestCommand{
		Title:       r.Title,
		Description: r.Description,
		Changes:     changes,
	}
}

type applyFixRequestRequest struct {
	Token string `json:"token"`
}

type versionFieldsRequest struct {
	Title        string `json:"title"`
	Description  string `json:"description"`
	Content      string `json:"content"`
	Slug         string `json:"slug"`
	SidebarLabel string `json:"sidebar_label"`
	Position     int    `json:"position"`
	ParentID     *int64 `json:"parent_id"`
}

func (r versionFieldsRequest) fields() versions.Fields {
	return versions.Fields{
		Title:        r.Title,
		Description:  r.Description,
		Content:      r.Content,
		Slug:         r.Slug,
		SidebarLabel: r.SidebarLabel,
		Position:     r.Position,
		ParentID:     r.ParentID,
	}
}

type stageConflictRequest struct {
	EntityID int64                `json:"entity_id"`
	Fields   versionFieldsRequest `json:"fields"`
}

func (r stageConflictRequest) command() pullrequest.StageCommand {
	return pullrequest.StageCommand{EntityID: r.EntityID, Fields: r.Fields.fields()}
}

type writeVersionRequest struct {
	versionFieldsRequest
	CategoryPath string `json:"category_path"`
}

func (r writeVersionRequest) command(kind store.EntityKind, entityID int64, target pullrequest.EditTarget) versions.CreateCommand {
	return versions.CreateCommand{
		EntityID:      entityID,
		Kind:          kind,
		BranchID:      target.BranchID,
		EditSessionID: target.EditSessionID,
		CategoryPath:  r.CategoryPath,
		Fields:        r.fields(),
	}
}

type openEditSessionRequest struct {
	PullRequestID int64 `json:"pull_request_id"`
}

type finishEditSessionRequest struct {
	Token         string `json:"token"`
	PullRequestID int64  `json:"pull_request_id"`
}

type activityRequest struct {
	PullRequestID int64  `json:"pull_request_id"`
	Action        string `json:"action"`
}

// Responses.

type pullRequestResponse struct {
	ID           int64     `json:"id"`
	UserBranchID int64     `json:"user_branch_id"`
	UserID       int64     `json:"user_id"`
	Title        string    `json:"title"`
	Body         string    `json:"body"`
	Status       string    `json:"status"`
	PRNumber     int       `json:"pr_number"`
	Reviewers    []int64   `json:"reviewers"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func toPullRequest(pr store.PullRequest) pullRequestResponse {
	reviewers := pr.Reviewers
	if reviewers == nil {
		reviewers = []int64{}
	}
	return pullRequestResponse{
		ID:           pr.ID,
		UserBranchID: pr.UserBranchID,
		UserID:       pr.UserID,
		Title:        pr.Title,
		Body:         pr.Body,
		Status:       string(pr.Status),
		PRNumber:     pr.PRNumber,
		Reviewers:    reviewers,
		CreatedAt:    pr.CreatedAt,
		UpdatedAt:    pr.UpdatedAt,
	}
}

type activityResponse struct {
	ID            int64     `json:"id"`
	PullRequestID int64     `json:"pull_request_id"`
	UserID        int64     `json:"user_id"`
	Action        string    `json:"action"`
	CreatedAt     time.Time `json:"created_at"`
}

func toActivity(entries []store.ActivityLog) []activityResponse {
	out := make([]activityResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, activityResponse{
			ID:            e.ID,
			PullRequestID: e.PullRequestID,
			UserID:        e.UserID,
			Action:        e.Action,
			CreatedAt:     e.CreatedAt,
		})
	}
	return out
}

type pullRequestDetailResponse struct {
	PullRequest pullRequestResponse `json:"pull_request"`
	Diff        []diff.Item         `json:"diff"`
	Activity    []activityResponse  `json:"activity"`
}

type versionResponse struct {
	ID            int64      `json:"id"`
	EntityID      int64      `json:"entity_id"`
	Type          string     `json:"type"`
	Title         string     `json:"title"`
	Description   string     `json:"description"`
	Content       string     `json:"content,omitempty"`
	Slug          string     `json:"slug"`
	SidebarLabel  string     `json:"sidebar_label"`
	Position      int        `json:"position"`
	ParentID      *int64     `json:"parent_id"`
	Status        string     `json:"status"`
	UserBranchID  *int64     `json:"user_branch_id"`
	EditSessionID *int64     `json:"pull_request_edit_session_id"`
	BaseVersionID *int64     `json:"base_version_id"`
	Deleted       bool       `json:"deleted"`
	MergedAt      *time.Time `json:"merged_at"`
	CreatedAt     time.Time  `json:"created_at"`
}

func toVersion(v store.Version) versionResponse {
	return versionResponse{
		ID:            v.ID,
		EntityID:      v.EntityID,
		Type:          string(v.Kind),
		Title:         v.Title,
		Description:   v.Description,
		Content:       v.Content,
		Slug:          v.Slug,
		SidebarLabel:  v.SidebarLabel,
		Position:      v.Position,
		ParentID:      v.ParentID,
		Status:        string(v.Status),
		UserBranchID:  v.UserBranchID,
		EditSessionID: v.EditSessionID,
		BaseVersionID: v.BaseVersionID,
		Deleted:       v.IsDeleted(),
		MergedAt:      v.MergedAt,
		CreatedAt:     v.CreatedAt,
	}
}

func toVersions(vs []store.Version) []versionResponse {
	out := make([]versionResponse, 0, len(vs))
	for _, v := range vs {
		out = append(out, toVersion(v))
	}
	return out
}

type fixRequestResponse struct {
	ID            int64             `json:"id"`
	PullRequestID int64             `json:"pull_request_id"`
	UserID        int64             `json:"user_id"`
	Title         string            `json:"title"`
	Description   string            `json:"description"`
	Changes       []store.FixChange `json:"changes"`
	Status        string            `json:"status"`
	ExpiresAt     time.Time         `json:"expires_at"`
	AppliedAt     *time.Time        `json:"applied_at"`
}

type fixRequestDetailResponse struct {
	FixRequest  fixRequestResponse  `json:"fix_request"`
	PullRequest pullRequestResponse `json:"pull_request"`
}

func toFixRequestDetail(d pullrequest.FixRequestDetail) fixRequestDetailResponse {
	changes := d.FixRequest.Changes
	if changes == nil {
		changes = []store.FixChange{}
	}
	return fixRequestDetailResponse{
		FixRequest: fixRequestResponse{
			ID:            d.FixRequest.ID,
			PullRequestID: d.FixRequest.PullRequestID,
			UserID:        d.FixRequest.UserID,
			Title:         d.FixRequest.Title,
			Description:   d.FixRequest.Description,
			Changes:       changes,
			Status:        string(d.FixRequest.Status),
			ExpiresAt:     d.FixRequest.ExpiresAt,
			AppliedAt:     d.FixRequest.AppliedAt,
		},
		PullRequest: toPullRequest(d.PullRequest),
	}
}

type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

type conflictTemporaryResponse struct {
	ID            int64     `json:"id"`
	PullRequestID int64     `json:"pull_request_id"`
	EntityID      int64     `json:"entity_id"`
	Type          string    `json:"type"`
	UserID        int64     `json:"user_id"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func toConflictTemporary(t store.ConflictTemporary) conflictTemporaryResponse {
	return conflictTemporaryResponse{
		ID:            t.ID,
		PullRequestID: t.PullRequestID,
		EntityID:      t.EntityID,
		Type:          string(t.Kind),
		UserID:        t.UserID,
		UpdatedAt:     t.UpdatedAt,
	}
}

type editSessionDetailResponse struct {
	SessionID   int64               `json:"session_id"`
	PullRequest pullRequestResponse `json:"pull_request"`
	Diff        []diff.Item         `json:"diff"`
}

func nonNilItems(items []diff.Item) []diff.Item {
	if items == nil {
		return []diff.Item{}
	}
	return items
}
