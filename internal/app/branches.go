package app

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"handbook/api/internal/activity"
	"handbook/api/internal/domain"
	"handbook/api/internal/rbac"
	"handbook/api/internal/store"
)

func (s *HTTPServer) openEditSession(c *gin.Context) {
	var req openEditSessionRequest
	if !bind(c, &req) {
		return
	}
	if req.PullRequestID <= 0 {
		s.fail(c, domain.ValidationField("pull_request_id", "is required"))
		return
	}
	session := currentSession(c)
	es, err := s.prs.OpenEditSession(c.Request.Context(), session.OrganizationID, req.PullRequestID, actorOf(session))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, tokenResponse{Token: es.Token, ExpiresAt: es.ExpiresAt})
}

func (s *HTTPServer) finishEditSession(c *gin.Context) {
	var req finishEditSessionRequest
	if !bind(c, &req) {
		return
	}
	if req.Token == "" || req.PullRequestID <= 0 {
		s.fail(c, domain.Validation(map[string]string{
			"token":           "is required",
			"pull_request_id": "is required",
		}))
		return
	}
	session := currentSession(c)
	if err := s.prs.FinishEditSession(c.Request.Context(), session.OrganizationID, req.Token, req.PullRequestID); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *HTTPServer) editSessionDetail(c *gin.Context) {
	prID, err := queryID(c, "pull_request_id")
	if err != nil {
		s.fail(c, err)
		return
	}
	session := currentSession(c)
	detail, err := s.prs.EditSessionDetail(c.Request.Context(), session.OrganizationID, c.Query("token"), prID, actorOf(session))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, editSessionDetailResponse{
		SessionID:   detail.SessionID,
		PullRequest: toPullRequest(detail.PullRequest),
		Diff:        nonNilItems(detail.Diff),
	})
}

// branchDiff shows the caller's active branch unless another branch is
// named, which only an administrator may read.
func (s *HTTPServer) branchDiff(c *gin.Context) {
	ctx := c.Request.Context()
	session := currentSession(c)
	branchID, err := queryID(c, "user_branch_id")
	if err != nil {
		s.fail(c, err)
		return
	}
	if branchID == 0 {
		active, err := s.branches.ActiveBranch(ctx, session.OrganizationID, session.UserID)
		if errors.Is(err, domain.ErrNotFound) {
			c.JSON(http.StatusOK, gin.H{"user_branch_id": nil, "items": nonNilItems(nil)})
			return
		}
		if err != nil {
			s.fail(c, err)
			return
		}
		branchID = active.ID
	} else if !s.ownsBranch(c, branchID) {
		return
	}

	items, err := s.diffs.ComputeBranchDiff(ctx, session.OrganizationID, branchID)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_branch_id": branchID, "items": nonNilItems(items)})
}

func (s *HTTPServer) ownsBranch(c *gin.Context, branchID int64) bool {
	ctx := c.Request.Context()
	session := currentSession(c)
	branch, err := s.store.GetBranch(ctx, session.OrganizationID, branchID, store.IncludeDeleted)
	if err != nil {
		s.fail(c, err)
		return false
	}
	if branch.UserID == session.UserID {
		return true
	}
	admin, err := s.authz.CanAdminister(ctx, session.OrganizationID, session.UserID)
	if err != nil {
		s.fail(c, err)
		return false
	}
	if !admin {
		s.fail(c, domain.Forbidden("branch belongs to another user"))
		return false
	}
	return true
}

func (s *HTTPServer) branchHasChanges(c *gin.Context) {
	session := currentSession(c)
	has, err := s.branches.HasUncommittedChanges(c.Request.Context(), session.OrganizationID, session.UserID)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"has_changes": has})
}

// discardBranch drops the caller's active branch with its drafts. A branch
// behind an open pull request has to be closed first.
func (s *HTTPServer) discardBranch(c *gin.Context) {
	ctx := c.Request.Context()
	session := currentSession(c)
	branch, err := s.branches.ActiveBranch(ctx, session.OrganizationID, session.UserID)
	if err != nil {
		s.fail(c, err)
		return
	}
	if err := s.branches.DeactivateBranch(ctx, session.OrganizationID, branch.ID); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "user_branch_id": branch.ID})
}

// recordActivity accepts the review actions a client may log directly. The
// workflow actions are written by the services themselves.
func (s *HTTPServer) recordActivity(c *gin.Context) {
	if !s.allow(c, rbac.ActionReview) {
		return
	}
	var req activityRequest
	if !bind(c, &req) {
		return
	}
	action, err := activity.ParseAction(req.Action)
	if err != nil {
		s.fail(c, err)
		return
	}
	if action != activity.ActionCommented && action != activity.ActionReviewed {
		s.fail(c, domain.ValidationField("action", "only commented and reviewed can be recorded"))
		return
	}
	if req.PullRequestID <= 0 {
		s.fail(c, domain.ValidationField("pull_request_id", "is required"))
		return
	}
	session := currentSession(c)
	entry, err := s.prs.RecordActivity(c.Request.Context(), session.OrganizationID, req.PullRequestID, actorOf(session), action)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, toActivity([]store.ActivityLog{entry})[0])
}
