package app

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"handbook/api/internal/auth"
	"handbook/api/internal/domain"
	"handbook/api/internal/pullrequest"
	"handbook/api/internal/rbac"
	"handbook/api/internal/search"
	"handbook/api/internal/store"
	"handbook/api/internal/versions"
)

// Documents and categories are read and written through a branch context.
// Passing edit_session_token and pull_request_id targets the branch of that
// pull request; otherwise the caller's own branch is used.

func (s *HTTPServer) editTarget(c *gin.Context) (pullrequest.EditTarget, bool) {
	prID, err := queryID(c, "pull_request_id")
	if err != nil {
		s.fail(c, err)
		return pullrequest.EditTarget{}, false
	}
	session := currentSession(c)
	target, err := s.prs.ResolveEditTarget(c.Request.Context(), session.OrganizationID, actorOf(session), c.Query("edit_session_token"), prID)
	if err != nil {
		s.fail(c, err)
		return pullrequest.EditTarget{}, false
	}
	return target, true
}

func (s *HTTPServer) readContext(c *gin.Context) (versions.BranchContext, bool) {
	if c.Query("edit_session_token") != "" {
		target, ok := s.editTarget(c)
		if !ok {
			return versions.BranchContext{}, false
		}
		return versions.OnBranch(target.BranchID), true
	}
	session := currentSession(c)
	branchID, err := s.prs.ReadTarget(c.Request.Context(), session.OrganizationID, actorOf(session))
	if err != nil {
		s.fail(c, err)
		return versions.BranchContext{}, false
	}
	return versions.BranchContext{UserBranchID: branchID}, true
}

func (s *HTTPServer) listEntities(kind store.EntityKind) gin.HandlerFunc {
	return func(c *gin.Context) {
		bc, ok := s.readContext(c)
		if !ok {
			return
		}
		list, err := s.versions.Visible(c.Request.Context(), currentSession(c).OrganizationID, kind, bc)
		if err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"items": toVersions(list)})
	}
}

func (s *HTTPServer) getEntity(kind store.EntityKind) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathID(c, "id")
		if !ok {
			return
		}
		bc, ok := s.readContext(c)
		if !ok {
			return
		}
		v, err := s.current(c.Request.Context(), currentSession(c), kind, id, bc)
		if err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, toVersion(v))
	}
}

func (s *HTTPServer) current(ctx context.Context, session auth.Session, kind store.EntityKind, id int64, bc versions.BranchContext) (store.Version, error) {
	v, err := s.versions.GetCurrentVersion(ctx, session.OrganizationID, id, bc)
	if err != nil {
		return store.Version{}, err
	}
	if v.Kind != kind {
		return store.Version{}, domain.NotFound("%s %d not found", kind, id)
	}
	return v, nil
}

func (s *HTTPServer) createEntity(kind store.EntityKind) gin.HandlerFunc {
	return func(c *gin.Context) {
		s.writeEntity(c, kind, 0, http.StatusCreated)
	}
}

func (s *HTTPServer) updateEntity(kind store.EntityKind) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathID(c, "id")
		if !ok {
			return
		}
		s.writeEntity(c, kind, id, http.StatusOK)
	}
}

func (s *HTTPServer) writeEntity(c *gin.Context, kind store.EntityKind, entityID int64, status int) {
	if !s.allow(c, rbac.ActionPropose) {
		return
	}
	var req writeVersionRequest
	if !bind(c, &req) {
		return
	}
	target, ok := s.editTarget(c)
	if !ok {
		return
	}
	v, err := s.versions.CreateVersion(c.Request.Context(), currentSession(c).OrganizationID, req.command(kind, entityID, target))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(status, toVersion(v))
}

// deleteEntity stages a deletion on the target branch. Nothing is removed
// from the merged baseline until the branch merges.
func (s *HTTPServer) deleteEntity(kind store.EntityKind) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.allow(c, rbac.ActionPropose) {
			return
		}
		id, ok := pathID(c, "id")
		if !ok {
			return
		}
		target, ok := s.editTarget(c)
		if !ok {
			return
		}
		ctx := c.Request.Context()
		session := currentSession(c)
		if _, err := s.current(ctx, session, kind, id, versions.OnBranch(target.BranchID)); err != nil {
			s.fail(c, err)
			return
		}
		v, err := s.versions.StageDeletion(ctx, session.OrganizationID, target.BranchID, id, target.EditSessionID)
		if err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, toVersion(v))
	}
}

func (s *HTTPServer) searchDocuments(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	offset, _ := strconv.Atoi(c.Query("offset"))
	c.JSON(http.StatusOK, s.search.Search(c.Request.Context(), search.Query{
		OrganizationID: currentSession(c).OrganizationID,
		Text:           c.Query("q"),
		Limit:          limit,
		Offset:         offset,
	}))
}
