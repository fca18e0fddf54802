package app

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"handbook/api/internal/rbac"
)

func (s *HTTPServer) createPullRequest(c *gin.Context) {
	if !s.allow(c, rbac.ActionPropose) {
		return
	}
	var req createPullRequestRequest
	if !bind(c, &req) {
		return
	}
	session := currentSession(c)
	pr, err := s.prs.Create(c.Request.Context(), session.OrganizationID, actorOf(session), req.command())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, toPullRequest(pr))
}

func (s *HTTPServer) getPullRequest(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	detail, err := s.prs.Detail(c.Request.Context(), currentSession(c).OrganizationID, id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, pullRequestDetailResponse{
		PullRequest: toPullRequest(detail.PullRequest),
		Diff:        nonNilItems(detail.Diff),
		Activity:    toActivity(detail.Activity),
	})
}

func (s *HTTPServer) approvePullRequest(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	session := currentSession(c)
	pr, err := s.prs.Approve(c.Request.Context(), session.OrganizationID, id, actorOf(session))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toPullRequest(pr))
}

// mergePullRequest only queues the merge; clients poll the pull request for
// the outcome.
func (s *HTTPServer) mergePullRequest(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	session := currentSession(c)
	pr, err := s.prs.RequestMerge(c.Request.Context(), session.OrganizationID, id, actorOf(session))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"pull_request": toPullRequest(pr), "merge": "queued"})
}

func (s *HTTPServer) closePullRequest(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	session := currentSession(c)
	pr, err := s.prs.Close(c.Request.Context(), session.OrganizationID, id, actorOf(session))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toPullRequest(pr))
}

func (s *HTTPServer) conflictDiff(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	items, err := s.prs.ConflictDiff(c.Request.Context(), currentSession(c).OrganizationID, id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": nonNilItems(items)})
}

func (s *HTTPServer) stageConflict(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req stageConflictRequest
	if !bind(c, &req) {
		return
	}
	session := currentSession(c)
	t, err := s.prs.StageConflictTemporary(c.Request.Context(), session.OrganizationID, id, actorOf(session), req.command())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toConflictTemporary(t))
}

func (s *HTTPServer) resolveConflict(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	session := currentSession(c)
	pr, err := s.prs.ResolveConflict(c.Request.Context(), session.OrganizationID, id, actorOf(session))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toPullRequest(pr))
}

func (s *HTTPServer) createFixRequest(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req fixRequestRequest
	if !bind(c, &req) {
		return
	}
	session := currentSession(c)
	fix, err := s.prs.CreateFixRequest(c.Request.Context(), session.OrganizationID, id, actorOf(session), req.command())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, tokenResponse{Token: fix.Token, ExpiresAt: fix.ExpiresAt})
}

func (s *HTTPServer) getFixRequest(c *gin.Context) {
	detail, err := s.prs.GetFixRequest(c.Request.Context(), currentSession(c).OrganizationID, c.Param("token"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toFixRequestDetail(detail))
}

func (s *HTTPServer) applyFixRequest(c *gin.Context) {
	var req applyFixRequestRequest
	if !bind(c, &req) {
		return
	}
	session := currentSession(c)
	detail, err := s.prs.ApplyFixRequest(c.Request.Context(), session.OrganizationID, req.Token, actorOf(session))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toFixRequestDetail(detail))
}
