package app

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"handbook/api/internal/auth"
	"handbook/api/internal/domain"
	"handbook/api/internal/pullrequest"
	"handbook/api/internal/rbac"
)

const (
	requestIDHeader = "X-Request-ID"
	requestIDKey    = "request_id"
	sessionKey      = "session"
)

func withRequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

// noStore keeps proxies from caching branch-scoped reads.
func noStore() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Cache-Control", "no-store")
		c.Next()
	}
}

func requestID(c *gin.Context) string {
	return c.GetString(requestIDKey)
}

// logRequests writes one line per request once the handler has finished.
func logRequests(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		logger.Info("request",
			zap.String("request_id", requestID(c)),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(started)))
	}
}

func recoverPanics(logger *zap.Logger) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logger.Error("handler panicked",
			zap.String("request_id", requestID(c)),
			zap.String("path", c.Request.URL.Path),
			zap.Any("panic", recovered))
		c.AbortWithStatusJSON(http.StatusInternalServerError, errorResponse{Code: "SERVER_ERROR", Error: "Internal server error"})
	})
}

// requireSession rejects requests without a valid session cookie or bearer
// token and stores the session for the handlers.
func (s *HTTPServer) requireSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := auth.TokenFromRequest(c.Request, s.opts.SessionCookie)
		if err != nil {
			s.fail(c, domain.Unauthorized("authentication required"))
			return
		}
		session, err := auth.ParseSession(s.secret, token)
		if err != nil {
			message := "session is invalid"
			if errors.Is(err, auth.ErrExpiredToken) {
				message = "session has expired"
			}
			s.fail(c, domain.Unauthorized(message))
			return
		}
		c.Set(sessionKey, session)
		c.Next()
	}
}

func currentSession(c *gin.Context) auth.Session {
	session, _ := c.MustGet(sessionKey).(auth.Session)
	return session
}

func actorOf(session auth.Session) pullrequest.Actor {
	return pullrequest.Actor{UserID: session.UserID, Email: session.Email}
}

// allow checks the caller's role for an edit action.
func (s *HTTPServer) allow(c *gin.Context, action rbac.Action) bool {
	session := currentSession(c)
	ok, err := s.authz.Allowed(c.Request.Context(), session.OrganizationID, session.UserID, action)
	if err != nil {
		s.fail(c, err)
		return false
	}
	if !ok {
		s.fail(c, domain.Forbidden("your role does not allow this action"))
		return false
	}
	return true
}
