package app

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"handbook/api/internal/domain"
	"handbook/api/internal/store"
)

type errorResponse struct {
	Code    string            `json:"code"`
	Error   string            `json:"error"`
	Details map[string]string `json:"details,omitempty"`
}

// mapError turns a service error into its status and body. Anything that is
// not a domain error is reported as a bare 500.
func mapError(err error) (int, errorResponse) {
	var de *domain.Error
	if errors.As(err, &de) {
		message := de.Message
		if message == "" {
			message = http.StatusText(de.StatusCode())
		}
		return de.StatusCode(), errorResponse{Code: de.Code, Error: message, Details: de.Fields}
	}
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, errorResponse{Code: "NOT_FOUND", Error: "Not found"}
	case errors.Is(err, store.ErrDuplicate):
		return http.StatusConflict, errorResponse{Code: "CONFLICT", Error: "Resource already exists"}
	}
	return http.StatusInternalServerError, errorResponse{Code: "SERVER_ERROR", Error: "Internal server error"}
}

func (s *HTTPServer) fail(c *gin.Context, err error) {
	status, body := mapError(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("request_id", requestID(c)),
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Error(err))
	}
	c.AbortWithStatusJSON(status, body)
}

func invalidBody(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusBadRequest, errorResponse{Code: "INVALID_BODY", Error: "invalid JSON body"})
}
