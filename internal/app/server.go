// Package app is the HTTP surface of the handbook API.
package app

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"handbook/api/internal/branches"
	"handbook/api/internal/diff"
	"handbook/api/internal/domain"
	"handbook/api/internal/pullrequest"
	"handbook/api/internal/rbac"
	"handbook/api/internal/search"
	"handbook/api/internal/store"
	"handbook/api/internal/versions"
)

// Check is a named readiness probe.
type Check func(ctx context.Context) error

type Deps struct {
	Store        store.Store
	Versions     *versions.Service
	Branches     *branches.Manager
	Diffs        *diff.Engine
	PullRequests *pullrequest.Service
	Search       *search.Service
	Authorizer   *rbac.Authorizer
	Logger       *zap.Logger
	// Checks are reported by /api/ready next to the database.
	Checks map[string]Check
}

type Options struct {
	CORSOrigin    string
	SessionSecret string
	SessionCookie string
}

type HTTPServer struct {
	store    store.Store
	versions *versions.Service
	branches *branches.Manager
	diffs    *diff.Engine
	prs      *pullrequest.Service
	search   *search.Service
	authz    *rbac.Authorizer
	logger   *zap.Logger
	checks   map[string]Check
	opts     Options
	secret   []byte
}

func NewHTTPServer(deps Deps, opts Options) *HTTPServer {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.SessionCookie == "" {
		opts.SessionCookie = "handbook_session"
	}
	return &HTTPServer{
		store:    deps.Store,
		versions: deps.Versions,
		branches: deps.Branches,
		diffs:    deps.Diffs,
		prs:      deps.PullRequests,
		search:   deps.Search,
		authz:    deps.Authorizer,
		logger:   logger.With(zap.String("system", "http")),
		checks:   deps.Checks,
		opts:     opts,
		secret:   []byte(opts.SessionSecret),
	}
}

func (s *HTTPServer) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(withRequestID(), noStore(), logRequests(s.logger), recoverPanics(s.logger))
	s.routes(r)

	origins := []string{"*"}
	if strings.TrimSpace(s.opts.CORSOrigin) != "" {
		origins = strings.Split(s.opts.CORSOrigin, ",")
	}
	return cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Origin", "Content-Type", "Accept", "Authorization", requestIDHeader},
		ExposedHeaders:   []string{requestIDHeader},
		AllowCredentials: true,
	}).Handler(r)
}

func (s *HTTPServer) routes(r *gin.Engine) {
	api := r.Group("/api")
	api.GET("/health", s.health)
	api.HEAD("/health", s.health)
	api.GET("/ready", s.ready)

	authed := api.Group("", s.requireSession())

	prs := authed.Group("/pull-requests")
	prs.POST("", s.createPullRequest)
	prs.GET("/:id", s.getPullRequest)
	prs.PATCH("/:id/approve", s.approvePullRequest)
	prs.PUT("/:id/merge", s.mergePullRequest)
	prs.PATCH("/:id/close", s.closePullRequest)
	prs.GET("/:id/conflict/diff", s.conflictDiff)
	prs.POST("/:id/conflict/temporary", s.stageConflict)
	prs.POST("/:id/conflict/resolve", s.resolveConflict)
	prs.POST("/:id/fix-request", s.createFixRequest)

	authed.GET("/fix-requests/:token", s.getFixRequest)
	authed.POST("/fix-requests/apply", s.applyFixRequest)

	authed.POST("/pull-request-edit-sessions", s.openEditSession)
	authed.PATCH("/pull-request-edit-sessions", s.finishEditSession)
	authed.GET("/pull-request-edit-sessions/detail", s.editSessionDetail)

	authed.GET("/user-branches/diff", s.branchDiff)
	authed.GET("/user-branches/has-changes", s.branchHasChanges)
	authed.POST("/user-branches/discard", s.discardBranch)

	authed.POST("/activity-logs", s.recordActivity)

	docs := authed.Group("/documents")
	docs.GET("", s.listEntities(store.KindDocument))
	docs.GET("/search", s.searchDocuments)
	docs.POST("", s.createEntity(store.KindDocument))
	docs.GET("/:id", s.getEntity(store.KindDocument))
	docs.PUT("/:id", s.updateEntity(store.KindDocument))
	docs.DELETE("/:id", s.deleteEntity(store.KindDocument))

	cats := authed.Group("/categories")
	cats.GET("", s.listEntities(store.KindCategory))
	cats.POST("", s.createEntity(store.KindCategory))
	cats.GET("/:id", s.getEntity(store.KindCategory))
	cats.PUT("/:id", s.updateEntity(store.KindCategory))
	cats.DELETE("/:id", s.deleteEntity(store.KindCategory))
}

func (s *HTTPServer) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *HTTPServer) ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := gin.H{}
	probe := func(name string, check Check) {
		if err := check(ctx); err != nil {
			status = http.StatusServiceUnavailable
			checks[name] = gin.H{"status": "error", "error": err.Error()}
			return
		}
		checks[name] = gin.H{"status": "ok"}
	}
	probe("database", s.store.Ping)
	for name, check := range s.checks {
		probe(name, check)
	}

	state := "ready"
	if status != http.StatusOK {
		state = "not_ready"
	}
	c.JSON(status, gin.H{"ok": status == http.StatusOK, "status": state, "checks": checks})
}

func pathID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		c.AbortWithStatusJSON(http.StatusUnprocessableEntity, errorResponse{
			Code:    "VALIDATION_ERROR",
			Error:   "Validation failed",
			Details: map[string]string{name: "must be a positive integer"},
		})
		return 0, false
	}
	return id, true
}

// queryID parses an optional positive integer query parameter.
func queryID(c *gin.Context, name string) (int64, error) {
	raw := strings.TrimSpace(c.Query(name))
	if raw == "" {
		return 0, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, domain.ValidationField(name, "must be a positive integer")
	}
	return id, nil
}

func bind(c *gin.Context, into any) bool {
	if err := c.ShouldBindJSON(into); err != nil {
		invalidBody(c)
		return false
	}
	return true
}
