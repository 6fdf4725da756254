package server

import (
	"context"
	"net/http"
	"time"

	"github.com/aimerfeng/CampusRAG/internal/chat"
	"github.com/aimerfeng/CampusRAG/internal/config"
	apierrors "github.com/aimerfeng/CampusRAG/internal/errors"
	"github.com/aimerfeng/CampusRAG/internal/jobs"
	"github.com/aimerfeng/CampusRAG/internal/logging"
	"github.com/aimerfeng/CampusRAG/internal/middleware"
	"github.com/aimerfeng/CampusRAG/internal/monitoring"
	"github.com/aimerfeng/CampusRAG/internal/provider"
	"github.com/aimerfeng/CampusRAG/internal/retrieval"
	"github.com/gin-gonic/gin"
)

// HealthCheck reports whether one dependency is reachable
type HealthCheck func(ctx context.Context) error

// Deps are the services behind the HTTP surface
type Deps struct {
	Jobs      *jobs.Service
	Retrieval *retrieval.Service
	Chat      *chat.Orchestrator
	Limiter   middleware.RateLimiter
	Breakers  *provider.CircuitBreakerManager
	Checks    map[string]HealthCheck
}

// APIServer represents the main API server
type APIServer struct {
	config           *config.Config
	router           *gin.Engine
	deps             Deps
	jwtAuthenticator *middleware.JWTAuthenticator
}

// NewAPIServer creates a new API server instance
func NewAPIServer(cfg *config.Config, deps Deps) *APIServer {
	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	// Add middleware in order
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.CorrelationID())
	router.Use(monitoring.MetricsMiddleware())
	router.Use(logging.RequestLogger())

	srv := &APIServer{
		config:           cfg,
		router:           router,
		deps:             deps,
		jwtAuthenticator: middleware.NewJWTAuthenticator(&cfg.JWT),
	}

	srv.setupRoutes()
	return srv
}

// Router returns the gin router
func (s *APIServer) Router() http.Handler {
	return s.router
}

func (s *APIServer) setupRoutes() {
	s.router.GET("/health", s.healthCheck)
	s.router.GET("/metrics", monitoring.GinHandler())

	v1 := s.router.Group("/api/v1")
	v1.Use(s.jwtAuthenticator.JWTAuth())
	{
		v1.POST("/documents", s.handleUploadDocument)
		v1.DELETE("/documents", s.handleDeleteDocument)
		v1.GET("/topics", s.handleTopics)

		jobsGroup := v1.Group("/jobs")
		{
			jobsGroup.GET("", s.handleListJobs)
			jobsGroup.GET("/stats", s.handleJobStats)
			jobsGroup.GET("/:id", s.handleGetJob)
			jobsGroup.POST("/:id/cancel", s.handleCancelJob)
		}

		v1.POST("/search", s.limit("search"), s.handleSearch)
		v1.POST("/chat/stream", s.limit("chat"), s.handleChatStream)

		conversations := v1.Group("/conversations")
		{
			conversations.POST("", s.handleCreateConversation)
			conversations.GET("", s.handleListConversations)
			conversations.GET("/:id", s.handleGetConversation)
			conversations.GET("/:id/messages", s.handleConversationMessages)
			conversations.DELETE("/:id", s.handleDeleteConversation)
		}
	}
}

func (s *APIServer) limit(route string) gin.HandlerFunc {
	return middleware.RateLimit(s.deps.Limiter, &s.config.RateLimit, route)
}

// healthCheck reports dependency reachability and provider breaker states.
// Any failing dependency or open breaker makes the service degraded (503).
func (s *APIServer) healthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := "healthy"
	checks := make(map[string]string, len(s.deps.Checks))
	for name, check := range s.deps.Checks {
		if err := check(ctx); err != nil {
			checks[name] = err.Error()
			status = "degraded"
			continue
		}
		checks[name] = "ok"
	}

	var breakers []*provider.CircuitBreakerStatus
	if s.deps.Breakers != nil {
		breakers = s.deps.Breakers.GetAllStatus()
		for _, b := range breakers {
			if b.State == provider.CircuitBreakerStateOpen {
				status = "degraded"
			}
		}
	}

	code := http.StatusOK
	if status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":           status,
		"service":          s.config.Server.Name,
		"checks":           checks,
		"circuit_breakers": breakers,
	})
}

// respondError sends a standardized error response
func respondError(c *gin.Context, err *apierrors.APIError) {
	middleware.RespondWithError(c, err)
}

// respondServiceError maps a service error to its API error. Unexpected
// failures are logged with the request id.
func respondServiceError(c *gin.Context, err error, notFound *apierrors.APIError) {
	apiErr := apierrors.FromError(err, notFound)
	if apiErr.HTTPStatus >= http.StatusInternalServerError {
		logger := logging.NewLogger("api")
		logger.Error().
			Err(err).
			Str("request_id", middleware.GetRequestIDFromContext(c)).
			Str("path", c.Request.URL.Path).
			Msg("Request failed")
	}
	respondError(c, apiErr)
}
