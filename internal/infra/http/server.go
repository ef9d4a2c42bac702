package http

import (
	"net/http"
	"time"

	"ciaf/internal/config"
	"ciaf/internal/domain"
	"ciaf/internal/infra/anchors"
	"ciaf/internal/infra/ratelimit"
	"ciaf/internal/usecase"

	"github.com/gin-gonic/gin"
)

type Server struct {
	cfg config.Config
	r   *gin.Engine

	orchestrator *usecase.Orchestrator
	compiler     *usecase.TrailCompiler
	reviews      *usecase.ReviewQueue
	anchors      *anchors.Store

	rateLimiter         domain.RateLimiter
	rateLimitRequests   int
	rateLimitWindow     time.Duration
	rateLimitFailClosed bool
}

type ServerDeps struct {
	Orchestrator *usecase.Orchestrator
	Compiler     *usecase.TrailCompiler
	Reviews      *usecase.ReviewQueue
	Anchors      *anchors.Store
	RateLimiter  domain.RateLimiter
}

func NewServer(cfg config.Config, deps ServerDeps) *Server {
	r := gin.New()
	r.Use(gin.Recovery())

	s := &Server{
		cfg:          cfg,
		r:            r,
		orchestrator: deps.Orchestrator,
		compiler:     deps.Compiler,
		reviews:      deps.Reviews,
		anchors:      deps.Anchors,
	}
	s.initRateLimit(deps.RateLimiter)
	s.routes()
	return s
}

func (s *Server) initRateLimit(override domain.RateLimiter) {
	if override != nil {
		s.rateLimiter = override
	}
	if s.rateLimiter == nil && s.cfg.RateLimitRequests > 0 {
		if s.cfg.RedisAddr != "" {
			if limiter, err := ratelimit.NewRedisLimiter(s.cfg.RedisAddr, s.cfg.RedisPassword, s.cfg.RedisDB, nil); err == nil {
				s.rateLimiter = limiter
			}
		}
		if s.rateLimiter == nil {
			s.rateLimiter = ratelimit.NewMemoryLimiter(ratelimit.MemoryLimiterConfig{
				MaxKeys: s.cfg.RateLimitMaxKeys,
			})
		}
	}
	s.rateLimitRequests = s.cfg.RateLimitRequests
	if s.cfg.RateLimitWindowSeconds > 0 {
		s.rateLimitWindow = time.Duration(s.cfg.RateLimitWindowSeconds) * time.Second
	}
	s.rateLimitFailClosed = s.cfg.RateLimitFailClosed
}

// rateLimitMiddleware enforces a per-client fixed window. A limiter
// backend failure fails open unless configured closed.
func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.rateLimiter == nil || s.rateLimitRequests <= 0 {
			c.Next()
			return
		}
		key := "ip:" + c.ClientIP()
		decision, err := s.rateLimiter.Allow(c.Request.Context(), key, s.rateLimitRequests, s.rateLimitWindow)
		if err != nil {
			if s.rateLimitFailClosed {
				writeErrorCode(c, http.StatusServiceUnavailable, "RATE_LIMIT_UNAVAILABLE", "rate limiter unavailable")
				c.Abort()
				return
			}
			c.Next()
			return
		}
		if !decision.Allowed {
			c.Header("Retry-After", decision.ResetAt.UTC().Format(http.TimeFormat))
			writeErrorCode(c, http.StatusTooManyRequests, "RATE_LIMITED", "rate limit exceeded")
			c.Abort()
			return
		}
		c.Next()
	}
}

func (s *Server) routes() {
	s.r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := s.r.Group("/v1")
	v1.Use(s.rateLimitMiddleware())
	{
		v1.POST("/lifecycles/:lifecycle_id/stages/:stage/run", s.handleRunStage)
		v1.GET("/lifecycles/:lifecycle_id/anchors/:stage", s.handleGetAnchor)

		v1.GET("/reviews", s.handleListReviews)
		v1.POST("/reviews/:review_id/decision", s.handleReviewDecision)

		v1.GET("/receipts", s.handleListReceipts)
		v1.GET("/receipts/:receipt_id", s.handleGetReceipt)

		v1.GET("/proof-bundles/:operation_id", s.handleExportProofBundle)
		v1.POST("/proof-bundles/verify", s.handleVerifyProofBundle)
	}

	s.r.NoRoute(func(c *gin.Context) {
		writeErrorCode(c, http.StatusNotFound, "NOT_FOUND", "route not found")
	})
}

func (s *Server) Run() error {
	return s.r.Run(s.cfg.HTTPAddr)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.r
}
