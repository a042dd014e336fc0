package api

import (
	"net/http"
	"time"

	"dreamstream/server/internal/auth"
	"dreamstream/server/internal/config"
	"dreamstream/server/internal/events"
	"dreamstream/server/internal/generation"
	"dreamstream/server/internal/provider"
	"dreamstream/server/internal/store"
	"dreamstream/server/internal/telemetry"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const sseHeartbeat = 15 * time.Second

type Server struct {
	auth    *auth.Service
	store   *store.MemoryStore
	gen     *generation.Service
	hub     *events.Hub
	keys    *provider.KeyStore
	metrics *telemetry.Metrics
	log     *zap.Logger
	cfg     config.Config
}

func NewServer(authSvc *auth.Service, st *store.MemoryStore, gen *generation.Service, hub *events.Hub, keys *provider.KeyStore, metrics *telemetry.Metrics, logger *zap.Logger, cfg config.Config) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = telemetry.NewMetrics()
	}
	return &Server{
		auth:    authSvc,
		store:   st,
		gen:     gen,
		hub:     hub,
		keys:    keys,
		metrics: metrics,
		log:     logger.Named("api"),
		cfg:     cfg,
	}
}

func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(TraceMiddleware())
	r.Use(RequestLogMiddleware(s.log))
	r.Use(s.metrics.Middleware())
	r.Use(cors.New(cors.Config{
		AllowOrigins:     s.cfg.CORSOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "Last-Event-ID", "X-Trace-Id"},
		ExposeHeaders:    []string{"X-Trace-Id"},
		AllowCredentials: !allowsAnyOrigin(s.cfg.CORSOrigins),
		MaxAge:           12 * time.Hour,
	}))

	r.GET("/metrics", gin.WrapH(s.metrics.Handler()))

	v1 := r.Group("/api/v1")
	v1.GET("/healthz", func(c *gin.Context) {
		writeData(c, http.StatusOK, gin.H{"status": "ok"})
	})
	v1.GET("/styles", s.listStyles)

	v1.POST("/auth/login", s.login)
	v1.POST("/auth/refresh", s.refresh)

	throttle := RateLimitMiddleware(s.cfg.RateLimitRPS, s.cfg.RateLimitBurst)

	authed := v1.Group("")
	authed.Use(AuthMiddleware(s.auth))
	{
		authed.GET("/client/bootstrap", s.clientBootstrap)
		authed.POST("/auth/logout", s.logout)
		authed.GET("/me", s.me)

		authed.POST("/sessions", s.createSession)
		authed.GET("/sessions", s.listSessions)
		authed.GET("/sessions/:session_id", s.getSession)
		authed.DELETE("/sessions/:session_id", s.deleteSession)
		authed.POST("/sessions/:session_id/prompts", throttle, s.submitPrompt)
		authed.POST("/sessions/:session_id/utterances", throttle, s.submitUtterance)
		authed.POST("/sessions/:session_id/undo", s.undo)
		authed.POST("/sessions/:session_id/redo", s.redo)
		authed.POST("/sessions/:session_id/reset", s.resetContext)
		authed.DELETE("/sessions/:session_id/history", s.clearHistory)
		authed.PATCH("/sessions/:session_id/settings", s.updateSettings)
		authed.GET("/sessions/:session_id/events", s.streamSessionEvents)
		authed.GET("/sessions/:session_id/capture", s.captureSocket)

		authed.GET("/media/:blob_id", s.getMedia)

		authed.GET("/credential", s.getCredential)
		authed.PUT("/credential", s.putCredential)
	}

	return r
}

func allowsAnyOrigin(origins []string) bool {
	for _, o := range origins {
		if o == "*" {
			return true
		}
	}
	return len(origins) == 0
}
