// Package api is the HTTP surface over the service container. It holds
// no state of its own: every handler validates input, calls one
// service, and translates the outcome to JSON. Failures always leave
// as the structured error envelope.
package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vidmind/vidmind/internal/audit"
	"github.com/vidmind/vidmind/internal/jobs"
	"github.com/vidmind/vidmind/internal/kg"
	"github.com/vidmind/vidmind/internal/session"
	"github.com/vidmind/vidmind/internal/store"
	"github.com/vidmind/vidmind/internal/transcribe"
	"github.com/vidmind/vidmind/pkg/models"
)

// Services are the container components the HTTP layer translates for.
// Graph may be nil; its routes are then not registered.
type Services struct {
	Sessions   *session.Service
	Store      *store.Store
	Audit      *audit.Service
	Jobs       *jobs.Queue
	Transcribe *transcribe.Service
	Graph      *kg.Service
}

// Server owns the gin engine and the route table.
type Server struct {
	svc      Services
	gatherer prometheus.Gatherer
	logger   *slog.Logger
	engine   *gin.Engine
}

// NewServer builds the engine with all routes registered.
func NewServer(svc Services, gatherer prometheus.Gatherer, logger *slog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		svc:      svc,
		gatherer: gatherer,
		logger:   logger.With("component", "api"),
	}

	engine := gin.New()
	engine.Use(s.requestLog(), gin.Recovery())

	engine.GET("/healthz", s.health)
	if gatherer != nil {
		engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	api := engine.Group("/api")
	{
		api.POST("/sessions", s.createSession)
		api.GET("/sessions", s.listSessions)
		api.GET("/sessions/:id", s.getSession)
		api.DELETE("/sessions/:id", s.deleteSession)
		api.POST("/sessions/:id/messages", s.postMessage)
		api.GET("/sessions/:id/greeting", s.getGreeting)
		api.GET("/sessions/:id/cost", s.getSessionCost)
		api.GET("/cost", s.getGlobalCost)

		api.POST("/transcripts", s.createTranscription)
		api.GET("/transcripts", s.listTranscripts)
		api.GET("/transcripts/:id", s.getTranscript)
		api.DELETE("/transcripts/:id", s.deleteTranscript)

		api.GET("/jobs", s.listJobs)
		api.GET("/jobs/:id", s.getJob)
		api.POST("/jobs/:id/cancel", s.cancelJob)

		api.GET("/audit/sessions", s.listAuditSessions)
		api.GET("/audit/sessions/:id", s.getAuditLog)
		api.GET("/audit/stats", s.getAuditStats)

		if svc.Graph != nil {
			api.GET("/projects", s.listProjects)
			api.POST("/projects", s.saveProject)
			api.GET("/projects/:id", s.getProject)
			api.DELETE("/projects/:id", s.deleteProject)
			api.POST("/projects/:id/export", s.exportProject)
			api.POST("/projects/:id/resolve", s.resolveProject)
			api.POST("/exports", s.createBatchExport)
		}
	}

	s.engine = engine
	return s
}

// Handler exposes the engine for an http.Server.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "sessions": s.svc.Sessions.Count()})
}

// fail renders any error as the structured envelope. Internal errors
// get logged here so handlers never have to.
func (s *Server) fail(c *gin.Context, err error) {
	app := models.AsAppError(err)
	if app.Code == models.CodeInternalError {
		s.logger.Error("request failed", "method", c.Request.Method, "path", c.FullPath(), "error", err)
	}
	c.AbortWithStatusJSON(app.Code.HTTPStatus(), app.Envelope())
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds())
	}
}

// queryInt parses an integer query parameter, falling back to def on
// absence or garbage.
func queryInt(c *gin.Context, name string, def int) int {
	raw := c.Query(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

// notFound translates a store/queue sentinel into the right envelope
// code for the resource kind.
func notFound(err error, code models.ErrorCode, message string) error {
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, jobs.ErrJobNotFound) {
		return models.NewAppError(code, message)
	}
	return err
}
