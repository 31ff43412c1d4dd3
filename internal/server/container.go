// Package server assembles and runs the service container: every
// component constructed in dependency order, background loops started,
// and a graceful, idempotent shutdown path.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/vidmind/vidmind/internal/api"
	"github.com/vidmind/vidmind/internal/audit"
	"github.com/vidmind/vidmind/internal/claude"
	"github.com/vidmind/vidmind/internal/config"
	"github.com/vidmind/vidmind/internal/jobs"
	"github.com/vidmind/vidmind/internal/kg"
	"github.com/vidmind/vidmind/internal/observability"
	"github.com/vidmind/vidmind/internal/session"
	"github.com/vidmind/vidmind/internal/store"
	"github.com/vidmind/vidmind/internal/transcribe"
	"github.com/vidmind/vidmind/pkg/models"
)

const systemPrompt = `You are vidmind, an assistant for video understanding. You help users ` +
	`transcribe videos, explore their content, and build knowledge graphs from them. ` +
	`Use the transcribe_video tool whenever the user wants a video analyzed. ` +
	`Be concise and tell the user when background work is still running.`

// cleanupTick is how often retention sweeps (audit logs, graph
// exports) run. Session expiry has its own configured interval.
const cleanupTick = 1 * time.Hour

// Container owns every service and their background goroutines.
type Container struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *prometheus.Registry
	metrics  *observability.Metrics

	store      *store.Store
	audit      *audit.Service
	sessions   *session.Service
	transcribe *transcribe.Service
	graph      *kg.Service
	jobs       *jobs.Queue
	httpSrv    *http.Server

	cancel context.CancelFunc
	bg     sync.WaitGroup

	shutdownOnce sync.Once
}

// New wires the container in dependency order: store, audit, sessions,
// transcription, knowledge graph, job queue, HTTP surface. Nothing
// starts running until Run.
func New(cfg *config.Config, logger *slog.Logger) (*Container, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(registry)

	c := &Container{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		metrics:  metrics,
	}

	st, err := store.New(cfg.Server.DataDir, logger)
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	c.store = st

	auditSvc, err := audit.NewService(st.DataDir(), cfg.Audit, logger, metrics)
	if err != nil {
		return nil, fmt.Errorf("audit: %w", err)
	}
	c.audit = auditSvc

	queue, err := jobs.NewQueue(st.JobsDir(), logger, metrics)
	if err != nil {
		return nil, fmt.Errorf("jobs: %w", err)
	}
	c.jobs = queue

	transcribeSvc, err := transcribe.NewService(st, queue, transcribe.NewExecTranscriber(cfg.Transcribe), logger)
	if err != nil {
		return nil, fmt.Errorf("transcribe: %w", err)
	}
	c.transcribe = transcribeSvc

	graphSvc, err := kg.NewService(st, auditSvc, cfg.Graph, logger)
	if err != nil {
		return nil, fmt.Errorf("kg: %w", err)
	}
	if err := graphSvc.RegisterJobs(queue); err != nil {
		return nil, fmt.Errorf("kg: %w", err)
	}
	c.graph = graphSvc

	c.sessions = session.NewService(cfg.Session, st, c.conversationFactory, logger, metrics)

	apiSrv := api.NewServer(api.Services{
		Sessions:   c.sessions,
		Store:      st,
		Audit:      auditSvc,
		Jobs:       queue,
		Transcribe: transcribeSvc,
		Graph:      graphSvc,
	}, registry, logger)

	c.httpSrv = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           apiSrv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return c, nil
}

// conversationFactory builds the upstream conversation for one
// session: audit hooks, the session-bound tool registry, and the
// policy permission check. Without an API key the chat surface is
// down but everything else still works.
func (c *Container) conversationFactory(sessionID string) (session.Conversation, error) {
	if c.cfg.Claude.APIKey == "" {
		return nil, models.NewAppError(models.CodeServiceUnavailable, "chat is not configured").
			WithHint("Set APP_ANTHROPIC_API_KEY to enable conversations.")
	}

	tools := claude.NewToolRegistry()
	if err := tools.Register(transcribe.NewTool(c.transcribe, sessionID)); err != nil {
		return nil, err
	}

	return claude.NewClient(claude.Options{
		APIKey:       c.cfg.Claude.APIKey,
		Model:        c.cfg.Claude.Model,
		SystemPrompt: systemPrompt,
		Tools:        tools,
		Hooks:        audit.NewSessionHooks(sessionID, c.audit),
		CanUseTool: func(_ context.Context, toolName string, input map[string]any) (bool, string) {
			blocked, reason, _ := audit.CheckToolUse(toolName, input)
			return !blocked, reason
		},
		SessionID: sessionID,
		Logger:    c.logger,
	})
}

// Run starts the background loops and serves HTTP until ctx is
// cancelled or the listener fails.
func (c *Container) Run(ctx context.Context) error {
	bgCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	restored := c.jobs.RestorePendingJobs()
	if restored > 0 {
		c.logger.Info("restored interrupted jobs", "count", restored)
	}

	c.bg.Add(3)
	go func() {
		defer c.bg.Done()
		c.jobs.Run(bgCtx, c.cfg.Jobs.MaxConcurrent)
	}()
	go func() {
		defer c.bg.Done()
		c.sessions.RunCleanupLoop(bgCtx)
	}()
	go func() {
		defer c.bg.Done()
		c.retentionLoop(bgCtx)
	}()

	errCh := make(chan error, 1)
	go func() {
		c.logger.Info("http server listening", "addr", c.cfg.Server.ListenAddr)
		errCh <- c.httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		c.Shutdown()
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		c.Shutdown()
		return fmt.Errorf("http server: %w", err)
	}
}

// retentionLoop sweeps audit logs and graph exports on a fixed cadence.
func (c *Container) retentionLoop(ctx context.Context) {
	ticker := time.NewTicker(cleanupTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.audit.CleanupOldLogs()
			if _, err := c.graph.CleanupOldExports(); err != nil {
				c.logger.Warn("export cleanup failed", "error", err)
			}
		}
	}
}

// Shutdown stops everything in reverse dependency order. Safe to call
// more than once and from multiple goroutines.
func (c *Container) Shutdown() {
	c.shutdownOnce.Do(func() {
		c.logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.httpSrv.Shutdown(shutdownCtx); err != nil {
			c.logger.Warn("http shutdown", "error", err)
		}

		// Stop all session actors first so their final costs and stop
		// events land before the audit pipeline drains.
		c.sessions.Shutdown()

		if c.cancel != nil {
			c.cancel()
		}
		c.jobs.Shutdown(c.cfg.Session.GracefulShutdownTimeout)
		c.bg.Wait()

		if err := c.audit.Close(); err != nil {
			c.logger.Warn("audit close", "error", err)
		}
		c.logger.Info("shutdown complete")
	})
}
