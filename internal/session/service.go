package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/vidmind/vidmind/internal/config"
	"github.com/vidmind/vidmind/internal/observability"
	"github.com/vidmind/vidmind/internal/store"
	"github.com/vidmind/vidmind/pkg/models"
)

// Service is the actor registry: it owns the map of live actors and the
// TTL cleanup loop.
type Service struct {
	cfg     config.SessionConfig
	store   *store.Store
	factory ConversationFactory
	logger  *slog.Logger
	metrics *observability.Metrics

	mu     sync.Mutex
	actors map[string]*Actor
	closed bool
}

// NewService builds the registry. metrics may be nil.
func NewService(cfg config.SessionConfig, st *store.Store, factory ConversationFactory, logger *slog.Logger, metrics *observability.Metrics) *Service {
	return &Service{
		cfg:     cfg,
		store:   st,
		factory: factory,
		logger:  logger.With("component", "session_registry"),
		actors:  make(map[string]*Actor),
		metrics: metrics,
	}
}

// GetOrCreate returns the live actor for the session, spawning one if
// needed. Concurrent calls for the same id never leave two workers
// running: the actor is created outside the lock, and the loser of the
// install race is stopped.
func (s *Service) GetOrCreate(sessionID string) (*Actor, error) {
	if !store.ValidSessionID(sessionID) {
		return nil, models.NewAppError(models.CodeValidationError, "invalid session id").
			WithDetail("session ids must be UUIDv4")
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, models.NewAppError(models.CodeServiceUnavailable, "server is shutting down")
	}
	if actor, ok := s.actors[sessionID]; ok && actor.IsRunning() {
		s.mu.Unlock()
		return actor, nil
	}
	s.mu.Unlock()

	candidate := NewActor(sessionID, s.cfg, s.store, s.factory, s.logger, s.metrics)
	candidate.Start()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		candidate.Stop()
		return nil, models.NewAppError(models.CodeServiceUnavailable, "server is shutting down")
	}
	if winner, ok := s.actors[sessionID]; ok && winner.IsRunning() {
		s.mu.Unlock()
		candidate.Stop()
		return winner, nil
	}
	s.actors[sessionID] = candidate
	count := len(s.actors)
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.ActiveSessions.Set(float64(count))
	}
	s.logger.Info("session actor created", "session_id", sessionID)
	return candidate, nil
}

// Get returns the live actor for the session, if any.
func (s *Service) Get(sessionID string) (*Actor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	actor, ok := s.actors[sessionID]
	return actor, ok
}

// Count returns the number of registered actors.
func (s *Service) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.actors)
}

// Remove unregisters and stops the session's actor. The registry lock
// is released before Stop so a slow shutdown never blocks lookups.
func (s *Service) Remove(sessionID string) bool {
	s.mu.Lock()
	actor, ok := s.actors[sessionID]
	if ok {
		delete(s.actors, sessionID)
	}
	count := len(s.actors)
	s.mu.Unlock()

	if !ok {
		return false
	}
	if s.metrics != nil {
		s.metrics.ActiveSessions.Set(float64(count))
	}
	actor.Stop()
	return true
}

// CleanupExpired removes actors that are expired or no longer running.
// Returns how many were removed.
func (s *Service) CleanupExpired() int {
	s.mu.Lock()
	var stale []*Actor
	for id, actor := range s.actors {
		if !actor.IsRunning() || actor.IsExpired(s.cfg.TTL) {
			stale = append(stale, actor)
			delete(s.actors, id)
		}
	}
	count := len(s.actors)
	s.mu.Unlock()

	for _, actor := range stale {
		s.logger.Info("cleaning up session actor", "session_id", actor.ID, "state", actor.State())
		actor.Stop()
	}
	if len(stale) > 0 && s.metrics != nil {
		s.metrics.ActiveSessions.Set(float64(count))
	}
	return len(stale)
}

// RunCleanupLoop collects expired actors every cleanup interval until
// the context is cancelled.
func (s *Service) RunCleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := s.CleanupExpired(); n > 0 {
				s.logger.Info("session cleanup pass", "removed", n)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Shutdown stops every actor concurrently and rejects further creates.
// Idempotent.
func (s *Service) Shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	actors := make([]*Actor, 0, len(s.actors))
	for _, actor := range s.actors {
		actors = append(actors, actor)
	}
	s.actors = make(map[string]*Actor)
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, actor := range actors {
		wg.Add(1)
		go func(a *Actor) {
			defer wg.Done()
			a.Stop()
		}(actor)
	}
	wg.Wait()

	if s.metrics != nil {
		s.metrics.ActiveSessions.Set(0)
	}
	s.logger.Info("session registry shut down", "stopped", len(actors))
}
