// Package audit is the hook-driven audit pipeline: it receives tool and
// lifecycle callbacks from the conversation layer, enforces the
// pre-execution policy, persists per-session event logs, and maintains
// aggregate statistics.
//
// Concurrency model: one mutex guards the in-memory cache and stats;
// the lock is never held across disk I/O. Session files are written by
// a deferred writer so log-heavy sessions do not stall the hook caller.
// Disk failures are logged and never propagated: the hook pipeline must
// not kill the agent.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vidmind/vidmind/internal/config"
	"github.com/vidmind/vidmind/internal/observability"
	"github.com/vidmind/vidmind/internal/store"
	"github.com/vidmind/vidmind/pkg/models"
)

const (
	sessionFilePerm = 0o640
	defaultPageSize = 50

	// Fallbacks when the config leaves the writer tunables unset.
	defaultWriteBufferSize = 256
	defaultFlushInterval   = 2 * time.Second
)

// sessionLogFile is the on-disk shape of one session's audit log.
type sessionLogFile struct {
	SessionID  string              `json:"session_id"`
	EventCount int                 `json:"event_count"`
	Events     []models.AuditEvent `json:"events"`
}

// pendingWrites holds the latest snapshot per session between the hook
// caller and the writer goroutine. Keying by session coalesces bursts
// and keeps writes in order: the writer always persists the newest
// state, never a stale intermediate.
type pendingWrites struct {
	mu        sync.Mutex
	snapshots map[string][]models.AuditEvent
}

func (p *pendingWrites) put(sessionID string, events []models.AuditEvent) {
	p.mu.Lock()
	p.snapshots[sessionID] = events
	p.mu.Unlock()
}

func (p *pendingWrites) take(sessionID string) ([]models.AuditEvent, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	events, ok := p.snapshots[sessionID]
	if ok {
		delete(p.snapshots, sessionID)
	}
	return events, ok
}

// Service is the audit pipeline.
type Service struct {
	cfg         config.AuditConfig
	sessionsDir string
	statsPath   string
	logger      *slog.Logger
	metrics     *observability.Metrics

	mu         sync.Mutex
	cache      map[string][]models.AuditEvent
	order      []string
	stats      models.AuditStats
	statsDirty bool

	// seenSessions and stoppedSessions back the distinct-count stats.
	seenSessions    map[string]struct{}
	stoppedSessions map[string]struct{}

	// pendingStarts holds tool start times keyed by tool-use id, set by
	// the pre hook and consumed by the post hook.
	pendingStarts map[string]time.Time

	pending   *pendingWrites
	writes    chan string
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewService creates the audit pipeline rooted at <dataDir>/audit and
// starts its deferred writer. metrics may be nil.
func NewService(dataDir string, cfg config.AuditConfig, logger *slog.Logger, metrics *observability.Metrics) (*Service, error) {
	sessionsDir := filepath.Join(dataDir, "audit", "sessions")
	if err := os.MkdirAll(sessionsDir, 0o750); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}

	bufferSize := cfg.WriteBufferSize
	if bufferSize <= 0 {
		bufferSize = defaultWriteBufferSize
	}

	s := &Service{
		cfg:             cfg,
		sessionsDir:     sessionsDir,
		statsPath:       filepath.Join(dataDir, "audit", "global_stats.json"),
		logger:          logger.With("component", "audit"),
		metrics:         metrics,
		cache:           make(map[string][]models.AuditEvent),
		seenSessions:    make(map[string]struct{}),
		stoppedSessions: make(map[string]struct{}),
		pendingStarts:   make(map[string]time.Time),
		pending:         &pendingWrites{snapshots: make(map[string][]models.AuditEvent)},
		writes:          make(chan string, bufferSize),
		done:            make(chan struct{}),
	}

	if err := store.ReadJSON(s.statsPath, &s.stats); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("could not load audit stats, starting fresh", "error", err)
		s.stats = models.AuditStats{}
	}

	s.wg.Add(1)
	go s.writeLoop()
	return s, nil
}

// Close flushes pending writes and the stats file. Idempotent.
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.wg.Wait()
		s.flushStats()
	})
	return nil
}

// LogEvent appends one event to its session's log, prunes to the
// per-session cap, and updates running stats. It never returns an
// error: persistence failures are logged only.
func (s *Service) LogEvent(ctx context.Context, ev *models.AuditEvent) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	events := s.loadSession(ev.SessionID)

	s.mu.Lock()
	// A concurrent LogEvent may have populated the cache while we read
	// from disk; the cached list wins.
	if cached, ok := s.cache[ev.SessionID]; ok {
		events = cached
	}
	if max := s.cfg.MaxEventsPerSession; max > 0 && len(events) >= max {
		events = append(events[:0:0], events[len(events)-(max-1):]...)
	}
	events = append(events, *ev)
	s.insertLocked(ev.SessionID, events)
	s.updateStatsLocked(ev)
	snapshot := append([]models.AuditEvent(nil), events...)
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.AuditEvents.WithLabelValues(string(ev.Type)).Inc()
		if ev.Type == models.AuditToolBlocked {
			s.metrics.ToolsBlocked.WithLabelValues(ev.ToolName).Inc()
		}
	}

	s.enqueuePersist(ev.SessionID, snapshot)
}

// LogResolutionEvent is the flattened-arguments wrapper for entity
// resolution events.
func (s *Service) LogResolutionEvent(ctx context.Context, eventType models.AuditEventType, projectID, sessionID string, durationMS *float64, detail map[string]any) {
	s.LogEvent(ctx, &models.AuditEvent{
		Type:       eventType,
		SessionID:  sessionID,
		ProjectID:  projectID,
		DurationMS: durationMS,
		Detail:     detail,
	})
}

// GetSessionAuditLog returns a newest-first page of the session's
// events, optionally filtered by event type.
func (s *Service) GetSessionAuditLog(sessionID string, limit, offset int, eventType models.AuditEventType) *models.AuditLogPage {
	if limit <= 0 {
		limit = defaultPageSize
	}
	if offset < 0 {
		offset = 0
	}

	events := s.loadSession(sessionID)
	s.mu.Lock()
	if cached, ok := s.cache[sessionID]; ok {
		events = cached
	} else if len(events) > 0 {
		s.insertLocked(sessionID, events)
	}
	events = append([]models.AuditEvent(nil), events...)
	s.mu.Unlock()

	filtered := events
	if eventType != "" {
		filtered = filtered[:0:0]
		for _, ev := range events {
			if ev.Type == eventType {
				filtered = append(filtered, ev)
			}
		}
	}

	// Newest first.
	total := len(filtered)
	reversed := make([]models.AuditEvent, total)
	for i, ev := range filtered {
		reversed[total-1-i] = ev
	}

	entries := []models.AuditEvent{}
	if offset < total {
		end := offset + limit
		if end > total {
			end = total
		}
		entries = reversed[offset:end]
	}

	return &models.AuditLogPage{
		SessionID:  sessionID,
		Entries:    entries,
		TotalCount: total,
		Offset:     offset,
		HasMore:    offset+len(entries) < total,
	}
}

// GetStats flushes dirty stats to disk and returns a snapshot.
func (s *Service) GetStats() models.AuditStats {
	s.mu.Lock()
	snapshot := s.stats
	dirty := s.statsDirty
	s.statsDirty = false
	s.mu.Unlock()

	if dirty {
		if err := store.WriteJSONAtomic(s.statsPath, &snapshot, sessionFilePerm); err != nil {
			s.logger.Error("failed to persist audit stats", "error", err)
		}
	}
	return snapshot
}

// ListSessionsWithAudits lists sessions that have an audit file, newest
// mtime first.
func (s *Service) ListSessionsWithAudits(limit int) ([]models.AuditLogEntrySummary, error) {
	entries, err := os.ReadDir(s.sessionsDir)
	if err != nil {
		return nil, fmt.Errorf("read audit dir: %w", err)
	}

	summaries := make([]models.AuditLogEntrySummary, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		sessionID := strings.TrimSuffix(name, ".json")

		var doc sessionLogFile
		if err := store.ReadJSON(filepath.Join(s.sessionsDir, name), &doc); err != nil {
			s.logger.Warn("skipping unreadable audit file", "file", name, "error", err)
			continue
		}
		summaries = append(summaries, models.AuditLogEntrySummary{
			SessionID:    sessionID,
			EventCount:   len(doc.Events),
			LastModified: info.ModTime(),
		})
	}

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].LastModified.After(summaries[j].LastModified)
	})
	if limit > 0 && len(summaries) > limit {
		summaries = summaries[:limit]
	}
	return summaries, nil
}

// CleanupOldLogs deletes session files older than the retention window
// and evicts their cache entries. Returns the number of files removed.
func (s *Service) CleanupOldLogs() int {
	cutoff := time.Now().Add(-time.Duration(s.cfg.RetentionHours) * time.Hour)

	entries, err := os.ReadDir(s.sessionsDir)
	if err != nil {
		s.logger.Error("audit cleanup: read dir failed", "error", err)
		return 0
	}

	var removedIDs []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		info, err := entry.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.sessionsDir, name)); err != nil {
			s.logger.Error("audit cleanup: remove failed", "file", name, "error", err)
			continue
		}
		removedIDs = append(removedIDs, strings.TrimSuffix(name, ".json"))
	}

	if len(removedIDs) > 0 {
		s.mu.Lock()
		for _, id := range removedIDs {
			s.evictLocked(id)
		}
		s.mu.Unlock()
		s.logger.Info("audit cleanup removed old logs", "count", len(removedIDs))
	}
	return len(removedIDs)
}

// recordStart notes a tool invocation start for duration accounting.
func (s *Service) recordStart(toolUseID string) {
	if toolUseID == "" {
		return
	}
	s.mu.Lock()
	s.pendingStarts[toolUseID] = time.Now()
	s.mu.Unlock()
}

// popStart consumes a recorded start time.
func (s *Service) popStart(toolUseID string) (time.Time, bool) {
	if toolUseID == "" {
		return time.Time{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	start, ok := s.pendingStarts[toolUseID]
	if ok {
		delete(s.pendingStarts, toolUseID)
	}
	return start, ok
}

// loadSession returns the session's events from cache or disk. The
// caller must re-check the cache under the lock before mutating.
func (s *Service) loadSession(sessionID string) []models.AuditEvent {
	s.mu.Lock()
	if events, ok := s.cache[sessionID]; ok {
		s.touchLocked(sessionID)
		s.mu.Unlock()
		return events
	}
	s.mu.Unlock()

	var doc sessionLogFile
	if err := store.ReadJSON(s.sessionFile(sessionID), &doc); err != nil {
		if !os.IsNotExist(err) {
			s.logger.Error("failed to read audit file", "session_id", sessionID, "error", err)
		}
		return nil
	}
	return doc.Events
}

func (s *Service) sessionFile(sessionID string) string {
	return filepath.Join(s.sessionsDir, sessionID+".json")
}

// insertLocked stores the session's events and maintains the LRU bound.
func (s *Service) insertLocked(sessionID string, events []models.AuditEvent) {
	if _, exists := s.cache[sessionID]; !exists {
		s.order = append(s.order, sessionID)
	} else {
		s.touchLocked(sessionID)
	}
	s.cache[sessionID] = events

	for s.cfg.CacheMaxSessions > 0 && len(s.cache) > s.cfg.CacheMaxSessions {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.cache, oldest)
	}
}

// touchLocked moves the session to the most-recently-used position.
func (s *Service) touchLocked(sessionID string) {
	for i, id := range s.order {
		if id == sessionID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			s.order = append(s.order, sessionID)
			return
		}
	}
}

func (s *Service) evictLocked(sessionID string) {
	if _, ok := s.cache[sessionID]; !ok {
		return
	}
	delete(s.cache, sessionID)
	for i, id := range s.order {
		if id == sessionID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// updateStatsLocked folds one event into the running aggregates. Both
// averages use the streaming formula new = old + (value-old)/n with n
// counting only duration-bearing events.
func (s *Service) updateStatsLocked(ev *models.AuditEvent) {
	s.stats.TotalEvents++
	if _, seen := s.seenSessions[ev.SessionID]; !seen {
		s.seenSessions[ev.SessionID] = struct{}{}
		s.stats.SessionsSeen++
	}

	switch ev.Type {
	case models.AuditPreToolUse:
		s.stats.ToolsInvoked++
	case models.AuditToolBlocked:
		s.stats.ToolsBlocked++
	case models.AuditPostToolUse:
		if ev.DurationMS != nil {
			s.stats.ToolDurationCount++
			n := float64(s.stats.ToolDurationCount)
			s.stats.AvgToolDurationMS += (*ev.DurationMS - s.stats.AvgToolDurationMS) / n
		}
	case models.AuditSessionStop:
		if _, stopped := s.stoppedSessions[ev.SessionID]; !stopped {
			s.stoppedSessions[ev.SessionID] = struct{}{}
			s.stats.SessionsStops++
		}
	case models.AuditResolutionScanStart:
		s.stats.ResolutionScans++
	case models.AuditResolutionScanComplete:
		if ev.DurationMS != nil {
			s.stats.ScanDurationCount++
			n := float64(s.stats.ScanDurationCount)
			s.stats.AvgScanDurationMS += (*ev.DurationMS - s.stats.AvgScanDurationMS) / n
		}
	case models.AuditEntityMerge:
		s.stats.EntityMerges++
	case models.AuditMergeRejected:
		s.stats.MergesRejected++
	}
	s.statsDirty = true
}

// enqueuePersist records the latest snapshot and nudges the writer. If
// the nudge channel is full a wakeup is already queued for this burst,
// so the snapshot is simply left for the writer to pick up.
func (s *Service) enqueuePersist(sessionID string, events []models.AuditEvent) {
	s.pending.put(sessionID, events)
	select {
	case s.writes <- sessionID:
	default:
	}
}

func (s *Service) writeLoop() {
	defer s.wg.Done()
	interval := s.cfg.FlushInterval
	if interval <= 0 {
		interval = defaultFlushInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case sessionID := <-s.writes:
			s.persist(sessionID)
		case <-ticker.C:
			// Catch snapshots whose wakeup was dropped on a full channel.
			s.sweepPending()
		case <-s.done:
			s.drainPending()
			return
		}
	}
}

// sweepPending persists every snapshot currently parked in the map.
func (s *Service) sweepPending() {
	s.pending.mu.Lock()
	ids := make([]string, 0, len(s.pending.snapshots))
	for id := range s.pending.snapshots {
		ids = append(ids, id)
	}
	s.pending.mu.Unlock()
	for _, id := range ids {
		s.persist(id)
	}
}

// drainPending flushes everything still unwritten at shutdown.
func (s *Service) drainPending() {
	for {
		select {
		case sessionID := <-s.writes:
			s.persist(sessionID)
		default:
			s.sweepPending()
			return
		}
	}
}

func (s *Service) persist(sessionID string) {
	events, ok := s.pending.take(sessionID)
	if !ok {
		return
	}
	path := s.sessionFile(sessionID)
	doc := sessionLogFile{SessionID: sessionID, EventCount: len(events), Events: events}
	if err := store.WriteJSONAtomic(path, doc, sessionFilePerm); err != nil {
		s.logger.Error("failed to persist audit log", "file", path, "error", err)
	}
}

func (s *Service) flushStats() {
	s.mu.Lock()
	snapshot := s.stats
	s.statsDirty = false
	s.mu.Unlock()
	if err := store.WriteJSONAtomic(s.statsPath, &snapshot, sessionFilePerm); err != nil {
		s.logger.Error("failed to persist audit stats", "error", err)
	}
}
