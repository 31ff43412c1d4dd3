// Package kg owns knowledge-graph project persistence and the export
// surface. Entity and relation extraction happen outside this process;
// this service stores what extraction produced, resolves duplicate
// entities, and writes downloadable export files.
package kg

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
	"github.com/vidmind/vidmind/internal/jobs"
	"github.com/vidmind/vidmind/internal/store"
	"github.com/vidmind/vidmind/pkg/models"
)

// ResolutionLogger receives entity-resolution audit events. Satisfied
// by the audit service.
type ResolutionLogger interface {
	LogResolutionEvent(ctx context.Context, eventType models.AuditEventType, projectID, sessionID string, durationMS *float64, detail map[string]any)
}

// ExportInfo describes one written export file. Single-project and
// batch exports share the same on-disk document shape.
type ExportInfo struct {
	Filename  string    `json:"filename"`
	Path      string    `json:"path"`
	Projects  int       `json:"projects"`
	Entities  int       `json:"entities"`
	Relations int       `json:"relations"`
	Truncated bool      `json:"truncated,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ResolutionReport summarizes one resolution scan.
type ResolutionReport struct {
	ProjectID      string  `json:"project_id"`
	Merged         int     `json:"merged"`
	Rejected       int     `json:"rejected"`
	EntitiesBefore int     `json:"entities_before"`
	EntitiesAfter  int     `json:"entities_after"`
	DurationMS     float64 `json:"duration_ms"`
}

type exportDoc struct {
	ExportedAt time.Time              `json:"exported_at"`
	Projects   []*models.GraphProject `json:"projects"`
}

// Service persists graph projects under data/graphs and exports under
// data/exports. All project mutation is serialized on one mutex.
type Service struct {
	graphsDir  string
	exportsDir string
	auditLog   ResolutionLogger
	cfg        config.GraphConfig
	logger     *slog.Logger

	// queue is set by RegisterJobs; nil until then.
	queue *jobs.Queue

	mu sync.Mutex
}

// NewService creates the graphs and exports directories.
func NewService(st *store.Store, auditLog ResolutionLogger, cfg config.GraphConfig, logger *slog.Logger) (*Service, error) {
	s := &Service{
		graphsDir:  filepath.Join(st.DataDir(), "graphs"),
		exportsDir: st.ExportsDir(),
		auditLog:   auditLog,
		cfg:        cfg,
		logger:     logger.With("component", "kg"),
	}
	for _, dir := range []string{s.graphsDir, s.exportsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return s, nil
}

func (s *Service) projectPath(id string) string {
	return filepath.Join(s.graphsDir, id+".json")
}

// SaveProject creates or replaces a project. New projects get an id
// and creation timestamp.
func (s *Service) SaveProject(p *models.GraphProject) (*models.GraphProject, error) {
	if strings.TrimSpace(p.Name) == "" {
		return nil, models.NewAppError(models.CodeValidationError, "project name is required")
	}
	now := time.Now().UTC()
	if p.ID == "" {
		p.ID = uuid.NewString()
		p.CreatedAt = now
	}
	if !validProjectID(p.ID) {
		return nil, models.NewAppError(models.CodeValidationError, "invalid project id")
	}
	p.UpdatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := store.WriteJSONAtomic(s.projectPath(p.ID), p, 0o644); err != nil {
		return nil, fmt.Errorf("save project %s: %w", p.ID, err)
	}
	return p, nil
}

// GetProject loads one project by id.
func (s *Service) GetProject(id string) (*models.GraphProject, error) {
	if !validProjectID(id) {
		return nil, projectNotFound(id)
	}
	var p models.GraphProject
	if err := store.ReadJSON(s.projectPath(id), &p); err != nil {
		if os.IsNotExist(err) {
			return nil, projectNotFound(id)
		}
		return nil, fmt.Errorf("load project %s: %w", id, err)
	}
	return &p, nil
}

// ListProjects returns summaries sorted by most recently updated.
func (s *Service) ListProjects() ([]models.ProjectSummary, error) {
	entries, err := os.ReadDir(s.graphsDir)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	summaries := make([]models.ProjectSummary, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		var p models.GraphProject
		if err := store.ReadJSON(filepath.Join(s.graphsDir, entry.Name()), &p); err != nil {
			s.logger.Warn("skipping unreadable project file", "file", entry.Name(), "error", err)
			continue
		}
		summaries = append(summaries, models.ProjectSummary{
			ID:            p.ID,
			Name:          p.Name,
			EntityCount:   len(p.Entities),
			RelationCount: len(p.Relations),
			UpdatedAt:     p.UpdatedAt,
		})
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].UpdatedAt.After(summaries[j].UpdatedAt)
	})
	return summaries, nil
}

// DeleteProject removes a project file. Unknown ids report false.
func (s *Service) DeleteProject(id string) (bool, error) {
	if !validProjectID(id) {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.projectPath(id))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("delete project %s: %w", id, err)
	}
	return true, nil
}

// ExportProject writes one project to the exports directory and
// returns the file info. Projects without entities are not exportable.
func (s *Service) ExportProject(id string) (*ExportInfo, error) {
	p, err := s.GetProject(id)
	if err != nil {
		return nil, err
	}
	if len(p.Entities) == 0 {
		return nil, models.NewAppError(models.CodeInvalidProjectState, "project has no entities to export").
			WithHint("Run extraction before exporting.")
	}
	filename := exportFilename(p.Name, p.ID)
	info, err := s.writeExport(filename, []*models.GraphProject{p}, false)
	if err != nil {
		return nil, err
	}
	s.logger.Info("project exported", "project_id", id, "file", filename, "entities", info.Entities)
	return info, nil
}

// ExportAll writes every project into one batch file, newest first,
// capped at the configured project limit.
func (s *Service) ExportAll() (*ExportInfo, error) {
	summaries, err := s.ListProjects()
	if err != nil {
		return nil, err
	}
	if len(summaries) == 0 {
		return nil, models.NewAppError(models.CodeResourceNotFound, "no projects to export")
	}

	truncated := false
	if max := s.cfg.BatchExportMaxProjects; len(summaries) > max {
		summaries = summaries[:max]
		truncated = true
	}

	projects := make([]*models.GraphProject, 0, len(summaries))
	for _, sum := range summaries {
		p, err := s.GetProject(sum.ID)
		if err != nil {
			s.logger.Warn("skipping project in batch export", "project_id", sum.ID, "error", err)
			continue
		}
		projects = append(projects, p)
	}

	filename := fmt.Sprintf("graph_batch_%s.json", time.Now().UTC().Format("20060102_150405"))
	info, err := s.writeExport(filename, projects, truncated)
	if err != nil {
		return nil, err
	}
	s.logger.Info("batch export written", "file", filename, "projects", info.Projects, "truncated", truncated)
	return info, nil
}

func (s *Service) writeExport(filename string, projects []*models.GraphProject, truncated bool) (*ExportInfo, error) {
	now := time.Now().UTC()
	path := filepath.Join(s.exportsDir, filename)
	doc := exportDoc{ExportedAt: now, Projects: projects}
	if err := store.WriteJSONAtomic(path, doc, 0o644); err != nil {
		return nil, fmt.Errorf("write export %s: %w", filename, err)
	}

	info := &ExportInfo{
		Filename:  filename,
		Path:      path,
		Projects:  len(projects),
		Truncated: truncated,
		CreatedAt: now,
	}
	for _, p := range projects {
		info.Entities += len(p.Entities)
		info.Relations += len(p.Relations)
	}
	return info, nil
}

// CleanupOldExports deletes export files older than the TTL and
// returns how many were removed.
func (s *Service) CleanupOldExports() (int, error) {
	cutoff := time.Now().Add(-time.Duration(s.cfg.ExportTTLHours) * time.Hour)
	entries, err := os.ReadDir(s.exportsDir)
	if err != nil {
		return 0, fmt.Errorf("list exports: %w", err)
	}
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		fi, err := entry.Info()
		if err != nil || !fi.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.exportsDir, entry.Name())); err != nil {
			s.logger.Warn("failed to remove stale export", "file", entry.Name(), "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		s.logger.Info("stale exports removed", "count", removed)
	}
	return removed, nil
}

func projectNotFound(id string) *models.AppError {
	return models.NewAppError(models.CodeProjectNotFound, fmt.Sprintf("project %s not found", id))
}

// validProjectID rejects anything that could escape the graphs
// directory when joined into a path.
func validProjectID(id string) bool {
	if id == "" || len(id) > 128 {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}

func exportFilename(name, id string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ', r == '-', r == '_':
			b.WriteRune('_')
		}
	}
	base := strings.Trim(b.String(), "_")
	if base == "" {
		base = "project"
	}
	if len(base) > 60 {
		base = base[:60]
	}
	suffix := id
	if len(suffix) > 8 {
		suffix = suffix[:8]
	}
	return fmt.Sprintf("%s_%s_%s.json", base, time.Now().UTC().Format("20060102_150405"), suffix)
}
