package kg

import (
	"context"

	"github.com/vidmind/vidmind/internal/jobs"
	"github.com/vidmind/vidmind/pkg/models"
)

// RegisterJobs wires the graph-export handler onto the queue. Exports
// run as background jobs so large batches never block an API request.
func (s *Service) RegisterJobs(q *jobs.Queue) error {
	s.queue = q
	return q.RegisterHandler(models.JobGraphExport, s.handleExportJob)
}

// CreateExportJob enqueues an export. An empty projectID means a batch
// export of every project.
func (s *Service) CreateExportJob(projectID string) (*models.Job, error) {
	if s.queue == nil {
		return nil, models.NewAppError(models.CodeServiceUnavailable, "export jobs are not available")
	}
	if projectID != "" {
		// Fail fast instead of queueing a doomed job.
		if _, err := s.GetProject(projectID); err != nil {
			return nil, err
		}
	}
	metadata := map[string]any{}
	if projectID != "" {
		metadata["project_id"] = projectID
	}
	job, err := s.queue.CreateJob(models.JobGraphExport, metadata)
	if err != nil {
		return nil, models.AsAppError(err)
	}
	s.logger.Info("export job created", "job_id", job.ID, "project_id", projectID)
	return job, nil
}

func (s *Service) handleExportJob(ctx context.Context, job *models.Job, update func(float64)) (map[string]any, error) {
	projectID, _ := job.Metadata["project_id"].(string)
	update(0.1)

	var (
		info *ExportInfo
		err  error
	)
	if projectID == "" {
		info, err = s.ExportAll()
	} else {
		info, err = s.ExportProject(projectID)
	}
	if err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	update(1)

	return map[string]any{
		"filename":  info.Filename,
		"path":      info.Path,
		"projects":  info.Projects,
		"entities":  info.Entities,
		"relations": info.Relations,
		"truncated": info.Truncated,
	}, nil
}
