// Package transcribe turns media sources into stored transcripts. The
// heavy lifting happens on the job queue, never on a session actor:
// the conversation tool only creates a job and returns its id.
package transcribe

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/vidmind/vidmind/internal/jobs"
	"github.com/vidmind/vidmind/internal/store"
	"github.com/vidmind/vidmind/pkg/models"
)

// Result is one completed transcription.
type Result struct {
	// Text is the transcript body.
	Text string

	// Title is the media title when the pipeline could determine one.
	Title string

	// Duration is the media length in seconds, 0 when unknown.
	Duration float64
}

// Transcriber runs the actual ASR pipeline. Implementations must
// observe ctx and report coarse progress through the callback.
type Transcriber interface {
	Transcribe(ctx context.Context, source string, sourceType models.SourceType, progress func(float64)) (*Result, error)
}

// Service wraps the store's transcript registry and produces
// transcription jobs.
type Service struct {
	store       *store.Store
	queue       *jobs.Queue
	transcriber Transcriber
	logger      *slog.Logger
}

// NewService builds the service and registers its job handler on the
// queue.
func NewService(st *store.Store, queue *jobs.Queue, transcriber Transcriber, logger *slog.Logger) (*Service, error) {
	s := &Service{
		store:       st,
		queue:       queue,
		transcriber: transcriber,
		logger:      logger.With("component", "transcribe"),
	}
	if err := queue.RegisterHandler(models.JobTranscription, s.handleJob); err != nil {
		return nil, err
	}
	return s, nil
}

// CreateJob validates the source and enqueues a transcription job,
// returning immediately.
func (s *Service) CreateJob(source, sessionID, title string) (*models.Job, error) {
	source = strings.TrimSpace(source)
	if source == "" {
		return nil, models.NewAppError(models.CodeValidationError, "source is required").
			WithHint("Provide a video URL or a local file path.")
	}

	sourceType := InferSourceType(source)
	metadata := map[string]any{
		"source":      source,
		"source_type": string(sourceType),
	}
	if sessionID != "" {
		metadata["session_id"] = sessionID
	}
	if title != "" {
		metadata["title"] = title
	}

	job, err := s.queue.CreateJob(models.JobTranscription, metadata)
	if err != nil {
		return nil, models.AsAppError(err)
	}
	s.logger.Info("transcription job created", "job_id", job.ID, "source_type", sourceType)
	return job, nil
}

// handleJob executes one transcription job: run the pipeline, write the
// transcript file, register it in the metadata index.
func (s *Service) handleJob(ctx context.Context, job *models.Job, update func(float64)) (map[string]any, error) {
	source, _ := job.Metadata["source"].(string)
	if source == "" {
		return nil, models.NewAppError(models.CodeValidationError, "job metadata has no source")
	}
	sourceType := models.SourceType(asString(job.Metadata["source_type"]))
	sessionID := asString(job.Metadata["session_id"])
	title := asString(job.Metadata["title"])

	// The pipeline owns the first 90% of the progress bar; the file
	// write and registration take the rest.
	result, err := s.transcriber.Transcribe(ctx, source, sourceType, func(p float64) {
		update(p * 0.9)
	})
	if err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	update(0.9)

	if result.Title != "" && title == "" {
		title = result.Title
	}

	filename := transcriptFilename(title, job.ID)
	path, err := s.store.WriteTranscriptFile(filename, []byte(result.Text))
	if err != nil {
		return nil, fmt.Errorf("write transcript: %w", err)
	}

	meta, err := s.store.RegisterTranscript(path, source, sourceType, sessionID, title)
	if err != nil {
		return nil, fmt.Errorf("register transcript: %w", err)
	}
	update(1)

	return map[string]any{
		"transcript_id": meta.ID,
		"file_path":     meta.FilePath,
		"chars":         len(result.Text),
		"duration":      result.Duration,
	}, nil
}

// InferSourceType classifies a media source string.
func InferSourceType(source string) models.SourceType {
	lowered := strings.ToLower(source)
	if strings.HasPrefix(lowered, "http://") || strings.HasPrefix(lowered, "https://") {
		if strings.Contains(lowered, "youtube.com") || strings.Contains(lowered, "youtu.be") {
			return models.SourceYouTube
		}
		return models.SourceUpload
	}
	return models.SourceLocal
}

// transcriptFilename derives a stable, filesystem-safe name.
func transcriptFilename(title, jobID string) string {
	base := strings.TrimSpace(title)
	if base == "" {
		base = "transcript"
	}
	var b strings.Builder
	for _, r := range base {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ', r == '-', r == '_':
			b.WriteRune('_')
		}
	}
	cleaned := strings.Trim(b.String(), "_")
	if cleaned == "" {
		cleaned = "transcript"
	}
	if len(cleaned) > 60 {
		cleaned = cleaned[:60]
	}
	suffix := jobID
	if len(suffix) > 8 {
		suffix = suffix[:8]
	}
	return fmt.Sprintf("%s_%s_%s.txt", cleaned, time.Now().UTC().Format("20060102"), suffix)
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}
