package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/vidmind/vidmind/internal/jobs"
	"github.com/vidmind/vidmind/pkg/models"
)

type createTranscriptionRequest struct {
	Source    string `json:"source" binding:"required"`
	SessionID string `json:"session_id"`
	Title     string `json:"title"`
}

// createTranscription enqueues a transcription job and returns it
// immediately; the transcript appears once the job succeeds.
func (s *Server) createTranscription(c *gin.Context) {
	var req createTranscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, models.NewAppError(models.CodeValidationError, "source is required").WithDetail(err.Error()))
		return
	}
	job, err := s.svc.Transcribe.CreateJob(req.Source, req.SessionID, req.Title)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, job)
}

func (s *Server) listTranscripts(c *gin.Context) {
	transcripts, err := s.svc.Store.ListTranscripts()
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transcripts": transcripts})
}

func (s *Server) getTranscript(c *gin.Context) {
	id := c.Param("id")
	meta, err := s.svc.Store.GetTranscript(id)
	if err != nil {
		s.fail(c, notFound(err, models.CodeResourceNotFound, fmt.Sprintf("transcript %s not found", id)))
		return
	}
	c.JSON(http.StatusOK, meta)
}

func (s *Server) deleteTranscript(c *gin.Context) {
	id := c.Param("id")
	deleted, err := s.svc.Store.DeleteTranscript(id)
	if err != nil {
		s.fail(c, err)
		return
	}
	if !deleted {
		s.fail(c, models.NewAppError(models.CodeResourceNotFound, fmt.Sprintf("transcript %s not found", id)))
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

func (s *Server) listJobs(c *gin.Context) {
	filter := models.JobFilter{
		Type:  models.JobType(c.Query("type")),
		State: models.JobState(c.Query("state")),
	}
	c.JSON(http.StatusOK, gin.H{"jobs": s.svc.Jobs.ListJobs(filter)})
}

func (s *Server) getJob(c *gin.Context) {
	id := c.Param("id")
	job, err := s.svc.Jobs.GetJob(id)
	if err != nil {
		s.fail(c, notFound(err, models.CodeResourceNotFound, fmt.Sprintf("job %s not found", id)))
		return
	}
	c.JSON(http.StatusOK, job)
}

// cancelJob requests cancellation. Pending jobs cancel immediately;
// running jobs transition once the handler observes its context.
func (s *Server) cancelJob(c *gin.Context) {
	id := c.Param("id")
	if err := s.svc.Jobs.CancelJob(id); err != nil {
		if errors.Is(err, jobs.ErrJobNotFound) {
			s.fail(c, models.NewAppError(models.CodeResourceNotFound, fmt.Sprintf("job %s not found", id)))
			return
		}
		s.fail(c, models.NewAppError(models.CodeValidationError, err.Error()))
		return
	}
	job, err := s.svc.Jobs.GetJob(id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}
