package api

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/vidmind/vidmind/pkg/models"
)

func (s *Server) listProjects(c *gin.Context) {
	projects, err := s.svc.Graph.ListProjects()
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"projects": projects})
}

func (s *Server) saveProject(c *gin.Context) {
	var p models.GraphProject
	if err := c.ShouldBindJSON(&p); err != nil {
		s.fail(c, models.NewAppError(models.CodeInvalidFormat, "invalid project body").WithDetail(err.Error()))
		return
	}
	saved, err := s.svc.Graph.SaveProject(&p)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, saved)
}

func (s *Server) getProject(c *gin.Context) {
	p, err := s.svc.Graph.GetProject(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *Server) deleteProject(c *gin.Context) {
	id := c.Param("id")
	deleted, err := s.svc.Graph.DeleteProject(id)
	if err != nil {
		s.fail(c, err)
		return
	}
	if !deleted {
		s.fail(c, models.NewAppError(models.CodeProjectNotFound, fmt.Sprintf("project %s not found", id)))
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

// exportProject writes the export synchronously; single projects are
// small enough that a job would be overhead.
func (s *Server) exportProject(c *gin.Context) {
	info, err := s.svc.Graph.ExportProject(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

// createBatchExport runs as a background job; batches can span every
// project.
func (s *Server) createBatchExport(c *gin.Context) {
	job, err := s.svc.Graph.CreateExportJob("")
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, job)
}

type resolveRequest struct {
	SessionID string `json:"session_id"`
}

func (s *Server) resolveProject(c *gin.Context) {
	var req resolveRequest
	// Body is optional; resolution can run unattributed.
	_ = c.ShouldBindJSON(&req)

	report, err := s.svc.Graph.RunResolutionScan(c.Request.Context(), c.Param("id"), req.SessionID)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}
