package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/vidmind/vidmind/pkg/models"
)

func (s *Server) listAuditSessions(c *gin.Context) {
	limit := queryInt(c, "limit", 50)
	sessions, err := s.svc.Audit.ListSessionsWithAudits(limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

// getAuditLog pages a session's audit trail newest-first. An unknown
// session yields an empty page, not an error.
func (s *Server) getAuditLog(c *gin.Context) {
	limit := queryInt(c, "limit", 50)
	offset := queryInt(c, "offset", 0)
	if limit < 1 || limit > 1000 {
		s.fail(c, models.NewAppError(models.CodeValidationError, "limit must be between 1 and 1000"))
		return
	}
	if offset < 0 {
		s.fail(c, models.NewAppError(models.CodeValidationError, "offset must not be negative"))
		return
	}
	eventType := models.AuditEventType(c.Query("event_type"))
	page := s.svc.Audit.GetSessionAuditLog(c.Param("id"), limit, offset, eventType)
	c.JSON(http.StatusOK, page)
}

func (s *Server) getAuditStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.svc.Audit.GetStats())
}
