package api

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/vidmind/vidmind/pkg/models"
)

type postMessageRequest struct {
	Message string `json:"message" binding:"required"`
}

// createSession allocates a fresh session id, starts its actor, and
// returns the greeting.
func (s *Server) createSession(c *gin.Context) {
	id := uuid.NewString()
	actor, err := s.svc.Sessions.GetOrCreate(id)
	if err != nil {
		s.fail(c, err)
		return
	}
	greeting := actor.GetGreeting(c.Request.Context())
	if appErr := actor.Failed(); appErr != nil {
		s.fail(c, appErr)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"session_id": id,
		"greeting":   greeting,
	})
}

func (s *Server) listSessions(c *gin.Context) {
	limit := queryInt(c, "limit", 50)
	sessions, err := s.svc.Store.ListSessions(limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions, "active": s.svc.Sessions.Count()})
}

func (s *Server) getSession(c *gin.Context) {
	id := c.Param("id")
	sess, err := s.svc.Store.GetSession(id)
	if err != nil {
		s.fail(c, notFound(err, models.CodeSessionNotFound, fmt.Sprintf("session %s not found", id)))
		return
	}
	c.JSON(http.StatusOK, sess)
}

// deleteSession stops the live actor (if any) and removes the stored
// conversation.
func (s *Server) deleteSession(c *gin.Context) {
	id := c.Param("id")
	s.svc.Sessions.Remove(id)
	deleted, err := s.svc.Store.DeleteSession(id)
	if err != nil {
		s.fail(c, err)
		return
	}
	if !deleted {
		s.fail(c, models.NewAppError(models.CodeSessionNotFound, fmt.Sprintf("session %s not found", id)))
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

// postMessage runs one agent turn. The session is created on first
// contact; an unknown id is a new conversation, not an error.
func (s *Server) postMessage(c *gin.Context) {
	var req postMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, models.NewAppError(models.CodeValidationError, "message is required").WithDetail(err.Error()))
		return
	}

	actor, err := s.svc.Sessions.GetOrCreate(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	resp, err := actor.ProcessMessage(c.Request.Context(), req.Message)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) getGreeting(c *gin.Context) {
	actor, err := s.svc.Sessions.GetOrCreate(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	greeting := actor.GetGreeting(c.Request.Context())
	if appErr := actor.Failed(); appErr != nil {
		s.fail(c, appErr)
		return
	}
	c.JSON(http.StatusOK, greeting)
}

func (s *Server) getSessionCost(c *gin.Context) {
	id := c.Param("id")
	cost, err := s.svc.Store.GetSessionCost(id)
	if err != nil {
		s.fail(c, notFound(err, models.CodeResourceNotFound, fmt.Sprintf("no cost recorded for session %s", id)))
		return
	}
	c.JSON(http.StatusOK, cost)
}

func (s *Server) getGlobalCost(c *gin.Context) {
	cost, err := s.svc.Store.GetGlobalCost()
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, cost)
}
