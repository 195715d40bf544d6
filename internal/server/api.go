package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/agentdeck/agentdeck/internal/orchestrator"
	"github.com/agentdeck/agentdeck/pkg/models"
)

type spawnRequestBody struct {
	Kind        string   `json:"kind"`
	ProjectRoot string   `json:"project_root"`
	Prompt      string   `json:"prompt"`
	ExtraArgs   []string `json:"extra_args"`
}

func (s *Server) handleSpawn(c *gin.Context) {
	var body spawnRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	kind := models.ProcessKind(strings.TrimSpace(body.Kind))
	if !models.ValidKind(kind) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid kind: must be orchestrator or worker"})
		return
	}

	// A request over the concurrency cap waits in the admission queue;
	// disconnecting abandons the queue slot with no side effects.
	record, err := s.service.SpawnSession(c.Request.Context(), models.SpawnRequest{
		Kind:        kind,
		ProjectRoot: body.ProjectRoot,
		Prompt:      body.Prompt,
		ExtraArgs:   body.ExtraArgs,
	})
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"session": record})
}

func (s *Server) handleListSessions(c *gin.Context) {
	kindFilter := models.ProcessKind(strings.TrimSpace(c.Query("kind")))
	stateFilter := models.SessionState(strings.TrimSpace(c.Query("state")))

	var sessions []*models.SessionRecord
	for _, record := range s.service.ListSessions() {
		if kindFilter != "" && record.Kind != kindFilter {
			continue
		}
		if stateFilter != "" && record.State != stateFilter {
			continue
		}
		sessions = append(sessions, record)
	}
	if sessions == nil {
		sessions = []*models.SessionRecord{}
	}

	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (s *Server) handleGetSession(c *gin.Context) {
	record, err := s.service.SessionInfo(c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": record})
}

func (s *Server) handleSessionResources(c *gin.Context) {
	stats, err := s.service.SessionResources(c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"resources": stats})
}

func (s *Server) handleSendInput(c *gin.Context) {
	var body struct {
		Text string `json:"text"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if body.Text == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "text is required"})
		return
	}

	if err := s.service.SendInput(c.Param("id"), body.Text); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleStop(c *gin.Context) {
	var body struct {
		Mode string `json:"mode"`
	}
	// An empty body means a graceful stop.
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	mode := models.StopMode(body.Mode)
	switch mode {
	case "", models.StopGraceful, models.StopForce:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid mode: must be graceful or force"})
		return
	}

	if err := s.service.StopSession(c.Param("id"), mode); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handlePause(c *gin.Context) {
	if err := s.service.PauseSession(c.Param("id")); err != nil {
		s.respondError(c, err)
		return
	}
	record, err := s.service.SessionInfo(c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": record})
}

func (s *Server) handleResume(c *gin.Context) {
	if err := s.service.ResumeSession(c.Param("id")); err != nil {
		s.respondError(c, err)
		return
	}
	record, err := s.service.SessionInfo(c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": record})
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.service.ConcurrencyStatus())
}

func (s *Server) handleHistory(c *gin.Context) {
	projectRoot := c.Query("project_root")
	if projectRoot == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "project_root is required"})
		return
	}

	states, err := s.service.History(projectRoot)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if states == nil {
		states = []models.RunState{}
	}

	c.JSON(http.StatusOK, gin.H{"sessions": states})
}

func (s *Server) respondError(c *gin.Context, err error) {
	switch {
	case orchestrator.IsNotFound(err):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case orchestrator.IsNotRunning(err), orchestrator.IsPaused(err):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case orchestrator.IsQueueCancelled(err):
		c.JSON(http.StatusRequestTimeout, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
