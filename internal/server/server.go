// Package server exposes the orchestration service over a local HTTP
// control API and a websocket event stream.
package server

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/agentdeck/agentdeck/internal/orchestrator"
)

// Server is the HTTP front of the subsystem. It holds no session state of
// its own; every request is delegated to the orchestration service.
type Server struct {
	service    *orchestrator.Service
	addr       string
	version    string
	commit     string
	httpServer *http.Server
}

// Config holds server configuration.
type Config struct {
	Addr    string
	Service *orchestrator.Service
	Version string
	Commit  string
}

// New creates the server and wires its routes.
func New(cfg Config) *Server {
	s := &Server{
		service: cfg.Service,
		addr:    cfg.Addr,
		version: cfg.Version,
		commit:  cfg.Commit,
	}

	s.httpServer = &http.Server{
		Addr:        cfg.Addr,
		Handler:     s.newGinEngine(),
		ReadTimeout: 30 * time.Second,
		// Websocket streams stay open indefinitely.
		WriteTimeout: 0,
	}

	return s
}

func (s *Server) newGinEngine() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", s.handleHealth)
	r.GET("/ws", s.handleWS)

	api := r.Group("/api")
	{
		api.GET("/version", s.handleVersion)
		api.GET("/status", s.handleStatus)
		api.GET("/history", s.handleHistory)

		api.POST("/sessions", s.handleSpawn)
		api.GET("/sessions", s.handleListSessions)
		api.GET("/sessions/:id", s.handleGetSession)
		api.GET("/sessions/:id/resources", s.handleSessionResources)
		api.POST("/sessions/:id/input", s.handleSendInput)
		api.POST("/sessions/:id/stop", s.handleStop)
		api.POST("/sessions/:id/pause", s.handlePause)
		api.POST("/sessions/:id/resume", s.handleResume)
	}

	return r
}

// Start runs the HTTP server until it is shut down.
func (s *Server) Start() error {
	log.Printf("server_event=listening addr=%s", s.addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the route tree for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "healthy",
		"concurrency": s.service.ConcurrencyStatus(),
	})
}

func (s *Server) handleVersion(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"version": s.version,
		"commit":  s.commit,
	})
}
