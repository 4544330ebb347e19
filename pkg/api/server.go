// Package api exposes a read-only HTTP inspection surface for a running
// mesh node: peers, links, relay counters, power state. It is a local
// debugging aid, not part of the mesh protocol.
package api

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/bitmesh/bitmesh-node/pkg/mesh"
)

// Server serves the inspection API over HTTP
type Server struct {
	svc        *mesh.Service
	router     *gin.Engine
	port       int
	httpServer *http.Server
}

// Config holds server configuration
type Config struct {
	Port         int
	EnableCORS   bool
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns default server configuration
func DefaultConfig() *Config {
	return &Config{
		Port:         8642,
		EnableCORS:   true,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// NewServer creates the inspection server around a mesh service
func NewServer(svc *mesh.Service, config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	server := &Server{
		svc:    svc,
		router: router,
		port:   config.Port,
	}

	if config.EnableCORS {
		router.Use(CORSMiddleware())
	}
	router.Use(LoggingMiddleware())
	router.Use(gin.Recovery())

	server.setupRoutes()
	return server
}

// setupRoutes configures API routes
func (s *Server) setupRoutes() {
	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/status", s.handleStatus)
		v1.GET("/peers", s.handlePeers)
		v1.GET("/connections", s.handleConnections)
		v1.GET("/power", s.handlePower)
		v1.GET("/relay", s.handleRelay)
	}

	s.router.GET("/health", s.handleHealth)
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.port),
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("🌐 Inspection API listening on port %d", s.port)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("⚠️  API server error: %v", err)
		}
	}()
	return nil
}

// Stop shuts the HTTP server down gracefully
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
