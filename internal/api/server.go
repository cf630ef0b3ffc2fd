// Package api provides the HTTP surface of the gateway: the OpenAI Chat,
// OpenAI Responses, and Anthropic Messages endpoints, health and model
// listings, and the optional management API. Requests are normalized into
// the canonical pipeline shape and dispatched through the pipeline manager.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/Jasonzhangf/routecodex-sub005/internal/config"
	"github.com/Jasonzhangf/routecodex-sub005/internal/pipeline"
	"github.com/Jasonzhangf/routecodex-sub005/internal/sse"
	"github.com/Jasonzhangf/routecodex-sub005/internal/usage"
)

// Server is the main API server.
type Server struct {
	engine  *gin.Engine
	server  *http.Server
	cfg     *config.Config
	manager *pipeline.Manager
	bridge  *sse.Bridge
	usage   *usage.Tracker

	// configFilePath backs the management reload endpoint.
	configFilePath string
}

// NewServer creates and wires an API server over an initialized pipeline
// manager.
func NewServer(cfg *config.Config, manager *pipeline.Manager, tracker *usage.Tracker, configFilePath string) *Server {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Logger())
	engine.Use(gin.Recovery())
	engine.Use(corsMiddleware())

	s := &Server{
		engine:         engine,
		cfg:            cfg,
		manager:        manager,
		bridge:         sse.NewBridge(cfg.SSE),
		usage:          tracker,
		configFilePath: configFilePath,
	}
	s.setupRoutes()

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: engine,
	}
	return s
}

// Handler exposes the HTTP handler, mainly for tests.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) setupRoutes() {
	v1 := s.engine.Group("/v1")
	v1.Use(AuthMiddleware(s.cfg))
	{
		v1.GET("/models", s.listModels)
		v1.POST("/chat/completions", s.chatCompletions)
		v1.POST("/responses", s.responses)
		v1.POST("/responses/:id/submit_tool_outputs", s.submitToolOutputs)
		v1.POST("/messages", s.anthropicMessages)
	}

	s.engine.GET("/health", s.health)
	s.engine.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"message": "RouteCodex",
			"endpoints": []string{
				"POST /v1/chat/completions",
				"POST /v1/responses",
				"POST /v1/messages",
				"GET /v1/models",
			},
		})
	})

	// No management key, no management surface.
	if s.cfg.RemoteManagementKey != "" {
		mgmt := s.engine.Group("/v0/management")
		mgmt.Use(s.managementMiddleware())
		{
			mgmt.GET("/config", s.managementConfig)
			mgmt.GET("/usage", s.managementUsage)
			mgmt.GET("/mode", s.managementGetMode)
			mgmt.PUT("/mode", s.managementPutMode)
			mgmt.POST("/reload", s.managementReload)
		}
	}
}

// Start begins serving. It blocks until the listener fails or the server is
// stopped.
func (s *Server) Start() error {
	log.Infof("api: listening on %s", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	log.Debug("api: stopping server")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, X-Api-Key")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// AuthMiddleware authenticates inbound requests against the configured API
// keys. Without configured keys all requests pass; localhost may be exempted
// by config.
func AuthMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		if cfg.AllowLocalhostUnauthenticated && strings.HasPrefix(c.Request.RemoteAddr, "127.0.0.1:") {
			c.Next()
			return
		}
		if len(cfg.APIKeys) == 0 {
			c.Next()
			return
		}

		authHeader := c.GetHeader("Authorization")
		apiKeyHeader := c.GetHeader("X-Api-Key")
		apiKeyQuery, _ := c.GetQuery("key")

		apiKey := authHeader
		if parts := strings.Split(authHeader, " "); len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			apiKey = parts[1]
		}

		for _, key := range cfg.APIKeys {
			if key == apiKey || key == apiKeyHeader || key == apiKeyQuery {
				c.Set("apiKey", key)
				c.Next()
				return
			}
		}
		writeError(c, http.StatusUnauthorized, "invalid_api_key", "authentication_error", "Invalid or missing API key", "")
		c.Abort()
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"mode":   s.manager.Mode(),
	})
}

// listModels reports one entry per configured provider account, using the
// account's default model when present.
func (s *Server) listModels(c *gin.Context) {
	data := make([]gin.H, 0, len(s.cfg.Providers))
	for _, p := range s.cfg.Providers {
		id := p.Model
		if id == "" {
			id = p.ID
		}
		data = append(data, gin.H{
			"id":       id,
			"object":   "model",
			"owned_by": p.Provider,
		})
	}
	c.JSON(http.StatusOK, gin.H{"object": "list", "data": data})
}
