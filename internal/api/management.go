package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"github.com/Jasonzhangf/routecodex-sub005/internal/config"
)

// managementMiddleware authenticates management calls against the bcrypt
// hash in config. Plain API keys never grant management access.
func (s *Server) managementMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader("Authorization")
		if parts := strings.Split(key, " "); len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			key = parts[1]
		}
		if key == "" {
			key = c.GetHeader("X-Management-Key")
		}
		if err := bcrypt.CompareHashAndPassword([]byte(s.cfg.RemoteManagementKey), []byte(key)); err != nil {
			writeError(c, http.StatusUnauthorized, "invalid_management_key", "authentication_error", "Invalid management key", "")
			c.Abort()
			return
		}
		c.Next()
	}
}

// managementConfig returns a redacted view of the running configuration:
// secrets and key material never leave the process.
func (s *Server) managementConfig(c *gin.Context) {
	providers := make([]gin.H, 0, len(s.cfg.Providers))
	for _, p := range s.cfg.Providers {
		providers = append(providers, gin.H{
			"id":        p.ID,
			"provider":  p.Provider,
			"model":     p.Model,
			"auth-type": p.Auth.Type,
		})
	}
	routes := make([]gin.H, 0, len(s.cfg.Routes))
	for _, r := range s.cfg.Routes {
		types := make([]string, 0, len(r.Modules))
		for _, m := range r.Modules {
			types = append(types, m.Type)
		}
		routes = append(routes, gin.H{
			"id":       r.ID,
			"priority": r.Priority,
			"modules":  types,
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"port":          s.cfg.Port,
		"debug":         s.cfg.Debug,
		"default-route": s.cfg.DefaultRoute,
		"providers":     providers,
		"routes":        routes,
	})
}

func (s *Server) managementUsage(c *gin.Context) {
	if s.usage == nil {
		c.JSON(http.StatusOK, gin.H{})
		return
	}
	c.JSON(http.StatusOK, s.usage.Snapshot())
}

func (s *Server) managementGetMode(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"mode": s.manager.Mode()})
}

func (s *Server) managementPutMode(c *gin.Context) {
	var body struct {
		Mode string `json:"mode"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.Mode == "" {
		writeError(c, http.StatusBadRequest, "invalid_mode", "invalid_request_error", "body must carry a mode field", "")
		return
	}
	report := s.manager.SwitchMode(c.Request.Context(), body.Mode)
	status := http.StatusOK
	if !report.Success {
		status = http.StatusBadRequest
	}
	c.JSON(status, gin.H{
		"from":     report.From,
		"to":       report.To,
		"success":  report.Success,
		"duration": report.Duration.String(),
		"errors":   report.Errors,
	})
}

// managementReload re-reads the config file and swaps the pipeline over to
// it.
func (s *Server) managementReload(c *gin.Context) {
	cfg, err := config.LoadConfig(s.configFilePath)
	if err != nil {
		writeError(c, http.StatusBadRequest, "invalid_config", "invalid_request_error", err.Error(), "")
		return
	}
	if err := s.manager.ReloadConfiguration(c.Request.Context(), cfg); err != nil {
		writeError(c, http.StatusInternalServerError, "reload_failed", "api_error", err.Error(), "")
		return
	}
	s.cfg = cfg
	log.Info("api: configuration reloaded via management endpoint")
	c.JSON(http.StatusOK, gin.H{"reloaded": true})
}
