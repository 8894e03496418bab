package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "worldgate",
		"version": s.deps.Version,
	})
}

// handleRealmStatus reports the gate and its population.
func (s *Server) handleRealmStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"realm":       s.deps.Gate.Status(),
		"connections": s.deps.Registry.Count(),
		"sessions":    s.deps.Sessions.Count(),
	})
}
