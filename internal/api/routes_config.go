package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/energizer-project/worldgate/internal/config"
	"github.com/energizer-project/worldgate/internal/events"
)

// handleGetConfig returns the configuration with the API token masked.
func (s *Server) handleGetConfig(c *gin.Context) {
	app := s.deps.Config.GetApplicationData()
	if app.Security.APIToken != "" {
		app.Security.APIToken = "********"
	}
	c.JSON(http.StatusOK, gin.H{
		"world_data":       s.deps.Config.GetWorldData(),
		"application_data": app,
	})
}

// handleSetWorldField updates one top-level world_data field. The change is
// validated before it is saved; most fields apply on restart.
func (s *Server) handleSetWorldField(c *gin.Context) {
	var body struct {
		Key   string      `json:"key" binding:"required"`
		Value interface{} `json:"value"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	previous := s.deps.Config.GetWorldData()
	if err := s.deps.Config.UpdateWorldField(body.Key, body.Value); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result := config.Validate(s.deps.Config)
	if !result.IsValid() {
		s.deps.Config.SetWorldData(previous)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid configuration", "details": result.Errors})
		return
	}

	if err := s.deps.Config.Save(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save config"})
		return
	}

	s.deps.Bus.Emit(c.Request.Context(), events.Event{
		Type:   events.EventConfigChanged,
		Source: "api",
		Payload: events.ConfigChangedPayload{
			Section: "world_data",
			Key:     body.Key,
			Value:   body.Value,
		},
	})

	c.JSON(http.StatusOK, gin.H{
		"status":   "updated",
		"warnings": result.Warnings,
	})
}

// persistWorldField saves a runtime change so it survives a restart.
func (s *Server) persistWorldField(key string, value interface{}) {
	if err := s.deps.Config.UpdateWorldField(key, value); err != nil {
		s.logger.Error().Err(err).Str("key", key).Msg("failed to update config")
		return
	}
	if err := s.deps.Config.Save(); err != nil {
		s.logger.Error().Err(err).Str("key", key).Msg("failed to save config")
	}
}
