package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/energizer-project/worldgate/internal/auth"
	"github.com/energizer-project/worldgate/internal/db"
)

func (s *Server) handleRealmOpen(c *gin.Context) {
	s.setRealmClosed(c, false)
}

func (s *Server) handleRealmClose(c *gin.Context) {
	s.setRealmClosed(c, true)
}

func (s *Server) setRealmClosed(c *gin.Context, closed bool) {
	s.deps.Gate.SetClosed(closed)
	s.persistWorldField("realm_closed", closed)

	operator, _ := c.Get("operator")
	s.logger.Info().Bool("closed", closed).Interface("operator", operator).Msg("API: realm gate changed")
	c.JSON(http.StatusOK, gin.H{"realm": s.deps.Gate.Status()})
}

// handleRealmSecurity sets the minimum security level for new logins.
func (s *Server) handleRealmSecurity(c *gin.Context) {
	var body struct {
		Level string `json:"level" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	level, err := auth.ParseSecurityLevel(body.Level)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s.deps.Gate.SetRequiredSecurity(level)
	s.persistWorldField("required_security", level.String())
	c.JSON(http.StatusOK, gin.H{"realm": s.deps.Gate.Status()})
}

// handleKick disconnects every connection of an account.
func (s *Server) handleKick(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("account_id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid account id"})
		return
	}
	var body struct {
		Reason string `json:"reason"`
	}
	// The body is optional.
	_ = c.ShouldBindJSON(&body)
	if body.Reason == "" {
		body.Reason = "kicked by operator"
	}

	if !s.deps.Sessions.Kick(uint32(id), body.Reason) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no session for account", "account_id": id})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "kicked", "account_id": id})
}

func (s *Server) handleListBans(c *gin.Context) {
	if !s.requireAccounts(c) {
		return
	}
	bans, err := s.deps.Accounts.ListAddressBans(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if bans == nil {
		bans = []db.IPBan{}
	}
	c.JSON(http.StatusOK, gin.H{"bans": bans, "total": len(bans)})
}

func (s *Server) handleBanAddress(c *gin.Context) {
	if !s.requireAccounts(c) {
		return
	}
	var body struct {
		IP          string `json:"ip" binding:"required"`
		DurationSec int64  `json:"duration_sec" binding:"min=0"`
		Reason      string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err := s.deps.Accounts.BanAddress(c.Request.Context(), body.IP,
		time.Duration(body.DurationSec)*time.Second, body.Reason)
	if errors.Is(err, db.ErrInvalidAddress) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "banned", "ip": body.IP})
}

func (s *Server) handleUnbanAddress(c *gin.Context) {
	if !s.requireAccounts(c) {
		return
	}
	ip := c.Param("ip")
	if err := s.deps.Accounts.UnbanAddress(c.Request.Context(), ip); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "unbanned", "ip": ip})
}

func (s *Server) requireAccounts(c *gin.Context) bool {
	if s.deps.Accounts == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "account store not available"})
		return false
	}
	return true
}
