package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

func (s *Server) handleSessionActivity(c *gin.Context) {
	user := currentUser(c)
	sess, err := s.engine.TouchSession(c.Request.Context(), user, c.ClientIP(), c.Request.UserAgent())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"sessionId": sess.SessionID,
		"expiresAt": sess.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleSessionList(c *gin.Context) {
	user := currentUser(c)
	claims := currentClaims(c)
	views, err := s.engine.ListSessions(c.Request.Context(), user.UserID, claims.TokenVersion)
	if err != nil {
		s.fail(c, err)
		return
	}
	out := make([]gin.H, 0, len(views))
	for _, v := range views {
		out = append(out, gin.H{
			"sessionId":        v.SessionID,
			"ipAddress":        v.IPAddress,
			"userAgent":        v.UserAgent,
			"lastActivityAt":   v.LastActivityAt.UTC().Format(time.RFC3339),
			"expiresAt":        v.ExpiresAt.UTC().Format(time.RFC3339),
			"isCurrentSession": v.IsCurrentSession,
			"isExpired":        v.IsExpired,
		})
	}
	c.JSON(http.StatusOK, gin.H{"sessions": out})
}

func (s *Server) handleSessionInvalidate(c *gin.Context) {
	var req struct {
		SessionID string `json:"sessionId" binding:"required"`
		Reason    string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.failValidation(c, "sessionId is required")
		return
	}
	if req.Reason == "" {
		req.Reason = "user request"
	}
	user := currentUser(c)
	if err := s.engine.InvalidateSession(c.Request.Context(), user.UserID, req.SessionID, req.Reason); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"invalidated": true})
}

func (s *Server) handleSessionInvalidateAll(c *gin.Context) {
	user := currentUser(c)
	claims := currentClaims(c)
	count, err := s.engine.InvalidateOtherSessions(c.Request.Context(), user.UserID, claims.TokenVersion)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"invalidated": count})
}

func (s *Server) handleLogoutAll(c *gin.Context) {
	user := currentUser(c)
	if err := s.engine.RevokeAllTokens(c.Request.Context(), user.UserID); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"revoked": true})
}

/* ==== scheduled MFA disable ==== */

func (s *Server) handleMFADisableRequest(c *gin.Context) {
	var req struct {
		Code string `json:"code" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.failValidation(c, "code is required")
		return
	}
	user := currentUser(c)
	scheduledFor, err := s.engine.RequestMFADisable(c.Request.Context(), user.UserID, req.Code)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"scheduled":    true,
		"scheduledFor": scheduledFor.UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleMFADisableSendCode(c *gin.Context) {
	user := currentUser(c)
	if err := s.engine.SendMFADisableCode(c.Request.Context(), user.UserID); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sent": true})
}

func (s *Server) handleMFADisableUndo(c *gin.Context) {
	user := currentUser(c)
	if err := s.engine.UndoMFADisable(c.Request.Context(), user.UserID); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": true})
}
