package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

func (s *Server) handleWebAuthnRegisterStart(c *gin.Context) {
	user := currentUser(c)
	creation, err := s.engine.BeginPasskeyRegistration(c.Request.Context(), user.UserID)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, creation)
}

func (s *Server) handleWebAuthnRegisterComplete(c *gin.Context) {
	var req struct {
		Credential json.RawMessage `json:"credential" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.failValidation(c, "credential is required")
		return
	}
	user := currentUser(c)
	if err := s.engine.FinishPasskeyRegistration(c.Request.Context(), user.UserID, req.Credential); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"registered": true})
}

func (s *Server) handleWebAuthnLoginStart(c *gin.Context) {
	var req struct {
		Email string `json:"email" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.failValidation(c, "email is required")
		return
	}
	assertion, err := s.engine.BeginPasskeyLogin(c.Request.Context(), req.Email)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, assertion)
}

func (s *Server) handleWebAuthnLoginComplete(c *gin.Context) {
	var req struct {
		Email      string          `json:"email" binding:"required"`
		Credential json.RawMessage `json:"credential" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.failValidation(c, "email and credential are required")
		return
	}
	result, err := s.engine.FinishPasskeyLogin(c.Request.Context(), req.Email, req.Credential, c.ClientIP(), c.Request.UserAgent())
	if err != nil {
		s.fail(c, err)
		return
	}
	loginResponse(c, result)
}

func (s *Server) handleListCredentials(c *gin.Context) {
	user := currentUser(c)
	creds, err := s.engine.ListPasskeys(c.Request.Context(), user.UserID)
	if err != nil {
		s.fail(c, err)
		return
	}
	out := make([]gin.H, 0, len(creds))
	for _, cred := range creds {
		out = append(out, gin.H{
			"credentialId": cred.CredentialID,
			"transports":   cred.Transports,
			"signCount":    cred.SignCount,
			"addedAt":      cred.AddedAt.UTC().Format(time.RFC3339),
		})
	}
	c.JSON(http.StatusOK, gin.H{"credentials": out})
}

func (s *Server) handleDeleteCredential(c *gin.Context) {
	user := currentUser(c)
	if err := s.engine.DeletePasskey(c.Request.Context(), user.UserID, c.Param("credId")); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

/* ==== cross-device pairing ==== */

func (s *Server) handlePairingStart(c *gin.Context) {
	var req struct {
		Email             string `json:"email"`
		AllowRegistration bool   `json:"allowRegistration"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.failValidation(c, "malformed request body")
		return
	}
	start, err := s.engine.StartPairing(c.Request.Context(), req.Email, req.AllowRegistration)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"sessionId": start.SessionID,
		"qrPayload": start.QRPayload,
		"expiresIn": int(start.ExpiresIn.Seconds()),
	})
}

func (s *Server) handlePairingAuthOptions(c *gin.Context) {
	var req struct {
		SessionID string `json:"sessionId" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.failValidation(c, "sessionId is required")
		return
	}
	options, err := s.engine.PairingAuthOptions(c.Request.Context(), req.SessionID)
	if err != nil {
		s.fail(c, err)
		return
	}
	resp := gin.H{"type": options.Type}
	if options.Creation != nil {
		resp["options"] = options.Creation
	} else {
		resp["options"] = options.Assertion
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handlePairingComplete(c *gin.Context) {
	var req struct {
		SessionID  string          `json:"sessionId" binding:"required"`
		Credential json.RawMessage `json:"credential" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.failValidation(c, "sessionId and credential are required")
		return
	}
	if err := s.engine.CompletePairing(c.Request.Context(), req.SessionID, req.Credential); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"completed": true})
}

func (s *Server) handlePairingStatus(c *gin.Context) {
	status, err := s.engine.PairingStatus(c.Request.Context(), c.Param("sessionId"))
	if err != nil {
		s.fail(c, err)
		return
	}
	if status.Pending {
		c.JSON(http.StatusOK, gin.H{"authenticated": false, "pending": true})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"authenticated": true,
		"status":        status.Status,
		"token":         status.Token,
		"expiresAt":     status.ExpiresAt.UTC().Format(time.RFC3339),
		"user":          viewOf(status.User),
	})
}
