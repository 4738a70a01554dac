package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	identity "github.com/permitdesk/identity"
)

// userView is the profile shape returned with issued tokens.
type userView struct {
	UserID                  string `json:"userId"`
	Email                   string `json:"email"`
	Role                    string `json:"role"`
	MFAEnabled              bool   `json:"mfaEnabled"`
	MFAMethods              string `json:"mfaMethods,omitempty"`
	MFAReEnrollmentRequired bool   `json:"mfaReEnrollmentRequired,omitempty"`
	MustSetupMFA            bool   `json:"mustSetupMfa,omitempty"`
}

func viewOf(u identity.UserRecord) userView {
	return userView{
		UserID:                  u.UserID,
		Email:                   u.Email,
		Role:                    u.Role.String(),
		MFAEnabled:              u.MFAEnabled,
		MFAMethods:              u.MFAMethods,
		MFAReEnrollmentRequired: u.MFAReEnrollmentRequired,
		MustSetupMFA:            u.MustSetupMFA,
	}
}

// loginResponse renders either a completed login or a pending factor step.
func loginResponse(c *gin.Context, result identity.LoginResult) {
	if result.MFARequired {
		methods := make([]string, 0, len(result.Methods))
		for _, m := range result.Methods {
			methods = append(methods, string(m))
		}
		c.JSON(http.StatusOK, gin.H{
			"mfaRequired": true,
			"methods":     methods,
			"codeSent":    result.CodeSent,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"token":     result.Token,
		"expiresAt": result.ExpiresAt.UTC().Format(time.RFC3339),
		"user":      viewOf(result.User),
	})
}

func (s *Server) handleLoginStart(c *gin.Context) {
	var req struct {
		Email    string `json:"email" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.failValidation(c, "email and password are required")
		return
	}
	result, err := s.engine.Login(c.Request.Context(), req.Email, req.Password, c.ClientIP(), c.Request.UserAgent())
	if err != nil {
		s.fail(c, err)
		return
	}
	loginResponse(c, result)
}

func (s *Server) handleLoginVerifyCode(c *gin.Context) {
	var req struct {
		Email string `json:"email" binding:"required"`
		Code  string `json:"code" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.failValidation(c, "email and code are required")
		return
	}
	result, err := s.engine.VerifyLoginCode(c.Request.Context(), req.Email, req.Code, c.ClientIP(), c.Request.UserAgent())
	if err != nil {
		s.fail(c, err)
		return
	}
	loginResponse(c, result)
}

func (s *Server) handleLoginVerifyTOTP(c *gin.Context) {
	var req struct {
		Email string `json:"email" binding:"required"`
		Code  string `json:"code" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.failValidation(c, "email and code are required")
		return
	}
	result, err := s.engine.VerifyLoginTOTP(c.Request.Context(), req.Email, req.Code, c.ClientIP(), c.Request.UserAgent())
	if err != nil {
		s.fail(c, err)
		return
	}
	loginResponse(c, result)
}

func (s *Server) handleChangePassword(c *gin.Context) {
	var req struct {
		CurrentPassword string `json:"currentPassword" binding:"required"`
		NewPassword     string `json:"newPassword" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.failValidation(c, "currentPassword and newPassword are required")
		return
	}
	user := currentUser(c)
	pair, err := s.engine.ChangePasswordAuthenticated(c.Request.Context(), user.UserID, req.CurrentPassword, req.NewPassword)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"token":     pair.Token,
		"expiresAt": pair.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleTOTPSetup(c *gin.Context) {
	user := currentUser(c)
	provision, err := s.engine.SetupTOTP(c.Request.Context(), user.UserID)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"secret": provision.Secret,
		"uri":    provision.URI,
	})
}

func (s *Server) handleTOTPVerify(c *gin.Context) {
	var req struct {
		Code string `json:"code" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.failValidation(c, "code is required")
		return
	}
	user := currentUser(c)
	if err := s.engine.VerifyTOTP(c.Request.Context(), user.UserID, req.Code); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"verified": true})
}

// handleMFAStatus reports the caller's factor state, including a pending
// scheduled disable so the frontend can offer the undo.
func (s *Server) handleMFAStatus(c *gin.Context) {
	user := currentUser(c)
	resp := gin.H{
		"mfaEnabled":              user.MFAEnabled,
		"mfaMethods":              user.MFAMethods,
		"mfaReEnrollmentRequired": user.MFAReEnrollmentRequired,
		"mustSetupMfa":            user.MustSetupMFA,
		"disablePending":          user.MFADisablePending,
		"passkeyCount":            len(user.WebAuthnCredentials),
	}
	if user.MFADisablePending {
		resp["disableScheduledFor"] = user.MFADisableScheduledFor.UTC().Format(time.RFC3339)
	}
	c.JSON(http.StatusOK, resp)
}
