package httpapi

import (
	"bytes"
	"io"
	"strings"

	"github.com/gin-gonic/gin"

	identity "github.com/permitdesk/identity"
	"github.com/permitdesk/identity/token"
)

const (
	ctxUserKey   = "identity.user"
	ctxClaimsKey = "identity.claims"
)

// requireAuth verifies the bearer token (including the live tokenVersion
// check) and stashes the principal on the request context.
func (s *Server) requireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			s.fail(c, identity.ErrUnauthorized)
			return
		}
		raw := strings.TrimPrefix(header, "Bearer ")
		user, claims, err := s.engine.VerifyToken(c.Request.Context(), raw)
		if err != nil {
			s.fail(c, err)
			return
		}
		c.Set(ctxUserKey, user)
		c.Set(ctxClaimsKey, claims)
		c.Next()
	}
}

// requireElevated gates operator endpoints to the elevated capability class.
func (s *Server) requireElevated() gin.HandlerFunc {
	return func(c *gin.Context) {
		user := currentUser(c)
		if !user.Role.Elevated() {
			s.fail(c, identity.ErrUnauthorized)
			return
		}
		c.Next()
	}
}

func currentUser(c *gin.Context) identity.UserRecord {
	u, _ := c.Get(ctxUserKey)
	user, _ := u.(identity.UserRecord)
	return user
}

func currentClaims(c *gin.Context) *token.Claims {
	v, _ := c.Get(ctxClaimsKey)
	claims, _ := v.(*token.Claims)
	return claims
}

// rateLimit applies the per-IP budget on unauthenticated endpoints. The
// limiter fails open on backend errors; availability of login beats strict
// accounting here, and the monitor still gets the error.
func (s *Server) rateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.ClientIP() + ":" + c.FullPath()
		allowed, err := s.limiter.Allow(c.Request.Context(), key)
		if err != nil {
			s.engine.Monitor().RecordError(identity.ErrBackendUnavailable)
			c.Next()
			return
		}
		if !allowed {
			s.engine.Monitor().TrackRateLimitViolation(c.ClientIP(), c.FullPath())
			c.AbortWithStatusJSON(429, errorBody{Error: errorDetail{
				Code:    "rate_limited",
				Message: "Too many requests. Slow down.",
			}})
			return
		}
		c.Next()
	}
}

// observe scans request bodies and query strings for injection fingerprints.
// Detection never blocks the request; it records and alerts only.
func (s *Server) observe() gin.HandlerFunc {
	return func(c *gin.Context) {
		if raw := c.Request.URL.RawQuery; raw != "" {
			s.engine.Monitor().DetectSuspicious(c.ClientIP(), c.FullPath(), raw)
		}
		if c.Request.Body != nil && c.Request.ContentLength > 0 && c.Request.ContentLength < 1<<20 {
			body, err := io.ReadAll(c.Request.Body)
			if err == nil {
				s.engine.Monitor().DetectSuspicious(c.ClientIP(), c.FullPath(), string(body))
				c.Request.Body = io.NopCloser(bytes.NewReader(body))
			}
		}
		c.Next()
	}
}
