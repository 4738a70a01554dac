package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

func (s *Server) handleMonitoringStats(c *gin.Context) {
	snap := s.engine.Monitor().Snapshot()
	severities := make(map[string]int64, len(snap.ErrorsBySeverity))
	for sev, n := range snap.ErrorsBySeverity {
		severities[string(sev)] = n
	}
	suspicious := make([]gin.H, 0, len(snap.Suspicious))
	for _, r := range snap.Suspicious {
		suspicious = append(suspicious, gin.H{
			"ip":       r.IPAddress,
			"endpoint": r.Endpoint,
			"reason":   r.Reason,
			"seenAt":   r.SeenAt.UTC().Format(time.RFC3339),
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"errorsBySeverity": severities,
		"errorsLastMinute": snap.ErrorsLastMinute,
		"errorsLastHour":   snap.ErrorsLastHour,
		"errorsLastDay":    snap.ErrorsLastDay,
		"trackedLoginIps":  snap.TrackedLoginIPs,
		"alertsFired":      snap.AlertsFired,
		"suspicious":       suspicious,
	})
}

func (s *Server) handleUnlockAccount(c *gin.Context) {
	actor := currentUser(c)
	if err := s.engine.UnlockAccount(c.Request.Context(), actor.UserID, c.Param("userId")); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"unlocked": true})
}

func (s *Server) handleAuditTrail(c *gin.Context) {
	entries, err := s.engine.Audit().Recent(c.Request.Context(), c.Param("userId"), 100)
	if err != nil {
		s.fail(c, err)
		return
	}
	tampered, err := s.engine.Audit().VerifyUser(c.Request.Context(), c.Param("userId"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"entries":  entries,
		"tampered": tampered,
	})
}

func (s *Server) handleFinalizeDisables(c *gin.Context) {
	count, err := s.engine.FinalizeDueMFADisables(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"finalized": count})
}
