package operations

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// handleHealth is a liveness probe — always 200 while the process can serve HTTP.
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleStatus returns the current engine snapshot (spec §10.1).
func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.provider.Status())
}

// handlePositions returns the full open-position list, read-only.
func (s *Server) handlePositions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"positions": s.provider.Positions()})
}

// handleKill is the surface's single mutating endpoint: it asks the engine
// to begin a graceful shutdown through the same flag SIGTERM sets. Requires
// a bearer token matching operations.control_token; unauthenticated or
// mismatched requests get 401.
func (s *Server) handleKill(c *gin.Context) {
	if s.cfg.ControlToken == "" {
		c.JSON(http.StatusForbidden, gin.H{"error": "control endpoint disabled: operations.control_token not set"})
		return
	}
	token := c.GetHeader("Authorization")
	if token != "Bearer "+s.cfg.ControlToken {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	s.killer.Kill()
	c.JSON(http.StatusOK, gin.H{"message": "shutdown requested"})
}

// handleWS upgrades the connection and registers a new read-only stream
// client, sending an initial status snapshot as the first event.
func (s *Server) handleWS(c *gin.Context) {
	upg := upgrader(s.cfg)
	conn, err := upg.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := newWSClient(s.hub, conn)

	evt := Event{Type: "snapshot", Timestamp: time.Now(), Data: s.provider.Status()}
	if data, err := json.Marshal(evt); err == nil {
		select {
		case client.send <- data:
		default:
			s.logger.Warn().Msg("failed to send initial snapshot to client")
		}
	}
}
