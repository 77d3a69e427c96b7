// Package gateway exposes the ops HTTP surface: health, status, and the
// live session table.
package gateway

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kynetic/kynetic/internal/common/logger"
	"github.com/kynetic/kynetic/internal/orchestrator"
	"github.com/kynetic/kynetic/internal/session"
)

// Status is the slice of the orchestrator the handlers report on.
type Status interface {
	State() orchestrator.State
	AgentState() string
	InFlight() int64
	Sessions() []session.Info
}

// Handler contains the HTTP handlers for the ops endpoints.
type Handler struct {
	status Status
	logger *logger.Logger
}

// NewHandler creates the ops handler.
func NewHandler(status Status, log *logger.Logger) *Handler {
	return &Handler{
		status: status,
		logger: log.WithFields(zap.String("component", "gateway")),
	}
}

// Healthz reports agent liveness.
// GET /healthz
func (h *Handler) Healthz(c *gin.Context) {
	agentState := h.status.AgentState()
	code := http.StatusOK
	if agentState != "healthy" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{"agent": agentState})
}

// GetStatus reports orchestrator state and load.
// GET /status
func (h *Handler) GetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"state":     h.status.State(),
		"agent":     h.status.AgentState(),
		"in_flight": h.status.InFlight(),
		"sessions":  len(h.status.Sessions()),
	})
}

// ListSessions reports the live session table.
// GET /sessions
func (h *Handler) ListSessions(c *gin.Context) {
	sessions := h.status.Sessions()
	c.JSON(http.StatusOK, gin.H{
		"sessions": sessions,
		"count":    len(sessions),
	})
}
