package viewers

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/streamcast/portal/internal/metrics"
	"github.com/streamcast/portal/internal/models"
	"github.com/streamcast/portal/pkg/response"
)

// Presence is what the heartbeat handler needs from a tracker.
type Presence interface {
	Touch(ctx context.Context, streamID uuid.UUID, sessionID string) error
}

// Handler handles viewer heartbeat endpoints.
type Handler struct {
	presence Presence
	metrics  *metrics.Server
	logger   *zap.Logger
}

// NewHandler creates a heartbeat handler.
func NewHandler(presence Presence, m *metrics.Server, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{presence: presence, metrics: m, logger: logger}
}

// Heartbeat handles POST /api/heartbeat. No response body.
func (h *Handler) Heartbeat(c *gin.Context) {
	var req models.HeartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	streamID, err := uuid.Parse(req.StreamID)
	if err != nil {
		response.BadRequest(c, "invalid stream_id")
		return
	}
	if err := h.presence.Touch(c.Request.Context(), streamID, req.SessionID); err != nil {
		h.logger.Error("record heartbeat", zap.String("stream_id", req.StreamID), zap.Error(err))
		response.ServiceUnavailable(c, "presence store unavailable")
		return
	}
	h.metrics.IncHeartbeat()
	response.NoContent(c)
}
