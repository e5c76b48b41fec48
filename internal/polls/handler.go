package polls

import (
	"context"
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/streamcast/portal/internal/models"
	"github.com/streamcast/portal/internal/streams"
	"github.com/streamcast/portal/pkg/response"
)

// LaunchRequest is the body for POST /api/streams/:id/polls.
type LaunchRequest struct {
	Question    string   `json:"question" binding:"required"`
	Options     []string `json:"options" binding:"required,min=2"`
	DurationSec int      `json:"duration_sec"`
}

// StreamFinder resolves the stream a poll is launched on.
type StreamFinder interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Stream, error)
}

// Handler handles poll HTTP endpoints.
type Handler struct {
	svc     *Service
	streams StreamFinder
	logger  *zap.Logger
}

// NewHandler creates a polls handler.
func NewHandler(svc *Service, streamStore StreamFinder, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{svc: svc, streams: streamStore, logger: logger}
}

// Launch handles POST /api/streams/:id/polls.
func (h *Handler) Launch(c *gin.Context) {
	streamID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.NotFound(c, "stream not found")
		return
	}
	if _, err := h.streams.GetByID(c.Request.Context(), streamID); err != nil {
		if errors.Is(err, streams.ErrNotFound) {
			response.NotFound(c, "stream not found")
			return
		}
		response.Internal(c, "failed to load stream")
		return
	}

	var req LaunchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	p, err := h.svc.Launch(c.Request.Context(), streamID, req.Question, req.Options, time.Duration(req.DurationSec)*time.Second)
	if errors.Is(err, ErrInvalidPoll) {
		response.BadRequest(c, err.Error())
		return
	}
	if err != nil {
		h.logger.Error("launch poll", zap.String("stream_id", streamID.String()), zap.Error(err))
		response.Internal(c, "failed to launch poll")
		return
	}
	response.Created(c, p)
}

// Close handles POST /api/polls/:id/close.
func (h *Handler) Close(c *gin.Context) {
	pollID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.NotFound(c, "poll not found")
		return
	}
	if err := h.svc.Close(c.Request.Context(), pollID); err != nil {
		if errors.Is(err, ErrNotFound) {
			response.NotFound(c, "poll not found")
			return
		}
		h.logger.Error("close poll", zap.String("poll_id", pollID.String()), zap.Error(err))
		response.Internal(c, "failed to close poll")
		return
	}
	response.OK(c, gin.H{"id": pollID, "closed": true})
}

// Active handles GET /api/streams/:id/polls/active. Data is null when no poll is open.
func (h *Handler) Active(c *gin.Context) {
	streamID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.NotFound(c, "stream not found")
		return
	}
	p, err := h.svc.Active(c.Request.Context(), streamID)
	if err != nil {
		response.Internal(c, "failed to load poll")
		return
	}
	response.OK(c, p)
}
