package streams

import (
	"context"
	"errors"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/streamcast/portal/internal/models"
	"github.com/streamcast/portal/pkg/response"
)

// Store is the catalog the handler reads and writes.
type Store interface {
	Create(ctx context.Context, s *models.Stream) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Stream, error)
	List(ctx context.Context, liveOnly bool) ([]models.Stream, error)
	SetLive(ctx context.Context, id uuid.UUID, live bool) (*models.Stream, error)
}

// ViewerCounter reports current viewers of a stream.
type ViewerCounter interface {
	Count(ctx context.Context, streamID uuid.UUID) (int, error)
}

// CreateRequest is the body for POST /api/streams.
type CreateRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	PlaybackURL string `json:"playback_url" binding:"required,url"`
}

// LiveRequest is the body for POST /api/streams/:id/live.
type LiveRequest struct {
	IsLive bool `json:"is_live"`
}

// Handler handles stream catalog and status endpoints.
type Handler struct {
	store   Store
	viewers ViewerCounter
	logger  *zap.Logger
}

// NewHandler creates a streams handler.
func NewHandler(store Store, viewers ViewerCounter, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{store: store, viewers: viewers, logger: logger}
}

// List handles GET /api/streams (?live=true for live only).
func (h *Handler) List(c *gin.Context) {
	list, err := h.store.List(c.Request.Context(), c.Query("live") == "true")
	if err != nil {
		h.logger.Error("list streams", zap.Error(err))
		response.Internal(c, "failed to list streams")
		return
	}
	if list == nil {
		list = []models.Stream{}
	}
	response.OK(c, list)
}

// Get handles GET /api/streams/:id.
func (h *Handler) Get(c *gin.Context) {
	s, ok := h.load(c)
	if !ok {
		return
	}
	response.OK(c, s)
}

// Status handles GET /api/streams/:id/status. Players poll it to decide
// whether to attempt playback; 404 means the stream is gone for good.
func (h *Handler) Status(c *gin.Context) {
	s, ok := h.load(c)
	if !ok {
		return
	}
	status := models.StreamStatus{Online: s.IsLive, Title: s.Title}
	if s.IsLive {
		status.PlaybackURL = s.PlaybackURL
		n, err := h.viewers.Count(c.Request.Context(), s.ID)
		if err != nil {
			h.logger.Warn("count viewers", zap.String("stream_id", s.ID.String()), zap.Error(err))
		}
		status.ViewerCount = n
	}
	response.OK(c, status)
}

// Create handles POST /api/streams.
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	s := &models.Stream{
		Title:       strings.TrimSpace(req.Title),
		Description: req.Description,
		PlaybackURL: req.PlaybackURL,
	}
	if s.Title == "" {
		s.Title = "Untitled Stream"
	}
	if err := h.store.Create(c.Request.Context(), s); err != nil {
		h.logger.Error("create stream", zap.Error(err))
		response.Internal(c, "failed to create stream")
		return
	}
	response.Created(c, s)
}

// SetLive handles POST /api/streams/:id/live.
func (h *Handler) SetLive(c *gin.Context) {
	var req LiveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	h.setLive(c, req.IsLive)
}

// Stop handles POST /api/streams/:id/stop.
func (h *Handler) Stop(c *gin.Context) {
	h.setLive(c, false)
}

func (h *Handler) setLive(c *gin.Context, live bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid stream id")
		return
	}
	s, err := h.store.SetLive(c.Request.Context(), id, live)
	if errors.Is(err, ErrNotFound) {
		response.NotFound(c, "stream not found")
		return
	}
	if err != nil {
		h.logger.Error("set stream live", zap.String("stream_id", id.String()), zap.Error(err))
		response.Internal(c, "failed to update stream")
		return
	}
	h.logger.Info("stream live state changed", zap.String("stream_id", id.String()), zap.Bool("is_live", live))
	response.OK(c, s)
}

func (h *Handler) load(c *gin.Context) (*models.Stream, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.NotFound(c, "stream not found")
		return nil, false
	}
	s, err := h.store.GetByID(c.Request.Context(), id)
	if errors.Is(err, ErrNotFound) {
		response.NotFound(c, "stream not found")
		return nil, false
	}
	if err != nil {
		h.logger.Error("get stream", zap.String("stream_id", id.String()), zap.Error(err))
		response.Internal(c, "failed to load stream")
		return nil, false
	}
	return s, true
}
