package models

import (
	"time"

	"github.com/google/uuid"
)

// Stream is a live (or scheduled) broadcast in the catalog.
type Stream struct {
	ID          uuid.UUID `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	IsLive      bool      `json:"is_live"`
	PlaybackURL string    `json:"playback_url"` // HLS master playlist published by the ingest server
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// StreamStatus is the response of GET /api/streams/:id/status.
// Players use it to decide whether to even attempt playback.
type StreamStatus struct {
	Online      bool   `json:"online"`
	ViewerCount int    `json:"viewerCount"`
	Title       string `json:"title"`
	PlaybackURL string `json:"playbackUrl,omitempty"`
}
