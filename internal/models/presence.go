package models

// HeartbeatRequest is the body of POST /api/heartbeat.
type HeartbeatRequest struct {
	SessionID string `json:"session_id" binding:"required"`
	StreamID  string `json:"stream_id" binding:"required"`
}
