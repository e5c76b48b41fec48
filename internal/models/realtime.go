package models

import (
	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// Realtime channel events.
const (
	EventSubscribe   = "subscribe"
	EventSubscribed  = "subscribed"
	EventChatMessage = "chat-message"
	EventViewerCount = "viewerCount"
	EventNewPoll     = "newPoll"
	EventPollClosed  = "pollClosed"
	EventPollResults = "pollResults"
	EventVote        = "vote"
	EventError       = "error"
)

// Envelope is the realtime channel message envelope.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// SubscribeRequest is sent by a client after every (re)connect.
type SubscribeRequest struct {
	StreamID string `json:"streamId"`
	ViewerID string `json:"viewerId"`
	Name     string `json:"name"`
}

// ChatSendRequest is a client-originated chat line.
type ChatSendRequest struct {
	Body string `json:"body"`
}

// VoteRequest is a client-originated poll vote.
type VoteRequest struct {
	PollID   uuid.UUID `json:"pollId"`
	OptionID uuid.UUID `json:"optionId"`
}

// ViewerCount is pushed periodically to every subscriber of a stream.
type ViewerCount struct {
	Count int `json:"count"`
}

// PollClosed announces the end of a poll.
type PollClosed struct {
	PollID uuid.UUID `json:"pollId"`
}

// ErrorPayload carries a server-side rejection (rate limit, bad vote).
type ErrorPayload struct {
	Message string `json:"message"`
}

// NewEnvelope marshals payload into an envelope.
func NewEnvelope(event string, payload interface{}) (Envelope, error) {
	if payload == nil {
		return Envelope{Event: event}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Event: event, Data: data}, nil
}
