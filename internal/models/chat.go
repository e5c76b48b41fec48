package models

import "time"

// ChatMessage is one chat line. SentAt is the server timestamp and is informational only;
// clients order messages by arrival.
type ChatMessage struct {
	ID         string    `json:"id"`
	StreamID   string    `json:"streamId"`
	AuthorID   string    `json:"authorId"`
	AuthorName string    `json:"authorName"`
	Body       string    `json:"body"`
	SentAt     time.Time `json:"sentAt"`
}

// MaxChatBodyLength bounds a single chat message (runes).
const MaxChatBodyLength = 500
