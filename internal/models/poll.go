package models

import (
	"time"

	"github.com/google/uuid"
)

// Poll is a live poll attached to a stream. ExpiresAt is unix seconds as declared by the server.
type Poll struct {
	ID        uuid.UUID    `json:"id"`
	StreamID  uuid.UUID    `json:"streamId"`
	Question  string       `json:"question"`
	Options   []PollOption `json:"options"`
	ExpiresAt int64        `json:"expiresAt"`
	Closed    bool         `json:"closed,omitempty"`
	CreatedAt time.Time    `json:"createdAt"`
}

// PollOption is one choice of a poll with its running vote tally.
type PollOption struct {
	ID    uuid.UUID `json:"id"`
	Text  string    `json:"text"`
	Votes int       `json:"votes"`
}

// Deadline returns ExpiresAt as a time.Time.
func (p Poll) Deadline() time.Time {
	return time.Unix(p.ExpiresAt, 0)
}

// Option returns the option with the given id.
func (p Poll) Option(id uuid.UUID) (PollOption, bool) {
	for _, o := range p.Options {
		if o.ID == id {
			return o, true
		}
	}
	return PollOption{}, false
}

// TotalVotes sums the tallies of all options.
func (p Poll) TotalVotes() int {
	total := 0
	for _, o := range p.Options {
		total += o.Votes
	}
	return total
}
