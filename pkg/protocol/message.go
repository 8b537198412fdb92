package protocol

import "time"

// Direction tells whether a message was received from or sent to the customer.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Message is one physical email, immutable once ingested. Many messages
// belong to a thread; a ticket may own more than one thread.
type Message struct {
	ID         string    `json:"id"`
	ThreadID   string    `json:"thread_id"`
	From       string    `json:"from_email"`
	To         []string  `json:"to_emails"`
	Direction  Direction `json:"direction"`
	InternalTS time.Time `json:"internal_ts"`
	// IsNoise flags spam and auto-replies so they are suppressed from
	// conversation views and never reopen a ticket.
	IsNoise bool   `json:"is_noise,omitempty"`
	Subject string `json:"subject,omitempty"`
	Snippet string `json:"snippet,omitempty"`
}
