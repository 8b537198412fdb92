package protocol

import "time"

// ActivityAction names a ticket lifecycle event in the activity log.
type ActivityAction string

const (
	ActionCreated         ActivityAction = "created"
	ActionClaimed         ActivityAction = "claimed"
	ActionUnclaimed       ActivityAction = "unclaimed"
	ActionResponded       ActivityAction = "responded"
	ActionReopened        ActivityAction = "reopened"
	ActionCustomerReplied ActivityAction = "customer_replied"
)

// ActivityEntry is an immutable, append-only record of one transition.
// Entries are totally ordered by CreatedAt with insertion order breaking ties.
type ActivityEntry struct {
	ID        string         `json:"id"`
	TicketKey string         `json:"ticket_key"`
	Action    ActivityAction `json:"action"`
	// Actor is the responder identity, or empty for system-generated events.
	Actor     string         `json:"actor,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Note is a free-text annotation a responder attaches to a ticket.
// Notes are independent of the state machine.
type Note struct {
	ID        string    `json:"id"`
	TicketKey string    `json:"ticket_key"`
	Author    string    `json:"author"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}
