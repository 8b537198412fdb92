package protocol

import "time"

// TicketStatus represents the response state of a ticket.
type TicketStatus string

const (
	// StatusAwaitingResponse means the ball is in the team's court.
	StatusAwaitingResponse TicketStatus = "awaiting_response"
	// StatusAwaitingCustomer means the team has replied and is waiting
	// for the customer to come back.
	StatusAwaitingCustomer TicketStatus = "awaiting_customer"
	// StatusResolved tombstones a conversation that needs no further work.
	StatusResolved TicketStatus = "resolved"
)

// Ticket is one customer conversation in the triage queue, keyed by a
// stable ticket key derived from the canonical thread identity.
//
// ClaimedBy and ClaimedAt are always set or cleared together. While the
// status is awaiting_customer the claim is released and RespondedAt is set.
// NeedsResponse can only be true while the status is awaiting_response.
type Ticket struct {
	Key           string       `json:"ticket_key"`
	CustomerEmail string       `json:"customer_email"`
	Subject       string       `json:"subject"`
	ThreadID      string       `json:"gmail_thread_id"`
	Status        TicketStatus `json:"status"`
	NeedsResponse bool         `json:"needs_response"`
	IsFollowup    bool         `json:"is_followup"`

	ClaimedBy string     `json:"claimed_by,omitempty"`
	ClaimedAt *time.Time `json:"claimed_at,omitempty"`

	LastInboundAt  *time.Time `json:"last_inbound_ts,omitempty"`
	LastOutboundAt *time.Time `json:"last_outbound_ts,omitempty"`

	RespondedBy string     `json:"responded_by,omitempty"`
	RespondedAt *time.Time `json:"responded_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`

	// Read-time annotations computed by the staleness evaluator.
	// Never persisted.
	AgeHours   *int   `json:"age_hours,omitempty"`
	AgeDisplay string `json:"age_display,omitempty"`
	IsStale    bool   `json:"is_stale,omitempty"`
}

// Claimed reports whether the ticket currently has a claimant.
func (t *Ticket) Claimed() bool {
	return t.ClaimedBy != ""
}
