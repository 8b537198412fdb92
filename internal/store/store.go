package store

import (
	"context"
	"time"

	"github.com/triagehq/triage/pkg/protocol"
)

// View selects a predefined slice of the ticket queue.
type View string

const (
	ViewNeedsResponse    View = "needs_response"
	ViewFollowups        View = "followups"
	ViewClaimed          View = "claimed"
	ViewUnclaimed        View = "unclaimed"
	ViewAwaitingCustomer View = "awaiting_customer"
	ViewResolved         View = "resolved"
	ViewAll              View = "all"
)

// ParseView validates a view name, defaulting to ViewAll for empty input.
func ParseView(s string) (View, bool) {
	switch v := View(s); v {
	case ViewNeedsResponse, ViewFollowups, ViewClaimed, ViewUnclaimed,
		ViewAwaitingCustomer, ViewResolved, ViewAll:
		return v, true
	case "":
		return ViewAll, true
	}
	return "", false
}

// Filter constrains ticket list queries.
type Filter struct {
	View  View
	Limit int // 0 = no limit
}

// Store is the persistence interface for the triage queue. The claim and
// release methods must be implemented as single conditional updates so
// that concurrent callers, including other processes sharing the same
// database, race safely.
type Store interface {
	// CreateTicket inserts a new ticket row.
	CreateTicket(ctx context.Context, t *protocol.Ticket) error
	// GetTicket retrieves a ticket by key.
	GetTicket(ctx context.Context, key string) (*protocol.Ticket, error)
	// ListTickets returns tickets matching the filter, oldest inbound first.
	ListTickets(ctx context.Context, f Filter) ([]*protocol.Ticket, error)
	// CountTickets returns the number of tickets matching the filter.
	CountTickets(ctx context.Context, f Filter) (int, error)

	// Claim atomically assigns the ticket to actor if it is unclaimed.
	// Returns *protocol.AlreadyClaimedError when someone else holds it.
	Claim(ctx context.Context, key, actor string, now time.Time) (*protocol.Ticket, error)
	// Unclaim atomically releases the claim if actor holds it.
	// Returns *protocol.NotOwnerError otherwise.
	Unclaim(ctx context.Context, key, actor string) (*protocol.Ticket, error)
	// MarkResponded records an outbound reply: awaiting_customer, claim
	// cleared, responded/outbound timestamps set. Idempotent.
	MarkResponded(ctx context.Context, key, actor string, now time.Time) (*protocol.Ticket, error)
	// Reopen puts the ticket back into awaiting_response and clears the
	// responded fields.
	Reopen(ctx context.Context, key string) (*protocol.Ticket, error)
	// MarkInbound bumps last_inbound_ts. If the ticket was awaiting the
	// customer it is reopened as a followup; reopened reports that.
	MarkInbound(ctx context.Context, key string, ts time.Time) (reopened bool, err error)

	// UpsertMessage stores an ingested message row.
	UpsertMessage(ctx context.Context, m *protocol.Message) error
	// ThreadIDs returns the ticket's primary thread plus manually linked
	// secondary threads.
	ThreadIDs(ctx context.Context, key string) ([]string, error)
	// MessagesByThreads returns all non-noise messages across the given
	// threads ordered by internal timestamp, message id breaking ties.
	MessagesByThreads(ctx context.Context, threadIDs []string) ([]*protocol.Message, error)
	// LinkThread attaches a secondary thread to a ticket.
	LinkThread(ctx context.Context, key, threadID string) error

	// AppendActivity writes one immutable activity entry.
	AppendActivity(ctx context.Context, e *protocol.ActivityEntry) error
	// ListActivity returns a ticket's activity, newest first.
	ListActivity(ctx context.Context, key string) ([]*protocol.ActivityEntry, error)

	// AddNote attaches a note to an existing ticket.
	AddNote(ctx context.Context, n *protocol.Note) error
	// ListNotes returns a ticket's notes, newest first.
	ListNotes(ctx context.Context, key string) ([]*protocol.Note, error)
}
