package triage

import (
	"fmt"
	"time"

	"github.com/triagehq/triage/pkg/protocol"
)

// DefaultStaleAfter is the claim age after which an unanswered ticket
// counts as stale.
const DefaultStaleAfter = 24 * time.Hour

// Annotate fills the read-time age and staleness fields on each ticket.
// It is pure with respect to stored state: the same inputs always
// produce the same annotations, so it can be applied to any ticket list
// at read time.
func Annotate(tickets []*protocol.Ticket, now time.Time, staleAfter time.Duration) {
	for _, t := range tickets {
		AnnotateTicket(t, now, staleAfter)
	}
}

// AnnotateTicket computes age and staleness for a single ticket.
func AnnotateTicket(t *protocol.Ticket, now time.Time, staleAfter time.Duration) {
	t.AgeHours = nil
	t.AgeDisplay = "-"
	if t.LastInboundAt != nil {
		hours := int(now.Sub(*t.LastInboundAt).Hours())
		if hours < 0 {
			hours = 0
		}
		t.AgeHours = &hours
		t.AgeDisplay = ageDisplay(hours)
	}

	// Staleness measures an unmet obligation: a ticket that has been
	// responded to is never stale, however old its claim was.
	t.IsStale = t.NeedsResponse &&
		t.ClaimedAt != nil &&
		now.Sub(*t.ClaimedAt) > staleAfter
}

func ageDisplay(hours int) string {
	switch {
	case hours < 1:
		return "< 1h"
	case hours < 24:
		return fmt.Sprintf("%dh", hours)
	default:
		return fmt.Sprintf("%dd", hours/24)
	}
}
