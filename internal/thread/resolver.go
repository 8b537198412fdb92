package thread

import (
	"context"
	"strings"

	"github.com/triagehq/triage/pkg/protocol"
)

// Source is the read-only slice of the store the resolver needs.
type Source interface {
	GetTicket(ctx context.Context, key string) (*protocol.Ticket, error)
	ThreadIDs(ctx context.Context, key string) ([]string, error)
	MessagesByThreads(ctx context.Context, threadIDs []string) ([]*protocol.Message, error)
}

// Resolver assembles the conversation view for a ticket: the union of
// its primary thread and any manually linked secondary threads. All
// queries are read-only, so resolvers for different tickets can run
// concurrently without coordination.
type Resolver struct {
	src Source
}

// NewResolver creates a resolver over the given source.
func NewResolver(src Source) *Resolver {
	return &Resolver{src: src}
}

// Thread returns every non-noise message across the ticket's threads,
// ordered oldest first. The ordering is stable: equal timestamps fall
// back to message id order, so re-invocation with unchanged data yields
// the same sequence.
func (r *Resolver) Thread(ctx context.Context, key string) ([]*protocol.Message, error) {
	ids, err := r.threadSet(ctx, key)
	if err != nil {
		return nil, err
	}
	return r.src.MessagesByThreads(ctx, ids)
}

// CustomerThread returns the ticket's thread restricted to the messages
// that involve the ticket's customer. On a shared broadcast thread this
// keeps one customer's queue item from leaking another customer's
// exchange. Internal-to-internal messages on the thread are excluded
// even when they might belong to the conversation; that conservative
// rule is deliberate.
func (r *Resolver) CustomerThread(ctx context.Context, key string) ([]*protocol.Message, error) {
	t, err := r.src.GetTicket(ctx, key)
	if err != nil {
		return nil, err
	}
	msgs, err := r.Thread(ctx, key)
	if err != nil {
		return nil, err
	}

	filtered := make([]*protocol.Message, 0, len(msgs))
	for _, m := range msgs {
		if involvesCustomer(m, t.CustomerEmail) {
			filtered = append(filtered, m)
		}
	}
	return filtered, nil
}

func (r *Resolver) threadSet(ctx context.Context, key string) ([]string, error) {
	ids, err := r.src.ThreadIDs(ctx, key)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out, nil
}

// involvesCustomer retains a message iff the customer sent it or
// appears among its recipients.
func involvesCustomer(m *protocol.Message, customer string) bool {
	if customer == "" {
		return false
	}
	if strings.EqualFold(m.From, customer) {
		return true
	}
	for _, to := range m.To {
		if strings.EqualFold(to, customer) {
			return true
		}
	}
	return false
}
