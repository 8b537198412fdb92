package triage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/triagehq/triage/internal/store"
	"github.com/triagehq/triage/pkg/protocol"
)

// Engine is the ticket lifecycle state machine. Atomicity of the claim
// protocol is delegated to the store's conditional updates, so the
// engine itself holds no locks and can run replicated against a shared
// database.
type Engine struct {
	store      store.Store
	activity   *ActivityLog
	logger     *slog.Logger
	now        func() time.Time
	staleAfter time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source (tests).
func WithClock(fn func() time.Time) Option {
	return func(e *Engine) { e.now = fn }
}

// WithStaleAfter overrides the staleness window.
func WithStaleAfter(d time.Duration) Option {
	return func(e *Engine) { e.staleAfter = d }
}

// New creates an engine. activity may be nil to disable event logging.
func New(st store.Store, activity *ActivityLog, logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		store:      st,
		activity:   activity,
		logger:     logger,
		now:        time.Now,
		staleAfter: DefaultStaleAfter,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// StaleAfter returns the configured staleness window.
func (e *Engine) StaleAfter() time.Duration { return e.staleAfter }

// Claim assigns the ticket to actor. Exactly one of any set of
// concurrent claim attempts succeeds; the rest see AlreadyClaimedError
// naming the winner.
func (e *Engine) Claim(ctx context.Context, key, actor string) (*protocol.Ticket, error) {
	t, err := e.store.Claim(ctx, key, actor, e.now())
	if err != nil {
		return nil, err
	}
	e.record(key, protocol.ActionClaimed, actor, nil)
	return e.annotated(t), nil
}

// Unclaim releases actor's claim. Other actors get NotOwnerError.
func (e *Engine) Unclaim(ctx context.Context, key, actor string) (*protocol.Ticket, error) {
	t, err := e.store.Unclaim(ctx, key, actor)
	if err != nil {
		return nil, err
	}
	e.record(key, protocol.ActionUnclaimed, actor, nil)
	return e.annotated(t), nil
}

// MarkResponded records an outbound reply. Responding closes the
// responder's obligation, so any claim is released and the ticket moves
// to awaiting_customer. Re-application overwrites the timestamps.
func (e *Engine) MarkResponded(ctx context.Context, key, actor string) (*protocol.Ticket, error) {
	t, err := e.store.MarkResponded(ctx, key, actor, e.now())
	if err != nil {
		return nil, err
	}
	e.record(key, protocol.ActionResponded, actor, nil)
	return e.annotated(t), nil
}

// Reopen puts the ticket back into the response queue.
func (e *Engine) Reopen(ctx context.Context, key, actor string) (*protocol.Ticket, error) {
	t, err := e.store.Reopen(ctx, key)
	if err != nil {
		return nil, err
	}
	e.record(key, protocol.ActionReopened, actor, nil)
	return e.annotated(t), nil
}

// GetTicket returns one ticket with age annotations.
func (e *Engine) GetTicket(ctx context.Context, key string) (*protocol.Ticket, error) {
	t, err := e.store.GetTicket(ctx, key)
	if err != nil {
		return nil, err
	}
	return e.annotated(t), nil
}

// ListTickets returns the requested queue view with age annotations.
func (e *Engine) ListTickets(ctx context.Context, view store.View, limit int) ([]*protocol.Ticket, error) {
	tickets, err := e.store.ListTickets(ctx, store.Filter{View: view, Limit: limit})
	if err != nil {
		return nil, err
	}
	Annotate(tickets, e.now(), e.staleAfter)
	return tickets, nil
}

// Activity returns a ticket's event log, newest first.
func (e *Engine) Activity(ctx context.Context, key string) ([]*protocol.ActivityEntry, error) {
	if _, err := e.store.GetTicket(ctx, key); err != nil {
		return nil, err
	}
	return e.store.ListActivity(ctx, key)
}

// AddNote attaches a free-text note to an existing ticket.
func (e *Engine) AddNote(ctx context.Context, key, author, body string) (*protocol.Note, error) {
	n := &protocol.Note{
		ID:        newID(),
		TicketKey: key,
		Author:    author,
		Body:      body,
		CreatedAt: e.now().UTC(),
	}
	if err := e.store.AddNote(ctx, n); err != nil {
		return nil, err
	}
	return n, nil
}

// ListNotes returns a ticket's notes, newest first.
func (e *Engine) ListNotes(ctx context.Context, key string) ([]*protocol.Note, error) {
	if _, err := e.store.GetTicket(ctx, key); err != nil {
		return nil, err
	}
	return e.store.ListNotes(ctx, key)
}

// Inbound is a materialized delivery from the external ingestion
// service: one message plus enough ticket identity to create the
// conversation on first contact.
type Inbound struct {
	TicketKey     string
	CustomerEmail string
	Subject       string
	ThreadID      string
	Message       protocol.Message
}

// RecordInbound stores a delivered message and advances the owning
// ticket: first contact creates it, a reply on a responded ticket
// reopens it as a followup. Noise messages are stored but never touch
// ticket state.
func (e *Engine) RecordInbound(ctx context.Context, in Inbound) (*protocol.Ticket, error) {
	if in.TicketKey == "" {
		return nil, fmt.Errorf("triage: inbound: ticket_key is required")
	}
	if in.Message.Direction != protocol.DirectionInbound {
		return nil, fmt.Errorf("triage: inbound: direction must be %q", protocol.DirectionInbound)
	}

	msg := in.Message
	if msg.ID == "" {
		msg.ID = newID()
	}
	if msg.ThreadID == "" {
		msg.ThreadID = in.ThreadID
	}
	if err := e.store.UpsertMessage(ctx, &msg); err != nil {
		return nil, err
	}
	if msg.IsNoise {
		t, err := e.store.GetTicket(ctx, in.TicketKey)
		if errors.Is(err, protocol.ErrTicketNotFound) {
			return nil, nil
		}
		return t, err
	}

	ts := msg.InternalTS
	if ts.IsZero() {
		ts = e.now()
	}

	_, err := e.store.GetTicket(ctx, in.TicketKey)
	if errors.Is(err, protocol.ErrTicketNotFound) {
		t := &protocol.Ticket{
			Key:           in.TicketKey,
			CustomerEmail: in.CustomerEmail,
			Subject:       in.Subject,
			ThreadID:      msg.ThreadID,
			Status:        protocol.StatusAwaitingResponse,
			NeedsResponse: true,
			LastInboundAt: &ts,
			CreatedAt:     e.now().UTC(),
		}
		if err := e.store.CreateTicket(ctx, t); err != nil {
			return nil, err
		}
		e.record(in.TicketKey, protocol.ActionCreated, "", nil)
		return e.annotated(t), nil
	}
	if err != nil {
		return nil, err
	}

	reopened, err := e.store.MarkInbound(ctx, in.TicketKey, ts)
	if err != nil {
		return nil, err
	}
	var meta map[string]any
	if reopened {
		meta = map[string]any{"followup": true}
	}
	e.record(in.TicketKey, protocol.ActionCustomerReplied, "", meta)

	t, err := e.store.GetTicket(ctx, in.TicketKey)
	if err != nil {
		return nil, err
	}
	return e.annotated(t), nil
}

func (e *Engine) annotated(t *protocol.Ticket) *protocol.Ticket {
	AnnotateTicket(t, e.now(), e.staleAfter)
	return t
}

func (e *Engine) record(key string, action protocol.ActivityAction, actor string, meta map[string]any) {
	if e.activity == nil {
		return
	}
	e.activity.Record(key, action, actor, meta)
}
