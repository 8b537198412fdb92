package notify

import (
	"context"
	"errors"
	"log/slog"

	"github.com/triagehq/triage/pkg/protocol"
)

// Sender delivers a digest payload to one external platform.
type Sender interface {
	// Name returns the platform name (e.g., "slack", "telegram").
	Name() string
	// Send delivers the payload. Delivery is best-effort; the core never
	// retries on the sender's behalf.
	Send(ctx context.Context, p *protocol.DigestPayload) error
}

// Fanout delivers one payload to every configured sender. A failing
// sender does not stop the others.
type Fanout struct {
	senders []Sender
	logger  *slog.Logger
}

// NewFanout creates a fanout over the given senders.
func NewFanout(logger *slog.Logger, senders ...Sender) *Fanout {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fanout{senders: senders, logger: logger}
}

// Len returns the number of configured senders.
func (f *Fanout) Len() int { return len(f.senders) }

// Send delivers to all senders and returns the joined errors, if any.
func (f *Fanout) Send(ctx context.Context, p *protocol.DigestPayload) error {
	var errs []error
	for _, s := range f.senders {
		if err := s.Send(ctx, p); err != nil {
			f.logger.Error("digest delivery failed", "sender", s.Name(), "error", err)
			errs = append(errs, err)
			continue
		}
		f.logger.Info("digest delivered", "sender", s.Name())
	}
	return errors.Join(errs...)
}
