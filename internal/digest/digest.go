package digest

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/triagehq/triage/internal/triage"
	"github.com/triagehq/triage/pkg/protocol"
)

// DefaultTopN is how many stale tickets the digest calls out.
const DefaultTopN = 3

// Partition is one named slice of the queue. Slice order is priority
// order: when two stale tickets are equally old, or one ticket appears
// in several partitions, the earlier partition wins.
type Partition struct {
	Name    string
	Tickets []*protocol.Ticket
}

// Aggregator turns ticket partitions into a digest payload.
type Aggregator struct {
	staleAfter time.Duration
	topN       int
	now        func() time.Time
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithTopN overrides how many stale items the ranking keeps.
func WithTopN(n int) Option {
	return func(a *Aggregator) { a.topN = n }
}

// WithStaleAfter overrides the staleness window.
func WithStaleAfter(d time.Duration) Option {
	return func(a *Aggregator) { a.staleAfter = d }
}

// WithClock overrides the time source (tests).
func WithClock(fn func() time.Time) Option {
	return func(a *Aggregator) { a.now = fn }
}

// New creates an aggregator with the reference-deployment defaults.
func New(opts ...Option) *Aggregator {
	a := &Aggregator{
		staleAfter: triage.DefaultStaleAfter,
		topN:       DefaultTopN,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Build computes per-partition totals and the merged oldest-stale
// ranking. ok is false when every partition is empty, so the caller can
// skip sending entirely.
func (a *Aggregator) Build(parts []Partition) (*protocol.DigestPayload, bool) {
	now := a.now()

	total := 0
	sections := make([]protocol.DigestSection, 0, len(parts))

	type staleItem struct {
		item protocol.DigestItem
		prio int
	}
	var stale []staleItem
	seen := make(map[string]int) // ticket_key → index into stale

	for prio, p := range parts {
		sec := protocol.DigestSection{Name: p.Name, Total: len(p.Tickets)}
		for _, t := range p.Tickets {
			triage.AnnotateTicket(t, now, a.staleAfter)
			if !t.IsStale {
				continue
			}
			sec.StaleCount++

			age := 0
			if t.AgeHours != nil {
				age = *t.AgeHours
			}
			it := staleItem{
				item: protocol.DigestItem{
					TicketKey:     t.Key,
					CustomerEmail: t.CustomerEmail,
					Subject:       t.Subject,
					ClaimedBy:     t.ClaimedBy,
					AgeHours:      age,
					AgeDisplay:    t.AgeDisplay,
					Partition:     p.Name,
				},
				prio: prio,
			}
			// A ticket present in several partitions is listed once,
			// attributed to the higher-priority partition.
			if idx, dup := seen[t.Key]; dup {
				if prio < stale[idx].prio {
					stale[idx] = it
				}
				continue
			}
			seen[t.Key] = len(stale)
			stale = append(stale, it)
		}
		total += sec.Total
		sections = append(sections, sec)
	}

	if total == 0 {
		return nil, false
	}

	sort.SliceStable(stale, func(i, j int) bool {
		if stale[i].item.AgeHours != stale[j].item.AgeHours {
			return stale[i].item.AgeHours > stale[j].item.AgeHours
		}
		if stale[i].prio != stale[j].prio {
			return stale[i].prio < stale[j].prio
		}
		return stale[i].item.TicketKey < stale[j].item.TicketKey
	})
	if len(stale) > a.topN {
		stale = stale[:a.topN]
	}

	items := make([]protocol.DigestItem, len(stale))
	for i, s := range stale {
		items[i] = s.item
	}

	payload := &protocol.DigestPayload{
		Sections:    sections,
		OldestStale: items,
		GeneratedAt: now.UTC(),
	}
	payload.Text = renderText(payload, total)
	return payload, true
}

// renderText produces the human-readable digest in plain Markdown.
// Notifier senders convert to their platform's dialect.
func renderText(p *protocol.DigestPayload, total int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "**Support queue digest** — %s open\n", plural(total, "ticket"))
	for _, sec := range p.Sections {
		fmt.Fprintf(&b, "• %s: %d open", sec.Name, sec.Total)
		if sec.StaleCount > 0 {
			fmt.Fprintf(&b, ", %d stale", sec.StaleCount)
		}
		b.WriteByte('\n')
	}
	if len(p.OldestStale) > 0 {
		b.WriteString("\n**Oldest stale**\n")
		for i, it := range p.OldestStale {
			fmt.Fprintf(&b, "%d. %s — %s (%s", i+1, subjectOr(it), it.CustomerEmail, it.AgeDisplay)
			if it.ClaimedBy != "" {
				fmt.Fprintf(&b, ", claimed by %s", it.ClaimedBy)
			}
			b.WriteString(")\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func subjectOr(it protocol.DigestItem) string {
	if it.Subject != "" {
		return it.Subject
	}
	return it.TicketKey
}

func plural(n int, noun string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", noun)
	}
	return fmt.Sprintf("%d %ss", n, noun)
}
