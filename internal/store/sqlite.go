package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/triagehq/triage/pkg/protocol"
)

// SQLiteStore implements Store using SQLite. Claim atomicity rides on
// single conditional UPDATE statements, so multiple daemon instances can
// safely share one database file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database and runs migrations.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	// WAL for concurrent readers, busy timeout so competing writers
	// queue instead of failing. Both pragmas go in the DSN so they apply
	// to every connection in the pool, not just the first one.
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS tickets (
			ticket_key       TEXT PRIMARY KEY,
			customer_email   TEXT NOT NULL,
			subject          TEXT NOT NULL DEFAULT '',
			thread_id        TEXT NOT NULL,
			status           TEXT NOT NULL DEFAULT 'awaiting_response',
			needs_response   INTEGER NOT NULL DEFAULT 1,
			is_followup      INTEGER NOT NULL DEFAULT 0,
			claimed_by       TEXT,
			claimed_at       TEXT,
			last_inbound_ts  TEXT,
			last_outbound_ts TEXT,
			responded_by     TEXT NOT NULL DEFAULT '',
			responded_at     TEXT,
			created_at       TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS messages (
			id          TEXT PRIMARY KEY,
			thread_id   TEXT NOT NULL,
			from_email  TEXT NOT NULL,
			to_emails   TEXT NOT NULL DEFAULT '[]',
			direction   TEXT NOT NULL,
			internal_ts INTEGER NOT NULL,
			is_noise    INTEGER NOT NULL DEFAULT 0,
			subject     TEXT NOT NULL DEFAULT '',
			snippet     TEXT NOT NULL DEFAULT ''
		);

		CREATE TABLE IF NOT EXISTS thread_tickets (
			thread_id  TEXT PRIMARY KEY,
			ticket_key TEXT NOT NULL REFERENCES tickets(ticket_key)
		);

		CREATE TABLE IF NOT EXISTS activity_log (
			id         TEXT PRIMARY KEY,
			ticket_key TEXT NOT NULL,
			action     TEXT NOT NULL,
			actor      TEXT NOT NULL DEFAULT '',
			metadata   TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS notes (
			id         TEXT PRIMARY KEY,
			ticket_key TEXT NOT NULL,
			author     TEXT NOT NULL,
			body       TEXT NOT NULL,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_tickets_status ON tickets(status);
		CREATE INDEX IF NOT EXISTS idx_tickets_claimed ON tickets(claimed_by);
		CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages(thread_id, internal_ts);
		CREATE INDEX IF NOT EXISTS idx_thread_tickets_key ON thread_tickets(ticket_key);
		CREATE INDEX IF NOT EXISTS idx_activity_ticket ON activity_log(ticket_key, created_at);
		CREATE INDEX IF NOT EXISTS idx_notes_ticket ON notes(ticket_key);
	`)
	if err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

const ticketColumns = `ticket_key, customer_email, subject, thread_id, status,
	needs_response, is_followup, claimed_by, claimed_at,
	last_inbound_ts, last_outbound_ts, responded_by, responded_at, created_at`

func (s *SQLiteStore) CreateTicket(ctx context.Context, t *protocol.Ticket) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tickets (`+ticketColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.Key, t.CustomerEmail, t.Subject, t.ThreadID, string(t.Status),
		boolInt(t.NeedsResponse), boolInt(t.IsFollowup),
		nullStr(t.ClaimedBy), fmtTimePtr(t.ClaimedAt),
		fmtTimePtr(t.LastInboundAt), fmtTimePtr(t.LastOutboundAt),
		t.RespondedBy, fmtTimePtr(t.RespondedAt), fmtTime(t.CreatedAt))
	if err != nil {
		return fmt.Errorf("store: create ticket: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetTicket(ctx context.Context, key string) (*protocol.Ticket, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+ticketColumns+` FROM tickets WHERE ticket_key = ?`, key)
	t, err := scanTicket(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("ticket %q: %w", key, protocol.ErrTicketNotFound)
		}
		return nil, fmt.Errorf("store: get ticket: %w", err)
	}
	return t, nil
}

// viewPredicate maps a View to its WHERE clause.
func viewPredicate(v View) string {
	switch v {
	case ViewNeedsResponse:
		return " AND status = 'awaiting_response' AND needs_response = 1"
	case ViewFollowups:
		return " AND is_followup = 1 AND needs_response = 1"
	case ViewClaimed:
		return " AND claimed_by IS NOT NULL"
	case ViewUnclaimed:
		return " AND claimed_by IS NULL AND needs_response = 1"
	case ViewAwaitingCustomer:
		return " AND status = 'awaiting_customer'"
	case ViewResolved:
		return " AND status = 'resolved'"
	}
	return ""
}

func (s *SQLiteStore) ListTickets(ctx context.Context, f Filter) ([]*protocol.Ticket, error) {
	query := `SELECT ` + ticketColumns + ` FROM tickets WHERE 1=1` + viewPredicate(f.View)
	query += " ORDER BY COALESCE(last_inbound_ts, created_at) ASC, ticket_key ASC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("store: list tickets: %w", err)
	}
	defer rows.Close()

	var tickets []*protocol.Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, fmt.Errorf("store: list scan: %w", err)
		}
		tickets = append(tickets, t)
	}
	return tickets, rows.Err()
}

func (s *SQLiteStore) CountTickets(ctx context.Context, f Filter) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tickets WHERE 1=1`+viewPredicate(f.View)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("store: count tickets: %w", err)
	}
	return count, nil
}

func (s *SQLiteStore) Claim(ctx context.Context, key, actor string, now time.Time) (*protocol.Ticket, error) {
	for {
		res, err := s.db.ExecContext(ctx, `
			UPDATE tickets SET claimed_by = ?, claimed_at = ?
			WHERE ticket_key = ? AND claimed_by IS NULL
		`, actor, fmtTime(now), key)
		if err != nil {
			return nil, fmt.Errorf("store: claim: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return s.GetTicket(ctx, key)
		}

		t, err := s.GetTicket(ctx, key)
		if err != nil {
			return nil, err
		}
		if t.Claimed() {
			claimedAt := now
			if t.ClaimedAt != nil {
				claimedAt = *t.ClaimedAt
			}
			return nil, &protocol.AlreadyClaimedError{Owner: t.ClaimedBy, ClaimedAt: claimedAt}
		}
		// The holder released between our update and the read; try again.
	}
}

func (s *SQLiteStore) Unclaim(ctx context.Context, key, actor string) (*protocol.Ticket, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tickets SET claimed_by = NULL, claimed_at = NULL
		WHERE ticket_key = ? AND claimed_by = ?
	`, key, actor)
	if err != nil {
		return nil, fmt.Errorf("store: unclaim: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return s.GetTicket(ctx, key)
	}

	t, err := s.GetTicket(ctx, key)
	if err != nil {
		return nil, err
	}
	return nil, &protocol.NotOwnerError{Owner: t.ClaimedBy}
}

func (s *SQLiteStore) MarkResponded(ctx context.Context, key, actor string, now time.Time) (*protocol.Ticket, error) {
	ts := fmtTime(now)
	res, err := s.db.ExecContext(ctx, `
		UPDATE tickets SET
			status = 'awaiting_customer', needs_response = 0,
			claimed_by = NULL, claimed_at = NULL,
			responded_by = ?, responded_at = ?, last_outbound_ts = ?
		WHERE ticket_key = ?
	`, actor, ts, ts, key)
	if err != nil {
		return nil, fmt.Errorf("store: mark responded: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("ticket %q: %w", key, protocol.ErrTicketNotFound)
	}
	return s.GetTicket(ctx, key)
}

func (s *SQLiteStore) Reopen(ctx context.Context, key string) (*protocol.Ticket, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tickets SET
			status = 'awaiting_response', needs_response = 1,
			responded_by = '', responded_at = NULL
		WHERE ticket_key = ?
	`, key)
	if err != nil {
		return nil, fmt.Errorf("store: reopen: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("ticket %q: %w", key, protocol.ErrTicketNotFound)
	}
	return s.GetTicket(ctx, key)
}

func (s *SQLiteStore) MarkInbound(ctx context.Context, key string, ts time.Time) (bool, error) {
	// Followup path first: a customer reply on a responded ticket
	// reopens it in one statement.
	res, err := s.db.ExecContext(ctx, `
		UPDATE tickets SET
			last_inbound_ts = ?, status = 'awaiting_response',
			needs_response = 1, is_followup = 1,
			responded_by = '', responded_at = NULL
		WHERE ticket_key = ? AND status = 'awaiting_customer'
	`, fmtTime(ts), key)
	if err != nil {
		return false, fmt.Errorf("store: mark inbound: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return true, nil
	}

	res, err = s.db.ExecContext(ctx,
		`UPDATE tickets SET last_inbound_ts = ? WHERE ticket_key = ?`, fmtTime(ts), key)
	if err != nil {
		return false, fmt.Errorf("store: mark inbound: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, fmt.Errorf("ticket %q: %w", key, protocol.ErrTicketNotFound)
	}
	return false, nil
}

func (s *SQLiteStore) UpsertMessage(ctx context.Context, m *protocol.Message) error {
	toJSON, _ := json.Marshal(m.To)
	// Messages are immutable once ingested; re-delivery is a no-op.
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, thread_id, from_email, to_emails, direction, internal_ts, is_noise, subject, snippet)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, m.ID, m.ThreadID, m.From, string(toJSON), string(m.Direction),
		m.InternalTS.UnixMilli(), boolInt(m.IsNoise), m.Subject, m.Snippet)
	if err != nil {
		return fmt.Errorf("store: upsert message: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ThreadIDs(ctx context.Context, key string) ([]string, error) {
	t, err := s.GetTicket(ctx, key)
	if err != nil {
		return nil, err
	}
	ids := []string{t.ThreadID}

	rows, err := s.db.QueryContext(ctx,
		`SELECT thread_id FROM thread_tickets WHERE ticket_key = ? ORDER BY thread_id`, key)
	if err != nil {
		return nil, fmt.Errorf("store: thread ids: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: thread ids scan: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLiteStore) MessagesByThreads(ctx context.Context, threadIDs []string) ([]*protocol.Message, error) {
	if len(threadIDs) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(threadIDs)), ",")
	args := make([]any, len(threadIDs))
	for i, id := range threadIDs {
		args[i] = id
	}

	// Ordering by (internal_ts, id) is load-bearing for conversational
	// display and must be stable across invocations.
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, thread_id, from_email, to_emails, direction, internal_ts, is_noise, subject, snippet
		FROM messages
		WHERE thread_id IN (`+placeholders+`) AND is_noise = 0
		ORDER BY internal_ts ASC, id ASC
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("store: messages: %w", err)
	}
	defer rows.Close()

	var msgs []*protocol.Message
	for rows.Next() {
		var m protocol.Message
		var toJSON, direction string
		var internalMs int64
		var noise int
		if err := rows.Scan(&m.ID, &m.ThreadID, &m.From, &toJSON, &direction,
			&internalMs, &noise, &m.Subject, &m.Snippet); err != nil {
			return nil, fmt.Errorf("store: message scan: %w", err)
		}
		json.Unmarshal([]byte(toJSON), &m.To)
		if m.To == nil {
			m.To = []string{}
		}
		m.Direction = protocol.Direction(direction)
		m.InternalTS = time.UnixMilli(internalMs).UTC()
		m.IsNoise = noise == 1
		msgs = append(msgs, &m)
	}
	return msgs, rows.Err()
}

func (s *SQLiteStore) LinkThread(ctx context.Context, key, threadID string) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO thread_tickets (thread_id, ticket_key)
		SELECT ?, ? WHERE EXISTS (SELECT 1 FROM tickets WHERE ticket_key = ?)
	`, threadID, key, key)
	if err != nil {
		return fmt.Errorf("store: link thread: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Either the ticket is missing or the link already exists;
		// only the former is an error.
		if _, err := s.GetTicket(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) AppendActivity(ctx context.Context, e *protocol.ActivityEntry) error {
	meta := "{}"
	if len(e.Metadata) > 0 {
		b, _ := json.Marshal(e.Metadata)
		meta = string(b)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO activity_log (id, ticket_key, action, actor, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.ID, e.TicketKey, string(e.Action), e.Actor, meta, fmtTime(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("store: append activity: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListActivity(ctx context.Context, key string) ([]*protocol.ActivityEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ticket_key, action, actor, metadata, created_at
		FROM activity_log WHERE ticket_key = ?
		ORDER BY created_at DESC, rowid DESC
	`, key)
	if err != nil {
		return nil, fmt.Errorf("store: list activity: %w", err)
	}
	defer rows.Close()

	var entries []*protocol.ActivityEntry
	for rows.Next() {
		var e protocol.ActivityEntry
		var action, meta, created string
		if err := rows.Scan(&e.ID, &e.TicketKey, &action, &e.Actor, &meta, &created); err != nil {
			return nil, fmt.Errorf("store: activity scan: %w", err)
		}
		e.Action = protocol.ActivityAction(action)
		if meta != "" && meta != "{}" {
			json.Unmarshal([]byte(meta), &e.Metadata)
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339, created)
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

func (s *SQLiteStore) AddNote(ctx context.Context, n *protocol.Note) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO notes (id, ticket_key, author, body, created_at)
		SELECT ?, ?, ?, ?, ? WHERE EXISTS (SELECT 1 FROM tickets WHERE ticket_key = ?)
	`, n.ID, n.TicketKey, n.Author, n.Body, fmtTime(n.CreatedAt), n.TicketKey)
	if err != nil {
		return fmt.Errorf("store: add note: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("ticket %q: %w", n.TicketKey, protocol.ErrTicketNotFound)
	}
	return nil
}

func (s *SQLiteStore) ListNotes(ctx context.Context, key string) ([]*protocol.Note, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ticket_key, author, body, created_at
		FROM notes WHERE ticket_key = ?
		ORDER BY created_at DESC, rowid DESC
	`, key)
	if err != nil {
		return nil, fmt.Errorf("store: list notes: %w", err)
	}
	defer rows.Close()

	var notes []*protocol.Note
	for rows.Next() {
		var n protocol.Note
		var created string
		if err := rows.Scan(&n.ID, &n.TicketKey, &n.Author, &n.Body, &created); err != nil {
			return nil, fmt.Errorf("store: note scan: %w", err)
		}
		n.CreatedAt, _ = time.Parse(time.RFC3339, created)
		notes = append(notes, &n)
	}
	return notes, rows.Err()
}

// DB returns the underlying database connection (for testing or direct access).
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// Close releases the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- helpers ---

type scannable interface {
	Scan(dest ...any) error
}

func scanTicket(row scannable) (*protocol.Ticket, error) {
	var t protocol.Ticket
	var status string
	var needsResponse, isFollowup int
	var claimedBy, claimedAt, lastIn, lastOut, respondedAt sql.NullString
	var createdAt string

	err := row.Scan(&t.Key, &t.CustomerEmail, &t.Subject, &t.ThreadID, &status,
		&needsResponse, &isFollowup, &claimedBy, &claimedAt,
		&lastIn, &lastOut, &t.RespondedBy, &respondedAt, &createdAt)
	if err != nil {
		return nil, err
	}

	t.Status = protocol.TicketStatus(status)
	t.NeedsResponse = needsResponse == 1
	t.IsFollowup = isFollowup == 1
	if claimedBy.Valid {
		t.ClaimedBy = claimedBy.String
	}
	t.ClaimedAt = parseTimePtr(claimedAt)
	t.LastInboundAt = parseTimePtr(lastIn)
	t.LastOutboundAt = parseTimePtr(lastOut)
	t.RespondedAt = parseTimePtr(respondedAt)
	t.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &t, nil
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func fmtTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	v := fmtTime(*t)
	return &v
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s.String)
	if err != nil {
		return nil
	}
	return &t
}

func nullStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
