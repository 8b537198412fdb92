package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/triagehq/triage/internal/digest"
	"github.com/triagehq/triage/internal/ingest"
	"github.com/triagehq/triage/internal/logbuf"
	"github.com/triagehq/triage/internal/store"
	"github.com/triagehq/triage/internal/thread"
	"github.com/triagehq/triage/internal/triage"
	"github.com/triagehq/triage/pkg/protocol"
)

// testService wires the real engine, resolver and aggregator the way
// the daemon does, minus notifier delivery.
type testService struct {
	*triage.Engine
	resolver *thread.Resolver
	agg      *digest.Aggregator
}

func (s *testService) Thread(ctx context.Context, key string, filtered bool) ([]*protocol.Message, error) {
	if filtered {
		return s.resolver.CustomerThread(ctx, key)
	}
	if _, err := s.Engine.GetTicket(ctx, key); err != nil {
		return nil, err
	}
	return s.resolver.Thread(ctx, key)
}

func (s *testService) BuildDigest(ctx context.Context) (*protocol.DigestPayload, bool, error) {
	tickets, err := s.Engine.ListTickets(ctx, store.ViewNeedsResponse, 0)
	if err != nil {
		return nil, false, err
	}
	payload, ok := s.agg.Build([]digest.Partition{{Name: "awaiting team", Tickets: tickets}})
	return payload, ok, nil
}

func (s *testService) SendDigest(ctx context.Context) (bool, error) {
	_, ok, err := s.BuildDigest(ctx)
	return ok, err
}

type testServer struct {
	url   string
	key   string
	store *store.SQLiteStore
}

func newTestServer(t *testing.T, key string) *testServer {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	engine := triage.New(st, nil, nil)
	svc := &testService{
		Engine:   engine,
		resolver: thread.NewResolver(st),
		agg:      digest.New(),
	}

	ingestHandler := ingest.NewHandler(engine, ingest.Config{BearerToken: "ingest-tok"}, nil)
	srv := NewServer(svc, Config{Key: key}, nil, ingestHandler, logbuf.New(16))

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testServer{url: ts.URL, key: key, store: st}
}

func (ts *testServer) seed(t *testing.T, key string) {
	t.Helper()
	inbound := time.Now().UTC().Truncate(time.Second)
	err := ts.store.CreateTicket(context.Background(), &protocol.Ticket{
		Key:           key,
		CustomerEmail: "alice@example.com",
		Subject:       "Cannot log in",
		ThreadID:      "thread-" + key,
		Status:        protocol.StatusAwaitingResponse,
		NeedsResponse: true,
		LastInboundAt: &inbound,
		CreatedAt:     inbound,
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func (ts *testServer) do(t *testing.T, method, path string, payload any) (*http.Response, []byte) {
	t.Helper()
	var body io.Reader
	if payload != nil {
		b, _ := json.Marshal(payload)
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, ts.url+path, body)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if ts.key != "" {
		req.Header.Set("Authorization", "Bearer "+ts.key)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	data, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	return resp, data
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, "")
	resp, body := ts.do(t, "GET", "/api/health", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var out map[string]string
	json.Unmarshal(body, &out)
	if out["status"] != "ok" {
		t.Errorf("expected status ok, got %v", out)
	}
}

func TestAuth(t *testing.T) {
	ts := newTestServer(t, "secret-key")

	// Health stays open.
	resp, err := http.Get(ts.url + "/api/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health should not require auth, got %d", resp.StatusCode)
	}

	// Tickets do not.
	resp, err = http.Get(ts.url + "/api/tickets")
	if err != nil {
		t.Fatalf("tickets: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 without key, got %d", resp.StatusCode)
	}

	if resp, _ := ts.do(t, "GET", "/api/tickets", nil); resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200 with key, got %d", resp.StatusCode)
	}
}

func TestListTickets(t *testing.T) {
	ts := newTestServer(t, "")
	ts.seed(t, "tk-001")
	ts.seed(t, "tk-002")

	resp, body := ts.do(t, "GET", "/api/tickets?filter=needs_response", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var tickets []protocol.Ticket
	json.Unmarshal(body, &tickets)
	if len(tickets) != 2 {
		t.Errorf("expected 2 tickets, got %d", len(tickets))
	}

	resp, _ = ts.do(t, "GET", "/api/tickets?filter=bogus", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown filter, got %d", resp.StatusCode)
	}
}

func TestGetTicket_NotFound(t *testing.T) {
	ts := newTestServer(t, "")
	resp, _ := ts.do(t, "GET", "/api/tickets/tk-missing", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
}

func TestClaimLifecycle(t *testing.T) {
	ts := newTestServer(t, "")
	ts.seed(t, "tk-001")

	resp, body := ts.do(t, "POST", "/api/tickets/tk-001/claim", map[string]string{"actor": "bob"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("claim: expected 200, got %d: %s", resp.StatusCode, body)
	}
	var tk protocol.Ticket
	json.Unmarshal(body, &tk)
	if tk.ClaimedBy != "bob" {
		t.Errorf("expected claimed_by bob, got %q", tk.ClaimedBy)
	}

	// Competing claim surfaces the owner.
	resp, body = ts.do(t, "POST", "/api/tickets/tk-001/claim", map[string]string{"actor": "amy"})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}
	var conflict map[string]any
	json.Unmarshal(body, &conflict)
	if conflict["error"] != "already_claimed" || conflict["owner"] != "bob" {
		t.Errorf("expected already_claimed by bob, got %v", conflict)
	}

	// Release by a non-owner is rejected.
	resp, body = ts.do(t, "POST", "/api/tickets/tk-001/unclaim", map[string]string{"actor": "amy"})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}
	json.Unmarshal(body, &conflict)
	if conflict["error"] != "not_owner" {
		t.Errorf("expected not_owner, got %v", conflict)
	}

	if resp, _ := ts.do(t, "POST", "/api/tickets/tk-001/unclaim", map[string]string{"actor": "bob"}); resp.StatusCode != http.StatusOK {
		t.Errorf("owner release: expected 200, got %d", resp.StatusCode)
	}

	resp, body = ts.do(t, "POST", "/api/tickets/tk-001/respond", map[string]string{"actor": "amy"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("respond: expected 200, got %d", resp.StatusCode)
	}
	json.Unmarshal(body, &tk)
	if tk.Status != protocol.StatusAwaitingCustomer {
		t.Errorf("expected awaiting_customer, got %q", tk.Status)
	}

	if resp, _ := ts.do(t, "POST", "/api/tickets/tk-001/reopen", map[string]string{"actor": "amy"}); resp.StatusCode != http.StatusOK {
		t.Errorf("reopen: expected 200, got %d", resp.StatusCode)
	}
}

func TestTransition_RequiresActor(t *testing.T) {
	ts := newTestServer(t, "")
	ts.seed(t, "tk-001")

	resp, _ := ts.do(t, "POST", "/api/tickets/tk-001/claim", map[string]string{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 without actor, got %d", resp.StatusCode)
	}
}

func TestThreadEndpoint(t *testing.T) {
	ts := newTestServer(t, "")
	ts.seed(t, "tk-001")
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Second)
	ts.store.UpsertMessage(ctx, &protocol.Message{
		ID: "m-1", ThreadID: "thread-tk-001", From: "alice@example.com",
		To: []string{"support@corp.com"}, Direction: protocol.DirectionInbound, InternalTS: base,
	})
	ts.store.UpsertMessage(ctx, &protocol.Message{
		ID: "m-2", ThreadID: "thread-tk-001", From: "support@corp.com",
		To: []string{"eng@corp.com"}, Direction: protocol.DirectionOutbound, InternalTS: base.Add(time.Minute),
	})

	resp, body := ts.do(t, "GET", "/api/tickets/tk-001/thread", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var msgs []protocol.Message
	json.Unmarshal(body, &msgs)
	if len(msgs) != 2 {
		t.Errorf("expected 2 messages unfiltered, got %d", len(msgs))
	}

	resp, body = ts.do(t, "GET", "/api/tickets/tk-001/thread?filtered=true", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	json.Unmarshal(body, &msgs)
	if len(msgs) != 1 || msgs[0].ID != "m-1" {
		t.Errorf("expected only the customer's message, got %v", msgs)
	}

	resp, _ = ts.do(t, "GET", "/api/tickets/tk-missing/thread", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 for missing ticket, got %d", resp.StatusCode)
	}
}

func TestNotesEndpoints(t *testing.T) {
	ts := newTestServer(t, "")
	ts.seed(t, "tk-001")

	resp, body := ts.do(t, "POST", "/api/tickets/tk-001/notes",
		map[string]string{"author": "bob", "body": "called the customer"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", resp.StatusCode, body)
	}

	resp, _ = ts.do(t, "POST", "/api/tickets/tk-001/notes", map[string]string{"author": "bob"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 without body, got %d", resp.StatusCode)
	}

	resp, body = ts.do(t, "GET", "/api/tickets/tk-001/notes", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var notes []protocol.Note
	json.Unmarshal(body, &notes)
	if len(notes) != 1 || notes[0].Body != "called the customer" {
		t.Errorf("unexpected notes: %v", notes)
	}
}

func TestDigestEndpoint(t *testing.T) {
	ts := newTestServer(t, "")

	resp, _ := ts.do(t, "GET", "/api/digest", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("empty queue: expected 204, got %d", resp.StatusCode)
	}

	ts.seed(t, "tk-001")
	resp, body := ts.do(t, "GET", "/api/digest", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var payload protocol.DigestPayload
	json.Unmarshal(body, &payload)
	if len(payload.Sections) != 1 || payload.Sections[0].Total != 1 {
		t.Errorf("unexpected payload: %+v", payload)
	}
}

func TestIngestMounted(t *testing.T) {
	ts := newTestServer(t, "api-key")

	payload, _ := json.Marshal(ingest.Payload{
		TicketKey:     "tk-new",
		CustomerEmail: "alice@example.com",
		ThreadID:      "th-1",
		Message: protocol.Message{
			From:       "alice@example.com",
			Direction:  protocol.DirectionInbound,
			InternalTS: time.Now().UTC(),
		},
	})
	// The ingest endpoint uses its own bearer token, not the API key.
	req, _ := http.NewRequest("POST", ts.url+"/api/ingest", bytes.NewReader(payload))
	req.Header.Set("Authorization", "Bearer ingest-tok")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	if _, err := ts.store.GetTicket(context.Background(), "tk-new"); err != nil {
		t.Errorf("expected delivery to create the ticket: %v", err)
	}
}

func TestActivityEndpoint(t *testing.T) {
	ts := newTestServer(t, "")
	ts.seed(t, "tk-001")
	ctx := context.Background()

	for i, action := range []protocol.ActivityAction{protocol.ActionCreated, protocol.ActionClaimed} {
		ts.store.AppendActivity(ctx, &protocol.ActivityEntry{
			ID: fmt.Sprintf("ev-%d", i), TicketKey: "tk-001", Action: action,
			CreatedAt: time.Now().UTC().Add(time.Duration(i) * time.Second),
		})
	}

	resp, body := ts.do(t, "GET", "/api/tickets/tk-001/activity", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var entries []protocol.ActivityEntry
	json.Unmarshal(body, &entries)
	if len(entries) != 2 || entries[0].Action != protocol.ActionClaimed {
		t.Errorf("expected newest first, got %v", entries)
	}
}
