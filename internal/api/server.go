package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/triagehq/triage/internal/logbuf"
	"github.com/triagehq/triage/internal/store"
	"github.com/triagehq/triage/pkg/protocol"
)

// QueueService is the interface the API server needs from the triage core.
type QueueService interface {
	Claim(ctx context.Context, key, actor string) (*protocol.Ticket, error)
	Unclaim(ctx context.Context, key, actor string) (*protocol.Ticket, error)
	MarkResponded(ctx context.Context, key, actor string) (*protocol.Ticket, error)
	Reopen(ctx context.Context, key, actor string) (*protocol.Ticket, error)
	GetTicket(ctx context.Context, key string) (*protocol.Ticket, error)
	ListTickets(ctx context.Context, view store.View, limit int) ([]*protocol.Ticket, error)
	Thread(ctx context.Context, key string, filtered bool) ([]*protocol.Message, error)
	Activity(ctx context.Context, key string) ([]*protocol.ActivityEntry, error)
	AddNote(ctx context.Context, key, author, body string) (*protocol.Note, error)
	ListNotes(ctx context.Context, key string) ([]*protocol.Note, error)
	BuildDigest(ctx context.Context) (*protocol.DigestPayload, bool, error)
	SendDigest(ctx context.Context) (bool, error)
}

// LogQuerier abstracts log entry querying to avoid coupling to logbuf directly.
type LogQuerier interface {
	Query(since time.Time, minLevel slog.Level, limit int) []logbuf.Entry
}

// Config holds API server configuration.
type Config struct {
	Host string
	Port int
	Key  string // API key for Bearer auth
}

// Server is the triaged REST API server.
type Server struct {
	svc    QueueService
	cfg    Config
	logger *slog.Logger
	logs   LogQuerier
	srv    *http.Server
}

// NewServer creates an API server. ingestHandler and logs may be nil.
func NewServer(svc QueueService, cfg Config, logger *slog.Logger, ingestHandler http.Handler, logs LogQuerier) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		svc:    svc,
		cfg:    cfg,
		logger: logger,
		logs:   logs,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/tickets", s.requireAuth(s.handleListTickets))
	mux.HandleFunc("GET /api/tickets/{key}", s.requireAuth(s.handleGetTicket))
	mux.HandleFunc("POST /api/tickets/{key}/claim", s.requireAuth(s.transition(svc.Claim)))
	mux.HandleFunc("POST /api/tickets/{key}/unclaim", s.requireAuth(s.transition(svc.Unclaim)))
	mux.HandleFunc("POST /api/tickets/{key}/respond", s.requireAuth(s.transition(svc.MarkResponded)))
	mux.HandleFunc("POST /api/tickets/{key}/reopen", s.requireAuth(s.transition(svc.Reopen)))
	mux.HandleFunc("GET /api/tickets/{key}/thread", s.requireAuth(s.handleThread))
	mux.HandleFunc("GET /api/tickets/{key}/activity", s.requireAuth(s.handleActivity))
	mux.HandleFunc("GET /api/tickets/{key}/notes", s.requireAuth(s.handleListNotes))
	mux.HandleFunc("POST /api/tickets/{key}/notes", s.requireAuth(s.handleAddNote))
	mux.HandleFunc("GET /api/digest", s.requireAuth(s.handleDigest))
	mux.HandleFunc("POST /api/digest/send", s.requireAuth(s.handleSendDigest))
	mux.HandleFunc("GET /api/logs", s.requireAuth(s.handleGetLogs))

	// The ingest webhook authenticates deliveries itself (HMAC/Bearer),
	// so it sits outside the API-key middleware.
	if ingestHandler != nil {
		mux.Handle("POST /api/ingest", ingestHandler)
	}

	s.srv = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           s.corsMiddleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start begins listening. Blocks until context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.srv.Shutdown(shutCtx)
	}()

	s.logger.Info("api server starting", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Handler returns the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// --- Middleware ---

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Key == "" {
			next(w, r)
			return
		}
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") || strings.TrimPrefix(auth, "Bearer ") != s.cfg.Key {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next(w, r)
	}
}

// --- Handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListTickets(w http.ResponseWriter, r *http.Request) {
	view, ok := store.ParseView(r.URL.Query().Get("filter"))
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown filter"})
		return
	}
	limit := 0
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if n, err := strconv.Atoi(limitStr); err == nil {
			limit = n
		}
	}

	tickets, err := s.svc.ListTickets(r.Context(), view, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if tickets == nil {
		tickets = []*protocol.Ticket{}
	}
	writeJSON(w, http.StatusOK, tickets)
}

func (s *Server) handleGetTicket(w http.ResponseWriter, r *http.Request) {
	t, err := s.svc.GetTicket(r.Context(), r.PathValue("key"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type actorRequest struct {
	Actor string `json:"actor"`
}

// transition wraps the four lifecycle operations, which all share the
// same request and error shape.
func (s *Server) transition(op func(ctx context.Context, key, actor string) (*protocol.Ticket, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req actorRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
			return
		}
		if req.Actor == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "actor is required"})
			return
		}
		t, err := op(r.Context(), r.PathValue("key"), req.Actor)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, t)
	}
}

func (s *Server) handleThread(w http.ResponseWriter, r *http.Request) {
	filtered := r.URL.Query().Get("filtered") == "true"
	msgs, err := s.svc.Thread(r.Context(), r.PathValue("key"), filtered)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if msgs == nil {
		msgs = []*protocol.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	entries, err := s.svc.Activity(r.Context(), r.PathValue("key"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if entries == nil {
		entries = []*protocol.ActivityEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

type addNoteRequest struct {
	Author string `json:"author"`
	Body   string `json:"body"`
}

func (s *Server) handleAddNote(w http.ResponseWriter, r *http.Request) {
	var req addNoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	if req.Author == "" || req.Body == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "author and body are required"})
		return
	}
	n, err := s.svc.AddNote(r.Context(), r.PathValue("key"), req.Author, req.Body)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, n)
}

func (s *Server) handleListNotes(w http.ResponseWriter, r *http.Request) {
	notes, err := s.svc.ListNotes(r.Context(), r.PathValue("key"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if notes == nil {
		notes = []*protocol.Note{}
	}
	writeJSON(w, http.StatusOK, notes)
}

func (s *Server) handleDigest(w http.ResponseWriter, r *http.Request) {
	payload, ok, err := s.svc.BuildDigest(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleSendDigest(w http.ResponseWriter, r *http.Request) {
	sent, err := s.svc.SendDigest(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"sent": sent})
}

func (s *Server) handleGetLogs(w http.ResponseWriter, r *http.Request) {
	if s.logs == nil {
		writeJSON(w, http.StatusOK, []logbuf.Entry{})
		return
	}

	limit := 200
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			limit = n
		}
	}

	minLevel := slog.LevelDebug
	if lvl := r.URL.Query().Get("level"); lvl != "" {
		minLevel = logbuf.ParseLevel(strings.ToUpper(lvl))
	}

	var since time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			since = time.UnixMilli(ms)
		}
	}

	entries := s.logs.Query(since, minLevel, limit)
	if entries == nil {
		entries = []logbuf.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// --- Helpers ---

// writeError maps the core's error taxonomy to HTTP. Ownership conflicts
// are expected in normal operation, so they come back structured and are
// not logged as errors.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var claimed *protocol.AlreadyClaimedError
	if errors.As(err, &claimed) {
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":      "already_claimed",
			"owner":      claimed.Owner,
			"claimed_at": claimed.ClaimedAt,
		})
		return
	}
	var notOwner *protocol.NotOwnerError
	if errors.As(err, &notOwner) {
		writeJSON(w, http.StatusConflict, map[string]any{
			"error": "not_owner",
			"owner": notOwner.Owner,
		})
		return
	}
	if errors.Is(err, protocol.ErrTicketNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "ticket not found"})
		return
	}
	s.logger.Error("request failed", "error", err)
	writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "temporarily unavailable"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
