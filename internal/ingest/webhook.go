package ingest

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/triagehq/triage/internal/triage"
	"github.com/triagehq/triage/pkg/protocol"
)

// Config holds webhook authentication settings. Secret selects
// HMAC-SHA256 signature verification; BearerToken selects Authorization
// header auth. With neither set, requests are accepted unauthenticated
// (development only).
type Config struct {
	// Secret for HMAC-SHA256 verification (X-Hub-Signature-256 header).
	Secret string `json:"secret,omitempty"`
	// BearerToken for Authorization header auth. Used if Secret is empty.
	BearerToken string `json:"bearer_token,omitempty"`
}

// Payload is the JSON body the external ingestion service posts for
// each materialized message.
type Payload struct {
	TicketKey     string           `json:"ticket_key"`
	CustomerEmail string           `json:"customer_email"`
	Subject       string           `json:"subject,omitempty"`
	ThreadID      string           `json:"thread_id"`
	Message       protocol.Message `json:"message"`
}

// Recorder is the slice of the triage engine the handler needs.
type Recorder interface {
	RecordInbound(ctx context.Context, in triage.Inbound) (*protocol.Ticket, error)
}

// Handler accepts message deliveries from the ingestion service.
type Handler struct {
	rec    Recorder
	cfg    Config
	logger *slog.Logger
}

// NewHandler creates an ingest webhook handler.
func NewHandler(rec Recorder, cfg Config, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{rec: rec, cfg: cfg, logger: logger}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20)) // 1MB limit
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	if !h.authenticate(r, body) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var payload Payload
	if err := json.Unmarshal(body, &payload); err != nil {
		http.Error(w, "invalid JSON payload", http.StatusBadRequest)
		return
	}
	if payload.TicketKey == "" {
		http.Error(w, "ticket_key is required", http.StatusBadRequest)
		return
	}
	if payload.Message.From == "" {
		http.Error(w, "message.from_email is required", http.StatusBadRequest)
		return
	}

	_, err = h.rec.RecordInbound(r.Context(), triage.Inbound{
		TicketKey:     payload.TicketKey,
		CustomerEmail: payload.CustomerEmail,
		Subject:       payload.Subject,
		ThreadID:      payload.ThreadID,
		Message:       payload.Message,
	})
	if err != nil {
		h.logger.Error("inbound delivery failed",
			"ticket", payload.TicketKey,
			"error", err,
		)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status":     "ok",
		"ticket_key": payload.TicketKey,
	})
}

func (h *Handler) authenticate(r *http.Request, body []byte) bool {
	if h.cfg.Secret != "" {
		sig := r.Header.Get("X-Hub-Signature-256")
		return verifyHMAC(body, h.cfg.Secret, sig)
	}
	if h.cfg.BearerToken != "" {
		return r.Header.Get("Authorization") == "Bearer "+h.cfg.BearerToken
	}
	return true
}

// verifyHMAC checks an HMAC-SHA256 signature of the form "sha256=<hex>".
func verifyHMAC(body []byte, secret, signature string) bool {
	if signature == "" {
		return false
	}
	expected, err := hex.DecodeString(strings.TrimPrefix(signature, "sha256="))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), expected)
}

// ComputeSignature generates an HMAC-SHA256 signature for testing and
// for the ingestion service's client code.
func ComputeSignature(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
