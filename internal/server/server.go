// Package server exposes the HTTP surface: vendor verification callbacks,
// the SmartID redirect endpoint, health, and metrics.
package server

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"attestd/internal/attestation"
	"attestd/internal/models"
	"attestd/internal/verify"
	"attestd/internal/wallet"
)

const maxRequestBody = 1 << 20

// CallbackEngine is the slice of the attestation engine the HTTP layer needs.
type CallbackEngine interface {
	HandleCallback(ctx context.Context, provider, scanReference string, body []byte, clientIP string) error
}

// PaymentEngine consumes the ledger payment events the node forwards.
type PaymentEngine interface {
	HandlePaymentSeen(ctx context.Context, ev wallet.PaymentSeen) error
	HandlePaymentConfirmed(ctx context.Context, unit string) error
}

// ChatResponder handles inbound chat text from paired users.
type ChatResponder interface {
	Respond(ctx context.Context, identityHandle, text string) error
}

// Config captures the dependencies required to construct the server.
type Config struct {
	Engine   CallbackEngine
	Payments PaymentEngine
	Chat     ChatResponder
	SmartID  verify.SmartIDClient
	// WebhookSecret, when set, requires a valid HMAC-SHA256 signature on
	// vendor callbacks and node events.
	WebhookSecret string
	Registry      *prometheus.Registry
}

// Server encapsulates the HTTP API.
type Server struct {
	engine        CallbackEngine
	payments      PaymentEngine
	chat          ChatResponder
	smartID       verify.SmartIDClient
	webhookSecret []byte
	registry      *prometheus.Registry

	router http.Handler
}

// New constructs a configured HTTP router.
func New(cfg Config) *Server {
	srv := &Server{
		engine:        cfg.Engine,
		payments:      cfg.Payments,
		chat:          cfg.Chat,
		smartID:       cfg.SmartID,
		webhookSecret: []byte(strings.TrimSpace(cfg.WebhookSecret)),
		registry:      cfg.Registry,
	}
	srv.router = srv.buildRouter()
	return srv
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Post("/cb", s.handleJumioCallback)
	r.Get("/done", s.handleSmartIDRedirect)
	r.Post("/done", s.handleSmartIDRedirect)
	if s.payments != nil {
		r.Post("/events/payments", s.handlePaymentSeen)
		r.Post("/events/confirmations", s.handlePaymentConfirmed)
	}
	if s.chat != nil {
		r.Post("/events/messages", s.handleChatMessage)
	}
	r.Get("/healthz", s.handleHealth)
	if s.registry != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

const headerCallbackSignature = "X-Callback-Signature"

func (s *Server) handleJumioCallback(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readEvent(w, r)
	if !ok {
		return
	}
	cb, err := verify.ParseJumio(body)
	if err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(cb.ScanReference) == "" {
		http.Error(w, "missing scan reference", http.StatusBadRequest)
		return
	}
	s.dispatchCallback(w, r, models.ProviderJumio, cb.ScanReference, body)
}

// handleSmartIDRedirect completes the OAuth flow: the state parameter
// carries the scan reference and the code is exchanged for the verified
// user data document.
func (s *Server) handleSmartIDRedirect(w http.ResponseWriter, r *http.Request) {
	if s.smartID == nil {
		http.Error(w, "smartid not configured", http.StatusNotFound)
		return
	}
	code := strings.TrimSpace(r.URL.Query().Get("code"))
	state := strings.TrimSpace(r.URL.Query().Get("state"))
	if code == "" || state == "" {
		http.Error(w, "missing code or state", http.StatusBadRequest)
		return
	}
	token, err := s.smartID.ExchangeCode(r.Context(), code)
	if err != nil {
		http.Error(w, "code exchange failed", http.StatusBadGateway)
		return
	}
	body, err := s.smartID.UserData(r.Context(), token)
	if err != nil {
		http.Error(w, "user data fetch failed", http.StatusBadGateway)
		return
	}
	s.dispatchCallback(w, r, models.ProviderSmartID, state, body)
}

func (s *Server) dispatchCallback(w http.ResponseWriter, r *http.Request, provider, scanReference string, body []byte) {
	err := s.engine.HandleCallback(r.Context(), provider, scanReference, body, clientIP(r))
	switch {
	case errors.Is(err, attestation.ErrUnknownScan):
		http.Error(w, "unknown scan reference", http.StatusNotFound)
	case errors.Is(err, attestation.ErrDuplicateCallback):
		http.Error(w, "already processed", http.StatusConflict)
	case errors.Is(err, verify.ErrIncompleteResult):
		// Accepted but unusable yet; the vendor retries or the poll
		// sweep completes it.
		w.WriteHeader(http.StatusAccepted)
	case err != nil:
		http.Error(w, "processing failed", http.StatusInternalServerError)
	default:
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}
}

// readEvent reads and authenticates a node event body.
func (s *Server) readEvent(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		http.Error(w, "unable to read body", http.StatusBadRequest)
		return nil, false
	}
	if len(s.webhookSecret) > 0 && !s.validSignature(r.Header.Get(headerCallbackSignature), body) {
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return nil, false
	}
	return body, true
}

func (s *Server) handlePaymentSeen(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readEvent(w, r)
	if !ok {
		return
	}
	var ev struct {
		Address          string   `json:"address"`
		Amount           int64    `json:"amount"`
		Asset            *string  `json:"asset"`
		Unit             string   `json:"unit"`
		AuthorAddresses  []string `json:"authorAddresses"`
		FromDistribution bool     `json:"fromDistribution"`
	}
	if err := json.Unmarshal(body, &ev); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(ev.Unit) == "" || strings.TrimSpace(ev.Address) == "" {
		http.Error(w, "missing unit or address", http.StatusBadRequest)
		return
	}
	if err := s.payments.HandlePaymentSeen(r.Context(), wallet.PaymentSeen{
		Address:          ev.Address,
		Amount:           ev.Amount,
		Asset:            ev.Asset,
		Unit:             ev.Unit,
		AuthorAddresses:  ev.AuthorAddresses,
		FromDistribution: ev.FromDistribution,
	}); err != nil {
		http.Error(w, "processing failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handlePaymentConfirmed(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readEvent(w, r)
	if !ok {
		return
	}
	var ev struct {
		Unit string `json:"unit"`
	}
	if err := json.Unmarshal(body, &ev); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(ev.Unit) == "" {
		http.Error(w, "missing unit", http.StatusBadRequest)
		return
	}
	if err := s.payments.HandlePaymentConfirmed(r.Context(), ev.Unit); err != nil {
		http.Error(w, "processing failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleChatMessage(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readEvent(w, r)
	if !ok {
		return
	}
	var ev struct {
		From string `json:"from"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(body, &ev); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(ev.From) == "" {
		http.Error(w, "missing sender", http.StatusBadRequest)
		return
	}
	if err := s.chat.Respond(r.Context(), ev.From, ev.Text); err != nil {
		http.Error(w, "processing failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) validSignature(header string, body []byte) bool {
	header = strings.TrimSpace(header)
	if header == "" {
		return false
	}
	mac := hmac.New(sha256.New, s.webhookSecret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(header)))
}

// clientIP prefers the RealIP middleware's resolution of forwarded headers.
func clientIP(r *http.Request) string {
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx > 0 && !strings.Contains(host[idx:], "]") {
		host = host[:idx]
	}
	return strings.Trim(host, "[]")
}
