// Package handler exposes the webhook over HTTP.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"whatsapp-relay/internal/domain"
	"whatsapp-relay/internal/usecase"
	"whatsapp-relay/internal/webhook"
)

const (
	correlationHeader = "X-Correlation-Id"
	maxBodyBytes      = 1 << 20
	defaultService    = "whatsapp-relay"
)

type Router interface {
	Handle(ctx context.Context, ev domain.InboundEvent) usecase.Outcome
}

type Dispatcher interface {
	Submit(ctx context.Context, name string, fn func(context.Context)) (<-chan struct{}, error)
}

type Config struct {
	Service     string
	VerifyToken string
	// AppSecret enables X-Hub-Signature-256 validation when set.
	AppSecret string
	// DrainOnReturn makes POST /webhook wait for the scheduled task after
	// the ack is written. Needed where the runtime freezes the process
	// between invocations.
	DrainOnReturn bool
}

type Handler struct {
	router     Router
	dispatcher Dispatcher
	cfg        Config
	logger     *slog.Logger
	mux        *http.ServeMux
}

type statusResponse struct {
	Status  string `json:"status"`
	Service string `json:"service,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

func NewHandler(router Router, dispatcher Dispatcher, cfg Config, logger *slog.Logger) (*Handler, error) {
	if router == nil {
		return nil, errors.New("handler: router must not be nil")
	}
	if dispatcher == nil {
		return nil, errors.New("handler: dispatcher must not be nil")
	}
	if strings.TrimSpace(cfg.VerifyToken) == "" {
		return nil, errors.New("handler: verify token must not be empty")
	}
	if strings.TrimSpace(cfg.Service) == "" {
		cfg.Service = defaultService
	}
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		router:     router,
		dispatcher: dispatcher,
		cfg:        cfg,
		logger:     logger,
		mux:        http.NewServeMux(),
	}
	h.mux.HandleFunc("GET /{$}", h.health)
	h.mux.HandleFunc("GET /webhook", h.verify)
	h.mux.HandleFunc("POST /webhook", h.receive)
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{Status: "ok", Service: h.cfg.Service})
}

// verify answers the subscription handshake.
func (h *Handler) verify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("hub.mode") != "subscribe" || q.Get("hub.verify_token") != h.cfg.VerifyToken {
		h.logger.Warn("webhook verification failed", "mode", q.Get("hub.mode"))
		writeJSON(w, http.StatusForbidden, statusResponse{Status: "error", Detail: "Verification failed"})
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, q.Get("hub.challenge"))
}

func (h *Handler) receive(w http.ResponseWriter, r *http.Request) {
	correlationID := strings.TrimSpace(r.Header.Get(correlationHeader))
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	w.Header().Set(correlationHeader, correlationID)
	logger := h.logger.With("correlation_id", correlationID)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		logger.Error("read webhook body", "err", err)
		writeJSON(w, http.StatusOK, statusResponse{Status: "error", Detail: err.Error()})
		return
	}

	if h.cfg.AppSecret != "" && !webhook.ValidSignature(body, r.Header.Get(webhook.SignatureHeader), h.cfg.AppSecret) {
		logger.Warn("webhook signature mismatch")
		writeJSON(w, http.StatusForbidden, statusResponse{Status: "error", Detail: "invalid signature"})
		return
	}

	ev, found, err := webhook.Extract(body)
	if err != nil {
		// Still 200 so the platform does not redeliver a payload we cannot read.
		logger.Error("parse webhook", "err", err)
		writeJSON(w, http.StatusOK, statusResponse{Status: "error", Detail: err.Error()})
		return
	}
	if !found {
		writeJSON(w, http.StatusOK, statusResponse{Status: "received"})
		return
	}

	ctx := usecase.WithCorrelationID(r.Context(), correlationID)
	done, err := h.dispatcher.Submit(ctx, "process_message", func(ctx context.Context) {
		outcome := h.router.Handle(ctx, ev)
		logger.Debug("message processed", "message_id", ev.MessageID, "outcome", outcome)
	})
	if err != nil {
		logger.Error("schedule message", "message_id", ev.MessageID, "err", err)
		writeJSON(w, http.StatusServiceUnavailable, statusResponse{Status: "error", Detail: "unavailable"})
		return
	}

	writeJSON(w, http.StatusOK, statusResponse{Status: "received"})
	if h.cfg.DrainOnReturn {
		_ = http.NewResponseController(w).Flush()
		<-done
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
