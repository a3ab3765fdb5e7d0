// Package server exposes the inbound webhook endpoint. Processing errors
// are logged, never surfaced as transport failures: the CRM always gets an
// acknowledgment, so it never retries against an already-durable decision.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/zoff-tech/metrika-bridge/pkg/config"
)

// EventHandler resolves one inbound deal event.
type EventHandler interface {
	HandleDealCreated(ctx context.Context, dealID int64) error
	HandleDealUpdated(ctx context.Context, dealID int64) error
}

// Server handles CRM webhook deliveries.
type Server struct {
	handler EventHandler
	cfg     config.ServerSettings
	stages  config.StageSettings
	log     *slog.Logger
}

func New(handler EventHandler, cfg config.ServerSettings, stages config.StageSettings, log *slog.Logger) *Server {
	return &Server{handler: handler, cfg: cfg, stages: stages, log: log}
}

// Router builds the HTTP routing tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(requestLogger(s.log, s.cfg))
	r.Post("/bitrix/events", s.handleEvents)
	r.Get("/health", s.handleHealth)
	return r
}

type eventEnvelope struct {
	Event string `json:"event"`
	Data  struct {
		Fields map[string]any `json:"FIELDS"`
	} `json:"data"`
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.cfg.WebhookToken != "" {
		hdr := r.Header.Get("X-Hook-Token")
		if hdr == "" {
			hdr = r.Header.Get("X-Webhook-Token")
		}
		if hdr != s.cfg.WebhookToken {
			s.log.Warn("forbidden_webhook")
			writeJSON(w, http.StatusOK, map[string]any{"ok": false, "error": "forbidden"})
			return
		}
	}

	var env eventEnvelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		s.log.Warn("bad_event_payload", "error", err)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	dealID := extractDealID(env.Data.Fields)
	if env.Event == "" || dealID == 0 {
		s.log.Warn("bad_event_payload", "event", env.Event, "deal_id", dealID)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	s.log.Info("event_received", "event", env.Event, "deal_id", dealID)

	var err error
	switch env.Event {
	case "onCrmDealAdd":
		err = s.handler.HandleDealCreated(r.Context(), dealID)
	case "onCrmDealUpdate":
		err = s.handler.HandleDealUpdated(r.Context(), dealID)
	}
	if err != nil {
		// Contained: the decision to skip or enqueue is already durable.
		s.log.Error("event_processing_failed", "event", env.Event, "deal_id", dealID, "error", err)
	}

	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "event": env.Event, "deal_id": dealID})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":     true,
		"paid":   s.stages.Paid,
		"cancel": s.stages.Cancelled,
	})
}

// extractDealID reads the entity id from webhook FIELDS, which may carry it
// as a number or a string, under "ID" or "dealId".
func extractDealID(fields map[string]any) int64 {
	for _, key := range []string{"ID", "dealId"} {
		switch v := fields[key].(type) {
		case float64:
			return int64(v)
		case string:
			if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
				return n
			}
		}
	}
	return 0
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
