package web

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mediaflux/mailrelay/internal/rules"
	"github.com/mediaflux/mailrelay/internal/settings"
)

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := s.provider.Current(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to load settings")
		return
	}
	now := time.Now().In(snap.Polling.Location())
	s.writeJSON(w, http.StatusOK, map[string]any{
		"success":          true,
		"uptime_sec":       int(time.Since(s.startedAt).Seconds()),
		"poller_active":    s.pollerActive != nil && s.pollerActive(),
		"sending_allowed":  snap.Webhook.SendingAllowed(now),
		"sending_enabled":  snap.Webhook.SendingEnabled,
		"window_start":     snap.Webhook.WindowStart,
		"window_end":       snap.Webhook.WindowEnd,
		"timezone":         snap.Polling.Timezone,
		"rules_count":      len(snap.Rules),
		"webhook_log_size": len(s.deliveryLog.Entries()),
	})
}

// handleGetSettings returns one settings section verbatim.
func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	snap, err := s.provider.Current(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to load settings")
		return
	}
	switch chi.URLParam(r, "section") {
	case "processing":
		s.writeJSON(w, http.StatusOK, snap.Processing)
	case "webhook":
		s.writeJSON(w, http.StatusOK, snap.Webhook)
	case "polling":
		s.writeJSON(w, http.StatusOK, snap.Polling)
	default:
		s.writeError(w, http.StatusNotFound, "unknown settings section")
	}
}

// handlePutSettings validates and replaces one settings section. Invalid
// documents are rejected whole; nothing is partially applied.
func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()

	var err error
	switch chi.URLParam(r, "section") {
	case "processing":
		doc := settings.DefaultProcessing()
		if err = dec.Decode(&doc); err == nil {
			err = s.provider.PutProcessing(ctx, doc)
		}
	case "webhook":
		doc := settings.DefaultWebhook()
		if err = dec.Decode(&doc); err == nil {
			err = s.provider.PutWebhook(ctx, doc)
		}
	case "polling":
		doc := settings.DefaultPolling()
		if err = dec.Decode(&doc); err == nil {
			err = s.provider.PutPolling(ctx, doc)
		}
	default:
		s.writeError(w, http.StatusNotFound, "unknown settings section")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleGetRules(w http.ResponseWriter, r *http.Request) {
	list, updatedAt, err := s.provider.Rules().List(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to load rules")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"rules":       list,
		"_updated_at": updatedAt,
	})
}

// handlePutRules replaces the whole rule list atomically after validation.
func (s *Server) handlePutRules(w http.ResponseWriter, r *http.Request) {
	var list []rules.Rule
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&list); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed rule list")
		return
	}
	if err := s.provider.Rules().Replace(r.Context(), list); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.provider.Invalidate()
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true, "count": len(list)})
}

func (s *Server) handleWebhookLogs(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"entries": s.deliveryLog.Entries(),
	})
}

// handlePollNow triggers one poll cycle synchronously.
func (s *Server) handlePollNow(w http.ResponseWriter, r *http.Request) {
	if s.processor.NewSource == nil {
		s.writeError(w, http.StatusServiceUnavailable, "mailbox not configured")
		return
	}
	n, err := s.processor.RunCycle(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true, "triggered": n})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.setSendingEnabled(w, r, false)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.setSendingEnabled(w, r, true)
}

func (s *Server) setSendingEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	snap, err := s.provider.Current(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to load settings")
		return
	}
	doc := snap.Webhook
	doc.SendingEnabled = enabled
	if err := s.provider.PutWebhook(r.Context(), doc); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true, "sending_enabled": enabled})
}
