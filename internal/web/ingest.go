package web

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/mediaflux/mailrelay/internal/cycle"
	"github.com/mediaflux/mailrelay/internal/dedup"
	"github.com/mediaflux/mailrelay/internal/imapclient"
)

// ingestRequest is one externally pushed message. Sender and body are
// required; subject and date default to empty / now.
type ingestRequest struct {
	Subject string `json:"subject"`
	Sender  string `json:"sender"`
	Body    string `json:"body"`
	Date    string `json:"date"`
}

// handleIngest runs one pushed message through the same pipeline as the
// poll cycle, synchronously.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 2<<20)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}
	if strings.TrimSpace(req.Sender) == "" || strings.TrimSpace(req.Body) == "" {
		s.writeError(w, http.StatusBadRequest, "sender and body are required")
		return
	}

	date := time.Now()
	if req.Date != "" {
		parsed, err := time.Parse(time.RFC3339, req.Date)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "date must be RFC 3339")
			return
		}
		date = parsed
	}

	snap, err := s.provider.Current(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to load settings")
		return
	}
	if !snap.Webhook.SendingAllowed(time.Now().In(snap.Polling.Location())) {
		s.writeError(w, http.StatusConflict, "webhook sending is disabled")
		return
	}

	sender := strings.TrimSpace(req.Sender)
	email := senderAddress(sender)

	// The idempotency key is content-derived so near-simultaneous
	// duplicate pushes collapse onto the in-flight lock and dedup set.
	dateStr := date.UTC().Format(time.RFC3339)
	msg := imapclient.Message{
		MessageID:   "push:" + email,
		Subject:     req.Subject,
		SenderRaw:   sender,
		SenderEmail: email,
		Date:        date,
		BodyText:    req.Body,
		ContentHash: dedup.ContentHash("push:"+email, req.Subject, dateStr),
	}

	res, err := s.processor.Process(r.Context(), msg, snap)
	if err != nil {
		s.logger.Error("push message processing failed", "email_id", msg.ContentHash, "error", err)
		s.writeError(w, http.StatusInternalServerError, "processing failed")
		return
	}

	status := http.StatusOK
	success := true
	if res.Status == cycle.StatusSkippedWindow {
		// No bypass applied: outside the sending window, or no delivery
		// target configured. Callers may retry later.
		status = http.StatusConflict
		success = false
	}
	s.writeJSON(w, status, map[string]any{
		"success":     success,
		"status":      string(res.Status),
		"email_id":    msg.ContentHash,
		"flow_result": res.FlowResult,
	})
}

// senderAddress pulls the bare address out of "Name <addr>" forms.
func senderAddress(sender string) string {
	if i := strings.LastIndexByte(sender, '<'); i >= 0 {
		if j := strings.IndexByte(sender[i:], '>'); j > 0 {
			return strings.ToLower(sender[i+1 : i+j])
		}
	}
	return strings.ToLower(sender)
}
