package web

import (
	"embed"
	"html/template"
	"net/http"
	"time"

	"github.com/gorilla/csrf"

	"github.com/mediaflux/mailrelay/internal/webhook"
)

//go:embed templates/*
var templatesFS embed.FS

var tmplFuncs = template.FuncMap{
	"formatTime": func(t time.Time) string {
		return t.Format("Jan 2, 2006 15:04:05")
	},
}

func (s *Server) parseTemplates() error {
	t, err := template.New("layout.html").Funcs(tmplFuncs).ParseFS(templatesFS, "templates/*.html")
	if err != nil {
		return err
	}
	s.templates = t
	return nil
}

type dashboardData struct {
	CSRFField      template.HTML
	SendingEnabled bool
	SendingAllowed bool
	PollerActive   bool
	WindowStart    string
	WindowEnd      string
	Timezone       string
	RulesCount     int
	RecentLogs     []webhook.LogEntry
	UptimeSince    time.Time
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	snap, err := s.provider.Current(r.Context())
	if err != nil {
		http.Error(w, "failed to load settings", http.StatusInternalServerError)
		return
	}

	entries := s.deliveryLog.Entries()
	if len(entries) > 20 {
		entries = entries[:20]
	}

	now := time.Now().In(snap.Polling.Location())
	data := dashboardData{
		CSRFField:      csrf.TemplateField(r),
		SendingEnabled: snap.Webhook.SendingEnabled,
		SendingAllowed: snap.Webhook.SendingAllowed(now),
		PollerActive:   s.pollerActive != nil && s.pollerActive(),
		WindowStart:    snap.Webhook.WindowStart,
		WindowEnd:      snap.Webhook.WindowEnd,
		Timezone:       snap.Polling.Timezone,
		RulesCount:     len(snap.Rules),
		RecentLogs:     entries,
		UptimeSince:    s.startedAt,
	}
	if err := s.templates.ExecuteTemplate(w, "layout.html", data); err != nil {
		s.logger.Warn("failed to render dashboard", "error", err)
	}
}

// handleSendingForm toggles the kill switch from the dashboard form.
func (s *Server) handleSendingForm(w http.ResponseWriter, r *http.Request) {
	enabled := r.FormValue("enabled") == "true"

	snap, err := s.provider.Current(r.Context())
	if err != nil {
		http.Error(w, "failed to load settings", http.StatusInternalServerError)
		return
	}
	doc := snap.Webhook
	doc.SendingEnabled = enabled
	if err := s.provider.PutWebhook(r.Context(), doc); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
}
