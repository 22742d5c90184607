package web

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mediaflux/mailrelay/internal/config"
	"github.com/mediaflux/mailrelay/internal/cycle"
	"github.com/mediaflux/mailrelay/internal/dedup"
	"github.com/mediaflux/mailrelay/internal/kvstore"
	"github.com/mediaflux/mailrelay/internal/ratelimit"
	"github.com/mediaflux/mailrelay/internal/rules"
	"github.com/mediaflux/mailrelay/internal/settings"
	"github.com/mediaflux/mailrelay/internal/webhook"
)

const (
	testIngestToken = "tok-ingest"
	testAdminToken  = "tok-admin"
)

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func seedDoc(t *testing.T, kv kvstore.Store, key string, doc map[string]any) {
	t.Helper()
	doc["_updated_at"] = time.Now().UTC().Format(time.RFC3339)
	b, err := json.Marshal(doc)
	if err != nil {
		t.Fatal(err)
	}
	if err := kv.Set(context.Background(), key, string(b), 0); err != nil {
		t.Fatal(err)
	}
}

// newTestServer wires a full server over a memory store. makecomURL may
// point at a live httptest endpoint; an empty window keeps the gate
// permissive.
func newTestServer(t *testing.T, makecomURL string) (http.Handler, kvstore.Store) {
	t.Helper()
	kv := kvstore.NewMemory()
	seedDoc(t, kv, "config:webhook", map[string]any{
		"makecom_url":     makecomURL,
		"ssl_verify":      true,
		"sending_enabled": true,
	})
	seedDoc(t, kv, "config:polling", map[string]any{"timezone": "UTC"})
	seedDoc(t, kv, "config:processing", map[string]any{
		"retry_count":           0,
		"retry_delay_sec":       0,
		"webhook_timeout_sec":   5,
		"rate_limit_per_hour":   100,
		"message_dedup_enabled": true,
	})

	logger := quiet()
	provider := settings.NewProvider(kv, rules.NewStore(kv))
	gate := dedup.New(kv, logger)
	deliveryLog := webhook.NewLog(context.Background(), kv, logger)
	sender := webhook.NewSender(ratelimit.New(), deliveryLog, logger)
	processor := cycle.NewProcessor(provider, gate, sender, nil, logger)

	srv, err := NewServer(config.ServerConfig{
		Port:        0,
		IngestToken: testIngestToken,
		AdminToken:  testAdminToken,
	}, provider, processor, deliveryLog, func() bool { return true }, logger)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return srv.setupRouter(), kv
}

func doJSON(t *testing.T, h http.Handler, method, path, token, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var parsed map[string]any
	if rec.Body.Len() > 0 && strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rec.Body.Bytes(), &parsed); err != nil {
			t.Fatalf("response not JSON: %v\n%s", err, rec.Body.String())
		}
	}
	return rec, parsed
}

func TestIngestAuth(t *testing.T) {
	h, _ := newTestServer(t, "")

	rec, _ := doJSON(t, h, "POST", "/api/ingest", "", `{"sender":"a@b.com","body":"x"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: status = %d, want 401", rec.Code)
	}
	rec, _ = doJSON(t, h, "POST", "/api/ingest", "wrong", `{"sender":"a@b.com","body":"x"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad token: status = %d, want 401", rec.Code)
	}
}

func TestIngestValidation(t *testing.T) {
	h, _ := newTestServer(t, "")

	cases := []struct {
		name string
		body string
	}{
		{"not json", `{{`},
		{"missing sender", `{"body":"x"}`},
		{"missing body", `{"sender":"a@b.com"}`},
		{"bad date", `{"sender":"a@b.com","body":"x","date":"yesterday"}`},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			rec, _ := doJSON(t, h, "POST", "/api/ingest", testIngestToken, c.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}
}

func TestIngestNoTargetConflict(t *testing.T) {
	h, _ := newTestServer(t, "")

	body := `{"sender":"Ops <ops@mediasolution.fr>",` +
		`"subject":"Média Solution - Missions Recadrage - Lot 7",` +
		`"body":"Liste à faire pour 11h51 https://www.dropbox.com/scl/fo/abc/h?dl=0"}`
	rec, parsed := doJSON(t, h, "POST", "/api/ingest", testIngestToken, body)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409\n%s", rec.Code, rec.Body.String())
	}
	if parsed["flow_result"] != "no_route" {
		t.Fatalf("flow_result = %v, want no_route", parsed["flow_result"])
	}
	if parsed["success"] != false {
		t.Fatalf("success = %v, want false", parsed["success"])
	}
}

func TestIngestProcessesAndDeduplicates(t *testing.T) {
	var hits int
	makecom := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
	}))
	t.Cleanup(makecom.Close)

	h, _ := newTestServer(t, makecom.URL)

	body := `{"sender":"Client <client@example.com>","subject":"Désabonnement",` +
		`"body":"désabonnement aujourd'hui tarif standard https://www.dropbox.com/request/AbC",` +
		`"date":"2026-03-12T10:00:00Z"}`

	rec, parsed := doJSON(t, h, "POST", "/api/ingest", testIngestToken, body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if parsed["status"] != "processed" || parsed["success"] != true {
		t.Fatalf("response = %v", parsed)
	}
	if parsed["email_id"] == "" {
		t.Fatalf("missing email_id")
	}
	if hits != 1 {
		t.Fatalf("makecom hits = %d, want 1", hits)
	}

	// The same push again collapses on the dedup set.
	rec, parsed = doJSON(t, h, "POST", "/api/ingest", testIngestToken, body)
	if rec.Code != http.StatusOK || parsed["status"] != "already_processed" {
		t.Fatalf("duplicate: status=%d body=%v", rec.Code, parsed)
	}
	if hits != 1 {
		t.Fatalf("duplicate push reached the network")
	}
}

func TestIngestRejectedWhenPaused(t *testing.T) {
	h, kv := newTestServer(t, "")
	seedDoc(t, kv, "config:webhook", map[string]any{"sending_enabled": false})

	rec, _ := doJSON(t, h, "POST", "/api/ingest", testIngestToken, `{"sender":"a@b.com","body":"x"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409 while paused", rec.Code)
	}
}

func TestAdminStatus(t *testing.T) {
	h, _ := newTestServer(t, "")

	rec, _ := doJSON(t, h, "GET", "/api/admin/status", "", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: status = %d, want 401", rec.Code)
	}

	rec, parsed := doJSON(t, h, "GET", "/api/admin/status", testAdminToken, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if parsed["sending_enabled"] != true || parsed["poller_active"] != true {
		t.Fatalf("response = %v", parsed)
	}
}

func TestAdminRulesRoundTrip(t *testing.T) {
	h, _ := newTestServer(t, "")

	list := `[{"id":"r1","name":"partner","conditions":[{"field":"subject","operator":"contains","value":"lot"}],` +
		`"actions":{"webhook_url":"https://partner.example.com/hook","priority":"high","stop_processing":true}}]`
	rec, _ := doJSON(t, h, "PUT", "/api/admin/rules", testAdminToken, list)
	if rec.Code != http.StatusOK {
		t.Fatalf("put rules: status = %d: %s", rec.Code, rec.Body.String())
	}

	rec, parsed := doJSON(t, h, "GET", "/api/admin/rules", testAdminToken, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get rules: status = %d", rec.Code)
	}
	got, ok := parsed["rules"].([]any)
	if !ok || len(got) != 1 {
		t.Fatalf("rules = %v", parsed["rules"])
	}

	// An invalid list is rejected whole and leaves the stored one intact.
	bad := `[{"id":"r2","name":"broken","conditions":[],"actions":{"webhook_url":"http://insecure","priority":"normal"}}]`
	rec, _ = doJSON(t, h, "PUT", "/api/admin/rules", testAdminToken, bad)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid rules accepted: %d", rec.Code)
	}
	_, parsed = doJSON(t, h, "GET", "/api/admin/rules", testAdminToken, "")
	if got := parsed["rules"].([]any); len(got) != 1 {
		t.Fatalf("rejected update clobbered the rule list")
	}
}

func TestAdminSettingsValidation(t *testing.T) {
	h, _ := newTestServer(t, "")

	rec, _ := doJSON(t, h, "PUT", "/api/admin/settings/processing", testAdminToken,
		`{"retry_count":99,"webhook_timeout_sec":30}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("out-of-range retry_count accepted: %d", rec.Code)
	}

	rec, _ = doJSON(t, h, "PUT", "/api/admin/settings/webhook",
		testAdminToken, `{"custom_url":"https://example.com/hook","window_start":"09:00","window_end":"17:00"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("valid webhook doc rejected: %d: %s", rec.Code, rec.Body.String())
	}

	rec, parsed := doJSON(t, h, "GET", "/api/admin/settings/webhook", testAdminToken, "")
	if rec.Code != http.StatusOK || parsed["window_start"] != "09:00" {
		t.Fatalf("get settings = %d %v", rec.Code, parsed)
	}

	rec, _ = doJSON(t, h, "GET", "/api/admin/settings/nonsense", testAdminToken, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown section: %d, want 404", rec.Code)
	}
}

func TestAdminPauseResume(t *testing.T) {
	h, _ := newTestServer(t, "")

	rec, parsed := doJSON(t, h, "POST", "/api/admin/pause", testAdminToken, "")
	if rec.Code != http.StatusOK || parsed["sending_enabled"] != false {
		t.Fatalf("pause = %d %v", rec.Code, parsed)
	}

	_, parsed = doJSON(t, h, "GET", "/api/admin/status", testAdminToken, "")
	if parsed["sending_allowed"] != false {
		t.Fatalf("status after pause = %v", parsed)
	}

	rec, parsed = doJSON(t, h, "POST", "/api/admin/resume", testAdminToken, "")
	if rec.Code != http.StatusOK || parsed["sending_enabled"] != true {
		t.Fatalf("resume = %d %v", rec.Code, parsed)
	}
}

func TestAdminWebhookLogs(t *testing.T) {
	h, _ := newTestServer(t, "")
	rec, parsed := doJSON(t, h, "GET", "/api/admin/webhook-logs", testAdminToken, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if _, ok := parsed["entries"]; !ok {
		t.Fatalf("response missing entries: %v", parsed)
	}
}

func TestAdminPollWithoutMailbox(t *testing.T) {
	h, _ := newTestServer(t, "")
	rec, _ := doJSON(t, h, "POST", "/api/admin/poll", testAdminToken, "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503 with no mailbox configured", rec.Code)
	}
}

func TestDashboardRenders(t *testing.T) {
	h, _ := newTestServer(t, "")

	req := httptest.NewRequest("GET", "/", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	body := rec.Body.String()
	if !strings.Contains(body, "mailrelay") || !strings.Contains(body, "csrf") {
		t.Fatalf("dashboard missing expected content")
	}
}
