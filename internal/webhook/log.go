package webhook

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/mediaflux/mailrelay/internal/kvstore"
)

// LogCap is how many entries the delivery log retains.
const LogCap = 500

const logKey = "webhook:log"

// LogType distinguishes the two delivery paths.
type LogType string

const (
	LogCustom  LogType = "custom"
	LogMakecom LogType = "makecom"
)

// LogStatus is the recorded outcome of one delivery attempt group.
type LogStatus string

const (
	StatusSuccess LogStatus = "success"
	StatusError   LogStatus = "error"
	StatusSkipped LogStatus = "skipped"
)

// LogEntry is one line of the operator-facing delivery record.
type LogEntry struct {
	Timestamp  time.Time `json:"timestamp"`
	Type       LogType   `json:"type"`
	EmailID    string    `json:"email_id"`
	Status     LogStatus `json:"status"`
	StatusCode int       `json:"status_code,omitempty"`
	Error      string    `json:"error,omitempty"`
	TargetURL  string    `json:"target_url"`
	Subject    string    `json:"subject"`
}

// Log is the append-only capped delivery log, persisted to the shared
// store on each append. Persistence is best effort: a store outage keeps
// the in-memory ring serving the dashboard.
type Log struct {
	mu      sync.Mutex
	entries []LogEntry
	store   kvstore.Store
	logger  *slog.Logger
}

// NewLog creates the log, restoring previously persisted entries.
func NewLog(ctx context.Context, store kvstore.Store, logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Log{store: store, logger: logger}

	raw, ok, err := store.Get(ctx, logKey)
	if err != nil {
		logger.Warn("webhook log restore failed", "error", err)
		return l
	}
	if ok {
		if err := json.Unmarshal([]byte(raw), &l.entries); err != nil {
			logger.Warn("webhook log decode failed, starting empty", "error", err)
			l.entries = nil
		}
	}
	return l
}

// Append records an entry, trimming to the cap, and persists the ring.
func (l *Log) Append(ctx context.Context, e LogEntry) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	e.TargetURL = maskURL(e.TargetURL)
	e.Subject = truncate(e.Subject, 120)
	e.Error = truncate(e.Error, 300)

	l.mu.Lock()
	l.entries = append(l.entries, e)
	if len(l.entries) > LogCap {
		l.entries = append(l.entries[:0], l.entries[len(l.entries)-LogCap:]...)
	}
	raw, err := json.Marshal(l.entries)
	l.mu.Unlock()

	if err != nil {
		l.logger.Warn("webhook log encode failed", "error", err)
		return
	}
	if err := l.store.Set(ctx, logKey, string(raw), 0); err != nil {
		l.logger.Warn("webhook log persist failed", "error", err)
	}
}

// Entries returns a copy, newest first.
func (l *Log) Entries() []LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]LogEntry, len(l.entries))
	for i, e := range l.entries {
		out[len(l.entries)-1-i] = e
	}
	return out
}

// maskURL keeps scheme and host but hides path and query, which may embed
// webhook secrets.
func maskURL(raw string) string {
	if raw == "" {
		return ""
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Host == "" {
		return truncate(raw, 40)
	}
	masked := parsed.Scheme + "://" + parsed.Host
	if parsed.Path != "" && parsed.Path != "/" {
		masked += "/…"
	}
	return masked
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "…"
}
