// Package settings holds the runtime-tunable configuration documents:
// processing preferences, webhook target config and the polling schedule.
// Documents live in the shared store with an _updated_at marker and are
// read through a short-TTL cached Provider, which preserves near-live
// reload without restart.
package settings

import (
	"fmt"
	"strings"
	"time"

	"github.com/mediaflux/mailrelay/internal/window"
)

// Store keys for the managed documents. Routing rules live under their own
// key (rules.StoreKey) and, unlike these, may legitimately be absent.
const (
	KeyProcessing = "config:processing"
	KeyWebhook    = "config:webhook"
	KeyPolling    = "config:polling"
)

// Processing are the per-delivery knobs.
type Processing struct {
	RetryCount            int      `json:"retry_count"`
	RetryDelaySec         int      `json:"retry_delay_sec"`
	WebhookTimeoutSec     int      `json:"webhook_timeout_sec"`
	RateLimitPerHour      int      `json:"rate_limit_per_hour"`
	MediaExcludeKeywords  []string `json:"media_exclude_keywords"`
	DesaboExcludeKeywords []string `json:"desabo_exclude_keywords"`
	NotifyOnFailure       bool     `json:"notify_on_failure"`
	MessageDedupEnabled   bool     `json:"message_dedup_enabled"`
	GroupDedupEnabled     bool     `json:"group_dedup_enabled"`
	GroupDedupMonthScoped bool     `json:"group_dedup_month_scoped"`
	GroupRecentTTLMin     int      `json:"group_recent_ttl_min"`
	AllowWithoutLinks     bool     `json:"allow_without_links"`
}

// Webhook is the outbound target configuration.
type Webhook struct {
	CustomURL           string   `json:"custom_url"`
	MakecomURL          string   `json:"makecom_url"`
	MakecomToken        string   `json:"makecom_token"`
	SSLVerify           bool     `json:"ssl_verify"`
	SendingEnabled      bool     `json:"sending_enabled"`
	WindowStart         string   `json:"window_start"`
	WindowEnd           string   `json:"window_end"`
	AbsencePauseEnabled bool     `json:"absence_pause_enabled"`
	AbsencePauseDays    []string `json:"absence_pause_days"`
}

// Polling is the background poller schedule.
type Polling struct {
	ActiveDays     []string `json:"active_days"`
	StartHour      int      `json:"start_hour"`
	EndHour        int      `json:"end_hour"`
	Timezone       string   `json:"timezone"`
	VacationStart  string   `json:"vacation_start"`
	VacationEnd    string   `json:"vacation_end"`
	AllowedSenders []string `json:"allowed_senders"`
}

// DefaultProcessing returns the values used when no document is stored.
func DefaultProcessing() Processing {
	return Processing{
		RetryCount:            2,
		RetryDelaySec:         5,
		WebhookTimeoutSec:     30,
		RateLimitPerHour:      100,
		MessageDedupEnabled:   true,
		GroupDedupEnabled:     false,
		GroupDedupMonthScoped: true,
		GroupRecentTTLMin:     60,
	}
}

// DefaultWebhook returns the values used when no document is stored.
func DefaultWebhook() Webhook {
	return Webhook{
		SSLVerify:      true,
		SendingEnabled: true,
	}
}

// DefaultPolling returns the values used when no document is stored.
func DefaultPolling() Polling {
	return Polling{
		StartHour: 8,
		EndHour:   20,
		Timezone:  "Europe/Paris",
	}
}

// Validate enforces the admin-API ranges for processing preferences.
func (p Processing) Validate() error {
	if p.RetryCount < 0 || p.RetryCount > 10 {
		return fmt.Errorf("retry_count must be between 0 and 10")
	}
	if p.RetryDelaySec < 0 || p.RetryDelaySec > 600 {
		return fmt.Errorf("retry_delay_sec must be between 0 and 600")
	}
	if p.WebhookTimeoutSec < 1 || p.WebhookTimeoutSec > 300 {
		return fmt.Errorf("webhook_timeout_sec must be between 1 and 300")
	}
	if p.RateLimitPerHour < 0 || p.RateLimitPerHour > 100000 {
		return fmt.Errorf("rate_limit_per_hour must be between 0 and 100000")
	}
	if p.GroupRecentTTLMin < 0 {
		return fmt.Errorf("group_recent_ttl_min must not be negative")
	}
	return nil
}

// Validate checks webhook target configuration.
func (w Webhook) Validate() error {
	for _, u := range []string{w.CustomURL, w.MakecomURL} {
		if u != "" && !strings.HasPrefix(u, "https://") {
			return fmt.Errorf("webhook URL must be https: %q", u)
		}
	}
	for _, bound := range []string{w.WindowStart, w.WindowEnd} {
		if bound == "" {
			continue
		}
		if _, _, err := window.Parse(bound); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks the polling schedule.
func (p Polling) Validate() error {
	if p.StartHour < 0 || p.StartHour > 23 || p.EndHour < 0 || p.EndHour > 23 {
		return fmt.Errorf("active hours must be between 0 and 23")
	}
	if p.Timezone != "" {
		if _, err := time.LoadLocation(p.Timezone); err != nil {
			return fmt.Errorf("unknown timezone %q", p.Timezone)
		}
	}
	for _, d := range []string{p.VacationStart, p.VacationEnd} {
		if d == "" {
			continue
		}
		if _, err := time.Parse("2006-01-02", d); err != nil {
			return fmt.Errorf("invalid vacation date %q (want YYYY-MM-DD)", d)
		}
	}
	return nil
}

// Location resolves the schedule timezone, defaulting to UTC on failure.
func (p Polling) Location() *time.Location {
	if p.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Schedule converts the polling document into a window.Schedule.
func (p Polling) Schedule() window.Schedule {
	return window.Schedule{
		Days:          p.ActiveDays,
		StartHour:     p.StartHour,
		EndHour:       p.EndHour,
		VacationStart: p.VacationStart,
		VacationEnd:   p.VacationEnd,
	}
}

// SenderAllowed applies the allow-list; an empty list allows everyone.
func (p Polling) SenderAllowed(sender string) bool {
	if len(p.AllowedSenders) == 0 {
		return true
	}
	s := strings.ToLower(strings.TrimSpace(sender))
	for _, allowed := range p.AllowedSenders {
		a := strings.ToLower(strings.TrimSpace(allowed))
		if a == "" {
			continue
		}
		if s == a || strings.HasSuffix(s, a) {
			return true
		}
	}
	return false
}

// SendingAllowed is the kill switch: the explicit enable flag AND the
// absence-pause schedule (today's weekday, lowercased and trimmed, against
// the configured pause-days list).
func (w Webhook) SendingAllowed(now time.Time) bool {
	if !w.SendingEnabled {
		return false
	}
	if !w.AbsencePauseEnabled {
		return true
	}
	today := strings.ToLower(now.Weekday().String())
	for _, d := range w.AbsencePauseDays {
		if strings.ToLower(strings.TrimSpace(d)) == today {
			return false
		}
	}
	return true
}
