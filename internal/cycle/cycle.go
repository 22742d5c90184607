// Package cycle ties the poll pass together: fetch unseen mail, decide
// whether and where each message goes, deliver, and record the outcome.
package cycle

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mediaflux/mailrelay/internal/dedup"
	"github.com/mediaflux/mailrelay/internal/detect"
	"github.com/mediaflux/mailrelay/internal/imapclient"
	"github.com/mediaflux/mailrelay/internal/links"
	"github.com/mediaflux/mailrelay/internal/mailtext"
	"github.com/mediaflux/mailrelay/internal/notify"
	"github.com/mediaflux/mailrelay/internal/rules"
	"github.com/mediaflux/mailrelay/internal/settings"
	"github.com/mediaflux/mailrelay/internal/webhook"
	"github.com/mediaflux/mailrelay/internal/window"
)

// MailSource is the IMAP capability the cycle needs. imapclient.Client
// satisfies it; tests substitute a fake.
type MailSource interface {
	Connect() error
	Close() error
	FetchUnseen() ([]imapclient.Message, error)
	MarkSeen(uid uint32) error
}

// Status is the per-message outcome, shared with the push ingestion
// endpoint's response vocabulary.
type Status string

const (
	StatusProcessed         Status = "processed"
	StatusAlreadyProcessed  Status = "already_processed"
	StatusAlreadyProcessing Status = "already_processing"
	StatusSkippedSender     Status = "skipped_sender_not_allowed"
	StatusSkippedWindow     Status = "skipped_outside_time_window"
)

// Result describes what the pipeline did with one message.
type Result struct {
	Status Status

	// FlowResult names the branch taken, for logs and the push response.
	FlowResult string

	// Triggered counts deliveries that reached the network layer and
	// returned, success or failure both.
	Triggered int

	// Delivered reports whether the message's primary target accepted it.
	Delivered bool

	// MarkRead tells the caller to flag the message seen in the mailbox.
	MarkRead bool
}

// Processor runs the per-message pipeline. All collaborators are injected;
// nothing here reads global state.
type Processor struct {
	Settings *settings.Provider
	Dedup    *dedup.Gate
	Sender   *webhook.Sender
	Logger   *slog.Logger

	// Notifier, when set, alerts the operator on delivery failures.
	Notifier *notify.Notifier

	// NewSource opens a mailbox session for one cycle.
	NewSource func() MailSource

	// Now is injectable for window and urgency tests.
	Now func() time.Time
}

// NewProcessor wires a processor from its collaborators.
func NewProcessor(provider *settings.Provider, gate *dedup.Gate, sender *webhook.Sender, newSource func() MailSource, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		Settings:  provider,
		Dedup:     gate,
		Sender:    sender,
		NewSource: newSource,
		Logger:    logger,
		Now:       time.Now,
	}
}

// RunCycle performs one poll pass and returns the number of triggered
// webhook deliveries. The sending kill switch is consulted before any
// IMAP connection is made. Per-message failures are logged and do not
// abort the remaining messages.
func (p *Processor) RunCycle(ctx context.Context) (int, error) {
	snap, err := p.Settings.Current(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load settings: %w", err)
	}

	now := p.Now().In(snap.Polling.Location())
	if !snap.Webhook.SendingAllowed(now) {
		p.Logger.Info("webhook sending disabled, skipping poll cycle")
		return 0, nil
	}

	src := p.NewSource()
	if err := src.Connect(); err != nil {
		return 0, fmt.Errorf("failed to connect to mailbox: %w", err)
	}
	defer src.Close()

	msgs, err := src.FetchUnseen()
	if err != nil {
		return 0, fmt.Errorf("failed to list unseen messages: %w", err)
	}
	if len(msgs) == 0 {
		return 0, nil
	}
	p.Logger.Info("processing unseen messages", "count", len(msgs))

	triggered := 0
	for _, m := range msgs {
		res, err := p.Process(ctx, m, snap)
		if err != nil {
			p.Logger.Error("message processing failed",
				"email_id", m.ContentHash, "subject", mailtext.Preview(m.Subject, 80), "error", err)
			continue
		}
		triggered += res.Triggered
		if res.MarkRead {
			if err := src.MarkSeen(m.UID); err != nil {
				p.Logger.Warn("failed to mark message as read", "uid", m.UID, "error", err)
			}
		}
		p.Logger.Info("message handled",
			"email_id", m.ContentHash, "status", string(res.Status), "flow", res.FlowResult)
	}
	return triggered, nil
}

// Process runs one message through the pipeline: sender allow-list,
// in-flight lock, dedup, routing rules and legacy detectors, time window,
// rate limit, delivery, outcome bookkeeping. Both the poll cycle and the
// push ingestion endpoint enter here.
func (p *Processor) Process(ctx context.Context, m imapclient.Message, snap settings.Snapshot) (Result, error) {
	if !snap.Polling.SenderAllowed(m.SenderEmail) {
		return Result{Status: StatusSkippedSender, FlowResult: "sender_not_allowed"}, nil
	}

	id := m.ContentHash
	if id == "" {
		id = dedup.ContentHash(m.MessageID, m.Subject, m.Date.Format(time.RFC3339))
	}

	acquired, release := p.Dedup.AcquireInFlight(ctx, id)
	if !acquired {
		return Result{Status: StatusAlreadyProcessing, FlowResult: "in_flight"}, nil
	}
	defer release()

	if snap.Processing.MessageDedupEnabled && p.Dedup.SeenMessage(ctx, id) {
		return Result{Status: StatusAlreadyProcessed, FlowResult: "duplicate_message", MarkRead: true}, nil
	}

	content := mailtext.Combined(m.BodyText, m.BodyHTML, p.Logger)
	linkList := links.Extract(content)

	loc := snap.Polling.Location()
	now := p.Now().In(loc)

	det := detect.New(loc, p.Logger)
	det.Now = p.Now

	rule := rules.Match(snap.Rules, m.SenderRaw, m.Subject, content)

	var media detect.MediaResult
	var desabo detect.DesaboResult
	if rule == nil || !rule.Actions.StopProcessing {
		media = det.MediaSolution(m.Subject, content)
		desabo = det.Desabo(m.Subject, content)
	}

	// Per-detector exclude keywords absorb the message without a send.
	if media.Matches && containsAnyFolded(m.Subject+" "+content, snap.Processing.MediaExcludeKeywords) {
		p.markHandled(ctx, id, "", snap)
		return Result{Status: StatusProcessed, FlowResult: "excluded_by_keyword", MarkRead: true}, nil
	}
	if desabo.Matches && containsAnyFolded(m.Subject+" "+content, snap.Processing.DesaboExcludeKeywords) {
		p.markHandled(ctx, id, "", snap)
		return Result{Status: StatusProcessed, FlowResult: "excluded_by_keyword", MarkRead: true}, nil
	}

	group := ""
	if media.Matches && snap.Processing.GroupDedupEnabled {
		group = dedup.SubjectGroup(m.Subject)
		if p.Dedup.SeenGroup(ctx, group, snap.Processing.GroupDedupMonthScoped) {
			p.markHandled(ctx, id, "", snap)
			return Result{Status: StatusAlreadyProcessed, FlowResult: "duplicate_group", MarkRead: true}, nil
		}
	}

	within := window.Within(now, snap.Webhook.WindowStart, snap.Webhook.WindowEnd)
	windowStart := snap.Webhook.WindowStart

	switch {
	case rule != nil:
		if !within {
			// Rule-routed messages respect the window and stay pending
			// until it opens.
			return Result{Status: StatusSkippedWindow, FlowResult: "rule_outside_window"}, nil
		}
		res, err := p.deliverRule(ctx, m, id, rule, media, snap)
		if err != nil || !res.Delivered || rule.Actions.StopProcessing {
			return res, err
		}
		// Rule matched without stop_processing: the rule owned the
		// delivery target, legacy group marking still applies below.
		if group != "" {
			p.Dedup.MarkGroup(ctx, group, snap.Processing.GroupDedupMonthScoped, p.recentTTL(snap))
		}
		return res, nil

	case media.Matches:
		if !within {
			// Outside business hours a delivery notification is not
			// actionable; absorb it instead of queueing.
			p.markHandled(ctx, id, group, snap)
			return Result{Status: StatusProcessed, FlowResult: "absorbed_outside_window", MarkRead: true}, nil
		}
		return p.deliverMedia(ctx, m, id, group, content, linkList, media, snap)

	case desabo.Matches:
		if !within {
			if desabo.Urgent {
				return Result{Status: StatusSkippedWindow, FlowResult: "urgent_outside_window"}, nil
			}
			// Non-urgent unsubscribe bypasses the window. The start field
			// tells the workflow when handling may begin: immediately if
			// we are still before today's opening, else from the
			// configured start.
			if window.BeforeStart(now, snap.Webhook.WindowStart) {
				windowStart = "maintenant"
			}
		}
		return p.deliverDesabo(ctx, m, id, desabo, windowStart, snap)

	default:
		if !within {
			// Unrelated mail stays untouched for a later cycle or manual
			// triage.
			return Result{Status: StatusSkippedWindow, FlowResult: "unmatched_outside_window"}, nil
		}
		if snap.Webhook.CustomURL == "" {
			return Result{Status: StatusSkippedWindow, FlowResult: "no_route"}, nil
		}
		return p.deliverCustomOnly(ctx, m, id, content, linkList, snap)
	}
}

func (p *Processor) deliverRule(ctx context.Context, m imapclient.Message, id string, rule *rules.Rule, media detect.MediaResult, snap settings.Snapshot) (Result, error) {
	extra := map[string]any{
		"rule_id":   rule.ID,
		"rule_name": rule.Name,
		"priority":  string(rule.Actions.Priority),
	}
	base := webhook.MakecomPayload{
		Subject:      m.Subject,
		DeliveryTime: media.DeliveryTime,
		SenderEmail:  m.SenderEmail,
	}
	opts := p.makecomOptions(snap)
	opts.OverrideURL = rule.Actions.WebhookURL

	outcome, err := p.Sender.SendMakecom(ctx, id, base, extra, opts)
	if err != nil {
		return Result{Triggered: 0}, err
	}
	return p.finishDelivery(ctx, id, "", outcome, "rule_"+rule.ID, snap), nil
}

func (p *Processor) deliverMedia(ctx context.Context, m imapclient.Message, id, group, content string, linkList []links.Link, media detect.MediaResult, snap settings.Snapshot) (Result, error) {
	if snap.Webhook.CustomURL == "" && snap.Webhook.MakecomURL == "" {
		return Result{Status: StatusSkippedWindow, FlowResult: "no_route"}, nil
	}

	triggered := 0

	// The customer webhook is the primary target when configured; the
	// automation platform is notified alongside it.
	var primary webhook.Outcome
	if snap.Webhook.CustomURL != "" {
		payload := webhook.BuildCustomPayload(id, m.Subject, m.Date.Format(time.RFC3339), m.SenderEmail, content, linkList)
		outcome, err := p.Sender.SendCustom(ctx, payload, p.customOptions(snap))
		if err != nil {
			return Result{Triggered: triggered}, err
		}
		if outcome.Triggered() {
			triggered++
		}
		if outcome == webhook.OutcomeSkippedNoLinks {
			p.markHandled(ctx, id, group, snap)
			return Result{Status: StatusProcessed, FlowResult: "skipped_no_links", Triggered: triggered, MarkRead: true}, nil
		}
		primary = outcome
	}

	if snap.Webhook.MakecomURL != "" {
		base := webhook.MakecomPayload{
			Subject:      m.Subject,
			DeliveryTime: media.DeliveryTime,
			SenderEmail:  m.SenderEmail,
		}
		extra := map[string]any{"urgence": media.Urgent}
		if media.Lot != "" {
			extra["lot"] = media.Lot
		}
		outcome, err := p.Sender.SendMakecom(ctx, id, base, extra, p.makecomOptions(snap))
		if err != nil {
			return Result{Triggered: triggered}, err
		}
		if outcome.Triggered() {
			triggered++
		}
		if snap.Webhook.CustomURL == "" {
			primary = outcome
		}
	}

	res := p.finishDelivery(ctx, id, group, primary, "media_solution", snap)
	res.Triggered = triggered
	return res, nil
}

func (p *Processor) deliverDesabo(ctx context.Context, m imapclient.Message, id string, desabo detect.DesaboResult, windowStart string, snap settings.Snapshot) (Result, error) {
	if snap.Webhook.MakecomURL == "" {
		return Result{Status: StatusSkippedWindow, FlowResult: "no_route"}, nil
	}
	base := webhook.MakecomPayload{
		Subject:     m.Subject,
		SenderEmail: m.SenderEmail,
	}
	extra := map[string]any{
		"has_dropbox_request": desabo.HasDropboxRequest,
		"urgence":             desabo.Urgent,
	}
	if windowStart != "" {
		extra["heure_debut"] = windowStart
	}
	outcome, err := p.Sender.SendMakecom(ctx, id, base, extra, p.makecomOptions(snap))
	if err != nil {
		return Result{}, err
	}
	return p.finishDelivery(ctx, id, "", outcome, "desabonnement", snap), nil
}

func (p *Processor) deliverCustomOnly(ctx context.Context, m imapclient.Message, id, content string, linkList []links.Link, snap settings.Snapshot) (Result, error) {
	payload := webhook.BuildCustomPayload(id, m.Subject, m.Date.Format(time.RFC3339), m.SenderEmail, content, linkList)
	outcome, err := p.Sender.SendCustom(ctx, payload, p.customOptions(snap))
	if err != nil {
		return Result{}, err
	}
	if outcome == webhook.OutcomeSkippedNoLinks {
		p.markHandled(ctx, id, "", snap)
		return Result{Status: StatusProcessed, FlowResult: "skipped_no_links", MarkRead: true}, nil
	}
	return p.finishDelivery(ctx, id, "", outcome, "forward", snap), nil
}

// finishDelivery turns a webhook outcome into the per-message terminal
// state: delivered messages are marked processed and read, failures and
// rate-limited sends stay pending for a future cycle.
func (p *Processor) finishDelivery(ctx context.Context, id, group string, outcome webhook.Outcome, flow string, snap settings.Snapshot) Result {
	res := Result{FlowResult: flow}
	if outcome.Triggered() {
		res.Triggered = 1
	}
	switch outcome {
	case webhook.OutcomeDelivered:
		p.markHandled(ctx, id, group, snap)
		res.Status = StatusProcessed
		res.Delivered = true
		res.MarkRead = true
	case webhook.OutcomeRateLimited:
		res.Status = StatusSkippedWindow
		res.FlowResult = flow + "_rate_limited"
	default:
		res.Status = StatusProcessed
		res.FlowResult = flow + "_delivery_failed"
		if snap.Processing.NotifyOnFailure {
			p.Notifier.DeliveryFailure(ctx, id, flow, "webhook target did not accept the message")
		}
	}
	return res
}

func (p *Processor) markHandled(ctx context.Context, id, group string, snap settings.Snapshot) {
	if snap.Processing.MessageDedupEnabled {
		p.Dedup.MarkMessage(ctx, id)
	}
	if group != "" {
		p.Dedup.MarkGroup(ctx, group, snap.Processing.GroupDedupMonthScoped, p.recentTTL(snap))
	}
}

func (p *Processor) recentTTL(snap settings.Snapshot) time.Duration {
	return time.Duration(snap.Processing.GroupRecentTTLMin) * time.Minute
}

func (p *Processor) customOptions(snap settings.Snapshot) webhook.CustomOptions {
	return webhook.CustomOptions{
		URL:               snap.Webhook.CustomURL,
		SSLVerify:         snap.Webhook.SSLVerify,
		AllowWithoutLinks: snap.Processing.AllowWithoutLinks,
		RetryCount:        snap.Processing.RetryCount,
		RetryDelay:        time.Duration(snap.Processing.RetryDelaySec) * time.Second,
		Timeout:           time.Duration(snap.Processing.WebhookTimeoutSec) * time.Second,
		RateLimitPerHour:  snap.Processing.RateLimitPerHour,
	}
}

func (p *Processor) makecomOptions(snap settings.Snapshot) webhook.MakecomOptions {
	return webhook.MakecomOptions{
		URL:              snap.Webhook.MakecomURL,
		BearerToken:      snap.Webhook.MakecomToken,
		RetryCount:       snap.Processing.RetryCount,
		RetryDelay:       time.Duration(snap.Processing.RetryDelaySec) * time.Second,
		Timeout:          time.Duration(snap.Processing.WebhookTimeoutSec) * time.Second,
		RateLimitPerHour: snap.Processing.RateLimitPerHour,
	}
}

func containsAnyFolded(text string, keywords []string) bool {
	if len(keywords) == 0 {
		return false
	}
	folded := detect.Fold(text)
	for _, kw := range keywords {
		if kw == "" {
			continue
		}
		if k := detect.Fold(kw); k != "" && strings.Contains(folded, k) {
			return true
		}
	}
	return false
}
