package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultMinInterval throttles operator mail so a burst of failures
// produces one notification, not one per message.
const DefaultMinInterval = 15 * time.Minute

// Notifier sends throttled delivery-failure notifications to the operator.
type Notifier struct {
	sender      Sender
	from, to    string
	minInterval time.Duration
	logger      *slog.Logger

	// Now is injectable for throttle tests.
	Now func() time.Time

	mu       sync.Mutex
	lastSent time.Time
}

// NewNotifier wires a notifier; nil is a valid *Notifier (no-op).
func NewNotifier(sender Sender, cfg Config, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		sender:      sender,
		from:        cfg.From,
		to:          cfg.To,
		minInterval: DefaultMinInterval,
		logger:      logger,
		Now:         time.Now,
	}
}

// DeliveryFailure reports one failed webhook delivery. Best effort: errors
// are logged, never propagated, and sends inside the throttle interval are
// dropped.
func (n *Notifier) DeliveryFailure(ctx context.Context, emailID, flow, detail string) {
	if n == nil || n.sender == nil || n.to == "" {
		return
	}

	n.mu.Lock()
	now := n.Now()
	if now.Sub(n.lastSent) < n.minInterval {
		n.mu.Unlock()
		return
	}
	n.lastSent = now
	n.mu.Unlock()

	msg := Message{
		To:      n.to,
		From:    n.from,
		Subject: "mailrelay: webhook delivery failing",
		Body: fmt.Sprintf("Webhook delivery failed.\n\nEmail: %s\nFlow: %s\nDetail: %s\nTime: %s\n",
			emailID, flow, detail, now.UTC().Format(time.RFC3339)),
	}
	res := n.sender.Send(ctx, msg)
	if !res.Success {
		n.logger.Warn("failure notification not sent", "provider", n.sender.Name(), "error", res.Error)
	}
}
