// Package webhook builds outbound payloads and performs the HTTP deliveries
// with bounded retry, recording every outcome in the delivery log.
package webhook

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/mediaflux/mailrelay/internal/ratelimit"
)

// Outcome classifies what a delivery call did.
type Outcome string

const (
	// OutcomeDelivered: the target acknowledged the payload.
	OutcomeDelivered Outcome = "delivered"
	// OutcomeFailed: the target answered but did not acknowledge, or all
	// attempts errored. The message must stay reprocessable.
	OutcomeFailed Outcome = "failed"
	// OutcomeSkippedNoLinks: policy short-circuit before the network.
	OutcomeSkippedNoLinks Outcome = "skipped_no_links"
	// OutcomeRateLimited: denied by the hourly limiter before the network.
	OutcomeRateLimited Outcome = "rate_limited"
)

// Triggered reports whether the outcome reached the network layer, which is
// what the cycle's delivery counter counts.
func (o Outcome) Triggered() bool {
	return o == OutcomeDelivered || o == OutcomeFailed
}

type httpDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// Sender performs webhook deliveries.
type Sender struct {
	limiter *ratelimit.Limiter
	log     *Log
	logger  *slog.Logger

	// client and insecureClient are swappable in tests. sleep and now
	// likewise, so the retry law is testable without wall-clock waits.
	client         httpDoer
	insecureClient httpDoer
	sleep          func(time.Duration)
	now            func() time.Time
}

// NewSender creates a Sender with real HTTP clients. Per-call timeouts are
// applied through the request context.
func NewSender(limiter *ratelimit.Limiter, log *Log, logger *slog.Logger) *Sender {
	if logger == nil {
		logger = slog.Default()
	}
	insecure := &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}}
	return &Sender{
		limiter:        limiter,
		log:            log,
		logger:         logger,
		client:         &http.Client{},
		insecureClient: &http.Client{Transport: insecure},
		sleep:          time.Sleep,
		now:            time.Now,
	}
}

// CustomOptions parameterizes one customer-webhook delivery.
type CustomOptions struct {
	URL               string
	SSLVerify         bool
	AllowWithoutLinks bool
	RetryCount        int
	RetryDelay        time.Duration
	Timeout           time.Duration
	RateLimitPerHour  int
}

// SendCustom delivers the customer payload.
//
// Order of gates: the no-links policy short-circuits first (the caller marks
// the message handled), then the rate limiter (the caller leaves the message
// pending). Request-level errors are retried RetryCount times with
// RetryDelay between attempts; if every attempt errors the last error
// propagates. A response is success only when the status is 200 AND the
// body carries {"success": true}; anything else is a delivery failure that
// is logged but not escalated.
func (s *Sender) SendCustom(ctx context.Context, p CustomPayload, opts CustomOptions) (Outcome, error) {
	if len(p.DeliveryLinks) == 0 && !opts.AllowWithoutLinks {
		s.log.Append(ctx, LogEntry{
			Type: LogCustom, EmailID: p.MicrosoftGraphEmailID, Status: StatusSkipped,
			Error:     "no delivery links and link-less sends are disabled",
			TargetURL: opts.URL, Subject: p.Subject,
		})
		return OutcomeSkippedNoLinks, nil
	}

	if !s.limiter.AllowAt(s.now(), opts.RateLimitPerHour) {
		s.log.Append(ctx, LogEntry{
			Type: LogCustom, EmailID: p.MicrosoftGraphEmailID, Status: StatusError,
			StatusCode: http.StatusTooManyRequests,
			Error:      "hourly rate limit reached",
			TargetURL:  opts.URL, Subject: p.Subject,
		})
		return OutcomeRateLimited, nil
	}

	body, err := json.Marshal(p)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("encode custom payload: %w", err)
	}

	resp, respBody, err := s.post(ctx, opts.URL, body, "", opts.SSLVerify, opts.RetryCount, opts.RetryDelay, opts.Timeout, nil)
	if err != nil {
		s.log.Append(ctx, LogEntry{
			Type: LogCustom, EmailID: p.MicrosoftGraphEmailID, Status: StatusError,
			Error: err.Error(), TargetURL: opts.URL, Subject: p.Subject,
		})
		return OutcomeFailed, err
	}
	s.limiter.RecordAt(s.now())

	if resp.StatusCode == http.StatusOK && appSuccess(respBody) {
		s.log.Append(ctx, LogEntry{
			Type: LogCustom, EmailID: p.MicrosoftGraphEmailID, Status: StatusSuccess,
			StatusCode: resp.StatusCode, TargetURL: opts.URL, Subject: p.Subject,
		})
		return OutcomeDelivered, nil
	}

	s.log.Append(ctx, LogEntry{
		Type: LogCustom, EmailID: p.MicrosoftGraphEmailID, Status: StatusError,
		StatusCode: resp.StatusCode,
		Error:      fmt.Sprintf("delivery not acknowledged: %s", truncate(string(respBody), 200)),
		TargetURL:  opts.URL, Subject: p.Subject,
	})
	return OutcomeFailed, nil
}

// MakecomOptions parameterizes one automation-platform delivery.
type MakecomOptions struct {
	URL              string
	OverrideURL      string // routing-rule target; wins over URL when set
	BearerToken      string
	RetryCount       int
	RetryDelay       time.Duration
	Timeout          time.Duration
	RateLimitPerHour int

	// OnAttempt, when set, observes each network attempt for dashboard
	// visibility.
	OnAttempt func(attempt, statusCode int, err error)
}

// SendMakecom delivers the automation-platform payload. Same retry
// semantics as SendCustom but the success criterion is just status 200.
func (s *Sender) SendMakecom(ctx context.Context, emailID string, base MakecomPayload, extra map[string]any, opts MakecomOptions) (Outcome, error) {
	target := opts.URL
	if opts.OverrideURL != "" {
		target = opts.OverrideURL
	}

	if !s.limiter.AllowAt(s.now(), opts.RateLimitPerHour) {
		s.log.Append(ctx, LogEntry{
			Type: LogMakecom, EmailID: emailID, Status: StatusError,
			StatusCode: http.StatusTooManyRequests,
			Error:      "hourly rate limit reached",
			TargetURL:  target, Subject: base.Subject,
		})
		return OutcomeRateLimited, nil
	}

	body, err := json.Marshal(MergeMakecom(base, extra))
	if err != nil {
		return OutcomeFailed, fmt.Errorf("encode makecom payload: %w", err)
	}

	resp, respBody, err := s.post(ctx, target, body, opts.BearerToken, true, opts.RetryCount, opts.RetryDelay, opts.Timeout, opts.OnAttempt)
	if err != nil {
		s.log.Append(ctx, LogEntry{
			Type: LogMakecom, EmailID: emailID, Status: StatusError,
			Error: err.Error(), TargetURL: target, Subject: base.Subject,
		})
		return OutcomeFailed, err
	}
	s.limiter.RecordAt(s.now())

	if resp.StatusCode == http.StatusOK {
		s.log.Append(ctx, LogEntry{
			Type: LogMakecom, EmailID: emailID, Status: StatusSuccess,
			StatusCode: resp.StatusCode, TargetURL: target, Subject: base.Subject,
		})
		return OutcomeDelivered, nil
	}

	s.log.Append(ctx, LogEntry{
		Type: LogMakecom, EmailID: emailID, Status: StatusError,
		StatusCode: resp.StatusCode,
		Error:      truncate(string(respBody), 200),
		TargetURL:  target, Subject: base.Subject,
	})
	return OutcomeFailed, nil
}

// post performs up to retryCount+1 attempts, sleeping retryDelay between
// request-level errors. The response body is read and returned alongside.
func (s *Sender) post(ctx context.Context, url string, body []byte, bearer string, sslVerify bool, retryCount int, retryDelay, timeout time.Duration, onAttempt func(int, int, error)) (*http.Response, []byte, error) {
	client := s.client
	if !sslVerify {
		client = s.insecureClient
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	var lastErr error
	for attempt := 0; attempt <= retryCount; attempt++ {
		reqCtx, cancel := context.WithTimeout(ctx, timeout)
		req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			cancel()
			return nil, nil, fmt.Errorf("build webhook request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if bearer != "" {
			req.Header.Set("Authorization", "Bearer "+bearer)
		}

		resp, err := client.Do(req)
		if err != nil {
			cancel()
			lastErr = err
			if onAttempt != nil {
				onAttempt(attempt+1, 0, err)
			}
			if attempt < retryCount {
				s.sleep(retryDelay)
			}
			continue
		}

		respBody, readErr := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		resp.Body.Close()
		cancel()
		if readErr != nil {
			respBody = nil
		}
		if onAttempt != nil {
			onAttempt(attempt+1, resp.StatusCode, nil)
		}
		return resp, respBody, nil
	}
	return nil, nil, fmt.Errorf("webhook POST failed after %d attempts: %w", retryCount+1, lastErr)
}

// appSuccess interprets the application-level acknowledgment flag.
func appSuccess(body []byte) bool {
	var ack struct {
		Success bool `json:"success"`
	}
	if err := json.Unmarshal(body, &ack); err != nil {
		return false
	}
	return ack.Success
}
