package cycle

import (
	"context"
	"testing"
	"time"

	"github.com/mediaflux/mailrelay/internal/imapclient"
	"github.com/mediaflux/mailrelay/internal/kvstore"
)

func testRunner(t *testing.T, p *Processor) (*Runner, *[]time.Duration) {
	t.Helper()
	var slept []time.Duration
	r := NewRunner(p, quiet())
	r.Sleep = func(ctx context.Context, d time.Duration) { slept = append(slept, d) }
	r.Now = p.Now
	return r, &slept
}

func TestIterateSkipsOutsideSchedule(t *testing.T) {
	kv := kvstore.NewMemory()
	night := time.Date(2026, 3, 12, 3, 0, 0, 0, time.UTC)
	src := &fakeSource{}
	p := testProcessor(t, kv, night)
	p.Settings = providerFor(t, kv, "https://example.com/hook", true)
	p.NewSource = func() MailSource { return src }

	r, slept := testRunner(t, p)
	if err := r.iterate(context.Background()); err != nil {
		t.Fatalf("iterate: %v", err)
	}
	if src.connects != 0 {
		t.Fatalf("inactive schedule must not poll")
	}
	if len(*slept) != 1 || (*slept)[0] != r.InactiveSleep {
		t.Fatalf("slept %v, want one inactive sleep", *slept)
	}
	if !r.wasInactive {
		t.Fatalf("inactive transition not recorded")
	}
}

func TestIterateSkipsDuringVacation(t *testing.T) {
	kv := kvstore.NewMemory()
	src := &fakeSource{}
	p := testProcessor(t, kv, insideWindow)
	p.Settings = providerFor(t, kv, "https://example.com/hook", true)
	p.NewSource = func() MailSource { return src }
	seedDoc(t, kv, "config:polling", map[string]any{
		"timezone":       "UTC",
		"vacation_start": "2026-03-10",
		"vacation_end":   "2026-03-15",
	})
	p.Settings.Invalidate()

	r, _ := testRunner(t, p)
	if err := r.iterate(context.Background()); err != nil {
		t.Fatalf("iterate: %v", err)
	}
	if src.connects != 0 {
		t.Fatalf("vacation range must not poll")
	}
}

func TestIterateRunsCycleWhenActive(t *testing.T) {
	kv := kvstore.NewMemory()
	src := &fakeSource{msgs: []imapclient.Message{}}
	p := testProcessor(t, kv, insideWindow)
	p.Settings = providerFor(t, kv, "https://example.com/hook", true)
	p.NewSource = func() MailSource { return src }

	r, slept := testRunner(t, p)
	if err := r.iterate(context.Background()); err != nil {
		t.Fatalf("iterate: %v", err)
	}
	if src.connects != 1 {
		t.Fatalf("active schedule must poll once")
	}
	if len(*slept) != 1 || (*slept)[0] != r.ActiveSleep {
		t.Fatalf("slept %v, want one active sleep", *slept)
	}
}

func TestIterateWaitsOnMissingConfig(t *testing.T) {
	kv := kvstore.NewMemory()
	src := &fakeSource{}
	p := testProcessor(t, kv, insideWindow)
	p.Settings = providerFor(t, kv, "https://example.com/hook", true)
	p.NewSource = func() MailSource { return src }

	r, slept := testRunner(t, p)
	r.CheckConfig = func() error { return context.DeadlineExceeded }
	if err := r.iterate(context.Background()); err != nil {
		t.Fatalf("missing config is not an iteration error: %v", err)
	}
	if src.connects != 0 {
		t.Fatalf("must not poll without essential config")
	}
	if len(*slept) != 1 || (*slept)[0] != configRetrySleep {
		t.Fatalf("slept %v, want the fixed config retry sleep", *slept)
	}
}

func TestRunStopsAfterConsecutiveErrors(t *testing.T) {
	kv := kvstore.NewMemory()
	src := &fakeSource{connectErr: context.DeadlineExceeded}
	p := testProcessor(t, kv, insideWindow)
	p.Settings = providerFor(t, kv, "https://example.com/hook", true)
	p.NewSource = func() MailSource { return src }

	r, _ := testRunner(t, p)
	r.MaxErrors = 3
	if err := r.Run(context.Background()); err == nil {
		t.Fatalf("Run must stop after repeated failures")
	}
	if src.connects != 3 {
		t.Fatalf("connect attempts = %d, want MaxErrors", src.connects)
	}
}
