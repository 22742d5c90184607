package settings

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/mediaflux/mailrelay/internal/kvstore"
	"github.com/mediaflux/mailrelay/internal/rules"
)

// DefaultCacheTTL is how long a Snapshot is served before the store is
// consulted again.
const DefaultCacheTTL = 10 * time.Second

// Snapshot is the immutable configuration view handed to the orchestrator
// at cycle start.
type Snapshot struct {
	Processing Processing
	Webhook    Webhook
	Polling    Polling
	Rules      []rules.Rule
}

// Provider reads the settings documents with a short-TTL cache.
type Provider struct {
	kv       kvstore.Store
	ruleSt   *rules.Store
	cacheTTL time.Duration

	mu        sync.Mutex
	cached    Snapshot
	fetchedAt time.Time
}

// NewProvider creates a provider over the shared store.
func NewProvider(kv kvstore.Store, ruleStore *rules.Store) *Provider {
	return &Provider{kv: kv, ruleSt: ruleStore, cacheTTL: DefaultCacheTTL}
}

type processingDoc struct {
	Processing
	UpdatedAt time.Time `json:"_updated_at"`
}

type webhookDoc struct {
	Webhook
	UpdatedAt time.Time `json:"_updated_at"`
}

type pollingDoc struct {
	Polling
	UpdatedAt time.Time `json:"_updated_at"`
}

// Current returns the configuration snapshot, reading through the cache.
// Store read errors surface to the caller: a cycle should not run on a
// guessed configuration.
func (p *Provider) Current(ctx context.Context) (Snapshot, error) {
	p.mu.Lock()
	if !p.fetchedAt.IsZero() && time.Since(p.fetchedAt) < p.cacheTTL {
		snap := p.cached
		p.mu.Unlock()
		return snap, nil
	}
	p.mu.Unlock()

	snap, err := p.load(ctx)
	if err != nil {
		return Snapshot{}, err
	}

	p.mu.Lock()
	p.cached = snap
	p.fetchedAt = time.Now()
	p.mu.Unlock()
	return snap, nil
}

// Rules exposes the routing-rule store for admin CRUD.
func (p *Provider) Rules() *rules.Store {
	return p.ruleSt
}

// Invalidate drops the cache so the next Current re-reads the store.
// Called after admin writes for immediate visibility.
func (p *Provider) Invalidate() {
	p.mu.Lock()
	p.fetchedAt = time.Time{}
	p.mu.Unlock()
}

func (p *Provider) load(ctx context.Context) (Snapshot, error) {
	snap := Snapshot{
		Processing: DefaultProcessing(),
		Webhook:    DefaultWebhook(),
		Polling:    DefaultPolling(),
	}

	var procDoc processingDoc
	procDoc.Processing = snap.Processing
	if err := p.readDoc(ctx, KeyProcessing, &procDoc); err != nil {
		return Snapshot{}, err
	}
	snap.Processing = procDoc.Processing

	var whDoc webhookDoc
	whDoc.Webhook = snap.Webhook
	if err := p.readDoc(ctx, KeyWebhook, &whDoc); err != nil {
		return Snapshot{}, err
	}
	snap.Webhook = whDoc.Webhook

	var pollDoc pollingDoc
	pollDoc.Polling = snap.Polling
	if err := p.readDoc(ctx, KeyPolling, &pollDoc); err != nil {
		return Snapshot{}, err
	}
	snap.Polling = pollDoc.Polling

	list, _, err := p.ruleSt.List(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	snap.Rules = list

	return snap, nil
}

func (p *Provider) readDoc(ctx context.Context, key string, out any) error {
	raw, ok, err := p.kv.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("load %s: %w", key, err)
	}
	if !ok {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

// PutProcessing validates and stores the processing document.
func (p *Provider) PutProcessing(ctx context.Context, doc Processing) error {
	if err := doc.Validate(); err != nil {
		return err
	}
	return p.writeDoc(ctx, KeyProcessing, processingDoc{Processing: doc, UpdatedAt: time.Now().UTC()})
}

// PutWebhook validates and stores the webhook target document.
func (p *Provider) PutWebhook(ctx context.Context, doc Webhook) error {
	if err := doc.Validate(); err != nil {
		return err
	}
	return p.writeDoc(ctx, KeyWebhook, webhookDoc{Webhook: doc, UpdatedAt: time.Now().UTC()})
}

// PutPolling validates and stores the polling schedule document.
func (p *Provider) PutPolling(ctx context.Context, doc Polling) error {
	if err := doc.Validate(); err != nil {
		return err
	}
	return p.writeDoc(ctx, KeyPolling, pollingDoc{Polling: doc, UpdatedAt: time.Now().UTC()})
}

func (p *Provider) writeDoc(ctx context.Context, key string, doc any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := p.kv.Set(ctx, key, string(raw), 0); err != nil {
		return fmt.Errorf("store %s: %w", key, err)
	}
	p.Invalidate()
	return nil
}
