package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mediaflux/mailrelay/internal/kvstore"
)

// StoreKey is the settings key under which the routing table lives. Unlike
// the other config documents, an absent or empty rule list is legitimate.
const StoreKey = "config:routing_rules"

type document struct {
	Rules     []Rule    `json:"rules"`
	UpdatedAt time.Time `json:"_updated_at"`
}

// Store persists the routing table as a single document in the shared
// key-value store. Mutation is atomic: validate, then replace the whole
// list.
type Store struct {
	kv kvstore.Store
}

// NewStore creates a rule store on the given backend.
func NewStore(kv kvstore.Store) *Store {
	return &Store{kv: kv}
}

// List returns the current rules and their last update time. An absent
// document yields an empty list.
func (s *Store) List(ctx context.Context) ([]Rule, time.Time, error) {
	raw, ok, err := s.kv.Get(ctx, StoreKey)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("load routing rules: %w", err)
	}
	if !ok {
		return nil, time.Time{}, nil
	}
	var doc document
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, time.Time{}, fmt.Errorf("decode routing rules: %w", err)
	}
	return doc.Rules, doc.UpdatedAt, nil
}

// Replace validates and stores a new rule list. Invalid input leaves the
// stored list untouched.
func (s *Store) Replace(ctx context.Context, list []Rule) error {
	if err := Validate(list); err != nil {
		return err
	}
	doc := document{Rules: list, UpdatedAt: time.Now().UTC()}
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode routing rules: %w", err)
	}
	if err := s.kv.Set(ctx, StoreKey, string(raw), 0); err != nil {
		return fmt.Errorf("store routing rules: %w", err)
	}
	return nil
}
