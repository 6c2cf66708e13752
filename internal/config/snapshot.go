package config

import (
	"fmt"
	"sync/atomic"

	"github.com/gobwas/glob"

	"github.com/tingly-dev/anthropic-adapter/internal/backend"
	"github.com/tingly-dev/anthropic-adapter/internal/llmclient"
	"github.com/tingly-dev/anthropic-adapter/internal/protocol/request"
	"github.com/tingly-dev/anthropic-adapter/internal/protocol/token"
)

type modelRule struct {
	pattern glob.Glob
	target  string
}

// Snapshot is everything a request needs from the configuration. It is
// never mutated after NewSnapshot returns.
type Snapshot struct {
	Config  *Config
	Adapter backend.Adapter
	Counter *token.Counter
	Client  *llmclient.Client

	rules []modelRule
}

// NewSnapshot resolves the backend, loads the tokenizer and compiles the
// model rules of cfg.
func NewSnapshot(cfg *Config) (*Snapshot, error) {
	counter, err := token.NewCounter(cfg.TokenizerEncoding)
	if err != nil {
		return nil, err
	}

	adapter, err := backend.Select(cfg.BaseURL, counter, request.Options{
		IncludeUsage:     cfg.IncludeUsage,
		AssistantPrefill: cfg.AssistantPrefill,
		ExtraBody:        cfg.ExtraBody,
	})
	if err != nil {
		return nil, err
	}

	rules := make([]modelRule, 0, len(cfg.Models))
	for i, r := range cfg.Models {
		g, err := glob.Compile(r.Match)
		if err != nil {
			return nil, fmt.Errorf("models[%d]: invalid pattern %q: %w", i, r.Match, err)
		}
		rules = append(rules, modelRule{pattern: g, target: r.Target})
	}

	return &Snapshot{
		Config:  cfg,
		Adapter: adapter,
		Counter: counter,
		Client: llmclient.New(llmclient.Options{
			Timeout:     cfg.RequestTimeout,
			IdleTimeout: cfg.StreamIdleTimeout,
			ProxyURL:    cfg.ProxyURL,
		}),
		rules: rules,
	}, nil
}

// ResolveModel applies the first matching rewrite rule. Unmatched names
// pass through.
func (s *Snapshot) ResolveModel(model string) string {
	for _, r := range s.rules {
		if r.pattern.Match(model) {
			return r.target
		}
	}
	return model
}

// Store publishes the current snapshot. Readers take one snapshot per
// request and keep it until the request ends.
type Store struct {
	current atomic.Pointer[Snapshot]
}

// NewStore creates a store holding snap.
func NewStore(snap *Snapshot) *Store {
	s := &Store{}
	s.current.Store(snap)
	return s
}

// Current returns the latest snapshot.
func (s *Store) Current() *Snapshot {
	return s.current.Load()
}

// Apply builds a snapshot from cfg and publishes it. The previous snapshot
// stays in place when cfg cannot be served.
func (s *Store) Apply(cfg *Config) (*Snapshot, error) {
	snap, err := NewSnapshot(cfg)
	if err != nil {
		return nil, err
	}
	s.current.Store(snap)
	return snap, nil
}
