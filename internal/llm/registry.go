package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ProviderType distinguishes local daemons from remote APIs. Selection
// prefers local providers to keep conversations on the machine when a
// capable local model is around.
type ProviderType string

const (
	ProviderLocal  ProviderType = "local"
	ProviderRemote ProviderType = "remote"
)

// ErrNoProvider is returned by Select when no registered provider meets
// the request's requirements. The caller decides whether that is fatal
// or retryable after a probe.
var ErrNoProvider = errors.New("llm: no provider meets the requirements")

// ProviderConfig describes a provider's static capabilities.
type ProviderConfig struct {
	Type              ProviderType
	SupportsTools     bool
	SupportsStreaming bool
}

// ProviderStatus is the probed view of one provider. Availability is
// refreshed only by an explicit Probe, never implicitly per chat call,
// since probing can itself be slow or expensive.
type ProviderStatus struct {
	ID                string       `json:"id"`
	Type              ProviderType `json:"type"`
	Available         bool         `json:"available"`
	Models            []string     `json:"models,omitempty"`
	SupportsTools     bool         `json:"supports_tools"`
	SupportsStreaming bool         `json:"supports_streaming"`
	LastCheckedAt     time.Time    `json:"last_checked_at,omitzero"`
	LastError         string       `json:"last_error,omitempty"`
}

// Requirements constrain provider selection for one request.
type Requirements struct {
	// ProviderID pins the choice; the caller asserts suitability.
	ProviderID string

	RequiresTools     bool
	RequiresStreaming bool
}

type provider struct {
	id     string
	cfg    ProviderConfig
	client Client
	status ProviderStatus
}

// Registry holds the registered providers in registration order and
// answers selection queries.
type Registry struct {
	logger *slog.Logger

	mu        sync.RWMutex
	order     []string
	providers map[string]*provider
	defaultID string
}

// NewRegistry creates an empty provider registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:    logger,
		providers: make(map[string]*provider),
	}
}

// Register adds a provider under a unique id. Registration order is
// preserved and acts as the final tie-breaker during selection.
func (r *Registry) Register(id string, cfg ProviderConfig, client Client) error {
	if id == "" {
		return errors.New("llm: provider id must not be empty")
	}
	if client == nil {
		return errors.New("llm: provider client must not be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[id]; exists {
		return fmt.Errorf("llm: provider %q already registered", id)
	}
	r.providers[id] = &provider{
		id:     id,
		cfg:    cfg,
		client: client,
		status: ProviderStatus{
			ID:                id,
			Type:              cfg.Type,
			SupportsTools:     cfg.SupportsTools,
			SupportsStreaming: cfg.SupportsStreaming,
		},
	}
	r.order = append(r.order, id)
	return nil
}

// SetDefault marks the user-configured default provider.
func (r *Registry) SetDefault(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[id]; !exists {
		return fmt.Errorf("llm: unknown provider %q", id)
	}
	r.defaultID = id
	return nil
}

// Client returns the client registered under id.
func (r *Registry) Client(id string) (Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[id]
	if !ok {
		return nil, fmt.Errorf("llm: unknown provider %q", id)
	}
	return p.client, nil
}

// Status returns the cached status for one provider.
func (r *Registry) Status(id string) (ProviderStatus, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[id]
	if !ok {
		return ProviderStatus{}, fmt.Errorf("llm: unknown provider %q", id)
	}
	return p.status, nil
}

// Statuses returns cached statuses in registration order.
func (r *Registry) Statuses() []ProviderStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ProviderStatus, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.providers[id].status)
	}
	return out
}

// Probe pings one provider and refreshes its cached status. Providers
// that can enumerate models also get their model list refreshed.
func (r *Registry) Probe(ctx context.Context, id string) (ProviderStatus, error) {
	r.mu.RLock()
	p, ok := r.providers[id]
	r.mu.RUnlock()
	if !ok {
		return ProviderStatus{}, fmt.Errorf("llm: unknown provider %q", id)
	}

	status := ProviderStatus{
		ID:                p.id,
		Type:              p.cfg.Type,
		SupportsTools:     p.cfg.SupportsTools,
		SupportsStreaming: p.cfg.SupportsStreaming,
		LastCheckedAt:     time.Now(),
	}

	if err := p.client.Ping(ctx); err != nil {
		status.LastError = err.Error()
		r.logger.Warn("provider probe failed", "provider", id, "error", err)
	} else {
		status.Available = true
		if lister, ok := p.client.(ModelLister); ok {
			models, err := lister.ListModels(ctx)
			if err != nil {
				r.logger.Debug("model listing failed", "provider", id, "error", err)
			} else {
				status.Models = models
			}
		}
	}

	r.mu.Lock()
	p.status = status
	r.mu.Unlock()

	return status, nil
}

// ProbeAll probes every registered provider and returns the refreshed
// statuses in registration order.
func (r *Registry) ProbeAll(ctx context.Context) []ProviderStatus {
	r.mu.RLock()
	ids := make([]string, len(r.order))
	copy(ids, r.order)
	r.mu.RUnlock()

	out := make([]ProviderStatus, 0, len(ids))
	for _, id := range ids {
		status, err := r.Probe(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, status)
	}
	return out
}

// Select picks a provider for a request:
//
//  1. The caller-pinned provider id, used as-is.
//  2. The default provider, if it meets the required flags.
//  3. The first local provider meeting the flags, in registration order.
//  4. The first remaining provider meeting the flags, in registration order.
//
// A provider whose last probe failed is skipped by steps 2-4; one that
// has never been probed is still a candidate. No match returns
// ErrNoProvider.
func (r *Registry) Select(req Requirements) (string, Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if req.ProviderID != "" {
		p, ok := r.providers[req.ProviderID]
		if !ok {
			return "", nil, fmt.Errorf("llm: unknown provider %q", req.ProviderID)
		}
		return p.id, p.client, nil
	}

	if r.defaultID != "" {
		if p := r.providers[r.defaultID]; r.eligible(p, req) {
			return p.id, p.client, nil
		}
	}

	for _, id := range r.order {
		p := r.providers[id]
		if p.cfg.Type == ProviderLocal && r.eligible(p, req) {
			return p.id, p.client, nil
		}
	}

	for _, id := range r.order {
		p := r.providers[id]
		if r.eligible(p, req) {
			return p.id, p.client, nil
		}
	}

	return "", nil, ErrNoProvider
}

// eligible reports whether a provider meets the request's flags and is
// not known to be down. Callers hold at least the read lock.
func (r *Registry) eligible(p *provider, req Requirements) bool {
	if req.RequiresTools && !p.cfg.SupportsTools {
		return false
	}
	if req.RequiresStreaming && !p.cfg.SupportsStreaming {
		return false
	}
	if !p.status.LastCheckedAt.IsZero() && !p.status.Available {
		return false
	}
	return true
}
