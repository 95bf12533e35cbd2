package provider

import (
	"agentd/internal/apperrors"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
)

// Registry maps provider ids to instances built from configuration.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	configs   map[string]Config
}

// NewRegistry builds every configured provider. Disabled providers are kept
// so lookups can say why they cannot be used.
func NewRegistry(cfgs []Config) (*Registry, error) {
	r := &Registry{
		providers: make(map[string]Provider),
		configs:   make(map[string]Config),
	}
	for _, cfg := range cfgs {
		if _, dup := r.configs[cfg.ID]; dup {
			return nil, apperrors.Validation("id", fmt.Sprintf("provider %s is declared twice", cfg.ID))
		}
		p, err := New(cfg)
		if err != nil {
			_ = r.Close()
			return nil, err
		}
		r.providers[cfg.ID] = p
		r.configs[cfg.ID] = cfg.withDefaults()
		slog.Info("Provider registered", "provider", cfg.ID, "type", cfg.withDefaults().Type, "enabled", cfg.IsEnabled())
	}
	return r, nil
}

// Register adds or replaces a provider. Providers added this way are enabled.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.ID()] = p
	if _, ok := r.configs[p.ID()]; !ok {
		r.configs[p.ID()] = Config{ID: p.ID()}
	}
}

// Lookup returns the provider for id. Missing and disabled providers return
// an unavailable error naming the cause.
func (r *Registry) Lookup(id string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[id]
	if !ok {
		return nil, apperrors.Unavailable("provider", fmt.Sprintf("provider %s is not configured", id))
	}
	if cfg, ok := r.configs[id]; ok && !cfg.IsEnabled() {
		return nil, apperrors.Unavailable("provider", fmt.Sprintf("provider %s is disabled", id))
	}
	return p, nil
}

// HasProvider reports whether id is declared, enabled or not.
func (r *Registry) HasProvider(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.providers[id]
	return ok
}

// Config returns the declared configuration for id.
func (r *Registry) Config(id string) (Config, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.configs[id]
	return cfg, ok
}

// Infos reports every provider's availability, ordered by id.
func (r *Registry) Infos(ctx context.Context) []Info {
	r.mu.RLock()
	providers := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		providers = append(providers, p)
	}
	r.mu.RUnlock()

	infos := make([]Info, 0, len(providers))
	for _, p := range providers {
		infos = append(infos, p.GetInfo(ctx))
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// Close releases providers that hold resources.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for _, p := range r.providers {
		if c, ok := p.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
