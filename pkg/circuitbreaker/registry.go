package circuitbreaker

import (
	"sort"
	"sync"
	"time"
)

// Registry holds one breaker per key, created on first use with a shared
// config.
type Registry struct {
	cfg Config
	now func() time.Time

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewRegistry creates a registry.
func NewRegistry(cfg Config) *Registry {
	return &Registry{
		cfg:      cfg.withDefaults(),
		now:      time.Now,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for key, creating it if needed.
func (r *Registry) Get(key string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[key]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok = r.breakers[key]; ok {
		return b
	}
	b = newBreaker(key, r.cfg, r.now)
	r.breakers[key] = b
	return b
}

// Stats holds registry statistics.
type Stats struct {
	Total    int
	Open     int
	HalfOpen int
	Closed   int
	OpenKeys []string // sorted
}

// Stats counts breakers by state.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Stats{Total: len(r.breakers)}
	for key, b := range r.breakers {
		switch b.State() {
		case Open:
			stats.Open++
			stats.OpenKeys = append(stats.OpenKeys, key)
		case HalfOpen:
			stats.HalfOpen++
		case Closed:
			stats.Closed++
		}
	}
	sort.Strings(stats.OpenKeys)
	return stats
}
