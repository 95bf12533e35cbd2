package usage

import (
	"agentd/internal/provider"
	"context"
	"log/slog"
	"sync"
	"time"
)

// Memory is a process-local ledger.
type Memory struct {
	limits map[string]Limits
	now    func() time.Time

	mu      sync.Mutex
	day     map[string]string
	totals  map[string]totals
	blocked map[string]block
}

// NewMemory creates a ledger enforcing limits keyed by provider id.
func NewMemory(limits map[string]Limits) *Memory {
	return &Memory{
		limits:  limits,
		now:     time.Now,
		day:     make(map[string]string),
		totals:  make(map[string]totals),
		blocked: make(map[string]block),
	}
}

// RecordUsage implements Ledger.
func (m *Memory) RecordUsage(_ context.Context, providerID, jobID string, result *provider.Result) error {
	if result == nil {
		return nil
	}
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.rollover(providerID, now)
	t := m.totals[providerID]
	t.CostUSD += result.CostUSD
	t.Tokens += result.InputTokens + result.OutputTokens
	m.totals[providerID] = t

	for _, limit := range result.DetectedUsageLimits {
		until := blockUntil(limit, now)
		if cur, ok := m.blocked[providerID]; !ok || until.After(cur.Until) {
			m.blocked[providerID] = block{Message: limit.Message, Until: until}
		}
		slog.Warn("Provider reported usage limit", "provider", providerID, "jobId", jobID, "until", until)
	}
	return nil
}

// CheckExhaustion implements Ledger.
func (m *Memory) CheckExhaustion(_ context.Context, providerID string) (*Warning, error) {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.rollover(providerID, now)
	var b *block
	if cur, ok := m.blocked[providerID]; ok {
		b = &cur
	}
	return evaluate(providerID, m.limits[providerID], m.totals[providerID], b, now), nil
}

// rollover resets a provider's totals at the UTC day boundary.
func (m *Memory) rollover(providerID string, now time.Time) {
	today := dayKey(now)
	if m.day[providerID] != today {
		m.day[providerID] = today
		delete(m.totals, providerID)
	}
}

var _ Ledger = (*Memory)(nil)
