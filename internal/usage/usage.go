// Package usage tracks per-provider spend and reports exhaustion.
//
// A provider is exhausted when its daily cost or token budget is spent, or
// when the agent itself reported hitting a quota. Reported quotas block the
// provider until the reset time the agent announced.
package usage

import (
	"agentd/internal/provider"
	"context"
	"fmt"
	"time"
)

// defaultBlock applies when an agent reports a limit without a reset time.
const defaultBlock = time.Hour

// Limits are a provider's daily budgets. Zero is unlimited.
type Limits struct {
	DailyCostUSD float64
	DailyTokens  int64
}

// Warning explains why a provider cannot take work.
type Warning struct {
	ProviderID string    `json:"providerId"`
	Kind       string    `json:"kind"` // cost, tokens or reported
	Message    string    `json:"message"`
	ResetsAt   time.Time `json:"resetsAt"`
}

// Warning kinds.
const (
	KindCost     = "cost"
	KindTokens   = "tokens"
	KindReported = "reported"
)

// Ledger records usage and answers exhaustion checks.
type Ledger interface {
	RecordUsage(ctx context.Context, providerID, jobID string, result *provider.Result) error
	CheckExhaustion(ctx context.Context, providerID string) (*Warning, error)
}

// LimitsFromProviders extracts the budgets declared on provider configs.
func LimitsFromProviders(cfgs []provider.Config) map[string]Limits {
	limits := make(map[string]Limits, len(cfgs))
	for _, c := range cfgs {
		if c.DailyCostUSD > 0 || c.DailyTokens > 0 {
			limits[c.ID] = Limits{DailyCostUSD: c.DailyCostUSD, DailyTokens: c.DailyTokens}
		}
	}
	return limits
}

// totals is one provider's spend for the current day.
type totals struct {
	CostUSD float64
	Tokens  int64
}

// block is an agent-reported quota.
type block struct {
	Message string
	Until   time.Time
}

func dayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func nextMidnight(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, time.UTC)
}

func blockUntil(limit provider.UsageLimit, now time.Time) time.Time {
	if limit.ResetsAt.After(now) {
		return limit.ResetsAt
	}
	return now.Add(defaultBlock)
}

// evaluate applies the exhaustion rules in order: reported quota, cost, tokens.
func evaluate(providerID string, limits Limits, t totals, b *block, now time.Time) *Warning {
	if b != nil && now.Before(b.Until) {
		return &Warning{
			ProviderID: providerID,
			Kind:       KindReported,
			Message:    fmt.Sprintf("provider %s reported a usage limit: %s", providerID, b.Message),
			ResetsAt:   b.Until,
		}
	}
	if limits.DailyCostUSD > 0 && t.CostUSD >= limits.DailyCostUSD {
		return &Warning{
			ProviderID: providerID,
			Kind:       KindCost,
			Message:    fmt.Sprintf("provider %s spent $%.2f of its $%.2f daily budget", providerID, t.CostUSD, limits.DailyCostUSD),
			ResetsAt:   nextMidnight(now),
		}
	}
	if limits.DailyTokens > 0 && t.Tokens >= limits.DailyTokens {
		return &Warning{
			ProviderID: providerID,
			Kind:       KindTokens,
			Message:    fmt.Sprintf("provider %s used %d of its %d daily tokens", providerID, t.Tokens, limits.DailyTokens),
			ResetsAt:   nextMidnight(now),
		}
	}
	return nil
}
