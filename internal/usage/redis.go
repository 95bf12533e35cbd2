package usage

import (
	"agentd/internal/provider"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix    = "agentd:usage:"
	totalsTTL    = 48 * time.Hour
	fieldCost    = "cost_usd"
	fieldTokens  = "tokens"
	blockedField = "message"
)

// Redis is a ledger shared by every worker through Redis. Daily totals live
// in a hash per provider and day; reported quotas in a key that expires at
// the reset time.
type Redis struct {
	client redis.Cmdable
	limits map[string]Limits
	now    func() time.Time
}

// NewRedis creates a Redis-backed ledger.
func NewRedis(client redis.Cmdable, limits map[string]Limits) *Redis {
	return &Redis{client: client, limits: limits, now: time.Now}
}

func totalsKey(providerID string, now time.Time) string {
	return keyPrefix + providerID + ":" + dayKey(now)
}

func blockedKey(providerID string) string {
	return keyPrefix + providerID + ":blocked"
}

// RecordUsage implements Ledger.
func (r *Redis) RecordUsage(ctx context.Context, providerID, jobID string, result *provider.Result) error {
	if result == nil {
		return nil
	}
	now := r.now()
	key := totalsKey(providerID, now)

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HIncrByFloat(ctx, key, fieldCost, result.CostUSD)
		pipe.HIncrBy(ctx, key, fieldTokens, result.InputTokens+result.OutputTokens)
		pipe.Expire(ctx, key, totalsTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("recording usage for %s: %w", providerID, err)
	}

	for _, limit := range result.DetectedUsageLimits {
		until := blockUntil(limit, now)
		bkey := blockedKey(providerID)
		if err := r.client.HSet(ctx, bkey, blockedField, limit.Message, "until", until.UnixMilli()).Err(); err != nil {
			return fmt.Errorf("recording usage limit for %s: %w", providerID, err)
		}
		if err := r.client.ExpireAt(ctx, bkey, until).Err(); err != nil {
			return fmt.Errorf("recording usage limit for %s: %w", providerID, err)
		}
		slog.Warn("Provider reported usage limit", "provider", providerID, "jobId", jobID, "until", until)
	}
	return nil
}

// CheckExhaustion implements Ledger.
func (r *Redis) CheckExhaustion(ctx context.Context, providerID string) (*Warning, error) {
	now := r.now()

	var b *block
	fields, err := r.client.HGetAll(ctx, blockedKey(providerID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("reading usage limit for %s: %w", providerID, err)
	}
	if len(fields) > 0 {
		until, _ := strconv.ParseInt(fields["until"], 10, 64)
		b = &block{Message: fields[blockedField], Until: time.UnixMilli(until)}
	}

	raw, err := r.client.HGetAll(ctx, totalsKey(providerID, now)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("reading usage for %s: %w", providerID, err)
	}
	var t totals
	if v, ok := raw[fieldCost]; ok {
		t.CostUSD, _ = strconv.ParseFloat(v, 64)
	}
	if v, ok := raw[fieldTokens]; ok {
		t.Tokens, _ = strconv.ParseInt(v, 10, 64)
	}

	return evaluate(providerID, r.limits[providerID], t, b, now), nil
}

var _ Ledger = (*Redis)(nil)
