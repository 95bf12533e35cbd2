package dispatcher

import (
	"agentd/internal/config"
	"agentd/pkg/backoff"
	"time"
)

const (
	defaultBufferSize       = 1000
	defaultWorkers          = 4
	defaultTimeout          = 10 * time.Second
	defaultMaxRetries       = 3
	defaultBreakerThreshold = 5
	defaultBreakerCooldown  = 30 * time.Second
	defaultMaxRequeues      = 10

	// Upper bound for one event including all of its retries.
	deliveryBudget = 30 * time.Second
)

// MemoryConfig tunes the in-memory dispatcher.
type MemoryConfig struct {
	BufferSize int           // queued events before Dispatch reports ErrBufferFull (default: 1000)
	Workers    int           // delivery goroutines (default: 4)
	Timeout    time.Duration // per attempt (default: 10s)
	MaxRetries int           // extra attempts after a retryable failure (default: 3)

	RetryBackoff backoff.Config // between attempts (default: 100ms doubling to 5s)

	BreakerThreshold int           // consecutive failed events before a destination is paused (default: 5)
	BreakerCooldown  time.Duration // pause before a destination is probed again (default: 30s)
	MaxRequeues      int           // times an event may wait out a paused destination (default: 10)
}

// LoadConfigFromEnv reads NOTIFY_* dispatcher settings.
func LoadConfigFromEnv() MemoryConfig {
	return MemoryConfig{
		BufferSize: config.GetIntEnv("NOTIFY_BUFFER_SIZE", defaultBufferSize),
		Workers:    config.GetIntEnv("NOTIFY_WORKERS", defaultWorkers),
		Timeout:    config.GetDurationEnv("NOTIFY_TIMEOUT", defaultTimeout),
		MaxRetries: config.GetIntEnv("NOTIFY_MAX_RETRIES", defaultMaxRetries),
		RetryBackoff: backoff.Config{
			Initial: config.GetDurationEnv("NOTIFY_RETRY_BACKOFF", 0),
		},
		BreakerThreshold: config.GetIntEnv("NOTIFY_BREAKER_THRESHOLD", defaultBreakerThreshold),
		BreakerCooldown:  config.GetDurationEnv("NOTIFY_BREAKER_COOLDOWN", defaultBreakerCooldown),
		MaxRequeues:      config.GetIntEnv("NOTIFY_MAX_REQUEUES", defaultMaxRequeues),
	}.withDefaults()
}

func (c MemoryConfig) withDefaults() MemoryConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = defaultBufferSize
	}
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = defaultBreakerThreshold
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = defaultBreakerCooldown
	}
	if c.MaxRequeues <= 0 {
		c.MaxRequeues = defaultMaxRequeues
	}
	return c
}
