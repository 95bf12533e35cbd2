package queue

import (
	"agentd/internal/config"
	"time"
)

// Config controls job selection.
type Config struct {
	RequeueDelay  time.Duration // debounce window for handed-out jobs (default: 30s)
	MaxPerProject int           // jobs handed out per project per pass; claiming still admits one (default: 1)
	StatsWindow   int           // completed jobs averaged by Stats (default: 50)
}

// LoadConfigFromEnv loads queue configuration from environment variables.
func LoadConfigFromEnv() Config {
	cfg := Config{
		RequeueDelay:  config.GetDurationEnv("REQUEUE_DELAY", 30*time.Second),
		MaxPerProject: config.GetIntEnv("MAX_PER_PROJECT", 1),
		StatsWindow:   config.GetIntEnv("QUEUE_STATS_WINDOW", 50),
	}
	return cfg.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.RequeueDelay <= 0 {
		c.RequeueDelay = 30 * time.Second
	}
	if c.MaxPerProject <= 0 {
		c.MaxPerProject = 1
	}
	if c.StatsWindow <= 0 {
		c.StatsWindow = 50
	}
	return c
}
