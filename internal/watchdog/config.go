package watchdog

import (
	"agentd/internal/config"
	"time"
)

// Config controls the recovery sweeps.
type Config struct {
	Interval        time.Duration // time between sweeps (default: 30s)
	StallThreshold  time.Duration // heartbeat age after which an own job is stuck (default: 2m)
	CancelGrace     time.Duration // idle time after a cancel request before forcing it (default: 30s)
	OrphanThreshold time.Duration // heartbeat age after which another worker is presumed dead (default: 5m)
	PausedTimeout   time.Duration // how long an own job may wait for an operator (default: 30m)
	KillGrace       time.Duration // SIGTERM to SIGKILL delay when killing a stuck agent (default: 5s)
}

// LoadConfigFromEnv loads watchdog configuration from environment variables.
func LoadConfigFromEnv() Config {
	cfg := Config{
		Interval:        config.GetDurationEnv("WATCHDOG_INTERVAL", 30*time.Second),
		StallThreshold:  config.GetDurationEnv("STALL_THRESHOLD", 2*time.Minute),
		CancelGrace:     config.GetDurationEnv("CANCEL_GRACE", 30*time.Second),
		OrphanThreshold: config.GetDurationEnv("ORPHAN_THRESHOLD", 5*time.Minute),
		PausedTimeout:   config.GetDurationEnv("PAUSED_TIMEOUT", 30*time.Minute),
		KillGrace:       config.GetDurationEnv("KILL_GRACE", 5*time.Second),
	}
	return cfg.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.StallThreshold <= 0 {
		c.StallThreshold = 2 * time.Minute
	}
	if c.CancelGrace <= 0 {
		c.CancelGrace = 30 * time.Second
	}
	if c.OrphanThreshold <= 0 {
		c.OrphanThreshold = 5 * time.Minute
	}
	// A live worker must never look orphaned before it looks stalled to itself.
	if c.OrphanThreshold < c.StallThreshold {
		c.OrphanThreshold = c.StallThreshold
	}
	if c.PausedTimeout <= 0 {
		c.PausedTimeout = 30 * time.Minute
	}
	if c.KillGrace <= 0 {
		c.KillGrace = 5 * time.Second
	}
	return c
}
