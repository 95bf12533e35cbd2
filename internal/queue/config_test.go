package queue

import (
	"testing"
	"time"
)

func TestConfig_WithDefaults(t *testing.T) {
	t.Parallel()
	cfg := Config{}.withDefaults()
	if cfg.RequeueDelay != 30*time.Second || cfg.MaxPerProject != 1 || cfg.StatsWindow != 50 {
		t.Errorf("withDefaults() = %+v", cfg)
	}

	cfg = Config{RequeueDelay: time.Second, MaxPerProject: 3, StatsWindow: 10}.withDefaults()
	if cfg.RequeueDelay != time.Second || cfg.MaxPerProject != 3 || cfg.StatsWindow != 10 {
		t.Errorf("withDefaults() overwrote values: %+v", cfg)
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("REQUEUE_DELAY", "45s")
	t.Setenv("MAX_PER_PROJECT", "2")

	cfg := LoadConfigFromEnv()
	if cfg.RequeueDelay != 45*time.Second || cfg.MaxPerProject != 2 {
		t.Errorf("LoadConfigFromEnv() = %+v", cfg)
	}
}
