package notify

import (
	"agentd/internal/config"
	"strings"
)

// Config selects the live-update sinks.
type Config struct {
	WebhookURL   string   // CloudEvents webhook; empty disables it
	WebhookKey   string   // HMAC signing key for webhook deliveries
	WebhookTypes []string // event types sent to the webhook; empty sends all
	RedisStream  string   // Redis stream key; empty disables it (requires REDIS_URL)
	StreamMaxLen int64    // approximate stream cap (default: 5000)
}

// LoadConfigFromEnv loads notifier configuration from environment variables.
func LoadConfigFromEnv() Config {
	return Config{
		WebhookURL:   config.GetEnv("NOTIFY_WEBHOOK_URL", ""),
		WebhookKey:   config.GetSecretFile(config.GetEnv("NOTIFY_WEBHOOK_KEY_FILE", "")),
		WebhookTypes: splitList(config.GetEnv("NOTIFY_WEBHOOK_TYPES", "")),
		RedisStream:  config.GetEnv("NOTIFY_REDIS_STREAM", ""),
		StreamMaxLen: int64(config.GetIntEnv("NOTIFY_STREAM_MAXLEN", defaultStreamMaxLen)),
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
