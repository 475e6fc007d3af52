package dispatcher

import (
	"time"

	"afterglow/internal/config"
	"afterglow/pkg/backoff"
)

// MemoryConfig holds configuration for the in-memory dispatcher.
type MemoryConfig struct {
	BufferSize  int            // pending events buffer (default: 10000)
	Workers     int            // concurrent delivery goroutines (default: 4)
	HTTPTimeout time.Duration  // per-request timeout (default: 10s)
	MaxRetries  int            // retries after the first attempt (default: 3)
	Backoff     backoff.Policy // delay between attempts

	BreakerThreshold int           // consecutive failures before a host is skipped (default: 5)
	BreakerCooldown  time.Duration // time a host is skipped (default: 30s)
	MaxRequeues      int           // requeues while a breaker is open before dropping (default: 10)
}

// LoadConfigFromEnv loads dispatcher configuration from environment variables.
func LoadConfigFromEnv() MemoryConfig {
	cfg := MemoryConfig{
		BufferSize:  config.GetIntEnv("DISPATCHER_BUFFER_SIZE", 10000),
		Workers:     config.GetIntEnv("DISPATCHER_WORKERS", 4),
		HTTPTimeout: config.GetDurationEnv("DISPATCHER_HTTP_TIMEOUT", 10*time.Second),
		MaxRetries:  config.GetIntEnv("DISPATCHER_MAX_RETRIES", 3),
	}
	return cfg.withDefaults()
}

func (c MemoryConfig) withDefaults() MemoryConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = 10000
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 10 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 3
	}
	if c.Backoff == (backoff.Policy{}) {
		c.Backoff = backoff.Policy{Initial: 100 * time.Millisecond, Max: 5 * time.Second, Jitter: 0.2}
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = 5
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = 30 * time.Second
	}
	if c.MaxRequeues <= 0 {
		c.MaxRequeues = 10
	}
	return c
}

// RelayConfig says where lifecycle events are relayed.
type RelayConfig struct {
	URL        string   // webhook receiving CloudEvents, empty disables the relay
	SigningKey string   // HMAC key, empty = unsigned
	Events     []string // event kinds to relay, empty = all
	Source     string   // CloudEvent source attribute
}

// LoadRelayConfigFromEnv loads relay configuration from environment variables.
func LoadRelayConfigFromEnv() RelayConfig {
	return RelayConfig{
		URL:        config.GetEnv("RELAY_URL", ""),
		SigningKey: config.GetSecretFile(config.GetEnv("RELAY_KEY_FILE", "")),
		Events:     config.GetListEnv("RELAY_EVENTS"),
		Source:     config.GetEnv("RELAY_SOURCE", "afterglow/jobs-bridge"),
	}
}

// Enabled reports whether a destination is configured.
func (c RelayConfig) Enabled() bool {
	return c.URL != ""
}
