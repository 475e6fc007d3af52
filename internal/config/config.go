// Package config loads the bridge's configuration from environment variables.
package config

import (
	"errors"
	"net/url"
	"time"
)

// BridgeConfig holds configuration for the jobs bridge.
type BridgeConfig struct {
	Port              string
	MetricsPort       string
	APIKey            string
	ShutdownDrainWait time.Duration // time to wait for in-flight streams to drain (0 to skip)

	GatewayURL       string        // base URL of the computation service job API
	GatewayToken     string        // bearer token for the computation service
	GatewayTimeout   time.Duration // per-request timeout
	GatewayRateLimit float64       // requests per second, 0 = unlimited
	GatewayBurst     int

	PollInterval    time.Duration // used when a submission gives no interval
	MaxPollDuration time.Duration // 0 = poll until terminal

	ServiceName     string
	TracingEndpoint string // OTLP/HTTP endpoint, empty disables tracing
}

// LoadBridgeConfig loads bridge configuration from environment variables.
func LoadBridgeConfig() *BridgeConfig {
	return &BridgeConfig{
		Port:              GetEnv("PORT", "8080"),
		MetricsPort:       GetEnv("METRICS_PORT", "9090"),
		APIKey:            GetSecretFile(GetEnv("API_KEY_FILE", "")),
		ShutdownDrainWait: GetDurationEnv("SHUTDOWN_DRAIN_WAIT", 5*time.Second),

		GatewayURL:       GetEnv("GATEWAY_URL", ""),
		GatewayToken:     GetSecretFile(GetEnv("GATEWAY_TOKEN_FILE", "")),
		GatewayTimeout:   GetDurationEnv("GATEWAY_TIMEOUT", 30*time.Second),
		GatewayRateLimit: GetFloatEnv("GATEWAY_RATE_LIMIT", 0),
		GatewayBurst:     GetIntEnv("GATEWAY_BURST", 1),

		PollInterval:    GetDurationEnv("POLL_INTERVAL", time.Second),
		MaxPollDuration: GetDurationEnv("MAX_POLL_DURATION", 0),

		ServiceName:     GetEnv("OTEL_SERVICE_NAME", "jobs-bridge"),
		TracingEndpoint: GetEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
	}
}

// Validate reports missing or inconsistent settings.
func (c *BridgeConfig) Validate() error {
	var errs []error
	if c.GatewayURL == "" {
		errs = append(errs, errors.New("GATEWAY_URL is required"))
	} else if u, err := url.Parse(c.GatewayURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, errors.New("GATEWAY_URL must be an absolute URL"))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, errors.New("POLL_INTERVAL must be positive"))
	}
	if c.MaxPollDuration < 0 {
		errs = append(errs, errors.New("MAX_POLL_DURATION must not be negative"))
	}
	if c.GatewayRateLimit < 0 {
		errs = append(errs, errors.New("GATEWAY_RATE_LIMIT must not be negative"))
	}
	return errors.Join(errs...)
}
