package dispatcher

import (
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"
)

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("DISPATCHER_BUFFER_SIZE", "50")
	t.Setenv("DISPATCHER_WORKERS", "7")
	t.Setenv("DISPATCHER_HTTP_TIMEOUT", "2s")
	t.Setenv("DISPATCHER_MAX_RETRIES", "1")

	cfg := LoadConfigFromEnv()
	if cfg.BufferSize != 50 || cfg.Workers != 7 || cfg.HTTPTimeout != 2*time.Second || cfg.MaxRetries != 1 {
		t.Errorf("unexpected config: %+v", cfg)
	}
	if cfg.BreakerThreshold != 5 || cfg.BreakerCooldown != 30*time.Second || cfg.MaxRequeues != 10 {
		t.Errorf("breaker defaults not applied: %+v", cfg)
	}
	if cfg.Backoff.Initial == 0 {
		t.Error("backoff default not applied")
	}
}

func TestMemoryConfig_Defaults(t *testing.T) {
	t.Parallel()

	cfg := MemoryConfig{MaxRetries: -1}.withDefaults()
	if cfg.BufferSize != 10000 || cfg.Workers != 4 || cfg.MaxRetries != 3 {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
}

func TestLoadRelayConfigFromEnv(t *testing.T) {
	keyFile := filepath.Join(t.TempDir(), "relay.key")
	if err := os.WriteFile(keyFile, []byte("s3cret\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("RELAY_URL", "https://hooks.example.com/jobs")
	t.Setenv("RELAY_KEY_FILE", keyFile)
	t.Setenv("RELAY_EVENTS", "completed, updatefailed")

	cfg := LoadRelayConfigFromEnv()
	if !cfg.Enabled() {
		t.Fatal("relay should be enabled")
	}
	if cfg.SigningKey != "s3cret" {
		t.Errorf("SigningKey = %q", cfg.SigningKey)
	}
	if !slices.Equal(cfg.Events, []string{"completed", "updatefailed"}) {
		t.Errorf("Events = %v", cfg.Events)
	}
	if cfg.Source != "afterglow/jobs-bridge" {
		t.Errorf("Source = %q", cfg.Source)
	}
}

func TestRelayConfig_DisabledByDefault(t *testing.T) {
	t.Setenv("RELAY_URL", "")
	if LoadRelayConfigFromEnv().Enabled() {
		t.Error("relay enabled without URL")
	}
}
