package backoff

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestPolicy_Delay(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		policy  Policy
		attempt int
		want    time.Duration
	}{
		{"defaults first", Policy{}, 1, 100 * time.Millisecond},
		{"defaults third", Policy{}, 3, 400 * time.Millisecond},
		{"defaults capped", Policy{}, 10, 5 * time.Second},
		{"zero attempt", Policy{}, 0, 100 * time.Millisecond},
		{"custom", Policy{Initial: 50 * time.Millisecond, Max: time.Second, Multiplier: 3}, 3, 450 * time.Millisecond},
		{"custom capped", Policy{Initial: 50 * time.Millisecond, Max: 200 * time.Millisecond}, 4, 200 * time.Millisecond},
		{"multiplier below one", Policy{Initial: time.Second, Max: time.Minute, Multiplier: 0.5}, 2, 2 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.policy.Delay(tt.attempt); got != tt.want {
				t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
			}
		})
	}
}

func TestPolicy_DelayJitterBounds(t *testing.T) {
	t.Parallel()

	p := Policy{Initial: time.Second, Max: time.Minute, Jitter: 0.5}
	for i := 0; i < 200; i++ {
		got := p.Delay(2)
		if got < time.Second || got > 2*time.Second {
			t.Fatalf("Delay(2) = %v, want within [1s, 2s]", got)
		}
	}
}

func TestWait(t *testing.T) {
	t.Parallel()

	if err := Wait(context.Background(), time.Millisecond); err != nil {
		t.Errorf("Wait() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Wait(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Errorf("Wait() error = %v, want context.Canceled", err)
	}
}
