// Package backoff computes retry delays.
package backoff

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// Policy describes an exponential backoff. Zero values use defaults.
type Policy struct {
	Initial    time.Duration // first delay (default: 100ms)
	Max        time.Duration // delay cap (default: 5s)
	Multiplier float64       // growth per attempt (default: 2)
	Jitter     float64       // fraction of the delay randomised, 0..1 (default: 0)
}

func (p Policy) withDefaults() Policy {
	if p.Initial <= 0 {
		p.Initial = 100 * time.Millisecond
	}
	if p.Max <= 0 {
		p.Max = 5 * time.Second
	}
	if p.Multiplier < 1 {
		p.Multiplier = 2
	}
	p.Jitter = min(max(p.Jitter, 0), 1)
	return p
}

// Delay returns the wait before retry number attempt (1-based). With jitter j
// the result is drawn uniformly from [(1-j)*d, d].
func (p Policy) Delay(attempt int) time.Duration {
	p = p.withDefaults()
	attempt = max(attempt, 1)

	d := float64(p.Initial) * math.Pow(p.Multiplier, float64(attempt-1))
	d = min(d, float64(p.Max))
	if p.Jitter > 0 {
		d -= d * p.Jitter * rand.Float64()
	}
	return time.Duration(d)
}

// Wait sleeps for d or until ctx is done.
func Wait(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
