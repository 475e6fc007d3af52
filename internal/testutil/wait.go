// Package testutil provides helpers for asserting on asynchronous behaviour.
package testutil

import (
	"testing"
	"time"
)

// WaitOptions configures the wait helpers.
type WaitOptions struct {
	Timeout  time.Duration
	Interval time.Duration
}

// WaitOption is a functional option for the wait helpers.
type WaitOption func(*WaitOptions)

// WithTimeout sets the maximum wait time (default: 5s).
func WithTimeout(d time.Duration) WaitOption {
	return func(o *WaitOptions) {
		o.Timeout = d
	}
}

// WithInterval sets the polling interval (default: 5ms).
func WithInterval(d time.Duration) WaitOption {
	return func(o *WaitOptions) {
		o.Interval = d
	}
}

func options(opts []WaitOption) WaitOptions {
	o := WaitOptions{Timeout: 5 * time.Second, Interval: 5 * time.Millisecond}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WaitFor polls until condition returns true or the timeout is reached.
func WaitFor(tb testing.TB, condition func() bool, opts ...WaitOption) bool {
	tb.Helper()
	o := options(opts)

	deadline := time.Now().Add(o.Timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return true
		}
		time.Sleep(o.Interval)
	}
	return condition()
}

// MustWaitFor polls until condition returns true or fails the test on timeout.
func MustWaitFor(tb testing.TB, condition func() bool, opts ...WaitOption) {
	tb.Helper()
	if !WaitFor(tb, condition, opts...) {
		tb.Fatal("timed out waiting for condition")
	}
}

// Receive returns the next value from ch. It fails the test if ch is closed or
// nothing arrives within the timeout.
func Receive[T any](tb testing.TB, ch <-chan T, opts ...WaitOption) T {
	tb.Helper()
	o := options(opts)

	select {
	case v, ok := <-ch:
		if !ok {
			tb.Fatal("channel closed while waiting for a value")
		}
		return v
	case <-time.After(o.Timeout):
		tb.Fatalf("timed out after %s waiting for a value", o.Timeout)
	}
	var zero T
	return zero
}

// Collect reads from ch until it is closed and returns everything received. It
// fails the test if ch is still open after the timeout.
func Collect[T any](tb testing.TB, ch <-chan T, opts ...WaitOption) []T {
	tb.Helper()
	o := options(opts)

	var out []T
	timeout := time.After(o.Timeout)
	for {
		select {
		case v, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, v)
		case <-timeout:
			tb.Fatalf("timed out after %s waiting for channel to close (received %d)", o.Timeout, len(out))
			return out
		}
	}
}

// NoReceive fails the test if ch yields a value within d. A closed channel
// counts as a receive.
func NoReceive[T any](tb testing.TB, ch <-chan T, d time.Duration) {
	tb.Helper()
	select {
	case v, ok := <-ch:
		if ok {
			tb.Fatalf("unexpected value %v", v)
		}
		tb.Fatal("unexpected channel close")
	case <-time.After(d):
	}
}
