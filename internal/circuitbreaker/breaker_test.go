package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/require"

	"github.com/escrowd/escrowd/internal/errs"
)

func TestOpensAfterThresholdAndHalfOpensAfterReset(t *testing.T) {
	testClock := clock.NewTestClock(time.Unix(0, 0))
	var transitions []State

	cfg := Config{
		Service:          "tron-rpc",
		FailureThreshold: 5,
		FailureWindow:    30 * time.Second,
		ResetTimeout:     60 * time.Second,
		Clock:            testClock,
		OnStateChange: func(_ string, _, to State) {
			transitions = append(transitions, to)
		},
	}
	b := New(cfg)

	failing := errors.New("rpc timeout")
	for i := 0; i < 5; i++ {
		err := b.Call(func() error { return failing })
		require.Error(t, err)
	}
	require.Equal(t, Open, b.State())

	// While open, calls fail fast without invoking fn.
	called := false
	err := b.Call(func() error { called = true; return nil })
	require.False(t, called)
	var e *errs.Error
	require.True(t, errs.As(err, &e))
	require.Equal(t, errs.KindServiceUnavailable, e.Kind)

	// After the reset timeout, the breaker allows a half-open probe.
	testClock.SetTime(time.Unix(0, 0).Add(61 * time.Second))
	require.NoError(t, b.Call(func() error { return nil }))
	require.Equal(t, Closed, b.State())

	require.Equal(t, []State{Open, HalfOpen, Closed}, transitions)
}

func TestHalfOpenFailureReopens(t *testing.T) {
	testClock := clock.NewTestClock(time.Unix(0, 0))
	cfg := DefaultConfig("price-feed")
	cfg.FailureThreshold = 1
	cfg.Clock = testClock
	b := New(cfg)

	require.Error(t, b.Call(func() error { return errors.New("boom") }))
	require.Equal(t, Open, b.State())

	testClock.SetTime(time.Unix(0, 0).Add(cfg.ResetTimeout + time.Second))
	require.Error(t, b.Call(func() error { return errors.New("still down") }))
	require.Equal(t, Open, b.State())
}

func TestFailuresOutsideWindowDoNotAccumulate(t *testing.T) {
	testClock := clock.NewTestClock(time.Unix(0, 0))
	cfg := DefaultConfig("energy-rental")
	cfg.FailureThreshold = 3
	cfg.FailureWindow = 10 * time.Second
	cfg.Clock = testClock
	b := New(cfg)

	require.Error(t, b.Call(func() error { return errors.New("e1") }))
	testClock.SetTime(time.Unix(0, 0).Add(20 * time.Second))
	require.Error(t, b.Call(func() error { return errors.New("e2") }))
	require.Error(t, b.Call(func() error { return errors.New("e3") }))

	// Only the last two are within the window, so we're still below
	// threshold and remain CLOSED.
	require.Equal(t, Closed, b.State())
}
