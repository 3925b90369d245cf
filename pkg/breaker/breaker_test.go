package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errDown = errors.New("dependency down")

// fakeClock lets tests advance breaker time without sleeping.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(cfg Config) (*Breaker, *fakeClock) {
	b := New("test-dep", cfg)
	clock := &fakeClock{t: time.Now()}
	b.now = clock.now
	return b, clock
}

func testConfig() Config {
	return Config{
		FailureThreshold:  3,
		SuccessThreshold:  2,
		BaseTimeout:       time.Minute,
		TimeoutMultiplier: 2.0,
		MaxTimeout:        4 * time.Minute,
	}
}

func fail(context.Context) error { return errDown }
func pass(context.Context) error { return nil }

func tripBreaker(t *testing.T, b *Breaker) {
	t.Helper()
	for i := 0; i < 3; i++ {
		_ = b.Execute(context.Background(), fail)
	}
	require.Equal(t, StateOpen, b.State())
}

func TestBreaker_TripsAfterThresholdFailures(t *testing.T) {
	b, _ := newTestBreaker(testConfig())

	_ = b.Execute(context.Background(), fail)
	_ = b.Execute(context.Background(), fail)
	assert.Equal(t, StateClosed, b.State())

	_ = b.Execute(context.Background(), fail)
	assert.Equal(t, StateOpen, b.State())
}

func TestBreaker_RejectsWhileOpenWithRetryAfter(t *testing.T) {
	b, _ := newTestBreaker(testConfig())
	tripBreaker(t, b)

	called := false
	err := b.Execute(context.Background(), func(context.Context) error {
		called = true
		return nil
	})

	var open *OpenError
	require.ErrorAs(t, err, &open)
	assert.False(t, called, "open circuit must not invoke the dependency")
	assert.Greater(t, open.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, open.RetryAfter, time.Minute)
}

func TestBreaker_HalfOpenAfterTimeoutThenCloses(t *testing.T) {
	b, clock := newTestBreaker(testConfig())
	tripBreaker(t, b)

	clock.advance(61 * time.Second)
	assert.Equal(t, StateHalfOpen, b.State())

	require.NoError(t, b.Execute(context.Background(), pass))
	assert.Equal(t, StateHalfOpen, b.State(), "one probe success is below success threshold")

	require.NoError(t, b.Execute(context.Background(), pass))
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, time.Minute, b.Stats().CurrentTimeout, "timeout resets to base on close")
}

func TestBreaker_TimeoutGrowsGeometricallyAndCaps(t *testing.T) {
	b, clock := newTestBreaker(testConfig())
	tripBreaker(t, b)
	assert.Equal(t, time.Minute, b.Stats().CurrentTimeout)

	// Probe fails from HALF_OPEN: timeout doubles each time, capped at max.
	expected := []time.Duration{2 * time.Minute, 4 * time.Minute, 4 * time.Minute}
	for _, want := range expected {
		clock.advance(b.Stats().CurrentTimeout + time.Second)
		require.Equal(t, StateHalfOpen, b.State())
		_ = b.Execute(context.Background(), fail)
		require.Equal(t, StateOpen, b.State())
		assert.Equal(t, want, b.Stats().CurrentTimeout)
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker(testConfig())
	_ = b.Execute(context.Background(), fail)
	_ = b.Execute(context.Background(), fail)
	require.NoError(t, b.Execute(context.Background(), pass))

	_ = b.Execute(context.Background(), fail)
	_ = b.Execute(context.Background(), fail)
	assert.Equal(t, StateClosed, b.State(), "failure count resets on success")
}

func TestBreaker_UnclassifiedErrorsDoNotAffectState(t *testing.T) {
	cfg := testConfig()
	cfg.Classify = func(err error) bool { return errors.Is(err, errDown) }
	b, _ := newTestBreaker(cfg)

	validation := errors.New("malformed payload")
	for i := 0; i < 10; i++ {
		err := b.Execute(context.Background(), func(context.Context) error { return validation })
		assert.ErrorIs(t, err, validation)
	}
	assert.Equal(t, StateClosed, b.State())
}

func TestRegistry_SharedInstancesAndBulkReset(t *testing.T) {
	reg := NewRegistry(testConfig())

	a := reg.GetOrCreate("model-a")
	assert.Same(t, a, reg.GetOrCreate("model-a"))
	assert.Nil(t, reg.Get("unknown"))

	for i := 0; i < 3; i++ {
		_ = a.Execute(context.Background(), fail)
	}
	require.Equal(t, StateOpen, reg.Stats()["model-a"].State)

	reg.ResetAll()
	assert.Equal(t, StateClosed, reg.Stats()["model-a"].State)
}
