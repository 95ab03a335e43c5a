package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(threshold uint32) (*Breaker, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	b := New(Settings{Name: "test", ConsecutiveFailures: threshold, Timeout: 10 * time.Second})
	b.now = clock.Now
	return b, clock
}

var errBackend = errors.New("backend down")

func fail(context.Context) error    { return errBackend }
func succeed(context.Context) error { return nil }

func TestTripsAfterConsecutiveFailures(t *testing.T) {
	b, _ := newTestBreaker(3)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		assert.ErrorIs(t, b.Do(ctx, fail), errBackend)
	}
	assert.Equal(t, StateClosed, b.State())

	// A success in between resets the run.
	require.NoError(t, b.Do(ctx, succeed))
	assert.ErrorIs(t, b.Do(ctx, fail), errBackend)
	assert.Equal(t, StateClosed, b.State())

	assert.ErrorIs(t, b.Do(ctx, fail), errBackend)
	assert.ErrorIs(t, b.Do(ctx, fail), errBackend)
	assert.Equal(t, StateOpen, b.State())

	called := false
	err := b.Do(ctx, func(context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrOpen)
	assert.True(t, Rejected(err))
	assert.False(t, called)
}

func TestHalfOpenRecovery(t *testing.T) {
	b, clock := newTestBreaker(1)
	ctx := context.Background()

	assert.ErrorIs(t, b.Do(ctx, fail), errBackend)
	require.Equal(t, StateOpen, b.State())

	clock.Advance(10 * time.Second)
	assert.Equal(t, StateHalfOpen, b.State())

	require.NoError(t, b.Do(ctx, succeed))
	assert.Equal(t, StateClosed, b.State())
}

func TestHalfOpenFailureReopens(t *testing.T) {
	b, clock := newTestBreaker(2)
	ctx := context.Background()

	b.Do(ctx, fail)
	b.Do(ctx, fail)
	require.Equal(t, StateOpen, b.State())

	clock.Advance(11 * time.Second)
	assert.ErrorIs(t, b.Do(ctx, fail), errBackend)
	assert.Equal(t, StateOpen, b.State())

	clock.Advance(5 * time.Second)
	assert.ErrorIs(t, b.Do(ctx, succeed), ErrOpen)
}

func TestHalfOpenLimitsProbes(t *testing.T) {
	b, clock := newTestBreaker(1)
	ctx := context.Background()

	b.Do(ctx, fail)
	clock.Advance(10 * time.Second)

	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- b.Do(ctx, func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	assert.ErrorIs(t, b.Do(ctx, succeed), ErrTooManyRequests)
	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, StateClosed, b.State())
}

func TestCancellationIsNotAFailure(t *testing.T) {
	b, _ := newTestBreaker(1)
	err := b.Do(context.Background(), func(context.Context) error { return context.Canceled })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, b.State())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "CLOSED", StateClosed.String())
	assert.Equal(t, "HALF_OPEN", StateHalfOpen.String())
	assert.Equal(t, "OPEN", StateOpen.String())
	assert.Equal(t, "UNKNOWN", State(9).String())
}
