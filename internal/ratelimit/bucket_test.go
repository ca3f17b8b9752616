package ratelimit

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-groupwatch/internal/clock"
)

var epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func TestConsume_BurstUpToCapacityWithoutWaiting(t *testing.T) {
	fc := clock.NewFake(epoch)
	b, err := New(3, 1, fc)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, b.Consume(context.Background(), 1))
	}
	assert.Empty(t, fc.Sleeps())
	assert.InDelta(t, 0, b.Tokens(), 1e-9)
}

func TestConsume_WaitsExactlyForShortfall(t *testing.T) {
	fc := clock.NewFake(epoch)
	b, err := New(2, 0.5, fc)
	require.NoError(t, err)

	require.NoError(t, b.Consume(context.Background(), 2))
	require.NoError(t, b.Consume(context.Background(), 1))

	// One token at 0.5 tokens/s is two seconds, requested in a single sleep.
	assert.Equal(t, []time.Duration{2 * time.Second}, fc.Sleeps())
	assert.InDelta(t, 0, b.Tokens(), 1e-9)
}

func TestConsume_MoreThanCapacityFailsImmediately(t *testing.T) {
	fc := clock.NewFake(epoch)
	b, err := New(5, 1, fc)
	require.NoError(t, err)

	err = b.Consume(context.Background(), 6)
	assert.ErrorIs(t, err, ErrExceedsCapacity)
	assert.Empty(t, fc.Sleeps())
}

func TestConsume_RefillSaturatesAtCapacity(t *testing.T) {
	fc := clock.NewFake(epoch)
	b, err := New(4, 2, fc)
	require.NoError(t, err)

	require.NoError(t, b.Consume(context.Background(), 4))
	fc.Advance(time.Hour)
	assert.InDelta(t, 4, b.Tokens(), 1e-9)
}

func TestConsume_NeverExceedsCapacityPlusRefill(t *testing.T) {
	fc := clock.NewFake(epoch)
	const capacity, rate = 3.0, 1.5
	b, err := New(capacity, rate, fc)
	require.NoError(t, err)

	consumed := 0.0
	for i := 0; i < 50; i++ {
		n := float64(i%3 + 1)
		require.NoError(t, b.Consume(context.Background(), n))
		consumed += n

		elapsed := fc.Now().Sub(epoch).Seconds()
		assert.LessOrEqual(t, consumed, capacity+elapsed*rate+1e-6)
	}
}

func TestConsume_CancelledWhileWaiting(t *testing.T) {
	b, err := New(1, 0.001, clock.Real())
	require.NoError(t, err)
	require.NoError(t, b.Consume(context.Background(), 1))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err = b.Consume(ctx, 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNew_RejectsNonPositive(t *testing.T) {
	_, err := New(0, 1, nil)
	assert.Error(t, err)
	_, err = New(1, 0, nil)
	assert.Error(t, err)
}

func TestConsume_RejectsInvalidAmounts(t *testing.T) {
	fc := clock.NewFake(epoch)
	b, err := New(2, 1, fc)
	require.NoError(t, err)

	assert.ErrorIs(t, b.Consume(context.Background(), -5), ErrInvalidAmount)
	assert.ErrorIs(t, b.Consume(context.Background(), math.NaN()), ErrInvalidAmount)
	require.NoError(t, b.Consume(context.Background(), 0))

	assert.Equal(t, 2.0, b.Tokens())
	assert.Empty(t, fc.Sleeps())
}
