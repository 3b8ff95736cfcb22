package clock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRealSleepHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := Real().Sleep(ctx, time.Hour)
	require.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}

func TestFakeAdvancesVirtualTime(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f := NewFake(start)

	var seen []int
	f.OnSleep = func(n int, d time.Duration) { seen = append(seen, n) }

	require.NoError(t, f.Sleep(context.Background(), 5*time.Second))
	require.NoError(t, f.Sleep(context.Background(), 10*time.Second))

	assert.Equal(t, start.Add(15*time.Second), f.Now())
	assert.Equal(t, []time.Duration{5 * time.Second, 10 * time.Second}, f.Sleeps())
	assert.Equal(t, []int{1, 2}, seen)
}
