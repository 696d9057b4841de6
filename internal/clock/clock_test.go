package clock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestManual_AdvanceFiresInDeadlineOrder(t *testing.T) {
	c := NewManual(epoch)
	var order []string

	c.AfterFunc(30*time.Millisecond, func() { order = append(order, "c") })
	c.AfterFunc(10*time.Millisecond, func() { order = append(order, "a") })
	c.AfterFunc(20*time.Millisecond, func() { order = append(order, "b") })

	c.Advance(25 * time.Millisecond)
	assert.Equal(t, []string{"a", "b"}, order)
	assert.Equal(t, 1, c.Pending())

	c.Advance(5 * time.Millisecond)
	assert.Equal(t, []string{"a", "b", "c"}, order)
	assert.Equal(t, epoch.Add(30*time.Millisecond), c.Now())
}

func TestManual_StopPreventsFiring(t *testing.T) {
	c := NewManual(epoch)
	fired := false
	tm := c.AfterFunc(time.Second, func() { fired = true })

	assert.True(t, tm.Stop())
	assert.False(t, tm.Stop(), "second stop reports already stopped")

	c.Advance(2 * time.Second)
	assert.False(t, fired)
	assert.Equal(t, 0, c.Pending())
}

func TestManual_CallbackSchedulesWithinWindow(t *testing.T) {
	c := NewManual(epoch)
	var at []time.Time

	c.AfterFunc(10*time.Millisecond, func() {
		at = append(at, c.Now())
		c.AfterFunc(10*time.Millisecond, func() { at = append(at, c.Now()) })
	})

	c.Advance(50 * time.Millisecond)
	require.Len(t, at, 2)
	assert.Equal(t, epoch.Add(10*time.Millisecond), at[0])
	assert.Equal(t, epoch.Add(20*time.Millisecond), at[1])
}

func TestManual_SleepWakesOnAdvance(t *testing.T) {
	c := NewManual(epoch)
	done := make(chan error, 1)

	go func() { done <- c.Sleep(context.Background(), time.Second) }()

	require.Eventually(t, func() bool { return c.Pending() == 1 }, time.Second, time.Millisecond)
	c.Advance(time.Second)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("sleep did not wake")
	}
}

func TestManual_SleepHonoursContext(t *testing.T) {
	c := NewManual(epoch)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, c.Sleep(ctx, time.Hour), context.Canceled)
	assert.NoError(t, c.Sleep(context.Background(), 0))
}

func TestReal_Sleep(t *testing.T) {
	start := time.Now()
	require.NoError(t, New().Sleep(context.Background(), 5*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 5*time.Millisecond)
}
