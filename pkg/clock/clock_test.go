package clock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFake_AdvanceFiresDueTimersInOrder(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewFake(start)

	var fired []string
	c.AfterFunc(2*time.Minute, func() { fired = append(fired, "second") })
	c.AfterFunc(time.Minute, func() { fired = append(fired, "first") })
	c.AfterFunc(10*time.Minute, func() { fired = append(fired, "late") })

	assert.Equal(t, 3, c.Pending())

	c.Advance(5 * time.Minute)

	assert.Equal(t, []string{"first", "second"}, fired)
	assert.Equal(t, 1, c.Pending())
	assert.Equal(t, start.Add(5*time.Minute), c.Now())
}

func TestFake_StoppedTimerNeverFires(t *testing.T) {
	c := NewFake(time.Now())

	called := false
	timer := c.AfterFunc(time.Second, func() { called = true })
	require.True(t, timer.Stop())
	assert.False(t, timer.Stop())

	c.Advance(time.Hour)
	assert.False(t, called)
	assert.Equal(t, 0, c.Pending())
}

func TestFake_SleepReturnsAfterAdvance(t *testing.T) {
	c := NewFake(time.Now())

	done := make(chan error, 1)
	go func() { done <- c.Sleep(context.Background(), 3*time.Second) }()

	require.Eventually(t, func() bool { return c.Pending() == 1 }, time.Second, time.Millisecond)
	c.Advance(3 * time.Second)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("sleep did not return")
	}
}

func TestFake_SleepHonorsContext(t *testing.T) {
	c := NewFake(time.Now())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := c.Sleep(ctx, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
}
