package util

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWaitFor(t *testing.T) {
	t.Parallel()

	calls := 0
	err := WaitFor(context.Background(), Wait{Timeout: time.Second, Interval: 5 * time.Millisecond}, func() bool {
		calls++
		return calls >= 3
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestWaitForChecksImmediately(t *testing.T) {
	t.Parallel()

	start := time.Now()
	err := WaitFor(context.Background(), Wait{Timeout: time.Second, Interval: time.Hour}, func() bool { return true })
	assert.NoError(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestWaitForTimeout(t *testing.T) {
	t.Parallel()

	err := WaitFor(context.Background(), Wait{Timeout: 30 * time.Millisecond, Interval: 5 * time.Millisecond}, func() bool {
		return false
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWaitForCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := WaitFor(ctx, SessionStartWait, func() bool { return false })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestIsProcessRunning(t *testing.T) {
	t.Parallel()

	assert.True(t, IsProcessRunning(os.Getpid()))
	assert.False(t, IsProcessRunning(0))
	assert.False(t, IsProcessRunning(-4))
}
