package pacer

import (
	"context"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireReleaseRoundTrip(t *testing.T) {
	c := New(4)
	p, err := c.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, c.InFlight())
	p.Release()
	assert.Equal(t, 0, c.InFlight())
}

func TestAcquireBlocksAtLimit(t *testing.T) {
	c := New(1)
	p1, err := c.Acquire(context.Background())
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		p2, err := c.Acquire(context.Background())
		require.NoError(t, err)
		close(acquired)
		p2.Release()
	}()

	select {
	case <-acquired:
		t.Fatal("second Acquire should have blocked while limit is exhausted")
	case <-time.After(50 * time.Millisecond):
	}

	p1.Release()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second Acquire should have unblocked after Release")
	}
}

func TestAcquireRespectsContextCancellation(t *testing.T) {
	c := New(1)
	_, err := c.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = c.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestReportErrorHalvesLimitNotBelowFloor(t *testing.T) {
	c := New(16)
	emfile := syscall.EMFILE
	c.ReportError(emfile)
	assert.Equal(t, 8, c.CurrentLimit())
	c.ReportError(emfile)
	assert.Equal(t, 4, c.CurrentLimit())
	c.ReportError(emfile)
	assert.Equal(t, 2, c.CurrentLimit())
	// floor is baseline/8 = 2; further halving must not go below it.
	c.ReportError(emfile)
	assert.Equal(t, 2, c.CurrentLimit())
}

func TestReportErrorIgnoresUnrelatedErrors(t *testing.T) {
	c := New(8)
	c.ReportError(syscall.ENOENT)
	assert.Equal(t, 8, c.CurrentLimit())
}

func TestRecoveryGrowsAfterCooldown(t *testing.T) {
	c := New(8)
	c.cooldown = time.Millisecond
	c.ReportError(syscall.EMFILE)
	require.Equal(t, 4, c.CurrentLimit())

	time.Sleep(5 * time.Millisecond)

	for i := 0; i < 4; i++ {
		p, err := c.Acquire(context.Background())
		require.NoError(t, err)
		p.Release()
	}
	assert.Greater(t, c.CurrentLimit(), 4)
	assert.LessOrEqual(t, c.CurrentLimit(), 8)
}

func TestConcurrentAcquireReleaseNeverExceedsLimit(t *testing.T) {
	c := New(3)
	var wg sync.WaitGroup
	var mu sync.Mutex
	maxSeen := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := c.Acquire(context.Background())
			require.NoError(t, err)
			mu.Lock()
			if n := c.InFlight(); n > maxSeen {
				maxSeen = n
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			p.Release()
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, maxSeen, 3)
}
