package dispatch

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmalicki/arsync/internal/asyncio"
	"github.com/jmalicki/arsync/internal/pacer"
)

func TestPoolRunsAllSubmittedTasks(t *testing.T) {
	pool := New(4, 0, nil)
	var count atomic.Int64
	const n = 200
	for i := 0; i < n; i++ {
		require.NoError(t, pool.Submit(context.Background(), func(ctx context.Context, q asyncio.Queue) error {
			count.Add(1)
			return nil
		}))
	}
	errs := pool.Drain()
	assert.Empty(t, errs)
	assert.Equal(t, int64(n), count.Load())
}

func TestPoolCollectsTaskErrors(t *testing.T) {
	pool := New(2, 0, nil)
	boom := errors.New("boom")
	require.NoError(t, pool.Submit(context.Background(), func(ctx context.Context, q asyncio.Queue) error {
		return boom
	}))
	require.NoError(t, pool.Submit(context.Background(), func(ctx context.Context, q asyncio.Queue) error {
		return nil
	}))
	errs := pool.Drain()
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], boom)
}

func TestPoolOnErrorFiresOnTaskFailure(t *testing.T) {
	pool := New(2, 0, nil)
	var calls atomic.Int64
	pool.OnError(func(err error) { calls.Add(1) })
	boom := errors.New("boom")
	require.NoError(t, pool.Submit(context.Background(), func(ctx context.Context, q asyncio.Queue) error {
		return boom
	}))
	errs := pool.Drain()
	require.Len(t, errs, 1)
	assert.Equal(t, int64(1), calls.Load())
}

type submitCtxKey struct{}

func TestPoolSubmitUsesCallerContext(t *testing.T) {
	pool := New(1, 0, nil)
	ctx := context.WithValue(context.Background(), submitCtxKey{}, "marked")
	var gotValue atomic.Value
	require.NoError(t, pool.Submit(ctx, func(taskCtx context.Context, q asyncio.Queue) error {
		gotValue.Store(taskCtx.Value(submitCtxKey{}))
		return nil
	}))
	pool.Drain()
	assert.Equal(t, "marked", gotValue.Load())
}

func TestPoolRespectsPacerLimit(t *testing.T) {
	p := pacer.New(2)
	pool := New(4, 0, p)

	var maxInFlight atomic.Int64
	var current atomic.Int64
	const n = 40
	for i := 0; i < n; i++ {
		require.NoError(t, pool.Submit(context.Background(), func(ctx context.Context, q asyncio.Queue) error {
			n := current.Add(1)
			for {
				m := maxInFlight.Load()
				if n <= m || maxInFlight.CompareAndSwap(m, n) {
					break
				}
			}
			current.Add(-1)
			return nil
		}))
	}
	errs := pool.Drain()
	assert.Empty(t, errs)
	assert.LessOrEqual(t, maxInFlight.Load(), int64(2))
}
