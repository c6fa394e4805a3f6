package jobs

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPoolRejectsBadSizes(t *testing.T) {
	_, err := NewPool(context.Background(), 0, 1)
	assert.ErrorIs(t, err, ErrNoWorkers)
	_, err = NewPool(context.Background(), 1, -1)
	assert.ErrorIs(t, err, ErrNegativeChannelSize)
}

func TestPoolRunsEveryTask(t *testing.T) {
	p, err := NewPool(context.Background(), 3, 0)
	require.NoError(t, err)

	var ran, completed atomic.Int32
	for i := 0; i < 10; i++ {
		require.NoError(t, p.Submit(Task{
			Name: "count",
			Run: func(context.Context) error {
				ran.Add(1)
				return nil
			},
			OnComplete: func() { completed.Add(1) },
		}))
	}
	require.NoError(t, p.Shutdown())
	assert.Equal(t, int32(10), ran.Load())
	assert.Equal(t, int32(10), completed.Load())
}

func TestPoolCollectsFailures(t *testing.T) {
	p, err := NewPool(context.Background(), 2, 4)
	require.NoError(t, err)

	boom := errors.New("boom")
	var failures atomic.Int32
	for _, name := range []string{"a", "b"} {
		require.NoError(t, p.Submit(Task{
			Name:      name,
			Run:       func(context.Context) error { return boom },
			OnFailure: func(error) { failures.Add(1) },
		}))
	}
	require.NoError(t, p.Submit(Task{Name: "ok", Run: func(context.Context) error { return nil }}))

	err = p.Shutdown()
	require.Error(t, err)
	assert.True(t, errors.Is(err, boom))
	assert.Equal(t, int32(2), failures.Load())

	assert.ErrorIs(t, p.Submit(Task{Name: "late"}), ErrPoolClosed)
	assert.ErrorIs(t, p.Shutdown(), ErrPoolClosed)
}

func TestPoolPassesContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p, err := NewPool(ctx, 1, 1)
	require.NoError(t, err)

	var sawCancel atomic.Bool
	require.NoError(t, p.Submit(Task{Name: "ctx", Run: func(ctx context.Context) error {
		sawCancel.Store(ctx.Err() != nil)
		return nil
	}}))
	require.NoError(t, p.Shutdown())
	assert.True(t, sawCancel.Load())
}
