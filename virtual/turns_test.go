package virtual

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/semaphore"
)

func TestTurnSlotSuspendResume(t *testing.T) {
	var (
		sem  = semaphore.NewWeighted(1)
		ctx  = context.Background()
		slot = newTurnSlot(sem, nil)
	)
	require.NoError(t, sem.Acquire(ctx, 1))

	// Held by the turn.
	require.False(t, sem.TryAcquire(1))

	// Nested suspensions (fan out) only release once.
	slot.suspend()
	slot.suspend()
	require.True(t, sem.TryAcquire(1))
	sem.Release(1)

	slot.resume()
	require.True(t, sem.TryAcquire(1))
	sem.Release(1)

	slot.resume()
	require.False(t, sem.TryAcquire(1))

	slot.finish()
	require.True(t, sem.TryAcquire(1))
	sem.Release(1)

	// Resuming after the turn finished must not leak a slot.
	slot.suspend()
	slot.resume()
	require.True(t, sem.TryAcquire(1))
}

func TestRunSafely(t *testing.T) {
	result, err := runSafely(context.Background(), func(ctx context.Context) ([]byte, error) {
		return []byte("ok"), nil
	})
	require.NoError(t, err)
	require.Equal(t, "ok", string(result))

	_, err = runSafely(context.Background(), func(ctx context.Context) ([]byte, error) {
		return nil, errors.New("failed")
	})
	require.EqualError(t, err, "failed")

	_, err = runSafely(context.Background(), func(ctx context.Context) ([]byte, error) {
		panic("boom")
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "boom")
}
