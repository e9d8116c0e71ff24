package futures

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFutureResolveAndReject(t *testing.T) {
	f := New[int]()
	go f.Resolve(10)
	v, err := f.Wait()
	require.NoError(t, err)
	require.Equal(t, 10, v)

	f = New[int]()
	go f.Reject(errors.New("boom"))
	_, err = f.Wait()
	require.EqualError(t, err, "boom")

	require.Panics(t, func() { f.Resolve(1) })
}

func TestFutureWaitCtx(t *testing.T) {
	f := New[string]()
	ctx, cc := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cc()

	_, err := f.WaitCtx(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	f.Resolve("ok")
	v, err := f.WaitCtx(context.Background())
	require.NoError(t, err)
	require.Equal(t, "ok", v)
}

func TestWaitAllSlice(t *testing.T) {
	futs := []Future[int]{New[int](), New[int](), New[int]()}
	for i, f := range futs {
		i, f := i, f
		go f.Go(func() (int, error) { return i, nil })
	}
	results, err := WaitAllSlice(futs)
	require.NoError(t, err)
	require.Equal(t, []int{0, 1, 2}, results)

	failed := New[int]()
	failed.Reject(errors.New("nope"))
	_, err = WaitAllSliceCtx(context.Background(), []Future[int]{failed})
	require.Error(t, err)
}
