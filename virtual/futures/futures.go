package futures

import (
	"context"
	"fmt"
	"sync"
)

type future[T any] struct {
	sync.Mutex

	doneCh   chan struct{}
	result   T
	err      error
	resolved bool
}

func New[T any]() Future[T] {
	return &future[T]{doneCh: make(chan struct{})}
}

func (f *future[T]) Go(fn func() (T, error)) {
	f.ResolveOrReject(fn())
}

func (f *future[T]) Resolve(result T) {
	f.ResolveOrReject(result, nil)
}

func (f *future[T]) Reject(err error) {
	var zero T
	f.ResolveOrReject(zero, err)
}

func (f *future[T]) ResolveOrReject(result T, err error) {
	f.Lock()
	defer f.Unlock()

	if f.resolved {
		panic("future resolved multiple times")
	}

	f.resolved = true
	f.result = result
	f.err = err
	close(f.doneCh)
}

func (f *future[T]) Wait() (result T, err error) {
	<-f.doneCh
	return f.result, f.err
}

func (f *future[T]) WaitCtx(ctx context.Context) (result T, err error) {
	select {
	case <-f.doneCh:
		return f.result, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func (f *future[T]) Done() <-chan struct{} {
	return f.doneCh
}

func WaitAllSlice[T any](futures []Future[T]) ([]T, error) {
	results := make([]T, 0, len(futures))
	for i, fut := range futures {
		result, err := fut.Wait()
		if err != nil {
			return nil, fmt.Errorf(
				"WaitAllSlice: future at index: %d resolved with error: %w",
				i, err)
		}
		results = append(results, result)
	}

	return results, nil
}

func WaitAllSliceCtx[T any](ctx context.Context, futures []Future[T]) ([]T, error) {
	results := make([]T, 0, len(futures))
	for i, fut := range futures {
		result, err := fut.WaitCtx(ctx)
		if err != nil {
			return nil, fmt.Errorf(
				"WaitAllSliceCtx: future at index: %d resolved with error: %w",
				i, err)
		}
		results = append(results, result)
	}

	return results, nil
}
