package futures

import "context"

// Future is a value that is produced asynchronously, usually by a turn running on an
// activation or by a forked branch of a request.
type Future[T any] interface {
	Go(func() (T, error))
	Resolve(result T)
	Reject(err error)
	ResolveOrReject(result T, err error)
	Wait() (result T, err error)
	// WaitCtx is the same as Wait, but gives up (without cancelling the producer) once
	// ctx is done.
	WaitCtx(ctx context.Context) (result T, err error)
	// Done returns a channel that is closed once the future has been resolved or
	// rejected.
	Done() <-chan struct{}
}
