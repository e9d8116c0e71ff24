package virtual

import "context"

// Grain is the interface implemented by every grain type. The runtime guarantees that
// at most one method of a given activation (including its timer callbacks) runs at any
// time, so implementations do not need any internal locking.
type Grain interface {
	// OnActivate is called once when a new activation is created, before any invocation
	// is delivered. Returning an error rejects the activation: the caller that triggered
	// it receives an ActivationRejectedErr and the activation is discarded.
	OnActivate(ctx context.Context, gctx *GrainContext) error

	// OnDeactivate is called as the final turn of the activation. Timers have already
	// been cancelled when it runs.
	OnDeactivate(ctx context.Context, gctx *GrainContext) error

	// Invoke dispatches method with the provided payload.
	Invoke(ctx context.Context, method string, payload []byte) ([]byte, error)
}

// GrainFactory constructs a new, unactivated grain instance.
type GrainFactory func() Grain

// TimerCallback is invoked by a registered timer. It runs as a turn of the activation
// that registered it.
type TimerCallback func(ctx context.Context) error
