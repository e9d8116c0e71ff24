package virtual

import (
	"context"

	"github.com/grainkit/grainkit/virtual/reqctx"
	"github.com/grainkit/grainkit/virtual/types"
)

// Environment is the interface responsible for routing invocations to the appropriate
// grain. If the grain is not currently activated anywhere in the system, it will take
// care of activating it.
type Environment interface {
	// RegisterGrainType registers the factory used to construct grains of the provided
	// type. Invocations of grains whose type has not been registered on the server they
	// are placed on fail with ActivationRejectedErr.
	RegisterGrainType(grainType string, factory GrainFactory) error

	// InvokeActor invokes method on the grain identified by ref with the provided payload.
	// If the grain is already activated somewhere in the system, the invocation will be
	// routed appropriately. Otherwise, the request will activate the grain somewhere in the
	// system and then perform the invocation. The request context in ctx (a new root is
	// established if there is none) travels with the invocation.
	InvokeActor(
		ctx context.Context,
		ref types.ActorReference,
		method string,
		payload []byte,
	) ([]byte, error)

	// InvokeActorJSON is the same as InvokeActor, except the payload is marshaled to JSON
	// and the result is unmarshaled into result (if it is not nil).
	InvokeActorJSON(
		ctx context.Context,
		ref types.ActorReference,
		method string,
		payload any,
		result any,
	) error

	// InvokeActorDirect is the same as InvokeActor, however, it performs the invocation
	// "directly".
	//
	// This method should only be called if the Registry has indicated that the specified
	// grain should be activated in this process. If this constraint is violated the call
	// is refused with a RoutingFailureErr.
	InvokeActorDirect(
		ctx context.Context,
		versionStamp int64,
		serverID string,
		serverVersion int64,
		ref types.ActorReference,
		method string,
		payload []byte,
	) ([]byte, error)

	// DeactivateActor deactivates the grain identified by ref on whichever server currently
	// owns it. It is a no-op if the grain is not activated.
	DeactivateActor(ctx context.Context, ref types.ActorReference) error

	// DeactivateActorDirect is the same as DeactivateActor, except it only considers the
	// local server. It is refused if serverID does not identify this server.
	DeactivateActorDirect(ctx context.Context, serverID string, ref types.ActorReference) error

	// ServerID returns the ID of this server.
	ServerID() string

	// Propagator returns the propagator this server uses to move request contexts across
	// process boundaries.
	Propagator() *reqctx.Propagator

	// Stats returns runtime statistics about the environment.
	Stats() Stats

	// Close deactivates every grain activated in the environment and releases all of its
	// associated resources.
	Close(ctx context.Context) error

	// numActivatedActors returns the number of activated grains in the environment. It is
	// primarily used for tests.
	numActivatedActors() int

	// heartbeat forces the environment to heartbeat the Registry immediately. It is primarily
	// used for tests.
	heartbeat() error
}

// RemoteClient is the interface implemented by a client that is capable of communicating with
// remote nodes in the system.
type RemoteClient interface {
	// InvokeActorRemote is the same as InvokeActor, however, it performs the invocation on the
	// specific remote server that ref points to. rc is the caller's request context.
	InvokeActorRemote(
		ctx context.Context,
		versionStamp int64,
		ref types.ActivationReference,
		method string,
		payload []byte,
		rc reqctx.Wire,
	) ([]byte, error)

	// DeactivateActorRemote asks the remote server that ref points to to deactivate the grain.
	DeactivateActorRemote(
		ctx context.Context,
		ref types.ActivationReference,
		rc reqctx.Wire,
	) error
}

// Stats contains runtime statistics about an Environment.
type Stats struct {
	NumActivatedActors int     `json:"num_activated_actors"`
	NumTurns           float64 `json:"num_turns"`
	// Turn latency quantiles in seconds.
	TurnLatencyP50 float64 `json:"turn_latency_p50"`
	TurnLatencyP90 float64 `json:"turn_latency_p90"`
	TurnLatencyP99 float64 `json:"turn_latency_p99"`
}
