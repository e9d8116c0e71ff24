package virtual

import (
	"context"
	"time"

	"github.com/google/uuid"
	"golang.org/x/exp/slog"

	"github.com/grainkit/grainkit/virtual/reqctx"
	"github.com/grainkit/grainkit/virtual/types"
)

// GrainContext exposes the capabilities the runtime offers to an activation. A grain
// receives it in OnActivate and may retain it for the lifetime of the activation.
type GrainContext struct {
	env *environment
	act *activation
}

func newGrainContext(env *environment, act *activation) *GrainContext {
	return &GrainContext{env: env, act: act}
}

// Identity returns the identity of the grain.
func (g *GrainContext) Identity() types.ActorIdentity {
	return g.act.id
}

// InstanceID returns the unique ID of this activation. It is regenerated every time the
// grain is activated.
func (g *GrainContext) InstanceID() uuid.UUID {
	return g.act.instanceID
}

// ServerID returns the ID of the server the grain is activated on.
func (g *GrainContext) ServerID() string {
	return g.env.serverID
}

// Reference returns a reference to the grain itself which can be handed to other grains.
func (g *GrainContext) Reference() types.ActorReference {
	return types.ActorReference{Identity: g.act.id}
}

// Logger returns a logger annotated with the grain's identity and the correlation ID of
// the call in ctx.
func (g *GrainContext) Logger(ctx context.Context) *slog.Logger {
	return g.act.log.With(reqctx.LogAttrs(ctx)...)
}

// RegisterTimer registers cb to be invoked as a turn of this activation after due, and then
// every interval. An interval of 0 fires once. Ticks that arrive while the previous one is
// still pending are dropped.
func (g *GrainContext) RegisterTimer(
	cb TimerCallback,
	due time.Duration,
	interval time.Duration,
) (*Timer, error) {
	return registerTimer(g.act, cb, due, interval)
}

// InvokeActor invokes another grain. The current turn keeps exclusive ownership of this
// activation while it waits, so a grain must never (directly or indirectly) invoke itself.
func (g *GrainContext) InvokeActor(
	ctx context.Context,
	ref types.ActorReference,
	method string,
	payload []byte,
) ([]byte, error) {
	return g.env.InvokeActor(ctx, ref, method, payload)
}

// DeactivateOnIdle requests that the activation be deactivated once the current turn
// completes.
func (g *GrainContext) DeactivateOnIdle() {
	if g.act.deferDeactivation() {
		return
	}
	go func() {
		if err := g.env.activations.deactivateActivation(context.Background(), g.act); err != nil {
			g.act.log.Error("error deactivating grain on request", slog.String("error", err.Error()))
		}
	}()
}
