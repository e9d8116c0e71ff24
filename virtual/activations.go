package virtual

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/exp/slog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/grainkit/grainkit/virtual/reqctx"
	"github.com/grainkit/grainkit/virtual/types"
)

// maxConcurrentIdleDeactivations bounds how many OnDeactivate hooks a single idle sweep
// runs at once.
const maxConcurrentIdleDeactivations = 64

// activations owns every activation on this server. It enforces that at most one live
// activation exists per identity and drives each activation through its lifecycle.
type activations struct {
	sync.RWMutex

	// State.
	_actors    map[types.ActorIdentity]*activation
	_factories map[string]GrainFactory
	_closed    bool
	deduper    singleflight.Group

	// Dependencies.
	env        *environment
	slots      *semaphore.Weighted
	idle       *idleTracker
	latency    *latencySketch
	metrics    *environmentMetrics
	propagator *reqctx.Propagator
	opts       EnvironmentOptions
	log        *slog.Logger
}

func newActivations(
	env *environment,
	metrics *environmentMetrics,
	propagator *reqctx.Propagator,
	opts EnvironmentOptions,
	log *slog.Logger,
) *activations {
	return &activations{
		_actors:    make(map[types.ActorIdentity]*activation),
		_factories: make(map[string]GrainFactory),

		env:        env,
		slots:      semaphore.NewWeighted(int64(opts.MaxConcurrentTurns)),
		idle:       newIdleTracker(time.Now),
		latency:    newLatencySketch(),
		metrics:    metrics,
		propagator: propagator,
		opts:       opts,
		log:        log.With(slog.String("subService", "activations")),
	}
}

func (a *activations) registerFactory(grainType string, factory GrainFactory) error {
	if grainType == "" {
		return fmt.Errorf("grain type cannot be empty")
	}
	if factory == nil {
		return fmt.Errorf("factory for grain type: %s cannot be nil", grainType)
	}

	a.Lock()
	defer a.Unlock()
	if _, ok := a._factories[grainType]; ok {
		return fmt.Errorf("grain type: %s is already registered", grainType)
	}
	a._factories[grainType] = factory
	return nil
}

// invoke delivers an invocation to the local activation of id, activating it first if
// necessary. The callee observes its own snapshot of the caller's request context.
func (a *activations) invoke(
	ctx context.Context,
	id types.ActorIdentity,
	method string,
	payload []byte,
) ([]byte, error) {
	ctx = reqctx.Fork(ctx)

	// A turn that was rejected because the activation began deactivating before it
	// started never ran, so it is safe to retry it once against a fresh activation.
	for attempt := 0; ; attempt++ {
		act, err := a.resolve(ctx, id)
		if err != nil {
			return nil, err
		}

		result, err := act.invoke(ctx, method, payload)
		if isTurnRejected(err) && attempt == 0 {
			continue
		}
		return result, err
	}
}

// resolve returns the active activation for id, creating it if there is none. Concurrent
// resolves of the same absent identity share a single activation attempt.
func (a *activations) resolve(
	ctx context.Context,
	id types.ActorIdentity,
) (*activation, error) {
	for {
		a.RLock()
		act, ok := a._actors[id]
		closed := a._closed
		a.RUnlock()
		if closed {
			return nil, ErrEnvironmentClosed
		}

		if ok {
			if act.isActive() {
				return act, nil
			}

			// Deactivating. Wait for it to go away and then create a fresh activation.
			select {
			case <-act.deactivated:
				continue
			case <-ctx.Done():
				return nil, fmt.Errorf(
					"context expired waiting for grain: %s to deactivate: %w", id, ctx.Err())
			}
		}

		actI, err, _ := a.deduper.Do(id.String(), func() (any, error) {
			return a.activate(ctx, id)
		})
		if err != nil {
			return nil, err
		}
		act = actI.(*activation)
		if act.isActive() {
			return act, nil
		}
		// Raced with a deactivation, go around again.
	}
}

func (a *activations) activate(
	ctx context.Context,
	id types.ActorIdentity,
) (*activation, error) {
	a.RLock()
	existing, ok := a._actors[id]
	factory, factoryOk := a._factories[id.Type]
	a.RUnlock()
	if ok {
		// Another resolve completed between our lookup and acquiring the singleflight.
		return existing, nil
	}
	if !factoryOk {
		a.metrics.activationFailures.Inc()
		return nil, NewActivationRejectedError(
			fmt.Errorf("grain type: %s is not registered", id.Type))
	}

	// The activation is shared by every concurrent caller, so it must not be bound to
	// the cancellation of whichever one happened to trigger it.
	ctx, cc := context.WithTimeout(context.WithoutCancel(ctx), a.opts.ActivationTimeout)
	defer cc()

	act := newActivation(a, id, factory())
	act.gctx = newGrainContext(a.env, act)

	if err := a.slots.Acquire(ctx, 1); err != nil {
		act.abort()
		return nil, fmt.Errorf("error acquiring worker slot to activate grain: %s: %w", id, err)
	}
	slot := newTurnSlot(a.slots, act)
	_, err := runSafely(withTurnSlot(ctx, slot), func(ctx context.Context) ([]byte, error) {
		return nil, act.grain.OnActivate(ctx, act.gctx)
	})
	slot.finish()
	if err != nil {
		act.abort()
		a.metrics.activationFailures.Inc()
		act.log.Warn(
			"grain rejected activation",
			append(reqctx.LogAttrs(ctx), slog.String("error", err.Error()))...)
		return nil, NewActivationRejectedError(
			fmt.Errorf("error activating grain: %s: %w", id, err))
	}

	a.Lock()
	if a._closed {
		a.Unlock()
		// Close() has already snapshotted the live table, so nobody else will clean this
		// one up.
		act.markActive()
		if err := a.deactivateActivation(ctx, act); err != nil {
			act.log.Error("error deactivating grain activated during close", slog.String("error", err.Error()))
		}
		return nil, ErrEnvironmentClosed
	}
	// Published and marked active atomically so that a deactivation can never observe
	// an active activation that is missing from the live table.
	a._actors[id] = act
	deactivateRequested := act.markActive()
	a.Unlock()

	act.touchIdle()
	a.metrics.activations.Inc()
	a.metrics.activeActivations.Inc()
	act.log.Debug("activated grain", reqctx.LogAttrs(ctx)...)

	if deactivateRequested {
		go func() {
			if err := a.deactivateActivation(context.Background(), act); err != nil {
				act.log.Error("error deactivating grain on request", slog.String("error", err.Error()))
			}
		}()
	}
	return act, nil
}

// deactivate deactivates the local activation of id, if any.
func (a *activations) deactivate(
	ctx context.Context,
	id types.ActorIdentity,
) error {
	a.RLock()
	act, ok := a._actors[id]
	a.RUnlock()
	if !ok {
		return nil
	}
	return a.deactivateActivation(ctx, act)
}

func (a *activations) deactivateActivation(
	ctx context.Context,
	act *activation,
) error {
	return act.deactivate(ctx, a.opts.DeactivationPolicy, func() {
		a.Lock()
		current, ok := a._actors[act.id]
		removed := ok && current == act
		if removed {
			delete(a._actors, act.id)
		}
		a.Unlock()

		a.idle.remove(act)
		a.metrics.deactivations.Inc()
		if removed {
			a.metrics.activeActivations.Dec()
		}
		act.log.Debug("deactivated grain")
	})
}

// deactivateIdle deactivates every activation that has not processed an invocation within
// the configured idle timeout.
func (a *activations) deactivateIdle(ctx context.Context) {
	if a.opts.ActivationIdleTimeout <= 0 {
		return
	}

	idle := a.idle.idleSince(a.idle.now().Add(-a.opts.ActivationIdleTimeout))

	var g errgroup.Group
	g.SetLimit(maxConcurrentIdleDeactivations)
	for _, act := range idle {
		act := act
		g.Go(func() error {
			if err := a.deactivateActivation(ctx, act); err != nil {
				act.log.Error("error deactivating idle grain", slog.String("error", err.Error()))
			}
			return nil
		})
	}
	g.Wait()
}

// close deactivates every activation in parallel. No new activations can be created once
// close has been called.
func (a *activations) close(ctx context.Context) error {
	a.Lock()
	a._closed = true
	toClose := make([]*activation, 0, len(a._actors))
	for _, act := range a._actors {
		toClose = append(toClose, act)
	}
	a.Unlock()

	var g errgroup.Group
	for _, act := range toClose {
		act := act
		g.Go(func() error {
			return a.deactivateActivation(ctx, act)
		})
	}
	return g.Wait()
}

func (a *activations) recordTurn(d time.Duration) {
	a.latency.add(d)
}

func (a *activations) numActivatedActors() int {
	a.RLock()
	defer a.RUnlock()
	return len(a._actors)
}
