package virtual

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/exp/slog"

	"github.com/grainkit/grainkit/virtual/reqctx"
	"github.com/grainkit/grainkit/virtual/types"
)

type activationState int

const (
	stateActivating activationState = iota
	stateActive
	stateDeactivating
	stateAbsent
)

func (s activationState) String() string {
	switch s {
	case stateActivating:
		return "activating"
	case stateActive:
		return "active"
	case stateDeactivating:
		return "deactivating"
	case stateAbsent:
		return "absent"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// activation is the live, in-memory instantiation of a grain identity. Turns are admitted
// into a FIFO queue that is drained by at most one goroutine at a time which is what
// provides the single-writer guarantee to the grain.
type activation struct {
	sync.Mutex

	// Immutable.
	id         types.ActorIdentity
	instanceID uuid.UUID
	grain      Grain
	gctx       *GrainContext
	mgr        *activations
	log        *slog.Logger
	// Closed once the activation is Absent and has been removed from the live table.
	deactivated chan struct{}

	// State.
	state    activationState
	queue    []*turn
	draining bool
	timers   map[*Timer]struct{}
	// Set when the grain asked to be deactivated before it finished activating.
	deactivateRequested bool
}

func newActivation(
	mgr *activations,
	id types.ActorIdentity,
	grain Grain,
) *activation {
	instanceID := uuid.New()
	return &activation{
		id:          id,
		instanceID:  instanceID,
		grain:       grain,
		mgr:         mgr,
		log:         mgr.log.With(slog.String("grain", id.String()), slog.String("instance_id", instanceID.String())),
		deactivated: make(chan struct{}),
		state:       stateActivating,
		timers:      make(map[*Timer]struct{}),
	}
}

func (a *activation) isActive() bool {
	a.Lock()
	defer a.Unlock()
	return a.state == stateActive
}

// touchIdle records activity with the idle tracker. It is a no-op once the activation has
// begun deactivating so that a late touch can never resurrect an entry that onAbsent
// already removed.
func (a *activation) touchIdle() {
	a.Lock()
	defer a.Unlock()
	if a.state != stateActive {
		return
	}
	a.mgr.idle.touch(a)
}

// invoke enqueues an invocation of method and waits for its result.
func (a *activation) invoke(
	ctx context.Context,
	method string,
	payload []byte,
) ([]byte, error) {
	if slot, ok := turnSlotFromContext(ctx); ok && slot.act == a {
		return nil, fmt.Errorf(
			"grain: %s invoked itself while processing a turn, reentrant calls are not supported", a.id)
	}

	t := newTurn(ctx, turnKindInvoke, func(ctx context.Context) ([]byte, error) {
		result, err := a.grain.Invoke(ctx, method, payload)
		if err != nil {
			return nil, grainErr{err: err}
		}
		return result, nil
	})
	if err := a.enqueue(t); err != nil {
		return nil, err
	}
	return t.result.WaitCtx(ctx)
}

// enqueue admits t into the activation's queue. It fails with errTurnRejected once the
// activation has begun deactivating. Turns admitted while the activation is still
// activating (timers registered by OnActivate) wait until it becomes active.
func (a *activation) enqueue(t *turn) error {
	a.Lock()
	defer a.Unlock()

	switch a.state {
	case stateActivating:
		a.queue = append(a.queue, t)
		return nil
	case stateActive:
		a.queue = append(a.queue, t)
		a.maybeStartDrainWithLock()
		return nil
	default:
		return errTurnRejected
	}
}

func (a *activation) maybeStartDrainWithLock() {
	if a.draining || len(a.queue) == 0 {
		return
	}
	a.draining = true
	go a.drain()
}

// markActive transitions the activation from activating to active and starts processing
// any turns that were admitted in the meantime. It returns true if the grain requested
// its own deactivation while it was activating.
func (a *activation) markActive() bool {
	a.Lock()
	defer a.Unlock()

	if a.state != stateActivating {
		panic(fmt.Sprintf("[invariant violated] markActive() called in state: %s", a.state))
	}
	a.state = stateActive
	a.maybeStartDrainWithLock()
	return a.deactivateRequested
}

// deferDeactivation records a deactivation request made from OnActivate so that it is
// applied once the activation has been published. It returns false if the activation is
// past activating and the request must be handled immediately.
func (a *activation) deferDeactivation() bool {
	a.Lock()
	defer a.Unlock()

	if a.state != stateActivating {
		return false
	}
	a.deactivateRequested = true
	return true
}

// abort discards an activation whose OnActivate hook failed. Nothing has been able to
// observe it besides its own timers so no deactivation hook runs.
func (a *activation) abort() {
	a.Lock()
	a.state = stateAbsent
	queued := a.queue
	a.queue = nil
	timers := a.timers
	a.timers = nil
	a.Unlock()

	for t := range timers {
		t.stop()
	}
	for _, t := range queued {
		t.result.Reject(errTurnRejected)
	}
	close(a.deactivated)
}

func (a *activation) drain() {
	for {
		a.Lock()
		if len(a.queue) == 0 {
			a.draining = false
			a.Unlock()
			return
		}
		t := a.queue[0]
		a.queue[0] = nil
		a.queue = a.queue[1:]
		a.Unlock()

		a.runTurn(t)
	}
}

func (a *activation) runTurn(t *turn) {
	if err := t.ctx.Err(); err != nil {
		// Nobody is waiting for the result anymore.
		t.result.Reject(err)
		return
	}

	if err := a.mgr.slots.Acquire(t.ctx, 1); err != nil {
		t.result.Reject(fmt.Errorf("error acquiring worker slot: %w", err))
		return
	}
	slot := newTurnSlot(a.mgr.slots, a)
	ctx := withTurnSlot(t.ctx, slot)

	if t.kind == turnKindInvoke {
		a.touchIdle()
	}

	start := time.Now()
	result, err := runSafely(ctx, t.fn)
	slot.finish()
	a.mgr.recordTurn(time.Since(start))

	if t.kind == turnKindInvoke {
		a.touchIdle()
	}
	if err != nil && t.kind != turnKindTimer {
		a.log.Debug(
			"turn failed",
			append(reqctx.LogAttrs(t.ctx), slog.String("error", err.Error()))...)
	}

	t.result.ResolveOrReject(result, err)
}

// deactivate transitions the activation to deactivating, cancels its timers, deals with
// queued turns according to policy and then runs OnDeactivate as the final turn. The turn
// that is currently running (if any) is never interrupted. onAbsent is called once the
// final turn has completed, before any caller waiting on the deactivation is released.
//
// It is safe to call deactivate multiple times concurrently. Every call waits until the
// activation is absent.
func (a *activation) deactivate(
	ctx context.Context,
	policy DeactivationPolicy,
	onAbsent func(),
) error {
	a.Lock()
	if a.state != stateActive {
		a.Unlock()
		select {
		case <-a.deactivated:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	a.state = stateDeactivating
	timers := a.timers
	a.timers = nil

	var rejected []*turn
	if policy == DeactivationPolicyRejectQueued {
		rejected = a.queue
		a.queue = nil
	}

	final := newTurn(
		context.WithoutCancel(ctx), turnKindDeactivate,
		func(ctx context.Context) ([]byte, error) {
			return nil, a.grain.OnDeactivate(ctx, a.gctx)
		})
	a.queue = append(a.queue, final)
	a.maybeStartDrainWithLock()
	a.Unlock()

	for t := range timers {
		t.stop()
	}
	for _, t := range rejected {
		t.result.Reject(errTurnRejected)
	}

	_, err := final.result.Wait()

	a.Lock()
	a.state = stateAbsent
	if len(a.queue) > 0 {
		a.Unlock()
		panic(fmt.Sprintf(
			"[invariant violated] activation: %s has %d queued turns after deactivating",
			a.id, len(a.queue)))
	}
	a.Unlock()

	onAbsent()
	close(a.deactivated)

	if err != nil {
		return fmt.Errorf("error running OnDeactivate for grain: %s: %w", a.id, err)
	}
	return nil
}

func (a *activation) addTimer(t *Timer) error {
	a.Lock()
	defer a.Unlock()

	if a.state != stateActivating && a.state != stateActive {
		return fmt.Errorf(
			"cannot register timer on grain: %s in state: %s", a.id, a.state)
	}
	a.timers[t] = struct{}{}
	return nil
}

func (a *activation) removeTimer(t *Timer) {
	a.Lock()
	defer a.Unlock()
	delete(a.timers, t)
}

func (a *activation) numTimers() int {
	a.Lock()
	defer a.Unlock()
	return len(a.timers)
}

// isTurnRejected returns true if the turn never ran. A rejection that a grain ran into
// while invoking another grain doesn't count, the grain's own turn did run.
func isTurnRejected(err error) bool {
	var gerr grainErr
	if errors.As(err, &gerr) {
		return false
	}
	return errors.Is(err, errTurnRejected)
}
