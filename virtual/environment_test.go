package virtual

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/grainkit/grainkit/virtual/registry"
	"github.com/grainkit/grainkit/virtual/registry/localregistry"
	"github.com/grainkit/grainkit/virtual/reqctx"
	"github.com/grainkit/grainkit/virtual/types"
)

func newTestEnvironment(
	t testing.TB,
	reg registry.Registry,
	obs *testObserver,
	opts EnvironmentOptions,
) Environment {
	env, err := NewEnvironment(context.Background(), "server1", reg, nil, opts)
	require.NoError(t, err)
	require.NoError(t, env.RegisterGrainType(testGrainType, newTestGrainFactory(obs)))
	t.Cleanup(func() {
		env.Close(context.Background())
	})
	return env
}

func testRef(t testing.TB, key types.PrimaryKey) types.ActorReference {
	ref, err := types.NewActorReference(testGrainType, key)
	require.NoError(t, err)
	return ref
}

func lookupActivation(env Environment, ref types.ActorReference) (*activation, bool) {
	acts := env.(*environment).activations
	acts.RLock()
	defer acts.RUnlock()
	act, ok := acts._actors[ref.Identity]
	return act, ok
}

func queueLen(act *activation) int {
	act.Lock()
	defer act.Unlock()
	return len(act.queue)
}

// TestSimple is a basic sanity test that verifies the most basic flow.
func TestSimple(t *testing.T) {
	var (
		obs = newTestObserver()
		env = newTestEnvironment(t, localregistry.NewLocalRegistry(), obs, EnvironmentOptions{})
		ctx = context.Background()
	)

	for _, key := range []types.PrimaryKey{
		types.NewStringKey("a"),
		types.NewIntKey(1),
		types.NewGUIDKey(uuid.New()),
	} {
		ref := testRef(t, key)
		for i := 0; i < 100; i++ {
			result, err := env.InvokeActor(ctx, ref, "inc", nil)
			require.NoError(t, err)
			require.Equal(t, strconv.Itoa(i+1), string(result))
		}
	}

	require.Equal(t, 3, env.numActivatedActors())
	require.Equal(t, int64(3), obs.numActivations())

	_, err := env.InvokeActor(ctx, testRef(t, types.NewStringKey("a")), "unknown", nil)
	require.Error(t, err)
	require.False(t, IsActivationRejectedError(err))

	stats := env.Stats()
	require.Equal(t, 3, stats.NumActivatedActors)
	require.Equal(t, float64(301), stats.NumTurns)
	require.True(t, stats.TurnLatencyP99 >= stats.TurnLatencyP50)
}

// TestActivationRejected ensures that an activation whose hook fails is never visible and
// that the failure is surfaced to every caller without being retried.
func TestActivationRejected(t *testing.T) {
	var (
		obs = newTestObserver()
		env = newTestEnvironment(t, localregistry.NewLocalRegistry(), obs, EnvironmentOptions{})
		ctx = context.Background()
		ref = testRef(t, types.NewIntKey(testInvalidKey))
	)

	for i := 0; i < 3; i++ {
		_, err := env.InvokeActor(ctx, ref, "inc", nil)
		require.Error(t, err)
		require.True(t, IsActivationRejectedError(err), err.Error())
		require.Equal(t, 0, env.numActivatedActors())
	}
	require.Equal(t, int64(0), obs.numActivations())

	// Other keys are unaffected.
	_, err := env.InvokeActor(ctx, testRef(t, types.NewIntKey(2)), "inc", nil)
	require.NoError(t, err)

	metrics := env.(*environment).metrics
	require.Equal(t, float64(3), testutil.ToFloat64(metrics.activationFailures))
	require.Equal(t, float64(3), testutil.ToFloat64(metrics.invocations.WithLabelValues("activation_rejected")))
}

func TestUnregisteredGrainType(t *testing.T) {
	var (
		env = newTestEnvironment(t, localregistry.NewLocalRegistry(), newTestObserver(), EnvironmentOptions{})
		ctx = context.Background()
	)

	ref, err := types.NewActorReference("does-not-exist", types.NewStringKey("a"))
	require.NoError(t, err)
	_, err = env.InvokeActor(ctx, ref, "inc", nil)
	require.True(t, IsActivationRejectedError(err))

	require.Error(t, env.RegisterGrainType(testGrainType, newTestGrainFactory(newTestObserver())))
	require.Error(t, env.RegisterGrainType("", newTestGrainFactory(newTestObserver())))
}

// TestInstanceIDChangesAcrossActivations ensures every activation of the same identity gets
// a new instance ID.
func TestInstanceIDChangesAcrossActivations(t *testing.T) {
	var (
		obs = newTestObserver()
		env = newTestEnvironment(t, localregistry.NewLocalRegistry(), obs, EnvironmentOptions{})
		ctx = context.Background()
		ref = testRef(t, types.NewStringKey("a"))
	)

	first, err := env.InvokeActor(ctx, ref, "instanceID", nil)
	require.NoError(t, err)
	again, err := env.InvokeActor(ctx, ref, "instanceID", nil)
	require.NoError(t, err)
	require.Equal(t, first, again)

	require.NoError(t, env.DeactivateActor(ctx, ref))
	require.Equal(t, 0, env.numActivatedActors())
	require.Equal(t, int64(1), obs.numDeactivations())
	// Idempotent.
	require.NoError(t, env.DeactivateActor(ctx, ref))

	second, err := env.InvokeActor(ctx, ref, "instanceID", nil)
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	// State does not survive deactivation.
	result, err := env.InvokeActor(ctx, ref, "inc", nil)
	require.NoError(t, err)
	require.Equal(t, "1", string(result))
}

// TestConcurrentResolveSingleActivation ensures that a storm of concurrent invocations of
// an absent identity results in exactly one activation, and that the invocations are
// serialized against it.
func TestConcurrentResolveSingleActivation(t *testing.T) {
	var (
		obs = newTestObserver()
		env = newTestEnvironment(t, localregistry.NewLocalRegistry(), obs, EnvironmentOptions{})
		ctx = context.Background()
		ref = testRef(t, types.NewStringKey("a"))

		numWorkers = 100
		wg         sync.WaitGroup
		resultsMu  sync.Mutex
		results    = map[string]struct{}{}
	)

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := env.InvokeActor(ctx, ref, "inc", nil)
			if err != nil {
				panic(err)
			}
			resultsMu.Lock()
			results[string(result)] = struct{}{}
			resultsMu.Unlock()
		}()
	}
	wg.Wait()

	require.Equal(t, int64(1), obs.numActivations())
	require.Equal(t, 1, env.numActivatedActors())
	// Every increment observed a distinct count, so no two turns interleaved.
	require.Equal(t, numWorkers, len(results))
	require.Equal(t, int32(1), obs.maxInTurn)
}

// TestTurnsAreSerialized ensures that slow invocations of the same grain never overlap,
// while invocations of different grains run in parallel.
func TestTurnsAreSerialized(t *testing.T) {
	var (
		obs = newTestObserver()
		env = newTestEnvironment(t, localregistry.NewLocalRegistry(), obs, EnvironmentOptions{})
		ctx = context.Background()
		wg  sync.WaitGroup
	)

	ref := testRef(t, types.NewStringKey("a"))
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.InvokeActor(ctx, ref, "sleep", []byte("5"))
			if err != nil {
				panic(err)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), obs.maxInTurn)

	// Different grains are allowed to run concurrently.
	parallelObs := newTestObserver()
	require.NoError(t, env.RegisterGrainType("parallel", newTestGrainFactory(parallelObs)))
	for i := 0; i < 10; i++ {
		ref, err := types.NewActorReference("parallel", types.NewIntKey(int64(i)))
		require.NoError(t, err)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.InvokeActor(ctx, ref, "sleep", []byte("100"))
			if err != nil {
				panic(err)
			}
		}()
	}
	wg.Wait()
	require.True(t, parallelObs.maxInTurn > 1)
}

// TestFailedTurnDoesNotBreakActivation ensures that an error or a panic in one turn fails
// only that invocation.
func TestFailedTurnDoesNotBreakActivation(t *testing.T) {
	var (
		obs = newTestObserver()
		env = newTestEnvironment(t, localregistry.NewLocalRegistry(), obs, EnvironmentOptions{})
		ctx = context.Background()
		ref = testRef(t, types.NewStringKey("a"))
	)

	_, err := env.InvokeActor(ctx, ref, "inc", nil)
	require.NoError(t, err)

	_, err = env.InvokeActor(ctx, ref, "panic", nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "boom")

	_, err = env.InvokeActor(ctx, ref, "fail", nil)
	require.Error(t, err)

	result, err := env.InvokeActor(ctx, ref, "inc", nil)
	require.NoError(t, err)
	require.Equal(t, "2", string(result))
	require.Equal(t, int64(1), obs.numActivations())
}

func TestReentrantInvocationFails(t *testing.T) {
	var (
		env = newTestEnvironment(t, localregistry.NewLocalRegistry(), newTestObserver(), EnvironmentOptions{})
		ctx = context.Background()
		ref = testRef(t, types.NewStringKey("a"))
	)

	_, err := env.InvokeActor(ctx, ref, "invokeSelf", nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "reentrant")

	result, err := env.InvokeActor(ctx, ref, "inc", nil)
	require.NoError(t, err)
	require.Equal(t, "1", string(result))
}

// TestGrainToGrainDoesNotHoldWorkerSlot ensures that a grain waiting on another grain
// releases its worker slot. With a single slot this would otherwise deadlock.
func TestGrainToGrainDoesNotHoldWorkerSlot(t *testing.T) {
	var (
		env = newTestEnvironment(
			t, localregistry.NewLocalRegistry(), newTestObserver(),
			EnvironmentOptions{MaxConcurrentTurns: 1})
		ctx = context.Background()
		a   = testRef(t, types.NewStringKey("a"))
		b   = testRef(t, types.NewStringKey("b"))
		c   = testRef(t, types.NewStringKey("c"))
	)

	toC, err := json.Marshal(testInvokeRequest{Ref: c, Method: "inc"})
	require.NoError(t, err)
	toB, err := json.Marshal(testInvokeRequest{Ref: b, Method: "invoke", Payload: toC})
	require.NoError(t, err)

	ctx, cc := context.WithTimeout(ctx, testDefaultWait)
	defer cc()
	for i := 0; i < 5; i++ {
		result, err := env.InvokeActor(ctx, a, "invoke", toB)
		require.NoError(t, err)
		require.Equal(t, strconv.Itoa(i+1), string(result))
	}
}

// TestDeactivationRejectsQueuedTurns ensures that with the default policy the in-flight turn
// completes on the old activation, while turns that were queued behind it are transparently
// retried against a fresh activation.
func TestDeactivationRejectsQueuedTurns(t *testing.T) {
	var (
		obs = newTestObserver()
		env = newTestEnvironment(t, localregistry.NewLocalRegistry(), obs, EnvironmentOptions{})
		ctx = context.Background()
		ref = testRef(t, types.NewStringKey("a"))
	)

	first, err := env.InvokeActor(ctx, ref, "instanceID", nil)
	require.NoError(t, err)

	inFlight, queued := startBlockedAndQueued(t, env, obs, ref)

	deactivateErr := make(chan error, 1)
	go func() {
		deactivateErr <- env.DeactivateActor(ctx, ref)
	}()
	act, ok := lookupActivation(env, ref)
	require.True(t, ok)
	require.Eventually(t, func() bool {
		act.Lock()
		defer act.Unlock()
		return act.state == stateDeactivating
	}, testDefaultWait, time.Millisecond)

	// New invocations are never dispatched to a deactivating activation.
	_, err = act.invoke(ctx, "inc", nil)
	require.True(t, isTurnRejected(err))

	close(obs.release)
	require.NoError(t, <-deactivateErr)

	inFlightResult := <-inFlight
	require.NoError(t, inFlightResult.err)
	require.Equal(t, string(first), inFlightResult.result)

	queuedResult := <-queued
	require.NoError(t, queuedResult.err)
	require.NotEqual(t, string(first), queuedResult.result)
	require.Equal(t, int64(2), obs.numActivations())
}

// TestDeactivationDrainsQueuedTurns is the same as TestDeactivationRejectsQueuedTurns
// except with the drain policy, where queued turns complete on the old activation.
func TestDeactivationDrainsQueuedTurns(t *testing.T) {
	var (
		obs = newTestObserver()
		env = newTestEnvironment(
			t, localregistry.NewLocalRegistry(), obs,
			EnvironmentOptions{DeactivationPolicy: DeactivationPolicyDrainQueued})
		ctx = context.Background()
		ref = testRef(t, types.NewStringKey("a"))
	)

	first, err := env.InvokeActor(ctx, ref, "instanceID", nil)
	require.NoError(t, err)

	inFlight, queued := startBlockedAndQueued(t, env, obs, ref)

	deactivateErr := make(chan error, 1)
	go func() {
		deactivateErr <- env.DeactivateActor(ctx, ref)
	}()
	act, ok := lookupActivation(env, ref)
	require.True(t, ok)
	require.Eventually(t, func() bool {
		act.Lock()
		defer act.Unlock()
		return act.state == stateDeactivating
	}, testDefaultWait, time.Millisecond)

	close(obs.release)
	require.NoError(t, <-deactivateErr)

	require.Equal(t, string(first), (<-inFlight).result)
	queuedResult := <-queued
	require.NoError(t, queuedResult.err)
	require.Equal(t, string(first), queuedResult.result)
	require.Equal(t, int64(1), obs.numActivations())
	require.Equal(t, int64(1), obs.numDeactivations())
}

type invokeResult struct {
	result string
	err    error
}

// startBlockedAndQueued starts a "block" invocation and waits until it is running, then
// queues an "instanceID" invocation behind it.
func startBlockedAndQueued(
	t *testing.T,
	env Environment,
	obs *testObserver,
	ref types.ActorReference,
) (chan invokeResult, chan invokeResult) {
	var (
		ctx      = context.Background()
		inFlight = make(chan invokeResult, 1)
		queued   = make(chan invokeResult, 1)
	)
	go func() {
		result, err := env.InvokeActor(ctx, ref, "block", nil)
		inFlight <- invokeResult{string(result), err}
	}()
	<-obs.blockStarted

	go func() {
		result, err := env.InvokeActor(ctx, ref, "instanceID", nil)
		queued <- invokeResult{string(result), err}
	}()
	act, ok := lookupActivation(env, ref)
	require.True(t, ok)
	require.Eventually(t, func() bool {
		return queueLen(act) == 1
	}, testDefaultWait, time.Millisecond)

	return inFlight, queued
}

func TestDeactivateOnIdle(t *testing.T) {
	var (
		obs = newTestObserver()
		env = newTestEnvironment(t, localregistry.NewLocalRegistry(), obs, EnvironmentOptions{})
		ctx = context.Background()
		ref = testRef(t, types.NewStringKey("a"))
	)

	_, err := env.InvokeActor(ctx, ref, "deactivateOnIdle", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return env.numActivatedActors() == 0
	}, testDefaultWait, time.Millisecond)
	require.Equal(t, int64(1), obs.numDeactivations())
}

func TestIdleTimeoutDeactivates(t *testing.T) {
	var (
		obs = newTestObserver()
		env = newTestEnvironment(
			t, localregistry.NewLocalRegistry(), obs,
			EnvironmentOptions{ActivationIdleTimeout: 50 * time.Millisecond})
		ctx = context.Background()
	)

	for i := 0; i < 10; i++ {
		_, err := env.InvokeActor(ctx, testRef(t, types.NewIntKey(int64(i))), "inc", nil)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		return env.numActivatedActors() == 0
	}, testDefaultWait, 10*time.Millisecond)
	require.Equal(t, int64(10), obs.numDeactivations())
	require.Equal(t, 0, env.(*environment).activations.idle.len())
}

// heartbeatRecorder records when the environment heartbeats.
type heartbeatRecorder struct {
	registry.Registry

	sync.Mutex
	beats []time.Time
}

func (h *heartbeatRecorder) Heartbeat(
	ctx context.Context,
	serverID string,
	state registry.HeartbeatState,
) (registry.HeartbeatResult, error) {
	h.Lock()
	h.beats = append(h.beats, time.Now())
	h.Unlock()
	return h.Registry.Heartbeat(ctx, serverID, state)
}

// maxGap returns the longest time between two consecutive heartbeats in [start, end].
func (h *heartbeatRecorder) maxGap(start, end time.Time) time.Duration {
	h.Lock()
	defer h.Unlock()

	var (
		max  time.Duration
		prev = start
	)
	for _, beat := range h.beats {
		if beat.Before(start) || beat.After(end) {
			continue
		}
		if gap := beat.Sub(prev); gap > max {
			max = gap
		}
		prev = beat
	}
	if gap := end.Sub(prev); gap > max {
		max = gap
	}
	return max
}

// TestIdleSweepDoesNotBlockHeartbeats ensures that slow OnDeactivate hooks run by the idle
// sweep neither delay heartbeats nor each other.
func TestIdleSweepDoesNotBlockHeartbeats(t *testing.T) {
	var (
		obs = newTestObserver()
		reg = &heartbeatRecorder{Registry: localregistry.NewLocalRegistry()}
		ctx = context.Background()

		numGrains = 4
	)
	obs.deactivateDelay = 500 * time.Millisecond
	env := newTestEnvironment(t, reg, obs, EnvironmentOptions{
		HeartbeatInterval:     10 * time.Millisecond,
		ActivationIdleTimeout: 20 * time.Millisecond,
	})

	start := time.Now()
	for i := 0; i < numGrains; i++ {
		_, err := env.InvokeActor(ctx, testRef(t, types.NewIntKey(int64(i))), "inc", nil)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		return obs.numDeactivations() == int64(numGrains) && env.numActivatedActors() == 0
	}, testDefaultWait, 10*time.Millisecond)
	end := time.Now()

	// The hooks ran concurrently rather than one after the other.
	require.Less(t, end.Sub(start), time.Duration(numGrains)*obs.deactivateDelay)
	// And heartbeats kept flowing while they ran.
	require.Less(t, reg.maxGap(start, end), 250*time.Millisecond)
}

// TestIdleTouchAfterDeactivation ensures that activity recorded after an activation has
// gone away never leaves it behind in the idle tracker.
func TestIdleTouchAfterDeactivation(t *testing.T) {
	var (
		obs = newTestObserver()
		env = newTestEnvironment(t, localregistry.NewLocalRegistry(), obs, EnvironmentOptions{})
		ctx = context.Background()
		ref = testRef(t, types.NewStringKey("a"))
	)

	_, err := env.InvokeActor(ctx, ref, "inc", nil)
	require.NoError(t, err)
	act, ok := lookupActivation(env, ref)
	require.True(t, ok)
	require.Equal(t, 1, env.(*environment).activations.idle.len())

	require.NoError(t, env.DeactivateActor(ctx, ref))
	require.Equal(t, 0, env.(*environment).activations.idle.len())

	act.touchIdle()
	require.Equal(t, 0, env.(*environment).activations.idle.len())
}

// TestDeactivateOnIdleDuringActivation ensures a grain that asks to be deactivated from
// OnActivate is fully removed, including from the idle tracker.
func TestDeactivateOnIdleDuringActivation(t *testing.T) {
	var (
		obs = newTestObserver()
		env = newTestEnvironment(t, localregistry.NewLocalRegistry(), obs, EnvironmentOptions{})
		ctx = context.Background()
		ref = testRef(t, types.NewStringKey(testDeactivateOnActivateKey))
	)

	_, err := env.InvokeActor(ctx, ref, "getCount", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return env.numActivatedActors() == 0 && obs.numActivations() == obs.numDeactivations()
	}, testDefaultWait, time.Millisecond)
	require.Equal(t, 0, env.(*environment).activations.idle.len())
}

// TestCloseDeactivatesEverything ensures closing the environment runs every deactivation
// hook and that the environment refuses work afterwards.
func TestCloseDeactivatesEverything(t *testing.T) {
	var (
		obs = newTestObserver()
		ctx = context.Background()
	)
	env, err := NewEnvironment(ctx, "server1", localregistry.NewLocalRegistry(), nil, EnvironmentOptions{})
	require.NoError(t, err)
	require.NoError(t, env.RegisterGrainType(testGrainType, newTestGrainFactory(obs)))

	for i := 0; i < 10; i++ {
		_, err := env.InvokeActor(ctx, testRef(t, types.NewIntKey(int64(i))), "startTimer",
			[]byte(`{"due_millis": 1, "interval_millis": 1}`))
		require.NoError(t, err)
	}

	require.NoError(t, env.Close(ctx))
	require.Equal(t, int64(10), obs.numDeactivations())
	require.Equal(t, 0, env.numActivatedActors())

	_, err = env.InvokeActor(ctx, testRef(t, types.NewIntKey(1)), "inc", nil)
	require.True(t, errors.Is(err, ErrEnvironmentClosed))

	// Idempotent.
	require.NoError(t, env.Close(ctx))
}

// TestRequestContextLocalPropagation ensures the callee observes the caller's values and
// correlation ID, but that its own mutations don't leak back to the caller.
func TestRequestContextLocalPropagation(t *testing.T) {
	var (
		env = newTestEnvironment(t, localregistry.NewLocalRegistry(), newTestObserver(), EnvironmentOptions{})
		ref = testRef(t, types.NewStringKey("a"))
		ctx = reqctx.New(context.Background())
	)
	reqctx.Set(ctx, "jarjar", "binks")

	result, err := env.InvokeActor(ctx, ref, "getValue", []byte("jarjar"))
	require.NoError(t, err)
	require.Equal(t, "binks", string(result))

	result, err = env.InvokeActor(ctx, ref, "correlationID", nil)
	require.NoError(t, err)
	require.Equal(t, reqctx.CorrelationID(ctx).String(), string(result))

	_, err = env.InvokeActor(ctx, ref, "setValue", []byte("leaked"))
	require.NoError(t, err)
	_, ok := reqctx.Get(ctx, "leaked")
	require.False(t, ok)

	// A caller without a request context gets a fresh root per call.
	first, err := env.InvokeActor(context.Background(), ref, "correlationID", nil)
	require.NoError(t, err)
	second, err := env.InvokeActor(context.Background(), ref, "correlationID", nil)
	require.NoError(t, err)
	require.NotEqual(t, first, second)
	require.NotEqual(t, uuid.Nil.String(), string(first))
}

func TestLegacyCorrelationIDDisabled(t *testing.T) {
	var (
		env = newTestEnvironment(t, localregistry.NewLocalRegistry(), newTestObserver(), EnvironmentOptions{})
		ref = testRef(t, types.NewStringKey("a"))
	)

	for i := 0; i < 3; i++ {
		result, err := env.InvokeActor(context.Background(), ref, "legacyCorrelationID", nil)
		require.True(t, errors.Is(err, reqctx.ErrUnsupportedOperation))
		require.Nil(t, result)
	}
}

func TestLegacyCorrelationIDEnabled(t *testing.T) {
	var (
		env = newTestEnvironment(
			t, localregistry.NewLocalRegistry(), newTestObserver(),
			EnvironmentOptions{RequestContext: reqctx.Options{PropagateLegacyCorrelationID: true}})
		ref    = testRef(t, types.NewStringKey("a"))
		ctx    = env.Propagator().NewRoot(context.Background())
		legacy = uuid.New()
	)
	require.NoError(t, reqctx.SetLegacyCorrelationID(ctx, legacy))

	result, err := env.InvokeActor(ctx, ref, "legacyCorrelationID", nil)
	require.NoError(t, err)
	require.Equal(t, legacy.String(), string(result))
}

func TestInvokeActorJSON(t *testing.T) {
	var (
		env = newTestEnvironment(t, localregistry.NewLocalRegistry(), newTestObserver(), EnvironmentOptions{})
		ref = testRef(t, types.NewStringKey("a"))
	)

	var count int
	require.NoError(t, env.InvokeActorJSON(context.Background(), ref, "inc", nil, &count))
	require.Equal(t, 1, count)
	require.NoError(t, env.InvokeActorJSON(context.Background(), ref, "inc", nil, &count))
	require.Equal(t, 2, count)
}

func TestInvokeActorDirectRefusesOtherServer(t *testing.T) {
	var (
		env = newTestEnvironment(t, localregistry.NewLocalRegistry(), newTestObserver(), EnvironmentOptions{})
		ref = testRef(t, types.NewStringKey("a"))
		ctx = context.Background()
	)

	_, err := env.InvokeActorDirect(ctx, 1, "server2", 1, ref, "inc", nil)
	require.True(t, IsRoutingFailureError(err))
	serverID, ok := isServerMisdirectedError(err)
	require.True(t, ok)
	require.Equal(t, "server2", serverID)

	// Wrong server version means this server restarted since the placement was made.
	_, err = env.InvokeActorDirect(ctx, 1, "server1", 1000, ref, "inc", nil)
	require.True(t, IsRoutingFailureError(err))

	require.True(t, IsRoutingFailureError(env.DeactivateActorDirect(ctx, "server2", ref)))
	require.Equal(t, 0, env.numActivatedActors())
}

// TestGrainRoutingFailureNotRetried ensures that a routing failure returned by a grain
// is not mistaken for a failure to deliver the invocation to it.
func TestGrainRoutingFailureNotRetried(t *testing.T) {
	var (
		obs = newTestObserver()
		env = newTestEnvironment(t, localregistry.NewLocalRegistry(), obs, EnvironmentOptions{})
		ctx = context.Background()
		ref = testRef(t, types.NewStringKey("a"))
	)

	_, err := env.InvokeActor(ctx, ref, "failRouting", nil)
	require.True(t, IsRoutingFailureError(err), err.Error())
	require.Contains(t, err.Error(), "downstream")
	_, ok := isServerMisdirectedError(err)
	require.False(t, ok)

	require.Equal(t, int64(1), obs.numFailures())
	require.Equal(t, int64(1), obs.numActivations())
	require.Equal(t, 1, env.numActivatedActors())

	metrics := env.(*environment).metrics
	require.Equal(t, float64(1), testutil.ToFloat64(metrics.invocations.WithLabelValues("routing_failure")))
}

// unreachableRegistry always places grains on a server that doesn't exist, unless it is
// blacklisted in which case it has no live servers at all.
type unreachableRegistry struct {
	registry.Registry
}

func (u unreachableRegistry) EnsureActivation(
	ctx context.Context,
	req registry.EnsureActivationRequest,
) (registry.EnsureActivationResult, error) {
	if req.BlacklistedServerID == "dead-server" {
		return registry.EnsureActivationResult{}, fmt.Errorf("no placement: %w", registry.ErrNoLiveServers)
	}
	ref, err := types.NewActivationReference(
		"dead-server", 1, "127.0.0.1:1", types.ActorReference{Identity: req.Identity})
	if err != nil {
		return registry.EnsureActivationResult{}, err
	}
	return registry.EnsureActivationResult{
		References:   []types.ActivationReference{ref},
		VersionStamp: 1,
	}, nil
}

func TestRoutingFailureUnreachableServer(t *testing.T) {
	var (
		reg = unreachableRegistry{localregistry.NewLocalRegistry()}
		ctx = context.Background()
	)
	env, err := NewEnvironment(ctx, "server1", reg, NewHTTPClient(), EnvironmentOptions{})
	require.NoError(t, err)
	defer env.Close(ctx)
	require.NoError(t, env.RegisterGrainType(testGrainType, newTestGrainFactory(newTestObserver())))

	_, err = env.InvokeActor(ctx, testRef(t, types.NewStringKey("a")), "inc", nil)
	require.Error(t, err)
	require.True(t, IsRoutingFailureError(err), err.Error())
	require.True(t, errors.Is(err, registry.ErrNoLiveServers))
	require.Equal(t, 0, env.numActivatedActors())

	metrics := env.(*environment).metrics
	require.Equal(t, float64(1), testutil.ToFloat64(metrics.invocations.WithLabelValues("routing_failure")))
}

func TestInvalidReference(t *testing.T) {
	env := newTestEnvironment(t, localregistry.NewLocalRegistry(), newTestObserver(), EnvironmentOptions{})
	_, err := env.InvokeActor(context.Background(), types.ActorReference{}, "inc", nil)
	require.Error(t, err)
}

func TestDiscoverAddress(t *testing.T) {
	address, err := discoverAddress(DiscoveryOptions{DiscoveryType: DiscoveryTypeLocalHost, Port: 9090})
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:9090", address)

	address, err = discoverAddress(DiscoveryOptions{DiscoveryType: DiscoveryTypeStatic, Address: "10.0.0.1:1234"})
	require.NoError(t, err)
	require.Equal(t, "10.0.0.1:1234", address)

	_, err = discoverAddress(DiscoveryOptions{DiscoveryType: DiscoveryTypeStatic})
	require.Error(t, err)
	_, err = discoverAddress(DiscoveryOptions{DiscoveryType: "carrier-pigeon"})
	require.Error(t, err)
}

func TestParseDeactivationPolicy(t *testing.T) {
	policy, err := ParseDeactivationPolicy("")
	require.NoError(t, err)
	require.Equal(t, DeactivationPolicyRejectQueued, policy)

	policy, err = ParseDeactivationPolicy("drain")
	require.NoError(t, err)
	require.Equal(t, DeactivationPolicyDrainQueued, policy)

	_, err = ParseDeactivationPolicy("ignore")
	require.Error(t, err)
}
