package virtual

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/grainkit/grainkit/virtual/reqctx"
	"github.com/grainkit/grainkit/virtual/types"
)

const (
	testGrainType   = "test"
	testInvalidKey  = int64(-2)
	testDefaultWait = 5 * time.Second

	testDeactivateOnActivateKey = "deactivate-on-activate"
)

// testObserver lets tests observe grains from outside of their turns.
type testObserver struct {
	sync.Mutex

	activations   int64
	deactivations int64
	timerTicks    int64
	failures      int64
	inTurn        int32
	maxInTurn     int32

	blockStarted chan struct{}
	release      chan struct{}

	// How long OnDeactivate takes. Must be set before any grain is activated.
	deactivateDelay time.Duration
}

func newTestObserver() *testObserver {
	return &testObserver{
		blockStarted: make(chan struct{}, 100),
		release:      make(chan struct{}),
	}
}

func (o *testObserver) enter() {
	n := atomic.AddInt32(&o.inTurn, 1)
	for {
		max := atomic.LoadInt32(&o.maxInTurn)
		if n <= max || atomic.CompareAndSwapInt32(&o.maxInTurn, max, n) {
			return
		}
	}
}

func (o *testObserver) exit() {
	atomic.AddInt32(&o.inTurn, -1)
}

func (o *testObserver) numActivations() int64 {
	return atomic.LoadInt64(&o.activations)
}

func (o *testObserver) numDeactivations() int64 {
	return atomic.LoadInt64(&o.deactivations)
}

func (o *testObserver) numTimerTicks() int64 {
	return atomic.LoadInt64(&o.timerTicks)
}

func (o *testObserver) numFailures() int64 {
	return atomic.LoadInt64(&o.failures)
}

type testTimerRequest struct {
	DueMillis      int  `json:"due_millis"`
	IntervalMillis int  `json:"interval_millis"`
	SleepMillis    int  `json:"sleep_millis"`
	Fault          bool `json:"fault"`
	Panic          bool `json:"panic"`
}

type testInvokeRequest struct {
	Ref     types.ActorReference `json:"ref"`
	Method  string               `json:"method"`
	Payload []byte               `json:"payload"`
}

type testGrain struct {
	obs   *testObserver
	gctx  *GrainContext
	count int64
}

func newTestGrainFactory(obs *testObserver) GrainFactory {
	return func() Grain {
		return &testGrain{obs: obs}
	}
}

func (g *testGrain) OnActivate(ctx context.Context, gctx *GrainContext) error {
	if key, ok := gctx.Identity().Key.IntKey(); ok && key == testInvalidKey {
		return fmt.Errorf("key: %d is not allowed", key)
	}
	g.gctx = gctx
	atomic.AddInt64(&g.obs.activations, 1)
	if key, ok := gctx.Identity().Key.StringKey(); ok && key == testDeactivateOnActivateKey {
		gctx.DeactivateOnIdle()
	}
	return nil
}

func (g *testGrain) OnDeactivate(ctx context.Context, gctx *GrainContext) error {
	time.Sleep(g.obs.deactivateDelay)
	atomic.AddInt64(&g.obs.deactivations, 1)
	return nil
}

func (g *testGrain) Invoke(ctx context.Context, method string, payload []byte) ([]byte, error) {
	g.obs.enter()
	defer g.obs.exit()

	switch method {
	case "inc":
		g.count++
		return []byte(strconv.FormatInt(g.count, 10)), nil
	case "getCount":
		return []byte(strconv.FormatInt(g.count, 10)), nil
	case "instanceID":
		return []byte(g.gctx.InstanceID().String()), nil
	case "serverID":
		return []byte(g.gctx.ServerID()), nil
	case "sleep":
		millis, err := strconv.Atoi(string(payload))
		if err != nil {
			return nil, err
		}
		time.Sleep(time.Duration(millis) * time.Millisecond)
		return nil, nil
	case "block":
		g.obs.blockStarted <- struct{}{}
		<-g.obs.release
		return []byte(g.gctx.InstanceID().String()), nil
	case "panic":
		panic("boom")
	case "fail":
		return nil, errors.New("grain failed")
	case "failRouting":
		// Looks exactly like a delivery failure, but it happened further downstream.
		atomic.AddInt64(&g.obs.failures, 1)
		return nil, fmt.Errorf(
			"downstream: %w", newMisdirectedError(errors.New("peer unreachable"), "server-elsewhere"))
	case "correlationID":
		return []byte(reqctx.CorrelationID(ctx).String()), nil
	case "legacyCorrelationID":
		id, err := reqctx.LegacyCorrelationID(ctx)
		if err != nil {
			return nil, err
		}
		return []byte(id.String()), nil
	case "getValue":
		v, _ := reqctx.GetString(ctx, string(payload))
		return []byte(v), nil
	case "setValue":
		reqctx.Set(ctx, string(payload), "set-by-callee")
		return nil, nil
	case "invoke":
		var req testInvokeRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		return g.gctx.InvokeActor(ctx, req.Ref, req.Method, req.Payload)
	case "invokeSelf":
		return g.gctx.InvokeActor(ctx, g.gctx.Reference(), "inc", nil)
	case "startTimer":
		var req testTimerRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		_, err := g.gctx.RegisterTimer(
			func(ctx context.Context) error {
				g.obs.enter()
				defer g.obs.exit()

				atomic.AddInt64(&g.obs.timerTicks, 1)
				time.Sleep(time.Duration(req.SleepMillis) * time.Millisecond)
				if req.Panic {
					panic("timer boom")
				}
				if req.Fault {
					return errors.New("timer failed")
				}
				return nil
			},
			time.Duration(req.DueMillis)*time.Millisecond,
			time.Duration(req.IntervalMillis)*time.Millisecond)
		return nil, err
	case "deactivateOnIdle":
		g.gctx.DeactivateOnIdle()
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown method: %s", method)
	}
}
