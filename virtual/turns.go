package virtual

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/grainkit/grainkit/virtual/futures"
)

type turnKind int

const (
	turnKindInvoke turnKind = iota
	turnKindTimer
	turnKindDeactivate
)

// turn is a single serialized unit of execution against an activation.
type turn struct {
	ctx    context.Context
	kind   turnKind
	fn     func(ctx context.Context) ([]byte, error)
	result futures.Future[[]byte]
}

func newTurn(
	ctx context.Context,
	kind turnKind,
	fn func(ctx context.Context) ([]byte, error),
) *turn {
	return &turn{
		ctx:    ctx,
		kind:   kind,
		fn:     fn,
		result: futures.New[[]byte](),
	}
}

type turnSlotCtxKey struct{}

// turnSlot tracks the worker slot held by a running turn. Outbound calls made from inside
// the turn suspend the slot so that a turn waiting on another grain does not occupy a
// worker, and resume it before the turn continues. The count allows a turn to fan out
// several concurrent outbound calls.
type turnSlot struct {
	sync.Mutex

	sem         *semaphore.Weighted
	act         *activation
	held        bool
	outstanding int
	finished    bool
}

func newTurnSlot(sem *semaphore.Weighted, act *activation) *turnSlot {
	return &turnSlot{sem: sem, act: act, held: true}
}

func withTurnSlot(ctx context.Context, slot *turnSlot) context.Context {
	return context.WithValue(ctx, turnSlotCtxKey{}, slot)
}

func turnSlotFromContext(ctx context.Context) (*turnSlot, bool) {
	slot, ok := ctx.Value(turnSlotCtxKey{}).(*turnSlot)
	return slot, ok
}

func (s *turnSlot) suspend() {
	s.Lock()
	defer s.Unlock()

	s.outstanding++
	if s.outstanding == 1 && s.held && !s.finished {
		s.sem.Release(1)
		s.held = false
	}
}

func (s *turnSlot) resume() {
	s.Lock()
	defer s.Unlock()

	s.outstanding--
	if s.outstanding < 0 {
		panic(fmt.Sprintf("[invariant violated] turnSlot outstanding count: %d < 0", s.outstanding))
	}
	if s.outstanding == 0 && !s.held && !s.finished {
		// Background because the turn is going to continue running regardless of whether
		// its context has expired, and it must not do so without a worker.
		_ = s.sem.Acquire(context.Background(), 1)
		s.held = true
	}
}

func (s *turnSlot) finish() {
	s.Lock()
	defer s.Unlock()

	if s.held {
		s.sem.Release(1)
		s.held = false
	}
	s.finished = true
}

// runSafely runs fn, converting a panic into an error so that a misbehaving grain
// method only fails its own turn.
func runSafely(
	ctx context.Context,
	fn func(ctx context.Context) ([]byte, error),
) (result []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in grain: %v\n%s", r, debug.Stack())
		}
	}()
	return fn(ctx)
}
