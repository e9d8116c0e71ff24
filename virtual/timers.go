package virtual

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/exp/slog"

	"github.com/grainkit/grainkit/virtual/reqctx"
)

// Timer is a recurring callback registered by an activation. Its lifetime is bound to the
// activation that registered it: every timer is cancelled when the activation begins
// deactivating.
type Timer struct {
	sync.Mutex

	act      *activation
	cb       TimerCallback
	interval time.Duration

	t         *time.Timer
	pending   bool
	cancelled bool
}

func registerTimer(
	act *activation,
	cb TimerCallback,
	due time.Duration,
	interval time.Duration,
) (*Timer, error) {
	if cb == nil {
		return nil, errors.New("timer callback cannot be nil")
	}
	if due < 0 {
		return nil, errors.New("timer due time cannot be negative")
	}
	if interval < 0 {
		return nil, errors.New("timer interval cannot be negative")
	}

	timer := &Timer{
		act:      act,
		cb:       cb,
		interval: interval,
	}
	if err := act.addTimer(timer); err != nil {
		return nil, err
	}

	timer.Lock()
	timer.t = time.AfterFunc(due, timer.fire)
	timer.Unlock()
	return timer, nil
}

// Cancel stops the timer. A callback that is already running is not interrupted, but no
// further callbacks will be invoked. Cancel is idempotent.
func (t *Timer) Cancel() {
	t.stop()
	t.act.removeTimer(t)
}

func (t *Timer) stop() {
	t.Lock()
	defer t.Unlock()

	t.cancelled = true
	if t.t != nil {
		t.t.Stop()
	}
}

func (t *Timer) fire() {
	t.Lock()
	defer t.Unlock()

	if t.cancelled {
		return
	}
	if t.interval > 0 {
		t.t.Reset(t.interval)
	}
	if t.pending {
		// The previous tick is still queued or running.
		return
	}

	// Every tick is the root of its own call chain.
	ctx := t.act.mgr.propagator.NewRoot(context.Background())
	if err := t.act.enqueue(newTurn(ctx, turnKindTimer, t.run)); err != nil {
		// Deactivating, the timer is about to be stopped.
		return
	}
	t.pending = true
}

func (t *Timer) run(ctx context.Context) ([]byte, error) {
	defer func() {
		t.Lock()
		t.pending = false
		t.Unlock()
	}()

	t.Lock()
	cancelled := t.cancelled
	t.Unlock()
	if cancelled {
		return nil, nil
	}

	_, err := runSafely(ctx, func(ctx context.Context) ([]byte, error) {
		return nil, t.cb(ctx)
	})
	if err != nil {
		t.act.mgr.metrics.timerFaults.Inc()
		t.act.log.Error(
			"timer callback failed",
			append(reqctx.LogAttrs(ctx), slog.String("error", err.Error()))...)
	}
	// Timer faults never fail the turn.
	return nil, nil
}
