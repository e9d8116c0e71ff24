// Package reqctx implements the request context: a small set of key/value pairs plus a
// correlation ID that follows a logical call wherever it goes. The request context rides
// inside a context.Context, so it survives goroutine hand-offs and continuations simply by
// virtue of the ctx being passed along, and the runtime serializes it across node
// boundaries (see Propagator).
//
// Branches get snapshots: Fork, Go and GoAll copy the current values so that mutations in
// one branch are never observed by siblings or by the parent.
package reqctx

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/exp/slog"
	"golang.org/x/sync/errgroup"

	"github.com/grainkit/grainkit/virtual/futures"
)

type requestContextCtxKey struct{}

// RequestContext is the per-call state carried by a context.Context. It is internally
// synchronized, but values stored in it are shared (not deep-copied) between snapshots so
// callers should treat them as immutable.
type RequestContext struct {
	sync.RWMutex

	values              map[string]any
	correlationID       uuid.UUID
	legacyCorrelationID uuid.UUID
	opts                Options
}

func newRequestContext(correlationID uuid.UUID, opts Options) *RequestContext {
	return &RequestContext{
		values:        make(map[string]any),
		correlationID: correlationID,
		opts:          opts,
	}
}

// New establishes a fresh root request context with a newly generated correlation ID
// and the legacy correlation mechanism disabled. Use Propagator.NewRoot to create a root
// with different options.
func New(ctx context.Context) context.Context {
	return with(ctx, newRequestContext(uuid.New(), Options{}))
}

// FromContext returns the request context installed in ctx, if any.
func FromContext(ctx context.Context) (*RequestContext, bool) {
	if ctx == nil {
		return nil, false
	}
	rc, ok := ctx.Value(requestContextCtxKey{}).(*RequestContext)
	return rc, ok && rc != nil
}

// Get returns the value stored at key. It returns false if the key is not set or if no
// request context has been established in ctx.
func Get(ctx context.Context, key string) (any, bool) {
	rc, ok := FromContext(ctx)
	if !ok {
		return nil, false
	}

	rc.RLock()
	defer rc.RUnlock()
	v, ok := rc.values[key]
	return v, ok
}

// GetString is the same as Get, except it only returns values that are strings.
func GetString(ctx context.Context, key string) (string, bool) {
	v, ok := Get(ctx, key)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Set stores value at key. It is a no-op if no request context has been established.
func Set(ctx context.Context, key string, value any) {
	rc, ok := FromContext(ctx)
	if !ok {
		return
	}

	rc.Lock()
	defer rc.Unlock()
	rc.values[key] = value
}

// Remove deletes key from the request context.
func Remove(ctx context.Context, key string) {
	rc, ok := FromContext(ctx)
	if !ok {
		return
	}

	rc.Lock()
	defer rc.Unlock()
	delete(rc.values, key)
}

// Keys returns the sorted keys currently set.
func Keys(ctx context.Context) []string {
	rc, ok := FromContext(ctx)
	if !ok {
		return nil
	}

	rc.RLock()
	keys := make([]string, 0, len(rc.values))
	for k := range rc.values {
		keys = append(keys, k)
	}
	rc.RUnlock()

	sort.Strings(keys)
	return keys
}

// CorrelationID returns the correlation ID that was generated at the root of the call
// chain, or uuid.Nil if no request context has been established.
func CorrelationID(ctx context.Context) uuid.UUID {
	rc, ok := FromContext(ctx)
	if !ok {
		return uuid.Nil
	}
	// Immutable after construction.
	return rc.correlationID
}

// LegacyCorrelationID returns the legacy correlation ID. It fails with
// ErrUnsupportedOperation unless the request context was set up with
// Options.PropagateLegacyCorrelationID.
func LegacyCorrelationID(ctx context.Context) (uuid.UUID, error) {
	rc, ok := FromContext(ctx)
	if !ok || !rc.opts.PropagateLegacyCorrelationID {
		return uuid.Nil, NewUnsupportedOperationError(
			"legacy correlation ID propagation is not enabled")
	}

	rc.RLock()
	defer rc.RUnlock()
	return rc.legacyCorrelationID, nil
}

// SetLegacyCorrelationID sets the legacy correlation ID. It fails with
// ErrUnsupportedOperation under the same conditions as LegacyCorrelationID.
func SetLegacyCorrelationID(ctx context.Context, id uuid.UUID) error {
	rc, ok := FromContext(ctx)
	if !ok || !rc.opts.PropagateLegacyCorrelationID {
		return NewUnsupportedOperationError(
			"legacy correlation ID propagation is not enabled")
	}

	rc.Lock()
	defer rc.Unlock()
	rc.legacyCorrelationID = id
	return nil
}

// Fork returns a ctx that carries an independent snapshot of the request context in ctx.
// If ctx has no request context it is returned unchanged.
func Fork(ctx context.Context) context.Context {
	rc, ok := FromContext(ctx)
	if !ok {
		return ctx
	}
	return with(ctx, rc.snapshot())
}

// Go forks the request context in ctx and runs fn on a new goroutine with the fork. The
// returned future resolves with fn's result. A panic in fn rejects the future.
func Go[T any](ctx context.Context, fn func(ctx context.Context) (T, error)) futures.Future[T] {
	var (
		f      = futures.New[T]()
		branch = Fork(ctx)
	)
	go func() {
		var (
			result T
			err    error
		)
		defer func() {
			if r := recover(); r != nil {
				f.Reject(fmt.Errorf("reqctx.Go: panic in branch: %v", r))
				return
			}
			f.ResolveOrReject(result, err)
		}()
		result, err = fn(branch)
	}()
	return f
}

// GoAll runs every fn concurrently, each with its own snapshot of the request context,
// and returns the first error encountered.
func GoAll(ctx context.Context, fns ...func(ctx context.Context) error) error {
	g, gCtx := errgroup.WithContext(ctx)
	for _, fn := range fns {
		var (
			fn     = fn
			branch = Fork(gCtx)
		)
		g.Go(func() error {
			return fn(branch)
		})
	}
	return g.Wait()
}

// LogAttrs returns the slog attributes that identify the call in log events.
func LogAttrs(ctx context.Context) []any {
	rc, ok := FromContext(ctx)
	if !ok {
		return nil
	}
	return []any{slog.String("correlation_id", rc.correlationID.String())}
}

func with(ctx context.Context, rc *RequestContext) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, requestContextCtxKey{}, rc)
}

func (r *RequestContext) snapshot() *RequestContext {
	r.RLock()
	defer r.RUnlock()

	cp := newRequestContext(r.correlationID, r.opts)
	for k, v := range r.values {
		cp.values[k] = v
	}
	cp.legacyCorrelationID = r.legacyCorrelationID
	return cp
}
