package reqctx

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Options configures how request contexts are created and propagated.
type Options struct {
	// PropagateLegacyCorrelationID enables the legacy correlation ID. When disabled,
	// reading or writing it fails with ErrUnsupportedOperation and it is never sent to
	// or accepted from other nodes.
	PropagateLegacyCorrelationID bool `yaml:"propagate_legacy_correlation_id"`
}

// Propagator moves request contexts across process boundaries. Each node owns one and
// its Options decide what the node accepts, regardless of what the sender sent.
type Propagator struct {
	opts Options
}

// NewPropagator creates a new Propagator.
func NewPropagator(opts Options) *Propagator {
	return &Propagator{opts: opts}
}

// Options returns the options the propagator was created with.
func (p *Propagator) Options() Options {
	return p.opts
}

// NewRoot establishes a new root request context in ctx with a fresh correlation ID.
func (p *Propagator) NewRoot(ctx context.Context) context.Context {
	return with(ctx, newRequestContext(uuid.New(), p.opts))
}

// EnsureRoot returns ctx unchanged if it already carries a request context, otherwise
// it establishes a new root.
func (p *Propagator) EnsureRoot(ctx context.Context) context.Context {
	if _, ok := FromContext(ctx); ok {
		return ctx
	}
	return p.NewRoot(ctx)
}

// Export snapshots the request context in ctx into its wire representation.
func (p *Propagator) Export(ctx context.Context) Wire {
	rc, ok := FromContext(ctx)
	if !ok {
		return Wire{}
	}

	rc.RLock()
	defer rc.RUnlock()

	w := Wire{CorrelationID: rc.correlationID.String()}
	if len(rc.values) > 0 {
		w.Values = make(map[string]any, len(rc.values))
		for k, v := range rc.values {
			w.Values[k] = v
		}
	}
	if p.opts.PropagateLegacyCorrelationID &&
		rc.opts.PropagateLegacyCorrelationID &&
		rc.legacyCorrelationID != uuid.Nil {
		w.LegacyCorrelationID = rc.legacyCorrelationID.String()
	}
	return w
}

// Import installs the request context described by w into ctx. An empty wire value (the
// caller had no request context) starts a new root.
func (p *Propagator) Import(ctx context.Context, w Wire) (context.Context, error) {
	if w.IsZero() {
		return p.NewRoot(ctx), nil
	}

	correlationID := uuid.New()
	if w.CorrelationID != "" {
		parsed, err := uuid.Parse(w.CorrelationID)
		if err != nil {
			return nil, fmt.Errorf("reqctx: Import: error parsing correlation ID: %w", err)
		}
		correlationID = parsed
	}

	rc := newRequestContext(correlationID, p.opts)
	for k, v := range w.Values {
		rc.values[k] = v
	}
	if p.opts.PropagateLegacyCorrelationID && w.LegacyCorrelationID != "" {
		legacy, err := uuid.Parse(w.LegacyCorrelationID)
		if err != nil {
			return nil, fmt.Errorf("reqctx: Import: error parsing legacy correlation ID: %w", err)
		}
		rc.legacyCorrelationID = legacy
	}

	return with(ctx, rc), nil
}
