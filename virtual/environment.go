package virtual

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/exp/slog"

	"github.com/grainkit/grainkit/virtual/registry"
	"github.com/grainkit/grainkit/virtual/reqctx"
	"github.com/grainkit/grainkit/virtual/types"
)

const (
	// DiscoveryTypeLocalHost will make the environment advertise 127.0.0.1 as its address.
	DiscoveryTypeLocalHost = "localhost"
	// DiscoveryTypeRemote will make the environment advertise the first non-loopback IPv4
	// address of the host.
	DiscoveryTypeRemote = "remote"
	// DiscoveryTypeStatic will make the environment advertise DiscoveryOptions.Address as is.
	DiscoveryTypeStatic = "static"

	// DefaultHeartbeatInterval is the default interval at which the environment heartbeats
	// the registry.
	DefaultHeartbeatInterval = registry.HeartbeatTTL / 5
	// DefaultActivationTimeout bounds how long OnActivate may run.
	DefaultActivationTimeout = 10 * time.Second
	// DefaultActivationCacheTTL is the ideal staleness of cached placements.
	DefaultActivationCacheTTL = 5 * time.Second
)

// DeactivationPolicy controls what happens to turns that are queued on an activation when
// it begins deactivating. The turn that is currently running always completes.
type DeactivationPolicy int

const (
	// DeactivationPolicyRejectQueued rejects queued turns. Rejected invocations are retried
	// once against a fresh activation since they never started.
	DeactivationPolicyRejectQueued DeactivationPolicy = iota
	// DeactivationPolicyDrainQueued runs every queued turn before the deactivation hook.
	DeactivationPolicyDrainQueued
)

// ParseDeactivationPolicy parses "reject" or "drain".
func ParseDeactivationPolicy(s string) (DeactivationPolicy, error) {
	switch s {
	case "", "reject":
		return DeactivationPolicyRejectQueued, nil
	case "drain":
		return DeactivationPolicyDrainQueued, nil
	default:
		return 0, fmt.Errorf("unknown deactivation policy: %q", s)
	}
}

// DiscoveryOptions controls how the environment advertises itself to the registry.
type DiscoveryOptions struct {
	// DiscoveryType is one of DiscoveryTypeLocalHost, DiscoveryTypeRemote or
	// DiscoveryTypeStatic.
	DiscoveryType string
	// Port is the port the server listens on. Ignored for DiscoveryTypeStatic.
	Port int
	// Address is the full host:port to advertise when DiscoveryType is
	// DiscoveryTypeStatic.
	Address string
}

// EnvironmentOptions is the settings for the Environment.
type EnvironmentOptions struct {
	// Discovery contains the discovery options.
	Discovery DiscoveryOptions

	// HeartbeatInterval is how often the environment heartbeats the registry.
	HeartbeatInterval time.Duration
	// ActivationIdleTimeout is how long an activation may go without processing an
	// invocation before it is deactivated. Timer ticks do not count as activity. 0
	// disables idle deactivation.
	ActivationIdleTimeout time.Duration
	// DeactivationPolicy controls what happens to queued turns when an activation
	// deactivates.
	DeactivationPolicy DeactivationPolicy
	// MaxConcurrentTurns bounds the number of turns (across all activations) that execute
	// at the same time.
	MaxConcurrentTurns int
	// ActivationTimeout bounds how long OnActivate may run.
	ActivationTimeout time.Duration

	// ActivationCacheTTL is the ideal staleness of cached placements. Placements older than
	// this are refreshed in the background.
	ActivationCacheTTL time.Duration
	// DisableActivationCache disables the placement cache so that every invocation
	// consults the registry.
	DisableActivationCache bool

	// RequestContext configures how request contexts are propagated.
	RequestContext reqctx.Options

	// Logger is a logging instance used for logging messages.
	// If no logger is provided, the default logger from the slog
	// package (slog.Default()) will be used.
	Logger *slog.Logger
	// MetricsRegisterer is where the environment registers its metrics. If nil the
	// metrics are registered with a private registry.
	MetricsRegisterer prometheus.Registerer
}

// NewDefaultEnvironmentOptions returns the default options for an Environment.
func NewDefaultEnvironmentOptions() EnvironmentOptions {
	return EnvironmentOptions{
		Discovery: DiscoveryOptions{
			DiscoveryType: DiscoveryTypeLocalHost,
		},
		HeartbeatInterval:  DefaultHeartbeatInterval,
		DeactivationPolicy: DeactivationPolicyRejectQueued,
		MaxConcurrentTurns: runtime.NumCPU() * 16,
		ActivationTimeout:  DefaultActivationTimeout,
		ActivationCacheTTL: DefaultActivationCacheTTL,
	}
}

func (o *EnvironmentOptions) applyDefaults() {
	defaults := NewDefaultEnvironmentOptions()
	if o.Discovery.DiscoveryType == "" {
		o.Discovery.DiscoveryType = defaults.Discovery.DiscoveryType
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if o.MaxConcurrentTurns <= 0 {
		o.MaxConcurrentTurns = defaults.MaxConcurrentTurns
	}
	if o.ActivationTimeout <= 0 {
		o.ActivationTimeout = defaults.ActivationTimeout
	}
	if o.ActivationCacheTTL <= 0 {
		o.ActivationCacheTTL = defaults.ActivationCacheTTL
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

type environment struct {
	log *slog.Logger

	// State.
	activations      *activations      // Internally synchronized.
	activationsCache *activationsCache // Internally synchronized.

	heartbeatState struct {
		sync.RWMutex
		registry.HeartbeatResult
	}

	closeOnce    sync.Once
	closeCh      chan struct{}
	backgroundWG sync.WaitGroup

	// Dependencies.
	serverID   string
	address    string
	registry   registry.Registry
	client     RemoteClient
	propagator *reqctx.Propagator
	metrics    *environmentMetrics
	opts       EnvironmentOptions
}

// NewEnvironment creates a new Environment. It heartbeats the registry once before
// returning so that the server is immediately eligible to host activations.
func NewEnvironment(
	ctx context.Context,
	serverID string,
	reg registry.Registry,
	client RemoteClient,
	opts EnvironmentOptions,
) (Environment, error) {
	if serverID == "" {
		return nil, errors.New("serverID cannot be empty")
	}
	if reg == nil {
		return nil, errors.New("registry cannot be nil")
	}
	if client == nil {
		client = newNOOPRemoteClient()
	}
	opts.applyDefaults()

	address, err := discoverAddress(opts.Discovery)
	if err != nil {
		return nil, fmt.Errorf("NewEnvironment: error discovering address: %w", err)
	}

	metrics, err := newEnvironmentMetrics(opts.MetricsRegisterer, serverID)
	if err != nil {
		return nil, fmt.Errorf("NewEnvironment: %w", err)
	}

	log := opts.Logger.With(slog.String("module", "environment"), slog.String("server_id", serverID))
	env := &environment{
		log:        log,
		closeCh:    make(chan struct{}),
		serverID:   serverID,
		address:    address,
		registry:   reg,
		client:     client,
		propagator: reqctx.NewPropagator(opts.RequestContext),
		metrics:    metrics,
		opts:       opts,
	}
	env.activations = newActivations(env, metrics, env.propagator, opts, log)
	env.activationsCache = newActivationsCache(
		reg, opts.ActivationCacheTTL, opts.DisableActivationCache, log)

	// Do at least one heartbeat before returning so callers can invoke immediately.
	if err := env.heartbeat(); err != nil {
		return nil, fmt.Errorf("NewEnvironment: error performing initial heartbeat: %w", err)
	}

	env.backgroundWG.Add(1)
	go env.heartbeatLoop()
	if opts.ActivationIdleTimeout > 0 {
		env.backgroundWG.Add(1)
		go env.idleLoop()
	}

	log.Info("environment started", slog.String("address", address))
	return env, nil
}

func (r *environment) RegisterGrainType(grainType string, factory GrainFactory) error {
	return r.activations.registerFactory(grainType, factory)
}

func (r *environment) InvokeActor(
	ctx context.Context,
	ref types.ActorReference,
	method string,
	payload []byte,
) ([]byte, error) {
	if r.isClosed() {
		return nil, ErrEnvironmentClosed
	}
	if err := ref.Identity.Validate(); err != nil {
		return nil, fmt.Errorf("InvokeActor: invalid reference: %w", err)
	}

	ctx = r.propagator.EnsureRoot(ctx)

	// Don't hold a worker slot while waiting on another grain.
	if slot, ok := turnSlotFromContext(ctx); ok {
		slot.suspend()
		defer slot.resume()
	}

	result, err := r.invokeActor(ctx, ref, method, payload)
	r.metrics.recordInvocation(err)
	return result, err
}

func (r *environment) invokeActor(
	ctx context.Context,
	ref types.ActorReference,
	method string,
	payload []byte,
) ([]byte, error) {
	references, vs, err := r.ensureActivation(ctx, ref.Identity, "")
	if err != nil {
		return nil, err
	}

	result, err := r.invokeReferences(ctx, vs, references, method, payload)
	if serverID, ok := isServerMisdirectedError(err); ok {
		// The server we routed to refused the grain or could not be reached. Ask the
		// registry for a new placement that avoids it and try once more.
		r.log.Warn(
			"routing failure, retrying with blacklisted server",
			append(reqctx.LogAttrs(ctx),
				slog.String("grain", ref.String()),
				slog.String("blacklisted_server_id", serverID),
				slog.String("error", err.Error()))...)

		references, vs, err = r.ensureActivation(ctx, ref.Identity, serverID)
		if err != nil {
			return nil, err
		}
		result, err = r.invokeReferences(ctx, vs, references, method, payload)
		if _, ok := isServerMisdirectedError(err); ok {
			r.activationsCache.delete(ref.Identity)
		}
	}
	return result, err
}

func (r *environment) ensureActivation(
	ctx context.Context,
	id types.ActorIdentity,
	blacklistedServerID string,
) ([]types.ActivationReference, int64, error) {
	references, vs, err := r.activationsCache.ensureActivation(ctx, id, blacklistedServerID)
	if err != nil {
		if errors.Is(err, registry.ErrNoLiveServers) {
			return nil, -1, NewRoutingFailureError(err, "")
		}
		return nil, -1, err
	}
	return references, vs, nil
}

func (r *environment) invokeReferences(
	ctx context.Context,
	versionStamp int64,
	references []types.ActivationReference,
	method string,
	payload []byte,
) ([]byte, error) {
	// TODO: Load balancing or some other strategy if the number of references is > 1?
	ref := references[0]
	if r.isLocal(ref) {
		return r.InvokeActorDirect(
			ctx, versionStamp, ref.Physical.ServerID, ref.Physical.ServerVersion,
			ref.Virtual, method, payload)
	}

	return r.client.InvokeActorRemote(
		ctx, versionStamp, ref, method, payload, r.propagator.Export(ctx))
}

func (r *environment) InvokeActorJSON(
	ctx context.Context,
	ref types.ActorReference,
	method string,
	payload any,
	result any,
) error {
	marshaled, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("InvokeActorJSON: error marshaling payload: %w", err)
	}

	resultBytes, err := r.InvokeActor(ctx, ref, method, marshaled)
	if err != nil {
		return err
	}

	if result == nil || len(resultBytes) == 0 {
		return nil
	}
	if err := json.Unmarshal(resultBytes, result); err != nil {
		return fmt.Errorf("InvokeActorJSON: error unmarshaling result: %w", err)
	}
	return nil
}

func (r *environment) InvokeActorDirect(
	ctx context.Context,
	versionStamp int64,
	serverID string,
	serverVersion int64,
	ref types.ActorReference,
	method string,
	payload []byte,
) ([]byte, error) {
	if r.isClosed() {
		return nil, ErrEnvironmentClosed
	}
	if err := r.checkOwnership(versionStamp, serverID, serverVersion); err != nil {
		return nil, err
	}

	ctx = r.propagator.EnsureRoot(ctx)
	return r.activations.invoke(ctx, ref.Identity, method, payload)
}

func (r *environment) DeactivateActor(ctx context.Context, ref types.ActorReference) error {
	if r.isClosed() {
		return ErrEnvironmentClosed
	}

	ctx = r.propagator.EnsureRoot(ctx)
	references, _, err := r.ensureActivation(ctx, ref.Identity, "")
	if err != nil {
		return err
	}

	target := references[0]
	if r.isLocal(target) {
		return r.DeactivateActorDirect(ctx, target.Physical.ServerID, ref)
	}
	return r.client.DeactivateActorRemote(ctx, target, r.propagator.Export(ctx))
}

func (r *environment) DeactivateActorDirect(
	ctx context.Context,
	serverID string,
	ref types.ActorReference,
) error {
	if r.isClosed() {
		return ErrEnvironmentClosed
	}
	if serverID != r.serverID && serverID != r.address {
		return newMisdirectedError(
			fmt.Errorf("request for server ID: %s received by server: %s", serverID, r.serverID),
			serverID)
	}
	return r.activations.deactivate(ctx, ref.Identity)
}

// checkOwnership refuses direct invocations that were routed here based on a placement
// this server no longer agrees with.
func (r *environment) checkOwnership(
	versionStamp int64,
	serverID string,
	serverVersion int64,
) error {
	if serverID != r.serverID && serverID != r.address {
		return newMisdirectedError(
			fmt.Errorf("request for server ID: %s received by server: %s, cannot fulfill", serverID, r.serverID),
			serverID)
	}

	r.heartbeatState.RLock()
	heartbeatResult := r.heartbeatState.HeartbeatResult
	r.heartbeatState.RUnlock()

	if heartbeatResult.VersionStamp+heartbeatResult.HeartbeatTTL < versionStamp {
		return newMisdirectedError(
			fmt.Errorf(
				"server: %s last heartbeat versionstamp: %d + TTL: %d is older than request versionstamp: %d",
				r.serverID, heartbeatResult.VersionStamp, heartbeatResult.HeartbeatTTL, versionStamp),
			serverID)
	}
	if serverVersion != heartbeatResult.ServerVersion {
		return newMisdirectedError(
			fmt.Errorf(
				"request server version: %d does not match server: %s version: %d",
				serverVersion, r.serverID, heartbeatResult.ServerVersion),
			serverID)
	}
	return nil
}

func (r *environment) isLocal(ref types.ActivationReference) bool {
	return ref.Physical.ServerID == r.serverID || ref.Physical.Address == r.address
}

func (r *environment) ServerID() string {
	return r.serverID
}

func (r *environment) Propagator() *reqctx.Propagator {
	return r.propagator
}

func (r *environment) Stats() Stats {
	quantiles := r.activations.latency.quantiles(0.5, 0.9, 0.99)
	return Stats{
		NumActivatedActors: r.activations.numActivatedActors(),
		NumTurns:           r.activations.latency.count(),
		TurnLatencyP50:     quantiles[0],
		TurnLatencyP90:     quantiles[1],
		TurnLatencyP99:     quantiles[2],
	}
}

func (r *environment) Close(ctx context.Context) error {
	var err error
	r.closeOnce.Do(func() {
		r.log.Info("closing environment")
		close(r.closeCh)
		r.backgroundWG.Wait()

		err = r.activations.close(ctx)
		r.log.Info("closed environment", slog.Int("num_activated_actors", r.activations.numActivatedActors()))
	})
	if err != nil {
		return fmt.Errorf("error closing environment: %w", err)
	}
	return nil
}

func (r *environment) isClosed() bool {
	select {
	case <-r.closeCh:
		return true
	default:
		return false
	}
}

func (r *environment) numActivatedActors() int {
	return r.activations.numActivatedActors()
}

func (r *environment) heartbeat() error {
	ctx, cc := context.WithTimeout(context.Background(), r.opts.HeartbeatInterval*2)
	defer cc()

	result, err := r.registry.Heartbeat(ctx, r.serverID, registry.HeartbeatState{
		NumActivatedActors: r.activations.numActivatedActors(),
		Address:            r.address,
	})
	if err != nil {
		return fmt.Errorf("error heartbeating: %w", err)
	}

	r.heartbeatState.Lock()
	r.heartbeatState.HeartbeatResult = result
	r.heartbeatState.Unlock()
	return nil
}

func (r *environment) heartbeatLoop() {
	defer r.backgroundWG.Done()

	ticker := time.NewTicker(r.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := r.heartbeat(); err != nil {
				r.log.Error("error performing background heartbeat", slog.String("error", err.Error()))
			}
		case <-r.closeCh:
			r.log.Info("heartbeat loop: exiting")
			return
		}
	}
}

// idleLoop sweeps idle activations on its own goroutine so that slow OnDeactivate hooks
// can never delay heartbeats and cause this server to be considered dead.
func (r *environment) idleLoop() {
	defer r.backgroundWG.Done()

	ticker := time.NewTicker(r.opts.ActivationIdleTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.activations.deactivateIdle(context.Background())
		case <-r.closeCh:
			r.log.Info("idle loop: exiting")
			return
		}
	}
}

func discoverAddress(opts DiscoveryOptions) (string, error) {
	switch opts.DiscoveryType {
	case DiscoveryTypeLocalHost:
		return fmt.Sprintf("127.0.0.1:%d", opts.Port), nil
	case DiscoveryTypeRemote:
		selfIP, err := getSelfIP()
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s:%d", selfIP.String(), opts.Port), nil
	case DiscoveryTypeStatic:
		if opts.Address == "" {
			return "", errors.New("address must be provided for static discovery")
		}
		return opts.Address, nil
	default:
		return "", fmt.Errorf("unknown discovery type: %s", opts.DiscoveryType)
	}
}

func getSelfIP() (net.IP, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, fmt.Errorf("error listing interface addresses: %w", err)
	}
	for _, address := range addrs {
		if ipnet, ok := address.(*net.IPNet); ok && !ipnet.IP.IsLoopback() && ipnet.IP.To4() != nil {
			return ipnet.IP, nil
		}
	}
	return nil, errors.New("could not discover a non-loopback IPv4 address")
}
