package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"golang.org/x/exp/slog"
	"golang.org/x/sync/singleflight"

	"github.com/grainkit/grainkit/virtual/registry/kv"
	"github.com/grainkit/grainkit/virtual/types"
)

const (
	// HeartbeatTTL is the maximum amount of time between server heartbeats before
	// the registry will consider a server as dead.
	HeartbeatTTL = 5 * time.Second
)

type kvRegistry struct {
	versionStampBatcher singleflight.Group
	kv                  kv.Store
	opts                KVRegistryOptions
	log                 *slog.Logger
}

// KVRegistryOptions contains the options for the KVRegistry.
type KVRegistryOptions struct {
	// MinSuccessiveHeartbeatsBeforeAllowActivations is the minimum number of
	// successive heartbeats the registry must receive from any serverID before
	// it will allow EnsureActivation() calls to succeed for any grain. This is
	// used to prevent a newly instantiated registry from making placement
	// decisions before every server has had the opportunity to heartbeat at least
	// once.
	MinSuccessiveHeartbeatsBeforeAllowActivations int

	// Logger is a logging instance used for logging messages.
	// If no logger is provided, the default logger from the slog
	// package (slog.Default()) will be used.
	Logger *slog.Logger
}

// NewKVRegistry creates a new KV-backed registry.
func NewKVRegistry(kv kv.Store, opts KVRegistryOptions) Registry {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return NewValidatedRegistry(&kvRegistry{
		kv:   kv,
		opts: opts,
		log:  opts.Logger.With(slog.String("module", "Registry"), slog.String("subService", "kvRegistry")),
	})
}

func (k *kvRegistry) EnsureActivation(
	ctx context.Context,
	req EnsureActivationRequest,
) (EnsureActivationResult, error) {
	actorKey := getActorKey(req.Identity)
	result, err := k.kv.Transact(ctx, func(tr kv.Transaction) (any, error) {
		ra, activationExists, err := getActor(ctx, tr, actorKey)
		if err != nil {
			return nil, fmt.Errorf("EnsureActivation: error getting grain: %w", err)
		}

		server, serverExists, err := getServer(ctx, tr, ra.Activation.ServerID)
		if err != nil {
			return nil, err
		}

		vs, err := tr.GetVersionStamp()
		if err != nil {
			return nil, fmt.Errorf("error getting versionstamp: %w", err)
		}

		var selected serverState
		if activationExists &&
			serverExists &&
			versionSince(vs, server.LastHeartbeatedAt) < HeartbeatTTL &&
			server.ServerVersion == ra.Activation.ServerVersion &&
			ra.Activation.ServerID != req.BlacklistedServerID {
			// We have an existing activation and the server is still alive (and hasn't
			// restarted since), so just use that.
			selected = server
		} else {
			// We need to pick a new server because either:
			//   1. There is no placement yet OR
			//   2. The server the grain was placed on has stopped heartbeating (or lost
			//      its activations by expiring and coming back) OR
			//   3. The caller told us the server refused the grain.
			liveServers, err := getLiveServers(ctx, vs, tr)
			if err != nil {
				return nil, err
			}
			if len(liveServers) == 0 {
				return nil, ErrNoLiveServers
			}

			maxNumHeartbeats := 0
			for _, s := range liveServers {
				if s.NumHeartbeats > maxNumHeartbeats {
					maxNumHeartbeats = s.NumHeartbeats
				}
			}
			if maxNumHeartbeats < k.opts.MinSuccessiveHeartbeatsBeforeAllowActivations {
				return nil, fmt.Errorf(
					"maxNumHeartbeats: %d < MinSuccessiveHeartbeatsBeforeAllowActivations(%d)",
					maxNumHeartbeats, k.opts.MinSuccessiveHeartbeatsBeforeAllowActivations)
			}

			var cachedServerID string
			if len(req.CachedActivationServerIDs) > 0 {
				cachedServerID = req.CachedActivationServerIDs[0]
			}

			selected = pickServerForActivation(
				liveServers, req.BlacklistedServerID, cachedServerID, !activationExists)
			ra.Activation = activation{
				ServerID:      selected.ServerID,
				ServerVersion: selected.ServerVersion,
			}
			marshaled, err := json.Marshal(&ra)
			if err != nil {
				return nil, fmt.Errorf("error marshaling activation: %w", err)
			}
			if err := tr.Put(ctx, actorKey, marshaled); err != nil {
				return nil, err
			}

			// Bump the count optimistically so a burst of activations between two
			// heartbeats doesn't all land on the same server.
			selected.HeartbeatState.NumActivatedActors++
			marshaled, err = json.Marshal(&selected)
			if err != nil {
				return nil, fmt.Errorf("error marshaling server state: %w", err)
			}
			if err := tr.Put(ctx, getServerKey(selected.ServerID), marshaled); err != nil {
				return nil, err
			}

			k.log.Info(
				"placed grain on server",
				slog.String("grain", req.Identity.String()),
				slog.String("server_id", selected.ServerID),
				slog.String("server_address", selected.HeartbeatState.Address),
			)
		}

		ref, err := types.NewActivationReference(
			selected.ServerID,
			selected.ServerVersion,
			selected.HeartbeatState.Address,
			types.ActorReference{Identity: req.Identity})
		if err != nil {
			return nil, fmt.Errorf("error creating new activation reference: %w", err)
		}

		return EnsureActivationResult{
			References:   []types.ActivationReference{ref},
			VersionStamp: vs,
		}, nil
	})
	if err != nil {
		return EnsureActivationResult{}, fmt.Errorf("EnsureActivation: error: %w", err)
	}

	return result.(EnsureActivationResult), nil
}

func (k *kvRegistry) GetVersionStamp(
	ctx context.Context,
) (int64, error) {
	// Every caller wants the same value, so concurrent calls share a single transaction
	// instead of each starting their own. This has the same effect as an extremely short
	// TTL cache, but the result is never stale relative to when the call started.
	v, err, _ := k.versionStampBatcher.Do("", func() (any, error) {
		return k.kv.Transact(ctx, func(tr kv.Transaction) (any, error) {
			return tr.GetVersionStamp()
		})
	})
	if err != nil {
		return -1, fmt.Errorf("GetVersionStamp: error: %w", err)
	}

	return v.(int64), nil
}

func (k *kvRegistry) Heartbeat(
	ctx context.Context,
	serverID string,
	heartbeatState HeartbeatState,
) (HeartbeatResult, error) {
	key := getServerKey(serverID)
	result, err := k.kv.Transact(ctx, func(tr kv.Transaction) (any, error) {
		state, ok, err := getServer(ctx, tr, serverID)
		if err != nil {
			return nil, err
		}

		vs, err := tr.GetVersionStamp()
		if err != nil {
			return nil, fmt.Errorf("error getting versionstamp: %w", err)
		}
		if !ok {
			state = serverState{
				ServerID:          serverID,
				ServerVersion:     1,
				LastHeartbeatedAt: vs,
			}
		} else if versionSince(vs, state.LastHeartbeatedAt) >= HeartbeatTTL {
			state.ServerVersion++
		}

		state.LastHeartbeatedAt = vs
		state.HeartbeatState = heartbeatState
		state.NumHeartbeats++

		marshaled, err := json.Marshal(&state)
		if err != nil {
			return nil, fmt.Errorf("error marshaling server state: %w", err)
		}
		if err := tr.Put(ctx, key, marshaled); err != nil {
			return nil, err
		}

		return HeartbeatResult{
			VersionStamp: vs,
			// VersionStamp corresponds to ~ 1 million increments per second.
			HeartbeatTTL:  HeartbeatTTL.Microseconds(),
			ServerVersion: state.ServerVersion,
		}, nil
	})
	if err != nil {
		return HeartbeatResult{}, fmt.Errorf("Heartbeat: error: %w", err)
	}
	return result.(HeartbeatResult), nil
}

func (k *kvRegistry) Close(ctx context.Context) error {
	return k.kv.Close(ctx)
}

func (k *kvRegistry) UnsafeWipeAll() error {
	return k.kv.UnsafeWipeAll()
}

func getActor(
	ctx context.Context,
	tr kv.Transaction,
	actorKey []byte,
) (registeredActor, bool, error) {
	actorBytes, ok, err := tr.Get(ctx, actorKey)
	if err != nil {
		return registeredActor{}, false, fmt.Errorf(
			"error getting grain bytes for key: %s, err: %w", string(actorKey), err)
	}
	if !ok {
		return registeredActor{}, false, nil
	}

	var ra registeredActor
	if err := json.Unmarshal(actorBytes, &ra); err != nil {
		return registeredActor{}, false, fmt.Errorf("error unmarshaling registered grain: %w", err)
	}

	return ra, ra.Activation.ServerID != "", nil
}

func getServer(
	ctx context.Context,
	tr kv.Transaction,
	serverID string,
) (serverState, bool, error) {
	if serverID == "" {
		return serverState{}, false, nil
	}

	v, ok, err := tr.Get(ctx, getServerKey(serverID))
	if err != nil {
		return serverState{}, false, fmt.Errorf("error getting server state: %w", err)
	}
	if !ok {
		return serverState{}, false, nil
	}

	var state serverState
	if err := json.Unmarshal(v, &state); err != nil {
		return serverState{}, false, fmt.Errorf(
			"error unmarshaling server state with ID: %s, err: %w", serverID, err)
	}
	return state, true, nil
}

func getActorKey(id types.ActorIdentity) []byte {
	return []byte("actors/" + id.String())
}

func getServerKey(serverID string) []byte {
	return []byte("servers/" + serverID)
}

func getServersPrefix() []byte {
	return []byte("servers/")
}

type registeredActor struct {
	Activation activation
}

type serverState struct {
	ServerID          string
	ServerVersion     int64
	HeartbeatState    HeartbeatState
	LastHeartbeatedAt int64
	NumHeartbeats     int
}

type activation struct {
	ServerID      string
	ServerVersion int64
}

func versionSince(curr, prev int64) time.Duration {
	since := curr - prev
	if since < 0 {
		panic(fmt.Sprintf(
			"prev: %d, curr: %d, versionstamp did not increase monotonically",
			prev, curr))
	}
	return time.Duration(since) * time.Microsecond
}

func getLiveServers(
	ctx context.Context,
	versionStamp int64,
	tr kv.Transaction,
) ([]serverState, error) {
	liveServers := []serverState{}
	err := tr.IterPrefix(ctx, getServersPrefix(), func(k, v []byte) error {
		var currServer serverState
		if err := json.Unmarshal(v, &currServer); err != nil {
			return fmt.Errorf("error unmarshaling server state: %w", err)
		}

		if versionSince(versionStamp, currServer.LastHeartbeatedAt) < HeartbeatTTL {
			liveServers = append(liveServers, currServer)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return liveServers, nil
}

// pickServerForActivation is responsible for deciding which server to activate a grain
// on. It picks the server with the lowest number of activated grains, tie-breaking on
// server ID so the choice is deterministic.
func pickServerForActivation(
	available []serverState,
	blacklistedServerID string,
	cachedServerID string,
	isFirstTimeObservingActor bool,
) serverState {
	if len(available) == 0 {
		panic("[invariant violated] pickServerForActivation should not be called with empty slice")
	}

	// If the caller told us which server the grain was previously placed on *and* that
	// server is still alive *and* it is not the blacklisted server *and* this registry
	// has never seen the grain before then we trust the cached placement. This keeps
	// placements sticky when the registry's state was wiped.
	if isFirstTimeObservingActor && cachedServerID != "" && cachedServerID != blacklistedServerID {
		for _, s := range available {
			if s.ServerID == cachedServerID {
				return s
			}
		}
	}

	sort.Slice(available, func(i, j int) bool {
		sI, sJ := available[i], available[j]
		if sI.HeartbeatState.NumActivatedActors != sJ.HeartbeatState.NumActivatedActors {
			return sI.HeartbeatState.NumActivatedActors < sJ.HeartbeatState.NumActivatedActors
		}
		return sI.ServerID < sJ.ServerID
	})

	selected := available[0]
	if len(available) > 1 && selected.ServerID == blacklistedServerID {
		selected = available[1]
	}
	return selected
}
