package registry

import (
	"context"
	"errors"

	"github.com/grainkit/grainkit/virtual/types"
)

// ErrNoLiveServers is returned (wrapped) by EnsureActivation when no server has
// heartbeated recently enough to host a new activation.
var ErrNoLiveServers = errors.New("0 live servers available for new activation")

// Registry is the interface that is implemented by the grain placement registry.
type Registry interface {
	// Heartbeat updates the "lastHeartbeatedAt" value for the provided server ID. Servers
	// must heartbeat regularly to be considered alive and eligible for hosting grain
	// activations.
	Heartbeat(
		ctx context.Context,
		serverID string,
		state HeartbeatState,
	) (HeartbeatResult, error)

	// EnsureActivation checks the registry to see if the provided grain is already
	// placed on a live server, and if so it returns an ActivationReference that points
	// to that server. Otherwise, the registry will pick a server to activate the grain
	// on and return a reference that points to the newly selected location.
	//
	// Note that when this method returns it is guaranteed that a location will have
	// been selected for the grain, but the grain may not necessarily have been
	// activated. Activation is handled lazily when a server receives its first
	// invocation for an identity that it doesn't currently have activated.
	EnsureActivation(
		ctx context.Context,
		req EnsureActivationRequest,
	) (EnsureActivationResult, error)

	// GetVersionStamp returns a monotonically increasing integer that should increase
	// at a rate of ~ 1 million/s.
	GetVersionStamp(ctx context.Context) (int64, error)

	// Close closes the registry and releases any resources associated (DB connections, etc).
	Close(ctx context.Context) error

	// UnsafeWipeAll wipes the entire registry. Only used for tests. Do not call it anywhere
	// in production code.
	UnsafeWipeAll() error
}

// HeartbeatState contains information that accompanies a server's heartbeat. The
// number of currently activated grains is used by the registry to load-balance future
// activations around the cluster.
type HeartbeatState struct {
	// NumActivatedActors is the number of grains currently activated on the server.
	NumActivatedActors int `json:"num_activated_actors"`
	// Address is the address at which the server can be reached.
	Address string `json:"address"`
}

// HeartbeatResult is the result returned by the Heartbeat() method.
type HeartbeatResult struct {
	// VersionStamp associated with the successful heartbeat.
	VersionStamp int64 `json:"version_stamp"`
	// TTL of the successful heartbeat in the same unit as the VersionStamp.
	HeartbeatTTL int64 `json:"heartbeat_ttl"`
	// ServerVersion is incremented every time a server's heartbeat expires and resumes,
	// guaranteeing the server's ability to identify periods of inactivity/death for
	// correctness purposes.
	ServerVersion int64 `json:"server_version"`
}

// EnsureActivationRequest contains the arguments for the EnsureActivation method.
type EnsureActivationRequest struct {
	Identity types.ActorIdentity `json:"identity"`

	// BlacklistedServerID is set if the caller is calling EnsureActivation after the
	// server the grain is *supposed* to be activated on refused to route the call to it
	// (for example because it is no longer the owner). The registry will avoid placing
	// the grain on that server again.
	BlacklistedServerID string `json:"blacklisted_server_id"`
	// CachedActivationServerIDs are the servers the caller last saw the grain placed on.
	// They are used to keep placements sticky when the registry has lost its own state.
	CachedActivationServerIDs []string `json:"cached_activation_server_ids"`
}

// EnsureActivationResult contains the result of invoking the EnsureActivation method.
type EnsureActivationResult struct {
	References   []types.ActivationReference `json:"references"`
	VersionStamp int64                       `json:"versionstamp"`
}
