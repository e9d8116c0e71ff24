package registry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/grainkit/grainkit/virtual/types"
)

// This is called from the specific registry implementation subpackages like
// localregistry and sqlregistry.
func TestAllCommon(t *testing.T, registryCtor func() Registry) {
	t.Run("service discovery and ensure activation", func(t *testing.T) {
		testRegistryServiceDiscoveryAndEnsureActivation(t, registryCtor())
	})

	t.Run("blacklisted server", func(t *testing.T) {
		testRegistryBlacklistedServer(t, registryCtor())
	})

	t.Run("validation", func(t *testing.T) {
		testRegistryValidation(t, registryCtor())
	})

	t.Run("test ensure activations persistence", func(t *testing.T) {
		testEnsureActivationPersistence(t, registryCtor())
	})
}

func testIdentity(grainType string, key string) types.ActorIdentity {
	id, err := types.NewActorIdentity(grainType, types.NewStringKey(key))
	if err != nil {
		panic(err)
	}
	return id
}

// testRegistryServiceDiscoveryAndEnsureActivation tests the combination of the
// service discovery system and EnsureActivation() method to ensure we can:
//  1. Register servers.
//  2. Load balance across servers.
//  3. Remember which server a grain is currently placed on.
//  4. Detect dead servers and place grains elsewhere.
func testRegistryServiceDiscoveryAndEnsureActivation(t *testing.T, registry Registry) {
	ctx := context.Background()
	defer registry.Close(ctx)

	// Should fail because there are no servers available to activate on.
	_, err := registry.EnsureActivation(ctx, EnsureActivationRequest{
		Identity: testIdentity("test-grain1", "a"),
	})
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrNoLiveServers))

	var heartbeatResult HeartbeatResult
	for i := 0; i < 5; i++ {
		heartbeatResult, err = registry.Heartbeat(ctx, "server1", HeartbeatState{
			NumActivatedActors: 10,
			Address:            "server1_address",
		})
		require.NoError(t, err)
		require.True(t, heartbeatResult.VersionStamp > 0)
		require.Equal(t, HeartbeatTTL.Microseconds(), heartbeatResult.HeartbeatTTL)
		require.Equal(t, int64(1), heartbeatResult.ServerVersion)
	}

	// Should succeed now that we have a server to activate on.
	activations, err := registry.EnsureActivation(ctx, EnsureActivationRequest{
		Identity: testIdentity("test-grain1", "a"),
	})
	require.NoError(t, err)
	require.Equal(t, 1, len(activations.References))
	require.Equal(t, "server1", activations.References[0].Physical.ServerID)
	require.Equal(t, "server1_address", activations.References[0].Physical.Address)
	require.Equal(t, int64(1), activations.References[0].Physical.ServerVersion)
	require.Equal(t, testIdentity("test-grain1", "a"), activations.References[0].Virtual.Identity)
	require.True(t, activations.VersionStamp > 0)
	prevVS := activations.VersionStamp

	activations, err = registry.EnsureActivation(ctx, EnsureActivationRequest{
		Identity: testIdentity("test-grain1", "a"),
	})
	require.NoError(t, err)
	require.Equal(t, 1, len(activations.References))
	require.Equal(t, "server1", activations.References[0].Physical.ServerID)
	require.Equal(t, "server1_address", activations.References[0].Physical.Address)
	require.GreaterOrEqual(t, activations.VersionStamp, prevVS)
	prevVS = activations.VersionStamp

	// Add another server, this one with no existing activations.
	newHeartbeatResult, err := registry.Heartbeat(ctx, "server2", HeartbeatState{
		NumActivatedActors: 0,
		Address:            "server2_address",
	})
	require.NoError(t, err)
	require.GreaterOrEqual(t, newHeartbeatResult.VersionStamp, heartbeatResult.VersionStamp)
	require.Equal(t, newHeartbeatResult.HeartbeatTTL, heartbeatResult.HeartbeatTTL)

	// Keep checking the placement of the existing grain, it should remain sticky to
	// server 1.
	for i := 0; i < 10; i++ {
		activations, err := registry.EnsureActivation(ctx, EnsureActivationRequest{
			Identity: testIdentity("test-grain1", "a"),
		})
		require.NoError(t, err)
		require.Equal(t, 1, len(activations.References))
		require.Equal(t, "server1", activations.References[0].Physical.ServerID)
		require.Equal(t, "server1_address", activations.References[0].Physical.Address)
	}

	// Reuse the same key, but with a different grain type. The registry should consider
	// it a completely separate entity therefore it will go on a different server.
	activations, err = registry.EnsureActivation(ctx, EnsureActivationRequest{
		Identity: testIdentity("test-grain2", "a"),
	})
	require.NoError(t, err)
	require.Equal(t, 1, len(activations.References))
	require.Equal(t, "server2", activations.References[0].Physical.ServerID)
	require.Equal(t, "server2_address", activations.References[0].Physical.Address)
	require.Equal(t, testIdentity("test-grain2", "a"), activations.References[0].Virtual.Identity)
	require.GreaterOrEqual(t, activations.VersionStamp, prevVS)

	// Next 10 activations should all go to server2 for balancing purposes.
	for i := 0; i < 10; i++ {
		activations, err = registry.EnsureActivation(ctx, EnsureActivationRequest{
			Identity: testIdentity("test-grain1", fmt.Sprintf("0-%d", i)),
		})
		require.NoError(t, err)
		require.Equal(t, 1, len(activations.References))
		require.Equal(t, "server2", activations.References[0].Physical.ServerID)

		_, err = registry.Heartbeat(ctx, "server2", HeartbeatState{
			NumActivatedActors: i + 1,
			Address:            "server2_address",
		})
		require.NoError(t, err)
	}

	// Subsequent activations should load balance.
	var lastServerID string
	for i := 0; i < 10; i++ {
		activations, err = registry.EnsureActivation(ctx, EnsureActivationRequest{
			Identity: testIdentity("test-grain1", fmt.Sprintf("1-%d", i)),
		})
		require.NoError(t, err)
		require.Equal(t, 1, len(activations.References))

		if lastServerID == "" {
		} else if lastServerID == "server1" {
			require.Equal(t, "server2", activations.References[0].Physical.ServerID)
		} else {
			require.Equal(t, "server1", activations.References[0].Physical.ServerID)
		}
		_, err = registry.Heartbeat(ctx, activations.References[0].Physical.ServerID, HeartbeatState{
			NumActivatedActors: 10 + i + 1,
			Address:            fmt.Sprintf("%s_address", activations.References[0].Physical.ServerID),
		})
		require.NoError(t, err)
		lastServerID = activations.References[0].Physical.ServerID
	}

	// Wait for server1's heartbeat to expire.
	//
	// TODO: Inject a clock into the KV stores so this doesn't have to sleep.
	time.Sleep(HeartbeatTTL + time.Second)

	// Heartbeat server2. After this, the Registry should only consider server2 to be alive.
	heartbeatResult, err = registry.Heartbeat(ctx, "server2", HeartbeatState{
		NumActivatedActors: 9999999,
		Address:            "server2_address",
	})
	require.NoError(t, err)
	// server2 also missed its TTL so it's a new incarnation.
	require.Equal(t, int64(2), heartbeatResult.ServerVersion)

	// Even though server2's NumActivatedActors value is very high, all activations will go to
	// server2 because its the only one available.
	for i := 0; i < 10; i++ {
		activations, err = registry.EnsureActivation(ctx, EnsureActivationRequest{
			Identity: testIdentity("test-grain1", fmt.Sprintf("2-%d", i)),
		})
		require.NoError(t, err)
		require.Equal(t, 1, len(activations.References))
		require.Equal(t, "server2", activations.References[0].Physical.ServerID)
		require.Equal(t, int64(2), activations.References[0].Physical.ServerVersion)
	}

	// The grain that was placed on server1 moves as well.
	activations, err = registry.EnsureActivation(ctx, EnsureActivationRequest{
		Identity: testIdentity("test-grain1", "a"),
	})
	require.NoError(t, err)
	require.Equal(t, "server2", activations.References[0].Physical.ServerID)
}

// testRegistryBlacklistedServer ensures that a caller can ask the registry to move a
// grain away from a server that refused it.
func testRegistryBlacklistedServer(t *testing.T, registry Registry) {
	ctx := context.Background()
	defer registry.Close(ctx)

	for _, serverID := range []string{"server1", "server2"} {
		_, err := registry.Heartbeat(ctx, serverID, HeartbeatState{
			Address: fmt.Sprintf("%s_address", serverID),
		})
		require.NoError(t, err)
	}

	activations, err := registry.EnsureActivation(ctx, EnsureActivationRequest{
		Identity: testIdentity("test-grain1", "a"),
	})
	require.NoError(t, err)
	original := activations.References[0].Physical.ServerID

	activations, err = registry.EnsureActivation(ctx, EnsureActivationRequest{
		Identity:            testIdentity("test-grain1", "a"),
		BlacklistedServerID: original,
	})
	require.NoError(t, err)
	moved := activations.References[0].Physical.ServerID
	require.NotEqual(t, original, moved)

	// The new placement is sticky.
	activations, err = registry.EnsureActivation(ctx, EnsureActivationRequest{
		Identity: testIdentity("test-grain1", "a"),
	})
	require.NoError(t, err)
	require.Equal(t, moved, activations.References[0].Physical.ServerID)
}

func testRegistryValidation(t *testing.T, registry Registry) {
	ctx := context.Background()
	defer registry.Close(ctx)

	_, err := registry.Heartbeat(ctx, "", HeartbeatState{Address: "addr"})
	require.Error(t, err)
	_, err = registry.Heartbeat(ctx, "server1", HeartbeatState{})
	require.Error(t, err)
	_, err = registry.Heartbeat(ctx, " server1", HeartbeatState{Address: "addr"})
	require.Error(t, err)

	_, err = registry.EnsureActivation(ctx, EnsureActivationRequest{})
	require.Error(t, err)
	_, err = registry.EnsureActivation(ctx, EnsureActivationRequest{
		Identity: types.ActorIdentity{Type: "test-grain1", Key: types.NewStringKey("")},
	})
	require.Error(t, err)
}

// testEnsureActivationPersistence calls EnsureActivation every millisecond for a second
// and expects to consistently receive the same placement. If placements were not
// persisted correctly there is a high probability that at least one call observes a
// different server.
func testEnsureActivationPersistence(t *testing.T, registry Registry) {
	ctx := context.Background()
	defer registry.Close(ctx)

	for i := 0; i < 5; i++ {
		heartbeatResult, err := registry.Heartbeat(ctx, "server1", HeartbeatState{
			NumActivatedActors: 10,
			Address:            "server1_address",
		})
		require.NoError(t, err)
		require.True(t, heartbeatResult.VersionStamp > 0)

		heartbeatResult, err = registry.Heartbeat(ctx, "server2", HeartbeatState{
			NumActivatedActors: 10,
			Address:            "server2_address",
		})
		require.NoError(t, err)
		require.True(t, heartbeatResult.VersionStamp > 0)
	}

	var ref types.ActivationReference
	require.Never(t, func() bool {
		activations, err := registry.EnsureActivation(ctx, EnsureActivationRequest{
			Identity: testIdentity("test-grain1", "a"),
		})
		require.NoError(t, err)
		require.Equal(t, 1, len(activations.References))
		differentActivation := !(ref == types.ActivationReference{} || ref == activations.References[0])
		ref = activations.References[0]
		return differentActivation
	}, time.Second, time.Millisecond, "grain has been placed on more than one server")
}
