package virtual

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/grainkit/grainkit/virtual/registry"
	"github.com/grainkit/grainkit/virtual/registry/localregistry"
	"github.com/grainkit/grainkit/virtual/registry/sqlregistry"
	"github.com/grainkit/grainkit/virtual/types"
)

func BenchmarkLocalInvokeActor(b *testing.B) {
	benchmarkInvokeActor(b, localregistry.NewLocalRegistry())
}

func BenchmarkSQLiteRegistryInvokeActor(b *testing.B) {
	reg, err := sqlregistry.NewSQLiteRegistry(
		context.Background(),
		filepath.Join(b.TempDir(), "registry.db"),
		registry.KVRegistryOptions{})
	require.NoError(b, err)
	defer reg.Close(context.Background())

	benchmarkInvokeActor(b, reg)
}

func benchmarkInvokeActor(b *testing.B, reg registry.Registry) {
	env := newTestEnvironment(b, reg, newTestObserver(), EnvironmentOptions{})

	ctx := context.Background()
	ref := testRef(b, types.NewStringKey("a"))

	defer reportOpsPerSecond(b)()
	defer reportTurnLatency(b, env)()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		_, err := env.InvokeActor(ctx, ref, "inc", nil)
		if err != nil {
			panic(err)
		}
	}
}

func BenchmarkLocalInvokeActorParallel(b *testing.B) {
	env := newTestEnvironment(b, localregistry.NewLocalRegistry(), newTestObserver(), EnvironmentOptions{})

	refs := make([]types.ActorReference, 64)
	for i := range refs {
		refs[i] = testRef(b, types.NewIntKey(int64(i)))
	}

	defer reportOpsPerSecond(b)()
	b.ResetTimer()

	b.RunParallel(func(pb *testing.PB) {
		ctx := context.Background()
		for i := 0; pb.Next(); i++ {
			_, err := env.InvokeActor(ctx, refs[i%len(refs)], "inc", nil)
			if err != nil {
				panic(err)
			}
		}
	})
}

func BenchmarkLocalCreateThenInvokeActor(b *testing.B) {
	env := newTestEnvironment(b, localregistry.NewLocalRegistry(), newTestObserver(), EnvironmentOptions{})

	ctx := context.Background()

	defer reportOpsPerSecond(b)()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		_, err := env.InvokeActor(ctx, testRef(b, types.NewIntKey(int64(i))), "inc", nil)
		if err != nil {
			panic(err)
		}
	}
}

func BenchmarkLocalActorToActorCommunication(b *testing.B) {
	env := newTestEnvironment(b, localregistry.NewLocalRegistry(), newTestObserver(), EnvironmentOptions{})

	var (
		ctx = context.Background()
		a   = testRef(b, types.NewStringKey("a"))
	)
	marshaled, err := json.Marshal(testInvokeRequest{
		Ref:    testRef(b, types.NewStringKey("b")),
		Method: "inc",
	})
	require.NoError(b, err)

	defer reportOpsPerSecond(b)()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		_, err = env.InvokeActor(ctx, a, "invoke", marshaled)
		if err != nil {
			panic(err)
		}
	}
}

func BenchmarkRemoteInvokeActor(b *testing.B) {
	nodes := newTestNodes(b, localregistry.NewLocalRegistry(), EnvironmentOptions{}, EnvironmentOptions{})

	// Find a grain that lives on the second node so every call crosses HTTP.
	var (
		ctx = context.Background()
		ref types.ActorReference
	)
	for i := 0; ; i++ {
		ref = testRef(b, types.NewIntKey(int64(i)))
		serverID, err := nodes[0].env.InvokeActor(ctx, ref, "serverID", nil)
		require.NoError(b, err)
		if string(serverID) == nodes[1].env.ServerID() {
			break
		}
	}

	defer reportOpsPerSecond(b)()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		_, err := nodes[0].env.InvokeActor(ctx, ref, "inc", nil)
		if err != nil {
			panic(err)
		}
	}
}

func reportOpsPerSecond(b *testing.B) func() {
	start := time.Now()
	return func() {
		elapsedSeconds := time.Since(start).Seconds()
		b.ReportMetric(float64(b.N)/(elapsedSeconds), "ops/s")
	}
}

func reportTurnLatency(b *testing.B, env Environment) func() {
	return func() {
		stats := env.Stats()
		b.ReportMetric(stats.TurnLatencyP50*1e6, "p50-turn-µs")
		b.ReportMetric(stats.TurnLatencyP99*1e6, "p99-turn-µs")
	}
}
