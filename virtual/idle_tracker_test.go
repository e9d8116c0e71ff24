package virtual

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"

	"github.com/grainkit/grainkit/virtual/types"
)

func TestIdleTracker(t *testing.T) {
	var (
		now     = time.Unix(1000, 0)
		tracker = newIdleTracker(func() time.Time { return now })
		mgr     = &activations{log: slog.Default()}
		acts    []*activation
	)

	for _, key := range []string{"a", "b", "c"} {
		id, err := types.NewActorIdentity(testGrainType, types.NewStringKey(key))
		require.NoError(t, err)
		act := newActivation(mgr, id, nil)
		acts = append(acts, act)

		tracker.touch(act)
		now = now.Add(time.Second)
	}
	require.Equal(t, 3, tracker.len())

	// a was touched at t=1000, b at 1001 and c at 1002.
	require.Empty(t, tracker.idleSince(time.Unix(1000, 0)))
	require.Equal(t, []*activation{acts[0], acts[1]}, tracker.idleSince(time.Unix(1002, 0)))

	// Touching a moves it to the back.
	tracker.touch(acts[0])
	require.Equal(t, []*activation{acts[1], acts[2]}, tracker.idleSince(now))
	require.Equal(t, 3, tracker.len())

	tracker.remove(acts[1])
	tracker.remove(acts[1])
	require.Equal(t, 2, tracker.len())
	require.Equal(t, []*activation{acts[2], acts[0]}, tracker.idleSince(now.Add(time.Nanosecond)))
}

func TestIdleTrackerSameTimestamp(t *testing.T) {
	var (
		now     = time.Unix(1000, 0)
		tracker = newIdleTracker(func() time.Time { return now })
		mgr     = &activations{log: slog.Default()}
	)

	id, err := types.NewActorIdentity(testGrainType, types.NewStringKey("a"))
	require.NoError(t, err)
	// Two activations of the same identity (an old one deactivating and a new one) may be
	// tracked at the same instant.
	first := newActivation(mgr, id, nil)
	second := newActivation(mgr, id, nil)
	tracker.touch(first)
	tracker.touch(second)
	require.Equal(t, 2, tracker.len())
	require.Len(t, tracker.idleSince(now.Add(time.Second)), 2)

	tracker.remove(first)
	require.Equal(t, []*activation{second}, tracker.idleSince(now.Add(time.Second)))
}
