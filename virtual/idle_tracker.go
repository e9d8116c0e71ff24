package virtual

import (
	"sync"
	"time"

	"github.com/google/btree"
)

// idleTracker keeps activations ordered by the last time they processed an invocation so
// that the environment can cheaply find the ones that have been idle the longest.
type idleTracker struct {
	sync.Mutex

	now func() time.Time

	_lastActive map[*activation]time.Time
	_byIdle     *btree.BTreeG[idleEntry]
}

type idleEntry struct {
	lastActive time.Time
	key        string
	act        *activation
}

func newIdleTracker(now func() time.Time) *idleTracker {
	if now == nil {
		now = time.Now
	}
	return &idleTracker{
		now:         now,
		_lastActive: make(map[*activation]time.Time),
		_byIdle: btree.NewG(16, func(a, b idleEntry) bool {
			if !a.lastActive.Equal(b.lastActive) {
				return a.lastActive.Before(b.lastActive)
			}
			if a.key != b.key {
				return a.key < b.key
			}
			return a.act.instanceID.String() < b.act.instanceID.String()
		}),
	}
}

func (m *idleTracker) touch(act *activation) {
	now := m.now()

	m.Lock()
	defer m.Unlock()

	if prev, ok := m._lastActive[act]; ok {
		m._byIdle.Delete(idleEntry{lastActive: prev, key: act.id.String(), act: act})
	}
	m._lastActive[act] = now
	m._byIdle.ReplaceOrInsert(idleEntry{lastActive: now, key: act.id.String(), act: act})
}

func (m *idleTracker) remove(act *activation) {
	m.Lock()
	defer m.Unlock()

	prev, ok := m._lastActive[act]
	if !ok {
		return
	}
	m._byIdle.Delete(idleEntry{lastActive: prev, key: act.id.String(), act: act})
	delete(m._lastActive, act)
}

// idleSince returns every tracked activation that has not processed an invocation
// since cutoff, oldest first.
func (m *idleTracker) idleSince(cutoff time.Time) []*activation {
	m.Lock()
	defer m.Unlock()

	var idle []*activation
	m._byIdle.Ascend(func(e idleEntry) bool {
		if !e.lastActive.Before(cutoff) {
			return false
		}
		idle = append(idle, e.act)
		return true
	})
	return idle
}

func (m *idleTracker) len() int {
	m.Lock()
	defer m.Unlock()
	return len(m._lastActive)
}
