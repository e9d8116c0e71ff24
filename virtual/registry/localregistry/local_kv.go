package localregistry

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/btree"

	"github.com/grainkit/grainkit/virtual/registry/kv"
)

// localKV is an implementation of kv backed by local memory.
type localKV struct {
	sync.Mutex
	t      time.Time
	b      *btree.BTreeG[btreeKV]
	closed bool
}

func newLocalKV() kv.Store {
	return &localKV{
		t: time.Now(),
		b: btree.NewG(16, func(a, b btreeKV) bool {
			return bytes.Compare(a.k, b.k) < 0
		}),
	}
}

func (l *localKV) Transact(ctx context.Context, fn func(kv.Transaction) (any, error)) (any, error) {
	l.Lock()
	defer l.Unlock()

	if l.closed {
		return nil, errors.New("KV already closed")
	}

	// Clones are copy-on-write so this is cheap, and restoring it on error gives us
	// rollback for free.
	clone := l.b.Clone()
	result, err := fn(&localTransaction{l: l})
	if err != nil {
		l.b = clone
	}
	return result, err
}

func (l *localKV) UnsafeWipeAll() error {
	l.Lock()
	defer l.Unlock()

	l.b.Clear(false)
	return nil
}

func (l *localKV) Close(ctx context.Context) error {
	l.Lock()
	defer l.Unlock()

	l.closed = true
	return nil
}

// localTransaction methods don't lock because Transact holds the lock for the whole
// lifetime of the transaction.
type localTransaction struct {
	l *localKV
}

func (tr *localTransaction) Put(
	ctx context.Context,
	k, v []byte,
) error {
	// Copy k and v in case the caller reuses or mutates them.
	tr.l.b.ReplaceOrInsert(btreeKV{
		k: append([]byte(nil), k...),
		v: append([]byte(nil), v...),
	})
	return nil
}

func (tr *localTransaction) Get(
	ctx context.Context,
	k []byte,
) ([]byte, bool, error) {
	v, ok := tr.l.b.Get(btreeKV{k, nil})
	if !ok {
		return nil, false, nil
	}
	return v.v, true, nil
}

func (tr *localTransaction) IterPrefix(
	ctx context.Context,
	prefix []byte, fn func(k, v []byte) error,
) error {
	var globalErr error
	tr.l.b.AscendGreaterOrEqual(btreeKV{prefix, nil}, func(currKV btreeKV) bool {
		if bytes.HasPrefix(currKV.k, prefix) {
			if err := fn(currKV.k, currKV.v); err != nil {
				globalErr = err
				return false
			}
			return true
		}
		return false
	})
	return globalErr
}

func (tr *localTransaction) GetVersionStamp() (int64, error) {
	// Return microseconds since l.t since that will automatically increase at
	// a rate of ~ 1 million/s.
	return time.Since(tr.l.t).Microseconds() + 1, nil
}

type btreeKV struct {
	k []byte
	v []byte
}
