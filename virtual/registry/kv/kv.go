package kv

import "context"

// Store is a generic interface for a transactional, sorted KV store. It is used to
// abstract over various KV implementations so the registry can be implemented
// generically in kv_registry.go and still be used with multiple KV backends.
type Store interface {
	// Transact runs fn inside a single serializable transaction. If fn returns an error
	// none of its writes are visible.
	Transact(ctx context.Context, fn func(Transaction) (any, error)) (any, error)
	Close(ctx context.Context) error
	UnsafeWipeAll() error
}

type Transaction interface {
	Put(ctx context.Context, key []byte, value []byte) error
	Get(ctx context.Context, key []byte) ([]byte, bool, error)
	IterPrefix(ctx context.Context, prefix []byte, fn func(k, v []byte) error) error
	// Monotonically increasing number that should increase at a rate of ~ 1 million
	// per second.
	GetVersionStamp() (int64, error)
}
