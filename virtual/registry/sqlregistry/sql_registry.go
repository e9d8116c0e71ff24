// Package sqlregistry implements registry.Registry on top of SQLite so that multiple
// processes on one host can share placement state without running a separate service.
package sqlregistry

import (
	"context"
	"fmt"

	"github.com/grainkit/grainkit/virtual/registry"
)

// NewSQLiteRegistry creates a new registry backed by the SQLite database at dsn (a file
// path, or ":memory:" for a private in-memory database).
func NewSQLiteRegistry(
	ctx context.Context,
	dsn string,
	opts registry.KVRegistryOptions,
) (registry.Registry, error) {
	kv, err := newSQLKV(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("NewSQLiteRegistry: %w", err)
	}
	return registry.NewKVRegistry(kv, opts), nil
}
