package virtual

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
	"golang.org/x/exp/slog"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/grainkit/grainkit/virtual/registry"
	"github.com/grainkit/grainkit/virtual/types"
)

const (
	maxNumActivationsToCache = 1_000_000
)

var (
	defaultMaxConcurrentEnsureActivationCalls = runtime.NumCPU() * 16
	defaultActivationCacheTimeout             = 5 * time.Second
)

// activationsCache is an "intelligent" cache that tries to balance:
//  1. Caching placements to prevent overloading the registry.
//  2. Being resilient to arbitrarily long registry failures for grains whose placements are already cached.
//  3. Updating in a timely manner and invalidating itself when the registry is healthy and available.
type activationsCache struct {
	sync.Mutex

	// Dependencies / configuration.
	registry            registry.Registry
	idealCacheStaleness time.Duration
	logger              *slog.Logger

	// "State".
	ensureSem *semaphore.Weighted
	c         *ristretto.Cache
	deduper   singleflight.Group
}

func newActivationsCache(
	registry registry.Registry,
	idealCacheStaleness time.Duration,
	disableCache bool,
	logger *slog.Logger,
) *activationsCache {
	if registry == nil {
		panic("registry cannot be nil")
	}

	var (
		c   *ristretto.Cache
		err error
	)
	if !disableCache {
		c, err = ristretto.NewCache(&ristretto.Config{
			NumCounters: maxNumActivationsToCache * 10, // * 10 per the docs.
			// Maximum number of entries in cache (~1million). Note that
			// technically this is a measure in bytes, but we pass a cost of 1
			// always to make it behave as a limit on number of activations.
			MaxCost: maxNumActivationsToCache,
			// Recommended default.
			BufferItems: 64,
		})
		if err != nil {
			panic(err)
		}
	}

	return &activationsCache{
		ensureSem:           semaphore.NewWeighted(int64(defaultMaxConcurrentEnsureActivationCalls)),
		c:                   c,
		registry:            registry,
		idealCacheStaleness: idealCacheStaleness,
		logger:              logger.With(slog.String("subService", "activationsCache")),
	}
}

// ensureActivation returns the placement of id along with the registry versionstamp it
// was observed at.
func (a *activationsCache) ensureActivation(
	ctx context.Context,
	id types.ActorIdentity,
	blacklistedServerID string,
) ([]types.ActivationReference, int64, error) {
	// Ensure we have a short timeout when communicating with registry.
	ctx, cc := context.WithTimeout(ctx, defaultActivationCacheTimeout)
	defer cc()

	if a.c == nil {
		// Cache disabled, load directly.
		return a.ensureActivationAndUpdateCache(ctx, id, nil, blacklistedServerID)
	}

	cacheKey := id.String()
	aceI, ok := a.c.Get(cacheKey)
	// Cache miss, fill the cache.
	if !ok ||
		// There is an existing cache entry, however, it was satisfied by a request that did not provide
		// the same blacklistedServerID we have currently. We must ignore this entry because it could be
		// stale and end up routing us back to the blacklisted server ID.
		(blacklistedServerID != "" && aceI.(activationCacheEntry).blacklistedServerID != blacklistedServerID) {
		var cachedReferences []types.ActivationReference
		if ok {
			cachedReferences = aceI.(activationCacheEntry).references
		}
		return a.ensureActivationAndUpdateCache(ctx, id, cachedReferences, blacklistedServerID)
	}

	// Cache hit, return result from cache but check if we should proactively refresh
	// the cache also.
	ace := aceI.(activationCacheEntry)
	if time.Since(ace.cachedAt) > a.idealCacheStaleness {
		ctx, cc := context.WithTimeout(context.Background(), defaultActivationCacheTimeout)
		go func() {
			defer cc()
			_, _, err := a.ensureActivationAndUpdateCache(ctx, id, ace.references, blacklistedServerID)
			if err != nil {
				a.logger.Error(
					"error refreshing activation cache in background",
					slog.String("grain", id.String()),
					slog.String("error", err.Error()))
			}
		}()
	}

	return ace.references, ace.registryVersionStamp, nil
}

// delete evicts the cached placement of id so the next lookup goes to the registry.
func (a *activationsCache) delete(id types.ActorIdentity) {
	if a.c == nil {
		return
	}
	cacheKey := id.String()
	a.c.Del(cacheKey)
	a.deduper.Forget(cacheKey)
}

func (a *activationsCache) ensureActivationAndUpdateCache(
	ctx context.Context,
	id types.ActorIdentity,
	cachedReferences []types.ActivationReference,
	blacklistedServerID string,
) ([]types.ActivationReference, int64, error) {
	cacheKey := id.String()

	// Include blacklistedServerID in the dedupeKey so that "force refreshes" due to a
	// server refusing a grain can be initiated *after* a regular refresh has already
	// started, but *before* it has completed.
	dedupeKey := fmt.Sprintf("%s::%s", cacheKey, blacklistedServerID)
	aceI, err, _ := a.deduper.Do(dedupeKey, func() (any, error) {
		var cachedServerIDs []string
		for _, ref := range cachedReferences {
			cachedServerIDs = append(cachedServerIDs, ref.Physical.ServerID)
		}

		// Acquire the semaphore before making the network call to avoid DDOSing the
		// registry in pathological workloads/scenarios.
		if err := a.ensureSem.Acquire(ctx, 1); err != nil {
			return nil, fmt.Errorf(
				"context expired while waiting to acquire ensureActivation semaphore: %w",
				err)
		}
		result, err := a.registry.EnsureActivation(ctx, registry.EnsureActivationRequest{
			Identity:                  id,
			BlacklistedServerID:       blacklistedServerID,
			CachedActivationServerIDs: cachedServerIDs,
		})
		// Release the semaphore as soon as we're done with the network call since the purpose
		// of this semaphore is really just to avoid DDOSing the registry.
		a.ensureSem.Release(1)
		if err != nil {
			if a.c != nil {
				existingAceI, ok := a.c.Get(cacheKey)
				if ok {
					// If the registry is down we don't want to spam it with a new refresh attempt
					// every time the previous one completed and failed, so bump cachedAt from
					// within the singleflight function. We'll wait at least idealCacheStaleness
					// between each attempt to refresh the cache.
					existingAce := existingAceI.(activationCacheEntry)
					existingAce.cachedAt = time.Now()
					a.c.Set(cacheKey, existingAce, 1)
				}
			}
			return nil, fmt.Errorf(
				"error ensuring activation of grain: %s in registry: %w",
				id, err)
		}

		if len(result.References) == 0 {
			return nil, fmt.Errorf(
				"[invariant violated] ensureActivation() success with 0 references for grain: %s", id)
		}
		for _, ref := range result.References {
			if blacklistedServerID != "" && ref.Physical.ServerID == blacklistedServerID {
				return nil, fmt.Errorf(
					"[invariant violated] registry returned blacklisted server ID: %s in references",
					blacklistedServerID)
			}
		}

		ace := activationCacheEntry{
			references:           result.References,
			cachedAt:             time.Now(),
			registryVersionStamp: result.VersionStamp,
			blacklistedServerID:  blacklistedServerID,
		}
		if a.c == nil {
			// Cache is disabled, just return immediately.
			return ace, nil
		}

		// a.c is internally synchronized, but we use a lock here so we can do an atomic
		// compare-and-swap which the ristretto interface does not support.
		a.Lock()
		defer a.Unlock()
		existingAceI, ok := a.c.Get(cacheKey)
		if ok {
			// Make sure we always retain the cache entry with the highest registry
			// versionstamp which ensures that we never overwrite the cache with a more
			// stale result due to async non-determinism.
			existingAce := existingAceI.(activationCacheEntry)
			// Overwriting is allowed when the versionstamps are equal because dnsregistry
			// always returns the same constant versionstamp and the cache must still
			// eventually update in that case.
			if existingAce.registryVersionStamp > ace.registryVersionStamp &&
				blacklistedServerID == "" {
				return existingAce, nil
			}
		}
		// Otherwise, the current cache fill was initiated *after* whatever is currently cached
		// (or nothing is currently cached) therefore its safe to overwrite it.
		a.c.Set(cacheKey, ace, 1)
		return ace, nil
	})
	if err != nil {
		return nil, -1, err
	}

	ace := aceI.(activationCacheEntry)
	return ace.references, ace.registryVersionStamp, nil
}

// activationCacheEntry is stored in the cache at a key to represent a cached placement.
type activationCacheEntry struct {
	references           []types.ActivationReference
	cachedAt             time.Time
	registryVersionStamp int64
	blacklistedServerID  string
}
