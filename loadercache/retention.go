package loadercache

import (
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// retention keeps recently used handles strongly reachable, so an idle handle
// survives garbage collections for a while instead of being reclaimed at the
// next one. Dropping a handle from here does not close it.
//
// Expiry runs on its own goroutine until stop is called.
type retention[K comparable, R any] struct {
	cache *ttlcache.Cache[K, *Handle[R]]
}

func newRetention[K comparable, R any](ttl time.Duration, capacity int) *retention[K, R] {
	if ttl <= 0 || capacity <= 0 {
		return nil
	}

	retainedHandles := ttlcache.New[K, *Handle[R]](
		ttlcache.WithTTL[K, *Handle[R]](ttl),
		ttlcache.WithCapacity[K, *Handle[R]](uint64(capacity)),
		ttlcache.WithDisableTouchOnHit[K, *Handle[R]](),
	)
	go retainedHandles.Start()

	return &retention[K, R]{cache: retainedHandles}
}

// pin retains handle under key and restarts its TTL.
func (r *retention[K, R]) pin(key K, handle *Handle[R]) {
	if r == nil {
		return
	}
	r.cache.Set(key, handle, ttlcache.DefaultTTL)
}

func (r *retention[K, R]) holds(key K, handle *Handle[R]) bool {
	if r == nil {
		return false
	}
	item := r.cache.Get(key)
	return item != nil && item.Value() == handle
}

func (r *retention[K, R]) clear() {
	if r == nil {
		return
	}
	r.cache.DeleteAll()
}

// stop ends the expiry goroutine and lets go of every retained handle.
func (r *retention[K, R]) stop() {
	if r == nil {
		return
	}
	r.cache.DeleteAll()
	r.cache.Stop()
}

func (r *retention[K, R]) len() int {
	if r == nil {
		return 0
	}
	return r.cache.Len()
}
