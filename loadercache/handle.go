package loadercache

import "github.com/google/uuid"

// Handle is what the cache hands out for a key.
//
// The cache itself only keeps a weak reference to the Handle. There are two
// ways its resource gets closed:
//   - Every Get that returned the Handle is matched by a Release, and the
//     Handle is not retained. The last Release closes the resource before it
//     returns.
//   - Nobody holds the Handle any more. It is reclaimed by the garbage
//     collector and the registry closes the resource some time later.
//
// Keep the Handle reachable for as long as the resource is in use, e.g. with
// runtime.KeepAlive.
type Handle[R any] struct {
	id       uuid.UUID
	resource R

	// Outstanding Get results. Guarded by the lock of the table holding the handle.
	refs    int
	release func(*Handle[R])
}

func newHandle[R any](resource R) *Handle[R] {
	return &Handle[R]{
		id:       uuid.New(),
		resource: resource,
	}
}

func (h *Handle[R]) ID() uuid.UUID {
	return h.id
}

func (h *Handle[R]) Resource() R {
	return h.resource
}

// Release gives back one reference obtained from Get. Call it exactly once
// per Get and do not use the resource afterwards.
//
// References are counted per Handle, not per caller. Releasing more often
// than Get was called hands back references other callers still hold, and
// the resource can be closed under them. Calls made once the count is zero do
// nothing.
func (h *Handle[R]) Release() {
	if h.release != nil {
		h.release(h)
	}
}
