// Package lockregistry implements per-key mutual exclusion for node
// introspection state. Every node is identified by its UUID, and at most one
// goroutine may hold the lock for a given UUID at a time — mirroring the
// named-semaphore pattern ironic-inspector uses around its node cache, but
// built the way this codebase builds a keyed registry: a map guarded by a
// mutex, entries created on demand and reclaimed once uncontended.
//
// A second coordinator process sharing this registry is unsafe: locks are
// purely in-process. Running more than one inspector instance against the
// same database requires an external lock service (e.g. a Postgres advisory
// lock or a Redis-backed lock), which this package deliberately does not
// provide.
package lockregistry

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// entry is one key's exclusion token plus a reference count tracking how
// many callers currently hold a reference to it (either waiting on it or
// already created a Handle for it). The registry deletes an entry from its
// map once the reference count drops to zero, so long-lived processes don't
// accumulate one map entry per node forever.
type entry struct {
	token chan struct{} // buffered 1; a value present means "unlocked"
	refs  int
}

func newEntry() *entry {
	e := &entry{token: make(chan struct{}, 1)}
	e.token <- struct{}{}
	return e
}

// Registry is a keyed lock table. The zero value is not usable — use New.
type Registry struct {
	mu     sync.Mutex
	byKey  map[string]*entry
	logger *zap.Logger
}

// New returns an empty Registry.
func New(logger *zap.Logger) *Registry {
	return &Registry{
		byKey:  make(map[string]*entry),
		logger: logger.Named("lockregistry"),
	}
}

// Handle represents ownership of one key's lock. It is not safe for
// concurrent use by multiple goroutines — the goroutine that acquired it
// owns it and is the only one that should call Release.
//
// A Handle tracks whether it personally acquired the lock; Release is a
// no-op if it didn't (or if it already released). This is what makes the
// higher-level NodeInfo safe to pass around and release from any exit path
// without double-unlocking a lock some other caller now holds.
type Handle struct {
	r    *Registry
	key  string
	e    *entry
	held bool
}

func (r *Registry) acquireRef(key string) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byKey[key]
	if !ok {
		e = newEntry()
		r.byKey[key] = e
	}
	e.refs++
	return e
}

func (r *Registry) releaseRef(key string, e *entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(r.byKey, key)
	}
}

// Acquire blocks until the lock for key is obtained or ctx is done. On
// success it returns a Handle that must be released by the caller.
func (r *Registry) Acquire(ctx context.Context, key string) (*Handle, error) {
	e := r.acquireRef(key)
	select {
	case <-e.token:
		return &Handle{r: r, key: key, e: e, held: true}, nil
	case <-ctx.Done():
		r.releaseRef(key, e)
		return nil, ctx.Err()
	}
}

// TryAcquire attempts to obtain the lock for key without blocking. The
// second return value is false if the lock is already held by someone else.
func (r *Registry) TryAcquire(key string) (*Handle, bool) {
	e := r.acquireRef(key)
	select {
	case <-e.token:
		return &Handle{r: r, key: key, e: e, held: true}, true
	default:
		r.releaseRef(key, e)
		return nil, false
	}
}

// Release frees the lock held by h. Calling Release more than once, or on a
// Handle that never actually acquired the lock, is a safe no-op — this is
// what lets NodeInfo call Release from every exit path (success, hook
// failure, panic recovery) without bookkeeping whether it already did.
func (h *Handle) Release() {
	if h == nil || !h.held {
		return
	}
	h.held = false
	h.e.token <- struct{}{}
	h.r.releaseRef(h.key, h.e)
}

// Held reports whether this handle currently owns the lock.
func (h *Handle) Held() bool {
	return h != nil && h.held
}
