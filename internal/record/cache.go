package record

import "context"

// defaultCacheSize bounds how many terminal records a CachingStore
// keeps in memory. Sized for a single worker process's redelivery
// window, not as a substitute for the backing store.
const defaultCacheSize = 10000

// CachingStore wraps a Store with an in-memory LRU cache of records
// that have reached the success status. Duplicate deliveries of an
// already-succeeded request are extremely common under at-least-once
// delivery (spec.md §1), and they only ever need a Get, never a
// write — caching them avoids a DynamoDB round trip on every
// redundant redelivery. failed is deliberately NOT cached here: unlike
// success, a failed record can still be raced to success by another
// worker (step 2(e)'s retry path), and serving a stale cached failed
// record would bypass the idempotent skip-ack of step 2(b), forcing a
// needless re-render of a URL that already succeeded elsewhere.
type CachingStore struct {
	inner Store
	cache *lru
}

// NewCachingStore wraps inner with a terminal-record cache of the
// default size.
func NewCachingStore(inner Store) *CachingStore {
	return &CachingStore{inner: inner, cache: newLRU(defaultCacheSize)}
}

func (c *CachingStore) Create(ctx context.Context, rec Record, onlyIfAbsent bool) error {
	return c.inner.Create(ctx, rec, onlyIfAbsent)
}

func (c *CachingStore) Get(ctx context.Context, id string) (Record, error) {
	if cached, ok := c.cache.Peek(id); ok {
		return cached.(Record), nil
	}
	rec, err := c.inner.Get(ctx, id)
	if err != nil {
		return Record{}, err
	}
	if rec.Status == StatusSuccess {
		c.cache.Put(rec)
	}
	return rec, nil
}

// UpdateStatus always goes to the backing store, and invalidates any
// cached entry for id — a takeover of a stale record, or a retry of a
// previously failed one, must not be served stale from the cache.
func (c *CachingStore) UpdateStatus(ctx context.Context, id string, newStatus Status, patch StatusPatch) error {
	c.cache.Remove(id)
	return c.inner.UpdateStatus(ctx, id, newStatus, patch)
}

func (c *CachingStore) QueryByStatus(ctx context.Context, status Status, limit int) ([]Record, error) {
	return c.inner.QueryByStatus(ctx, status, limit)
}
