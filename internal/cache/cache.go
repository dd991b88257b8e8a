// Package cache keeps the last known rows of named tables, shares backing
// fetches between concurrent readers, fans row changes out to subscribers
// and routes writes so the cache stays coherent with the backing store.
package cache

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"registry-cache-service/internal/logger"
	"registry-cache-service/internal/store"
)

// Backend is the fallible backing store the cache reads from and writes to.
type Backend[T Record] interface {
	Query(ctx context.Context, table string, q store.Query) ([]T, error)
	Insert(ctx context.Context, table string, rec T) (T, error)
	Update(ctx context.Context, table, id string, patch map[string]any) (T, error)
	Delete(ctx context.Context, table, id string) error
}

type Option func(*options)

type options struct {
	queries      map[string]store.Query
	fetchTimeout time.Duration
}

// WithTableQuery sets the backing query used to load table.
func WithTableQuery(table string, q store.Query) Option {
	return func(o *options) {
		o.queries[table] = q
	}
}

// WithFetchTimeout bounds every backing query. Zero means no bound.
func WithFetchTimeout(d time.Duration) Option {
	return func(o *options) {
		o.fetchTimeout = d
	}
}

// Cache is the table cache handle: entry store, subscription registry and
// fetch coordinator behind one value. Create one per session and pass it to
// whoever needs it.
type Cache[T Record] struct {
	backend Backend[T]
	opts    options

	entries *EntryStore[T]
	subs    *Registry[T]
	fetches *Coordinator[T]

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

func New[T Record](backend Backend[T], opts ...Option) *Cache[T] {
	o := options{queries: make(map[string]store.Query)}
	for _, opt := range opts {
		opt(&o)
	}

	c := &Cache[T]{
		backend: backend,
		opts:    o,
		entries: NewEntryStore[T](),
		subs:    NewRegistry[T](),
		locks:   make(map[string]*sync.Mutex),
	}
	c.fetches = newCoordinator(c.entries, c.commit, func(table string) bool {
		return c.Subscribers(table) > 0
	})
	return c
}

func (c *Cache[T]) lock(table string) *sync.Mutex {
	c.locksMu.Lock()
	defer c.locksMu.Unlock()
	mu, ok := c.locks[table]
	if !ok {
		mu = &sync.Mutex{}
		c.locks[table] = mu
	}
	return mu
}

// commit runs mutate under the table's commit lock and, when it reports a
// change, queues the entry's rows for subscribers before releasing the
// lock. Delivery happens after the lock is released. Every entry change
// goes through here, so subscribers see changes in the order they were
// applied and always receive what the entry held at that point.
func (c *Cache[T]) commit(table string, mutate func() bool) {
	mu := c.lock(table)
	mu.Lock()
	changed := mutate()
	if changed {
		rows, _ := c.entries.Get(table)
		c.subs.enqueue(table, rows)
	}
	mu.Unlock()

	if changed {
		c.subs.flush(table)
	}
}

// Get returns the cached rows without blocking or fetching.
func (c *Cache[T]) Get(table string) ([]T, bool) {
	return c.entries.Get(table)
}

func (c *Cache[T]) Entry(table string) Entry[T] {
	return c.entries.Entry(table)
}

func (c *Cache[T]) Tables() []string {
	return c.entries.Tables()
}

// Subscribe registers callback for every row set published for table.
// The callback may read from or write to the cache.
func (c *Cache[T]) Subscribe(table string, callback func(rows []T)) func() {
	return c.subs.Subscribe(table, callback)
}

func (c *Cache[T]) Subscribers(table string) int {
	return c.subs.Count(table)
}

// Invalidate marks table stale; readers keep getting the old rows until a
// fetch replaces them.
func (c *Cache[T]) Invalidate(table string) {
	c.commit(table, func() bool {
		c.entries.Invalidate(table)
		return false
	})
}

// Clear resets table to Unloaded and tells its subscribers it is empty.
func (c *Cache[T]) Clear(table string) {
	c.commit(table, func() bool {
		c.entries.Clear(table)
		return true
	})
}

// ClearAll resets every table, as on session teardown.
func (c *Cache[T]) ClearAll() {
	for _, table := range c.entries.Tables() {
		c.Clear(table)
	}
	c.entries.ClearAll()
	logger.Log.Info("Cleared table cache")
}

// Load fetches table through the coordinator with the configured query.
func (c *Cache[T]) Load(ctx context.Context, table string, opts LoadOptions) ([]T, error) {
	return c.fetches.Load(ctx, table, c.loader(table), opts)
}

// Refresh forces a reload of table.
func (c *Cache[T]) Refresh(ctx context.Context, table string) error {
	_, err := c.Load(ctx, table, LoadOptions{ForceRefresh: true})
	return err
}

func (c *Cache[T]) loader(table string) Loader[T] {
	q := c.opts.queries[table]
	return func(ctx context.Context) ([]T, error) {
		if c.opts.fetchTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, c.opts.fetchTimeout)
			defer cancel()
		}
		start := time.Now()
		rows, err := c.backend.Query(ctx, table, q)
		if err == nil {
			logger.Log.Debug("Fetched table",
				zap.String("table", table),
				zap.Int("rows", len(rows)),
				zap.Duration("took", time.Since(start)),
			)
		}
		return rows, err
	}
}

// apply patches one change into table and publishes when the rows moved.
func (c *Cache[T]) apply(table string, ch Change[T]) bool {
	var changed bool
	c.commit(table, func() bool {
		changed = c.entries.Patch(table, ch)
		return changed
	})
	return changed
}
