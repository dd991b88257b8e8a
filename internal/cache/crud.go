package cache

import (
	"context"

	"go.uber.org/zap"

	"registry-cache-service/internal/logger"
)

type ReadOption func(*readOptions)

type readOptions struct {
	force bool
	where func(any) bool
}

// ForceRefresh makes ReadAll bypass a fresh entry.
func ForceRefresh() ReadOption {
	return func(o *readOptions) {
		o.force = true
	}
}

// Where filters the rows ReadAll returns. The cache always holds the whole
// table; the filter runs over it.
func Where[T Record](keep func(T) bool) ReadOption {
	return func(o *readOptions) {
		o.where = func(r any) bool {
			t, ok := r.(T)
			return ok && keep(t)
		}
	}
}

// ReadAll returns the rows of table, served from a fresh entry when there
// is one and loaded through the coordinator otherwise.
func (c *Cache[T]) ReadAll(ctx context.Context, table string, opts ...ReadOption) ([]T, error) {
	var o readOptions
	for _, opt := range opts {
		opt(&o)
	}

	rows, err := c.Load(ctx, table, LoadOptions{ForceRefresh: o.force})
	if err != nil {
		return nil, err
	}
	if o.where == nil {
		return rows, nil
	}

	out := make([]T, 0, len(rows))
	for _, r := range rows {
		if o.where(r) {
			out = append(out, r)
		}
	}
	return out, nil
}

// ReadOne returns the row of table keyed by id.
func (c *Cache[T]) ReadOne(ctx context.Context, table, id string) (T, bool, error) {
	var zero T
	rows, err := c.ReadAll(ctx, table)
	if err != nil {
		return zero, false, err
	}
	for _, r := range rows {
		if r.Key() == id {
			return r, true, nil
		}
	}
	return zero, false, nil
}

// Create writes rec to the backing store and, once it is confirmed, adds
// the stored record to the cache, marks the table stale and publishes.
func (c *Cache[T]) Create(ctx context.Context, table string, rec T) (T, error) {
	created, err := c.backend.Insert(ctx, table, rec)
	if err != nil {
		var zero T
		return zero, c.writeFailed(table, Insert, err)
	}
	c.written(table, Change[T]{Op: Insert, Record: created})
	return created, nil
}

// Update applies patch to the record keyed by id.
func (c *Cache[T]) Update(ctx context.Context, table, id string, patch map[string]any) (T, error) {
	updated, err := c.backend.Update(ctx, table, id, patch)
	if err != nil {
		var zero T
		return zero, c.writeFailed(table, Update, err)
	}
	c.written(table, Change[T]{Op: Update, Record: updated})
	return updated, nil
}

// Remove deletes the record keyed by id.
func (c *Cache[T]) Remove(ctx context.Context, table, id string) error {
	if err := c.backend.Delete(ctx, table, id); err != nil {
		return c.writeFailed(table, Delete, err)
	}

	c.commit(table, func() bool {
		rows, _ := c.entries.Get(table)
		for _, r := range rows {
			if r.Key() == id {
				c.entries.Patch(table, Change[T]{Op: Delete, Record: r})
				break
			}
		}
		c.entries.Invalidate(table)
		_, loaded := c.entries.Get(table)
		return loaded
	})
	return nil
}

// written patches a confirmed write into the cache. The entry is left stale
// so the next ReadAll fetches rows that include server side effects of the
// write; subscribers get the patched rows right away. A table nobody has
// loaded has nothing to publish.
func (c *Cache[T]) written(table string, ch Change[T]) {
	c.commit(table, func() bool {
		c.entries.Patch(table, ch)
		c.entries.Invalidate(table)
		_, loaded := c.entries.Get(table)
		return loaded
	})
	logger.Log.Debug("Write applied", zap.String("table", table), zap.Stringer("change", ch))
}

func (c *Cache[T]) writeFailed(table string, op Operation, err error) error {
	logger.Log.Warn("Write failed",
		zap.String("table", table),
		zap.String("op", string(op)),
		zap.Error(err),
	)
	return &WriteError{Table: table, Op: op, Err: err}
}
