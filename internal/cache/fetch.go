package cache

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"registry-cache-service/internal/logger"
)

// Loader fetches the complete row set of one table.
type Loader[T Record] func(ctx context.Context) ([]T, error)

type LoadOptions struct {
	// ForceRefresh skips a fresh entry. It still joins a fetch that is
	// already outstanding.
	ForceRefresh bool
}

type call[T Record] struct {
	done  chan struct{}
	token fetchToken
	rows  []T
	err   error
}

// commitFunc applies mutate under the table's commit lock and publishes the
// resulting rows when mutate reports a change.
type commitFunc func(table string, mutate func() bool)

// Coordinator runs at most one backing fetch per table and shares its
// result with every caller that asks while it is outstanding.
type Coordinator[T Record] struct {
	entries *EntryStore[T]
	commit  commitFunc
	// watched reports whether table has consumers waiting on publishes.
	watched func(table string) bool

	mu    sync.Mutex
	calls map[string]*call[T]
}

func newCoordinator[T Record](entries *EntryStore[T], commit commitFunc, watched func(string) bool) *Coordinator[T] {
	return &Coordinator[T]{
		entries: entries,
		commit:  commit,
		watched: watched,
		calls:   make(map[string]*call[T]),
	}
}

// Load returns the rows of table, calling load unless the entry is fresh or
// a fetch is already outstanding.
//
// The fetch is detached from ctx: a caller that gives up does not cancel
// the load for the others, and the result still reaches the cache.
//
// An outstanding fetch that started before the entry last changed is not
// joined; Load waits for it to settle and then starts a new one.
func (f *Coordinator[T]) Load(ctx context.Context, table string, load Loader[T], opts LoadOptions) ([]T, error) {
	for {
		if !opts.ForceRefresh {
			if e := f.entries.Entry(table); e.State == Fresh {
				return e.Rows, nil
			}
		}

		f.mu.Lock()
		c, ok := f.calls[table]
		if ok && c.token.version != f.entries.versionOf(table) {
			f.mu.Unlock()
			select {
			case <-c.done:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if !ok {
			c = &call[T]{done: make(chan struct{}), token: f.entries.beginFetch(table)}
			f.calls[table] = c
			go f.run(context.WithoutCancel(ctx), table, c, load)
		}
		f.mu.Unlock()

		select {
		case <-c.done:
			return c.rows, c.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// InFlight reports whether a fetch for table is outstanding.
func (f *Coordinator[T]) InFlight(table string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.calls[table]
	return ok
}

func (f *Coordinator[T]) run(ctx context.Context, table string, c *call[T], load Loader[T]) {
	rows, err := safeLoad(ctx, load)
	if err != nil {
		c.err = &FetchError{Table: table, Err: err}
		logger.Log.Warn("Fetch failed", zap.String("table", table), zap.Error(err))
	} else {
		if rows == nil {
			rows = []T{}
		}
		c.rows = rows
	}

	var outcome fetchOutcome
	f.commit(table, func() bool {
		// The call leaves the map together with the entry update so no
		// Load observes one without the other.
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.calls[table] == c {
			delete(f.calls, table)
		}

		if err != nil {
			f.entries.abortFetch(table, c.token)
			return false
		}
		outcome = f.entries.completeFetch(table, c.token, rows)
		if outcome == fetchDiscarded {
			logger.Log.Debug("Discarded obsolete fetch", zap.String("table", table))
		}
		return outcome != fetchDiscarded
	})
	close(c.done)

	// An overtaken first load published rows older than the change that
	// overtook it. Subscribers get the current rows from a second fetch.
	if outcome == fetchOvertaken && f.watched != nil && f.watched(table) {
		logger.Log.Debug("Revalidating overtaken first load", zap.String("table", table))
		if _, err := f.Load(ctx, table, load, LoadOptions{ForceRefresh: true}); err != nil {
			logger.Log.Warn("Revalidation failed", zap.String("table", table), zap.Error(err))
		}
	}
}

func safeLoad[T Record](ctx context.Context, load Loader[T]) (rows []T, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("loader panicked: %v", p)
		}
	}()
	return load(ctx)
}
