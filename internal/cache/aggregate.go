package cache

import "sync"

// Aggregation is a value derived from one table's rows. It recomputes on
// every publish for that table and never queries the backend itself.
type Aggregation[V any] struct {
	mu       sync.RWMutex
	value    V
	onChange func(V)
	unsub    func()
	once     sync.Once
}

type AggregateOption[V any] func(*Aggregation[V])

// OnAggregate is called with every recomputed value.
func OnAggregate[V any](fn func(V)) AggregateOption[V] {
	return func(a *Aggregation[V]) {
		a.onChange = fn
	}
}

// Aggregate derives a value from table with reduce. The first value is
// computed from whatever the cache holds now (nil rows when unloaded).
//
// An aggregation does not count as a subscriber: it never keeps a table
// refreshing on its own.
func Aggregate[T Record, V any](c *Cache[T], table string, reduce func(rows []T) V, opts ...AggregateOption[V]) *Aggregation[V] {
	a := &Aggregation[V]{}
	for _, opt := range opts {
		opt(a)
	}

	// Subscribing under the commit lock keeps a change from slipping in
	// between the initial computation and the subscription.
	c.commit(table, func() bool {
		rows, _ := c.entries.Get(table)
		a.set(reduce(rows))
		a.unsub = c.subs.subscribe(table, func(rows []T) {
			a.set(reduce(rows))
		}, true)
		return false
	})
	return a
}

func (a *Aggregation[V]) set(v V) {
	a.mu.Lock()
	a.value = v
	fn := a.onChange
	a.mu.Unlock()
	if fn != nil {
		fn(v)
	}
}

func (a *Aggregation[V]) Value() V {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.value
}

// Close stops recomputation. The last value stays readable.
func (a *Aggregation[V]) Close() {
	a.once.Do(a.unsub)
}

// Count is a reducer for the number of rows.
func Count[T Record](rows []T) int {
	return len(rows)
}
