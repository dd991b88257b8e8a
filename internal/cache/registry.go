package cache

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"registry-cache-service/internal/logger"
)

type subscription[T Record] struct {
	id       string
	callback func(rows []T)
	// internal subscriptions feed derived values and are not counted as
	// consumers of the table.
	internal bool
	active   atomic.Bool
}

type topic[T Record] struct {
	subs []*subscription[T]
	// pending holds published row sets not yet delivered, oldest first.
	// Only the goroutine that set draining delivers them.
	pending  [][]T
	draining bool
}

// Registry fans row sets out to the callbacks registered for a table.
//
// Row sets are delivered one at a time per table in the order they were
// published. A callback may call back into the cache, including writes to
// its own table; row sets published meanwhile are delivered after it
// returns.
type Registry[T Record] struct {
	mu     sync.Mutex
	topics map[string]*topic[T]
}

func NewRegistry[T Record]() *Registry[T] {
	return &Registry[T]{topics: make(map[string]*topic[T])}
}

func (r *Registry[T]) topic(table string) *topic[T] {
	t, ok := r.topics[table]
	if !ok {
		t = &topic[T]{}
		r.topics[table] = t
	}
	return t
}

// Subscribe registers callback for table and returns its disposer. The
// disposer is idempotent; once it returns, callback is not invoked again
// by deliveries that start afterwards.
func (r *Registry[T]) Subscribe(table string, callback func(rows []T)) func() {
	return r.subscribe(table, callback, false)
}

func (r *Registry[T]) subscribe(table string, callback func(rows []T), internal bool) func() {
	sub := &subscription[T]{id: uuid.New().String(), callback: callback, internal: internal}
	sub.active.Store(true)

	r.mu.Lock()
	t := r.topic(table)
	t.subs = append(t.subs, sub)
	r.mu.Unlock()

	logger.Log.Debug("Subscribed", zap.String("table", table), zap.String("subscription", sub.id))

	return func() {
		if !sub.active.CompareAndSwap(true, false) {
			return
		}
		r.mu.Lock()
		defer r.mu.Unlock()
		t := r.topics[table]
		if t == nil {
			return
		}
		for i, s := range t.subs {
			if s == sub {
				t.subs = append(t.subs[:i:i], t.subs[i+1:]...)
				break
			}
		}
		logger.Log.Debug("Unsubscribed", zap.String("table", table), zap.String("subscription", sub.id))
	}
}

// Count returns the number of live consumer subscriptions for table.
// Aggregations are not included.
func (r *Registry[T]) Count(table string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.topics[table]
	if !ok {
		return 0
	}
	n := 0
	for _, sub := range t.subs {
		if !sub.internal {
			n++
		}
	}
	return n
}

// Publish delivers rows to every live subscriber of table in registration
// order. A panicking callback is logged and skipped.
//
// When a delivery for table is already running, on this goroutine or
// another, Publish queues rows behind it and returns without waiting.
func (r *Registry[T]) Publish(table string, rows []T) {
	r.enqueue(table, rows)
	r.flush(table)
}

func (r *Registry[T]) enqueue(table string, rows []T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.topics[table]; ok && len(t.subs) > 0 {
		t.pending = append(t.pending, rows)
	}
}

// flush delivers the pending row sets of table unless another call is
// already doing so.
func (r *Registry[T]) flush(table string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.topics[table]
	if !ok || t.draining {
		return
	}

	t.draining = true
	for len(t.pending) > 0 {
		rows := t.pending[0]
		t.pending[0] = nil
		t.pending = t.pending[1:]
		subs := slices.Clone(t.subs)

		r.mu.Unlock()
		for _, sub := range subs {
			if sub.active.Load() {
				deliver(table, sub, rows)
			}
		}
		r.mu.Lock()
	}
	t.draining = false
}

func deliver[T Record](table string, sub *subscription[T], rows []T) {
	defer func() {
		if p := recover(); p != nil {
			logger.Log.Error("Subscriber fault",
				zap.String("table", table),
				zap.String("subscription", sub.id),
				zap.Error(&SubscriberFault{Table: table, Panic: p}),
			)
		}
	}()
	sub.callback(rows)
}

// SubscriberFault describes a callback that panicked during Publish.
type SubscriberFault struct {
	Table string
	Panic any
}

func (e *SubscriberFault) Error() string {
	return fmt.Sprintf("subscriber of %s panicked: %v", e.Table, e.Panic)
}
