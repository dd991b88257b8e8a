// Package bind adapts the table cache to long-lived consumers: a dashboard
// panel, an SSE stream, a terminal watcher. A Binding serves cached rows at
// once, loads when needed and follows every publish until it is closed.
package bind

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"registry-cache-service/internal/cache"
	"registry-cache-service/internal/logger"
)

// State is what a consumer renders.
type State[T cache.Record] struct {
	Rows []T
	// IsLoading is true until the binding has served a row set or an error.
	IsLoading bool
	Err       error
}

type Option[T cache.Record] func(*Binding[T])

// WithPush attaches the table's push channel for the life of the binding.
func WithPush[T cache.Record](a *cache.PushAdapter[T]) Option[T] {
	return func(b *Binding[T]) {
		b.push = a
	}
}

type Binding[T cache.Record] struct {
	cache *cache.Cache[T]
	table string
	push  *cache.PushAdapter[T]

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	rows    []T
	served  bool
	err     error
	updates chan struct{}

	unsub     func()
	detach    func()
	closeOnce sync.Once
}

// Bind subscribes to table and, unless the cache is fresh, starts a load in
// the background. A load already in flight is joined, not repeated.
// The binding stops when ctx ends or Close is called.
func Bind[T cache.Record](ctx context.Context, c *cache.Cache[T], table string, opts ...Option[T]) *Binding[T] {
	b := &Binding[T]{
		cache:   c,
		table:   table,
		updates: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.ctx, b.cancel = context.WithCancel(ctx)

	b.unsub = c.Subscribe(table, b.receive)

	e := c.Entry(table)
	if e.Loaded {
		b.mu.Lock()
		if !b.served {
			b.rows = e.Rows
			b.served = true
		}
		b.mu.Unlock()
	}

	if b.push != nil {
		detach, err := b.push.Attach(b.ctx, table)
		if err != nil {
			// The binding still works from fetches; updates just stop
			// being pushed.
			logger.Log.Warn("Binding without push channel", zap.String("table", table), zap.Error(err))
		} else {
			b.detach = detach
		}
	}

	if e.State != cache.Fresh {
		go func() {
			_ = b.load(b.ctx, cache.LoadOptions{})
		}()
	}

	go func() {
		<-b.ctx.Done()
		b.Close()
	}()
	return b
}

func (b *Binding[T]) receive(rows []T) {
	b.mu.Lock()
	b.rows = rows
	b.served = true
	b.mu.Unlock()
	b.notify()
}

func (b *Binding[T]) notify() {
	select {
	case b.updates <- struct{}{}:
	default:
	}
}

func (b *Binding[T]) load(ctx context.Context, opts cache.LoadOptions) error {
	rows, err := b.cache.Load(ctx, b.table, opts)

	b.mu.Lock()
	if err != nil {
		if ctx.Err() != nil {
			// Closed while loading; nobody is listening.
			b.mu.Unlock()
			return err
		}
		b.err = err
	} else {
		// The cache may already hold something newer than this result.
		if cached, ok := b.cache.Get(b.table); ok {
			rows = cached
		}
		b.rows = rows
		b.err = nil
	}
	b.served = true
	b.mu.Unlock()

	b.notify()
	return err
}

// State returns a snapshot for rendering. Rows is never nil once served.
func (b *Binding[T]) State() State[T] {
	b.mu.Lock()
	defer b.mu.Unlock()
	rows := b.rows
	if rows == nil {
		rows = []T{}
	}
	return State[T]{
		Rows:      rows,
		IsLoading: !b.served,
		Err:       b.err,
	}
}

// Refetch forces a reload. On failure the previous rows stay in State and
// the error is recorded next to them.
func (b *Binding[T]) Refetch(ctx context.Context) error {
	return b.load(ctx, cache.LoadOptions{ForceRefresh: true})
}

// Updates signals after every state change. Signals coalesce: a consumer
// that falls behind sees one pending signal and reads the latest State.
func (b *Binding[T]) Updates() <-chan struct{} {
	return b.updates
}

func (b *Binding[T]) Table() string {
	return b.table
}

// Done is closed once the binding is closed.
func (b *Binding[T]) Done() <-chan struct{} {
	return b.ctx.Done()
}

// Close unsubscribes and detaches. An in-flight load still completes and
// updates the cache for others. Close is idempotent.
func (b *Binding[T]) Close() {
	b.closeOnce.Do(func() {
		b.unsub()
		if b.detach != nil {
			b.detach()
		}
		b.cancel()
	})
}
