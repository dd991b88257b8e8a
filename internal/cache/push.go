package cache

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"registry-cache-service/internal/logger"
)

// Listener receives the changes of one table from an EventSource, in the
// order the source emits them.
type Listener[T Record] interface {
	OnChange(c Change[T])
	// OnDisconnect reports that the subscription is dead; no further
	// changes arrive through it.
	OnDisconnect(err error)
}

// EventSource is an external push mechanism delivering row changes.
type EventSource[T Record] interface {
	Subscribe(ctx context.Context, table string, l Listener[T]) (cancel func(), err error)
}

// ReconnectPolicy bounds the exponential backoff used to resubscribe after
// a disconnect. A zero MaxElapsed uses the backoff library default.
type ReconnectPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsed      time.Duration
}

type PushOption func(*pushOptions)

type pushOptions struct {
	reconnect *ReconnectPolicy
}

// WithReconnect makes the adapter resubscribe on its own after a
// disconnect. Without it, reconnecting is left to whoever owns the source.
func WithReconnect(p ReconnectPolicy) PushOption {
	return func(o *pushOptions) {
		o.reconnect = &p
	}
}

type channel struct {
	refs      int
	ready     chan struct{}
	err       error
	cancel    func()
	connected bool
	epoch     uint64

	// ctx lives until the last detach and bounds reconnect attempts.
	ctx  context.Context
	stop context.CancelFunc
}

// PushAdapter turns source events into cache patches and publishes. It
// keeps at most one source subscription per table, shared by every Attach.
type PushAdapter[T Record] struct {
	cache  *Cache[T]
	source EventSource[T]
	opts   pushOptions

	mu       sync.Mutex
	channels map[string]*channel
}

func NewPushAdapter[T Record](c *Cache[T], source EventSource[T], opts ...PushOption) *PushAdapter[T] {
	var o pushOptions
	for _, opt := range opts {
		opt(&o)
	}
	return &PushAdapter[T]{
		cache:    c,
		source:   source,
		opts:     o,
		channels: make(map[string]*channel),
	}
}

// Attach makes sure table's changes flow into the cache and returns the
// matching detach. The source subscription is opened by the first Attach
// and closed by the last detach.
func (a *PushAdapter[T]) Attach(ctx context.Context, table string) (func(), error) {
	a.mu.Lock()
	if ch, ok := a.channels[table]; ok {
		ch.refs++
		a.mu.Unlock()

		select {
		case <-ch.ready:
		case <-ctx.Done():
			a.release(table, ch)
			return nil, ctx.Err()
		}
		if ch.err != nil {
			return nil, ch.err
		}
		return a.detacher(table, ch), nil
	}

	ch := &channel{refs: 1, ready: make(chan struct{})}
	ch.ctx, ch.stop = context.WithCancel(context.Background())
	a.channels[table] = ch
	a.mu.Unlock()

	cancel, err := a.subscribe(ctx, table, ch)

	a.mu.Lock()
	if err != nil {
		ch.err = err
		if a.channels[table] == ch {
			delete(a.channels, table)
		}
		close(ch.ready)
		a.mu.Unlock()
		ch.stop()
		logger.Log.Error("Failed to attach push channel", zap.String("table", table), zap.Error(err))
		return nil, err
	}
	ch.cancel = cancel
	ch.connected = true
	close(ch.ready)
	a.mu.Unlock()

	logger.Log.Info("Attached push channel", zap.String("table", table))
	return a.detacher(table, ch), nil
}

func (a *PushAdapter[T]) detacher(table string, ch *channel) func() {
	var once sync.Once
	return func() {
		once.Do(func() { a.release(table, ch) })
	}
}

func (a *PushAdapter[T]) release(table string, ch *channel) {
	a.mu.Lock()
	ch.refs--
	if ch.refs > 0 {
		a.mu.Unlock()
		return
	}
	if a.channels[table] == ch {
		delete(a.channels, table)
	}
	cancel := ch.cancel
	ch.cancel = nil
	ch.connected = false
	ch.epoch++
	a.mu.Unlock()

	ch.stop()
	if cancel != nil {
		cancel()
	}
	logger.Log.Info("Detached push channel", zap.String("table", table))
}

// Attached reports whether table has a channel and whether it is
// currently connected.
func (a *PushAdapter[T]) Attached(table string) (attached, connected bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ch, ok := a.channels[table]
	if !ok {
		return false, false
	}
	return true, ch.connected
}

func (a *PushAdapter[T]) subscribe(ctx context.Context, table string, ch *channel) (func(), error) {
	a.mu.Lock()
	ch.epoch++
	l := &tableListener[T]{adapter: a, table: table, ch: ch, epoch: ch.epoch}
	a.mu.Unlock()
	return a.source.Subscribe(ctx, table, l)
}

type tableListener[T Record] struct {
	adapter *PushAdapter[T]
	table   string
	ch      *channel
	epoch   uint64
}

// current reports whether l belongs to the live subscription of its table.
// Events from replaced or detached subscriptions are dropped.
func (l *tableListener[T]) current() bool {
	a := l.adapter
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.channels[l.table] == l.ch && l.ch.epoch == l.epoch
}

func (l *tableListener[T]) OnChange(c Change[T]) {
	if !l.current() {
		return
	}
	l.adapter.cache.apply(l.table, c)
}

func (l *tableListener[T]) OnDisconnect(err error) {
	if !l.current() {
		return
	}
	l.adapter.disconnected(l.table, l.ch, err)
}

// disconnected leaves the cache alone: the rows are still the best known
// state, they just stop following the source until a reconnect.
func (a *PushAdapter[T]) disconnected(table string, ch *channel, err error) {
	logger.Log.Warn("Push channel disconnected", zap.String("table", table), zap.Error(err))

	a.mu.Lock()
	ch.connected = false
	ch.epoch++
	cancel := ch.cancel
	ch.cancel = nil
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if a.opts.reconnect != nil {
		go a.reconnect(table, ch)
	}
}

func (a *PushAdapter[T]) reconnect(table string, ch *channel) {
	p := a.opts.reconnect

	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	opts := []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Log.Info("Push channel reconnect failed",
				zap.String("table", table),
				zap.Duration("retry_in", next),
				zap.Error(err),
			)
		}),
	}
	if p.MaxElapsed > 0 {
		opts = append(opts, backoff.WithMaxElapsedTime(p.MaxElapsed))
	}

	cancel, err := backoff.Retry(ch.ctx, func() (func(), error) {
		return a.subscribe(ch.ctx, table, ch)
	}, opts...)
	if err != nil {
		logger.Log.Error("Giving up on push channel", zap.String("table", table), zap.Error(err))
		return
	}

	a.mu.Lock()
	if a.channels[table] != ch {
		// Detached while reconnecting.
		a.mu.Unlock()
		cancel()
		return
	}
	ch.cancel = cancel
	ch.connected = true
	a.mu.Unlock()

	logger.Log.Info("Push channel reconnected", zap.String("table", table))

	// Changes made while the channel was down never arrived.
	a.cache.Invalidate(table)
	if a.cache.Subscribers(table) > 0 {
		if err := a.cache.Refresh(ch.ctx, table); err != nil {
			logger.Log.Warn("Refresh after reconnect failed", zap.String("table", table), zap.Error(err))
		}
	}
}
