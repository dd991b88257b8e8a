package bind

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"registry-cache-service/internal/cache"
	"registry-cache-service/internal/store"
)

var errOffline = errors.New("registry offline")

// countingStore wraps a MemoryStore with a query counter, an optional gate
// and an injectable query error.
type countingStore struct {
	*store.MemoryStore

	mu      sync.Mutex
	queries int
	gate    chan struct{}
	err     error
}

func newCountingStore(t *testing.T, table string, n int) *countingStore {
	t.Helper()
	m := store.NewMemoryStore(store.Schema{table: {}})
	for i := 1; i <= n; i++ {
		_, err := m.Insert(context.Background(), table, store.Row{Fields: map[string]any{
			"id":    fmt.Sprintf("n%d", i),
			"title": fmt.Sprintf("notice %d", i),
		}})
		require.NoError(t, err)
	}
	return &countingStore{MemoryStore: m}
}

func (s *countingStore) Query(ctx context.Context, table string, q store.Query) ([]store.Row, error) {
	s.mu.Lock()
	s.queries++
	gate, err := s.gate, s.err
	s.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}
	return s.MemoryStore.Query(ctx, table, q)
}

func (s *countingStore) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *countingStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queries
}

func waitState(t *testing.T, b *Binding[store.Row], cond func(State[store.Row]) bool) State[store.Row] {
	t.Helper()
	var st State[store.Row]
	require.Eventually(t, func() bool {
		st = b.State()
		return cond(st)
	}, 2*time.Second, time.Millisecond)
	return st
}

func loaded(st State[store.Row]) bool { return !st.IsLoading }

func TestBind_TwoConsumersShareOneFetch(t *testing.T) {
	s := newCountingStore(t, "notifications", 5)
	gate := make(chan struct{})
	s.gate = gate
	c := cache.New[store.Row](s)
	ctx := context.Background()

	b1 := Bind(ctx, c, "notifications")
	b2 := Bind(ctx, c, "notifications")
	defer b1.Close()
	defer b2.Close()

	assert.True(t, b1.State().IsLoading)
	assert.True(t, b2.State().IsLoading)
	assert.Empty(t, b1.State().Rows)

	close(gate)

	st1 := waitState(t, b1, loaded)
	st2 := waitState(t, b2, loaded)
	assert.Len(t, st1.Rows, 5)
	assert.Len(t, st2.Rows, 5)
	assert.NoError(t, st1.Err)
	assert.Equal(t, 1, s.count())
}

func TestBind_ServesFreshCacheWithoutFetching(t *testing.T) {
	s := newCountingStore(t, "notifications", 3)
	c := cache.New[store.Row](s)
	_, err := c.ReadAll(context.Background(), "notifications")
	require.NoError(t, err)

	b := Bind(context.Background(), c, "notifications")
	defer b.Close()

	st := b.State()
	assert.False(t, st.IsLoading)
	assert.Len(t, st.Rows, 3)
	assert.Equal(t, 1, s.count())
}

func TestBind_ErrorThenRefetchRecovers(t *testing.T) {
	s := newCountingStore(t, "notifications", 2)
	s.setErr(errOffline)
	c := cache.New[store.Row](s)

	b := Bind(context.Background(), c, "notifications")
	defer b.Close()

	st := waitState(t, b, loaded)
	require.ErrorIs(t, st.Err, errOffline)
	var fe *cache.FetchError
	assert.ErrorAs(t, st.Err, &fe)
	assert.Empty(t, st.Rows)
	assert.NotNil(t, st.Rows)

	s.setErr(nil)
	require.NoError(t, b.Refetch(context.Background()))

	st = b.State()
	assert.NoError(t, st.Err)
	assert.Len(t, st.Rows, 2)
}

func TestBind_FailedRefetchKeepsRows(t *testing.T) {
	s := newCountingStore(t, "notifications", 3)
	c := cache.New[store.Row](s)

	b := Bind(context.Background(), c, "notifications")
	defer b.Close()
	waitState(t, b, loaded)

	s.setErr(errOffline)
	err := b.Refetch(context.Background())
	require.ErrorIs(t, err, errOffline)

	st := b.State()
	assert.Len(t, st.Rows, 3)
	assert.ErrorIs(t, st.Err, errOffline)
}

func TestBind_FollowsWrites(t *testing.T) {
	s := newCountingStore(t, "notifications", 1)
	c := cache.New[store.Row](s)
	b := Bind(context.Background(), c, "notifications")
	defer b.Close()
	waitState(t, b, loaded)

	// Drain the load signal.
	select {
	case <-b.Updates():
	default:
	}

	_, err := c.Create(context.Background(), "notifications", store.Row{Fields: map[string]any{"id": "n9"}})
	require.NoError(t, err)

	select {
	case <-b.Updates():
	case <-time.After(time.Second):
		t.Fatal("no update signal after write")
	}
	assert.Len(t, b.State().Rows, 2)
}

func TestBind_CloseStopsUpdates(t *testing.T) {
	s := newCountingStore(t, "notifications", 1)
	c := cache.New[store.Row](s)
	b := Bind(context.Background(), c, "notifications")
	waitState(t, b, loaded)

	b.Close()
	b.Close()

	select {
	case <-b.Done():
	default:
		t.Fatal("Done not closed")
	}
	assert.Equal(t, 0, c.Subscribers("notifications"))

	_, err := c.Create(context.Background(), "notifications", store.Row{Fields: map[string]any{"id": "n9"}})
	require.NoError(t, err)
	assert.Len(t, b.State().Rows, 1)
}

func TestBind_ContextCancelCloses(t *testing.T) {
	s := newCountingStore(t, "notifications", 1)
	c := cache.New[store.Row](s)
	ctx, cancel := context.WithCancel(context.Background())
	b := Bind(ctx, c, "notifications")
	require.Equal(t, 1, c.Subscribers("notifications"))

	cancel()
	<-b.Done()
	require.Eventually(t, func() bool {
		return c.Subscribers("notifications") == 0
	}, time.Second, time.Millisecond)
}

type rowSource struct {
	mu        sync.Mutex
	listeners map[string]cache.Listener[store.Row]
	cancels   int
	err       error
}

func (r *rowSource) Subscribe(ctx context.Context, table string, l cache.Listener[store.Row]) (func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	if r.listeners == nil {
		r.listeners = make(map[string]cache.Listener[store.Row])
	}
	r.listeners[table] = l
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.cancels++
		delete(r.listeners, table)
	}, nil
}

func (r *rowSource) listener(table string) cache.Listener[store.Row] {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listeners[table]
}

func TestBind_WithPush(t *testing.T) {
	s := newCountingStore(t, "notifications", 2)
	c := cache.New[store.Row](s)
	src := &rowSource{}
	push := cache.NewPushAdapter(c, src)

	b := Bind(context.Background(), c, "notifications", WithPush(push))
	waitState(t, b, loaded)

	l := src.listener("notifications")
	require.NotNil(t, l)
	l.OnChange(cache.Change[store.Row]{Op: cache.Delete, Record: store.Row{ID: "n1"}})

	st := waitState(t, b, func(st State[store.Row]) bool { return len(st.Rows) == 1 })
	assert.Equal(t, "n2", st.Rows[0].Key())
	assert.Equal(t, 1, s.count())

	b.Close()
	attached, _ := push.Attached("notifications")
	assert.False(t, attached)
	src.mu.Lock()
	assert.Equal(t, 1, src.cancels)
	src.mu.Unlock()
}

func TestBind_PushFailureStillLoads(t *testing.T) {
	s := newCountingStore(t, "notifications", 2)
	c := cache.New[store.Row](s)
	push := cache.NewPushAdapter(c, &rowSource{err: errors.New("replication disabled")})

	b := Bind(context.Background(), c, "notifications", WithPush(push))
	defer b.Close()

	st := waitState(t, b, loaded)
	assert.NoError(t, st.Err)
	assert.Len(t, st.Rows, 2)
}
