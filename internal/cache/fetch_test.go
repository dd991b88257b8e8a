package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_ConcurrentCallersShareOneFetch(t *testing.T) {
	b := newFakeBackend()
	b.seed("users", parcels(5))
	gate := make(chan struct{})
	b.setGate(gate)
	c := New[parcel](b)

	const n = 8
	results := make([][]parcel, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = c.ReadAll(context.Background(), "users")
		}()
	}

	require.Eventually(t, func() bool { return b.queryCount("users") == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(gate)
	wg.Wait()

	assert.Equal(t, 1, b.queryCount("users"))
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, results[0], results[i])
		assert.Len(t, results[i], 5)
	}
}

func TestLoad_FreshEntrySkipsBackend(t *testing.T) {
	b := newFakeBackend()
	b.seed("parcels", parcels(2))
	c := New[parcel](b)
	ctx := context.Background()

	_, err := c.ReadAll(ctx, "parcels")
	require.NoError(t, err)
	_, err = c.ReadAll(ctx, "parcels")
	require.NoError(t, err)
	assert.Equal(t, 1, b.queryCount("parcels"))

	_, err = c.ReadAll(ctx, "parcels", ForceRefresh())
	require.NoError(t, err)
	assert.Equal(t, 2, b.queryCount("parcels"))
}

func TestLoad_ForcedRefreshJoinsInFlightFetch(t *testing.T) {
	b := newFakeBackend()
	b.seed("parcels", parcels(2))
	gate := make(chan struct{})
	b.setGate(gate)
	c := New[parcel](b)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.ReadAll(context.Background(), "parcels", ForceRefresh())
			assert.NoError(t, err)
		}()
	}
	require.Eventually(t, func() bool { return b.queryCount("parcels") == 1 }, time.Second, time.Millisecond)
	assert.True(t, c.fetches.InFlight("parcels"))
	assert.Equal(t, Loading, c.Entry("parcels").State)

	time.Sleep(20 * time.Millisecond)
	close(gate)
	wg.Wait()

	assert.Equal(t, 1, b.queryCount("parcels"))
	assert.False(t, c.fetches.InFlight("parcels"))
	assert.Equal(t, Fresh, c.Entry("parcels").State)
}

func TestLoad_FailureKeepsStaleRows(t *testing.T) {
	b := newFakeBackend()
	b.seed("parcels", parcels(3))
	c := New[parcel](b)
	ctx := context.Background()

	_, err := c.ReadAll(ctx, "parcels")
	require.NoError(t, err)

	var rec recorder
	c.Subscribe("parcels", rec.record)

	b.setQueryErr(errNetwork)
	_, err = c.ReadAll(ctx, "parcels", ForceRefresh())

	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "parcels", fe.Table)
	assert.ErrorIs(t, err, errNetwork)

	rows, ok := c.Get("parcels")
	require.True(t, ok)
	assert.Len(t, rows, 3)
	assert.Equal(t, 0, rec.count(), "failures are not published")
	assert.False(t, c.fetches.InFlight("parcels"))

	b.setQueryErr(nil)
	_, err = c.ReadAll(ctx, "parcels", ForceRefresh())
	assert.NoError(t, err, "the table stays retryable")
}

func TestLoad_CallerCancelDoesNotCancelFetch(t *testing.T) {
	b := newFakeBackend()
	b.seed("parcels", parcels(2))
	gate := make(chan struct{})
	b.setGate(gate)
	c := New[parcel](b)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() {
		_, err := c.ReadAll(ctx, "parcels")
		done <- err
	}()
	require.Eventually(t, func() bool { return b.queryCount("parcels") == 1 }, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	close(gate)
	require.Eventually(t, func() bool { return c.Entry("parcels").State == Fresh }, time.Second, time.Millisecond)
	rows, _ := c.Get("parcels")
	assert.Len(t, rows, 2)
}

func TestLoad_LoaderPanicBecomesFetchError(t *testing.T) {
	c := New[parcel](newFakeBackend())
	_, err := c.fetches.Load(context.Background(), "parcels", func(context.Context) ([]parcel, error) {
		panic("driver bug")
	}, LoadOptions{})

	var fe *FetchError
	assert.ErrorAs(t, err, &fe)
	assert.False(t, c.fetches.InFlight("parcels"))
}

func TestLoad_FetchTimeout(t *testing.T) {
	b := newFakeBackend()
	b.setGate(make(chan struct{}))
	c := New[parcel](b, WithFetchTimeout(20*time.Millisecond))

	_, err := c.ReadAll(context.Background(), "parcels")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, Unloaded, c.Entry("parcels").State)
}

// A read issued after a confirmed write never joins a fetch that started
// before it.
func TestLoad_WriteDuringFetchIsNotLost(t *testing.T) {
	b := newFakeBackend()
	b.seed("parcels", parcels(2))
	c := New[parcel](b)
	ctx := context.Background()

	_, err := c.ReadAll(ctx, "parcels")
	require.NoError(t, err)

	gate := make(chan struct{})
	b.setGate(gate)
	oldRead := make(chan []parcel)
	go func() {
		rows, err := c.ReadAll(ctx, "parcels", ForceRefresh())
		assert.NoError(t, err)
		oldRead <- rows
	}()
	require.Eventually(t, func() bool { return b.queryCount("parcels") == 2 }, time.Second, time.Millisecond)

	_, err = c.Create(ctx, "parcels", parcel{ID: "p3"})
	require.NoError(t, err)

	newRead := make(chan []parcel)
	go func() {
		rows, err := c.ReadAll(ctx, "parcels")
		assert.NoError(t, err)
		newRead <- rows
	}()

	time.Sleep(20 * time.Millisecond)
	b.setGate(nil)
	close(gate)

	assert.Equal(t, []string{"p1", "p2"}, ids(<-oldRead), "the old read gets what it fetched")
	assert.Equal(t, []string{"p1", "p2", "p3"}, ids(<-newRead))
	assert.Equal(t, 3, b.queryCount("parcels"), "the new read waited and fetched again")

	rows, _ := c.Get("parcels")
	assert.Equal(t, []string{"p1", "p2", "p3"}, ids(rows))
}

// A first load overtaken by a confirmed write is served, then replaced by a
// second fetch so subscribers end up with the written row.
func TestLoad_OvertakenFirstLoadIsRevalidated(t *testing.T) {
	b := newFakeBackend()
	b.seed("parcels", parcels(2))
	c := New[parcel](b)
	ctx := context.Background()

	rec := &recorder{}
	defer c.Subscribe("parcels", rec.record)()

	gate := make(chan struct{})
	b.setGate(gate)
	firstRead := make(chan []parcel)
	go func() {
		rows, err := c.ReadAll(ctx, "parcels")
		assert.NoError(t, err)
		firstRead <- rows
	}()
	require.Eventually(t, func() bool { return b.queryCount("parcels") == 1 }, time.Second, time.Millisecond)

	_, err := c.Create(ctx, "parcels", parcel{ID: "p3"})
	require.NoError(t, err)
	assert.Equal(t, 0, rec.count(), "nothing to patch before the first load")

	b.setGate(nil)
	close(gate)
	assert.Equal(t, []string{"p1", "p2"}, ids(<-firstRead))

	require.Eventually(t, func() bool { return rec.count() == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"p1", "p2", "p3"}, ids(rec.last()))
	assert.Equal(t, Fresh, c.Entry("parcels").State)
	assert.Equal(t, 2, b.queryCount("parcels"))
}

// Without subscribers the overtaken rows stay stale until the next read.
func TestLoad_OvertakenFirstLoadWithoutSubscribers(t *testing.T) {
	b := newFakeBackend()
	b.seed("parcels", parcels(2))
	c := New[parcel](b)
	ctx := context.Background()

	gate := make(chan struct{})
	b.setGate(gate)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := c.ReadAll(ctx, "parcels")
		assert.NoError(t, err)
	}()
	require.Eventually(t, func() bool { return b.queryCount("parcels") == 1 }, time.Second, time.Millisecond)

	_, err := c.Create(ctx, "parcels", parcel{ID: "p3"})
	require.NoError(t, err)
	b.setGate(nil)
	close(gate)
	<-done

	require.Eventually(t, func() bool { return !c.fetches.InFlight("parcels") }, time.Second, time.Millisecond)
	assert.Equal(t, Stale, c.Entry("parcels").State)
	assert.Equal(t, 1, b.queryCount("parcels"))

	rows, err := c.ReadAll(ctx, "parcels")
	require.NoError(t, err)
	assert.Equal(t, []string{"p1", "p2", "p3"}, ids(rows))
}

func TestFetchError_Unwrap(t *testing.T) {
	err := &FetchError{Table: "parcels", Err: errNetwork}
	assert.True(t, errors.Is(err, errNetwork))
	assert.Equal(t, "fetch parcels: network unreachable", err.Error())
}
