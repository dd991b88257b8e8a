package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"registry-cache-service/internal/store"
)

type parcel struct {
	ID    string
	Owner string
	Area  int
}

func (p parcel) Key() string { return p.ID }

// fingerprinted parcels compare by content.
type fpParcel struct{ parcel }

func (p fpParcel) Fingerprint() string {
	return fmt.Sprintf("%s|%s|%d", p.ID, p.Owner, p.Area)
}

func parcels(n int) []parcel {
	out := make([]parcel, n)
	for i := range out {
		out[i] = parcel{ID: fmt.Sprintf("p%d", i+1), Owner: "owner", Area: (i + 1) * 10}
	}
	return out
}

func ids[T Record](rows []T) []string {
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = r.Key()
	}
	return out
}

var errNetwork = errors.New("network unreachable")

// fakeBackend serves parcels from memory and counts queries. When gate is
// set, Query snapshots the rows and then blocks until gate is closed.
type fakeBackend struct {
	mu       sync.Mutex
	rows     map[string][]parcel
	queries  map[string]int
	gate     chan struct{}
	queryErr error
	writeErr error
	nextID   int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		rows:    make(map[string][]parcel),
		queries: make(map[string]int),
	}
}

func (b *fakeBackend) seed(table string, rows []parcel) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rows[table] = append([]parcel(nil), rows...)
}

func (b *fakeBackend) queryCount(table string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.queries[table]
}

func (b *fakeBackend) setGate(g chan struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.gate = g
}

func (b *fakeBackend) setQueryErr(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queryErr = err
}

func (b *fakeBackend) setWriteErr(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.writeErr = err
}

func (b *fakeBackend) Query(ctx context.Context, table string, q store.Query) ([]parcel, error) {
	b.mu.Lock()
	b.queries[table]++
	rows := append([]parcel(nil), b.rows[table]...)
	gate, err := b.gate, b.queryErr
	b.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (b *fakeBackend) Insert(ctx context.Context, table string, rec parcel) (parcel, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.writeErr != nil {
		return parcel{}, b.writeErr
	}
	if rec.ID == "" {
		b.nextID++
		rec.ID = fmt.Sprintf("new%d", b.nextID)
	}
	for _, r := range b.rows[table] {
		if r.ID == rec.ID {
			return parcel{}, store.ErrConflict
		}
	}
	b.rows[table] = append(b.rows[table], rec)
	return rec, nil
}

func (b *fakeBackend) Update(ctx context.Context, table, id string, patch map[string]any) (parcel, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.writeErr != nil {
		return parcel{}, b.writeErr
	}
	for i, r := range b.rows[table] {
		if r.ID != id {
			continue
		}
		if v, ok := patch["owner"].(string); ok {
			r.Owner = v
		}
		if v, ok := patch["area"].(int); ok {
			r.Area = v
		}
		b.rows[table][i] = r
		return r, nil
	}
	return parcel{}, store.ErrNotFound
}

func (b *fakeBackend) Delete(ctx context.Context, table, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.writeErr != nil {
		return b.writeErr
	}
	rows := b.rows[table]
	for i, r := range rows {
		if r.ID == id {
			b.rows[table] = append(rows[:i:i], rows[i+1:]...)
			return nil
		}
	}
	return store.ErrNotFound
}

// recorder collects every row set delivered to a subscriber.
type recorder struct {
	mu   sync.Mutex
	sets [][]parcel
}

func (r *recorder) record(rows []parcel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sets = append(r.sets, rows)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sets)
}

func (r *recorder) last() []parcel {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.sets) == 0 {
		return nil
	}
	return r.sets[len(r.sets)-1]
}
