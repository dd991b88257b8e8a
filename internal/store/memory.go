package store

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore keeps tables in process memory.
type MemoryStore struct {
	schema Schema

	mu     sync.RWMutex
	tables map[string][]Row
}

func NewMemoryStore(schema Schema) *MemoryStore {
	return &MemoryStore{
		schema: schema,
		tables: make(map[string][]Row),
	}
}

func (m *MemoryStore) Close() error {
	return nil
}

func cloneFields(f map[string]any) map[string]any {
	out := make(map[string]any, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

func (m *MemoryStore) Query(ctx context.Context, table string, q Query) ([]Row, error) {
	pk, ok := m.schema.primaryKey(table)
	if !ok {
		return nil, fmt.Errorf("unknown table %q", table)
	}

	m.mu.RLock()
	out := make([]Row, 0, len(m.tables[table]))
	for _, r := range m.tables[table] {
		if matches(r, q.Where) {
			out = append(out, Row{ID: r.ID, Fields: cloneFields(r.Fields)})
		}
	}
	m.mu.RUnlock()

	col := q.OrderBy
	if col == "" {
		col = pk
	}
	slices.SortStableFunc(out, func(a, b Row) int {
		c := compareValues(a.Fields[col], b.Fields[col])
		if q.Descending {
			return -c
		}
		return c
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// compareValues orders two column values the way SQL would: numbers by
// value, everything else by its text.
func compareValues(a, b any) int {
	if x, ok := number(a); ok {
		if y, ok := number(b); ok {
			return cmp.Compare(x, y)
		}
	}
	return strings.Compare(KeyOf(a), KeyOf(b))
}

func number(v any) (float64, bool) {
	switch x := v.(type) {
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint:
		return float64(x), true
	case uint32:
		return float64(x), true
	case uint64:
		return float64(x), true
	case float32:
		return float64(x), true
	case float64:
		return x, true
	default:
		return 0, false
	}
}

func matches(r Row, where map[string]any) bool {
	for k, v := range where {
		if KeyOf(r.Fields[k]) != KeyOf(v) {
			return false
		}
	}
	return true
}

func (m *MemoryStore) indexOf(table, id string) int {
	for i, r := range m.tables[table] {
		if r.ID == id {
			return i
		}
	}
	return -1
}

func (m *MemoryStore) Insert(ctx context.Context, table string, row Row) (Row, error) {
	pk, ok := m.schema.primaryKey(table)
	if !ok {
		return Row{}, fmt.Errorf("unknown table %q", table)
	}

	fields := cloneFields(row.Fields)
	if KeyOf(fields[pk]) == "" {
		fields[pk] = uuid.New().String()
	}
	created := NewRow(pk, fields)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.indexOf(table, created.ID) >= 0 {
		return Row{}, fmt.Errorf("%s/%s: %w", table, created.ID, ErrConflict)
	}
	m.tables[table] = append(m.tables[table], created)
	return Row{ID: created.ID, Fields: cloneFields(fields)}, nil
}

func (m *MemoryStore) Update(ctx context.Context, table, id string, patch map[string]any) (Row, error) {
	pk, ok := m.schema.primaryKey(table)
	if !ok {
		return Row{}, fmt.Errorf("unknown table %q", table)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.indexOf(table, id)
	if i < 0 {
		return Row{}, ErrNotFound
	}
	fields := cloneFields(m.tables[table][i].Fields)
	for k, v := range patch {
		if k != pk {
			fields[k] = v
		}
	}
	m.tables[table][i] = Row{ID: id, Fields: fields}
	return Row{ID: id, Fields: cloneFields(fields)}, nil
}

func (m *MemoryStore) Delete(ctx context.Context, table, id string) error {
	if _, ok := m.schema.primaryKey(table); !ok {
		return fmt.Errorf("unknown table %q", table)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.indexOf(table, id)
	if i < 0 {
		return ErrNotFound
	}
	rows := m.tables[table]
	m.tables[table] = append(rows[:i:i], rows[i+1:]...)
	return nil
}

var _ Store = (*MemoryStore)(nil)
