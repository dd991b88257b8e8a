package store

import (
	"context"
	"errors"
)

var (
	ErrNotFound = errors.New("record not found")
	ErrConflict = errors.New("record already exists")
)

// IsNotFound reports whether err means the record does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Store is the backing store behind the table cache. Implementations are
// safe for concurrent use.
type Store interface {
	Query(ctx context.Context, table string, q Query) ([]Row, error)
	Insert(ctx context.Context, table string, row Row) (Row, error)
	Update(ctx context.Context, table, id string, patch map[string]any) (Row, error)
	Delete(ctx context.Context, table, id string) error

	// General
	Close() error
}

// Query selects the rows of one table. A zero Query selects everything in
// primary key order.
type Query struct {
	Where      map[string]any
	OrderBy    string
	Descending bool
	Limit      int
}

// Schema describes the tables a store serves.
type Schema map[string]TableSchema

type TableSchema struct {
	PrimaryKey string
}

func (s Schema) primaryKey(table string) (string, bool) {
	t, ok := s[table]
	if !ok {
		return "", false
	}
	if t.PrimaryKey == "" {
		return "id", true
	}
	return t.PrimaryKey, true
}
