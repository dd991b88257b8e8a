package store

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"registry-cache-service/internal/database"
)

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// SQLStore serves table rows from MySQL or SQLite. Only tables listed in
// the schema are reachable.
type SQLStore struct {
	db     *database.Database
	schema Schema

	// intKeys caches, per table, whether the primary key is an integer
	// column the database fills in.
	intKeys sync.Map
}

func NewSQLStore(db *database.Database, schema Schema) (*SQLStore, error) {
	for table, t := range schema {
		if !identRe.MatchString(table) {
			return nil, fmt.Errorf("invalid table name %q", table)
		}
		if t.PrimaryKey != "" && !identRe.MatchString(t.PrimaryKey) {
			return nil, fmt.Errorf("invalid primary key %q for table %s", t.PrimaryKey, table)
		}
	}
	return &SQLStore{db: db, schema: schema}, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func quote(ident string) string {
	return "`" + ident + "`"
}

func (s *SQLStore) table(table string) (string, error) {
	pk, ok := s.schema.primaryKey(table)
	if !ok {
		return "", fmt.Errorf("unknown table %q", table)
	}
	return pk, nil
}

func checkColumns(cols []string) error {
	for _, c := range cols {
		if !identRe.MatchString(c) {
			return fmt.Errorf("invalid column name %q", c)
		}
	}
	return nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (s *SQLStore) Query(ctx context.Context, table string, q Query) ([]Row, error) {
	pk, err := s.table(table)
	if err != nil {
		return nil, err
	}

	var (
		sb   strings.Builder
		args []any
	)
	sb.WriteString("SELECT * FROM " + quote(table))

	cols := sortedKeys(q.Where)
	if err := checkColumns(cols); err != nil {
		return nil, err
	}
	for i, c := range cols {
		if i == 0 {
			sb.WriteString(" WHERE ")
		} else {
			sb.WriteString(" AND ")
		}
		sb.WriteString(quote(c) + " = ?")
		args = append(args, q.Where[c])
	}

	orderBy := q.OrderBy
	if orderBy == "" {
		orderBy = pk
	}
	if !identRe.MatchString(orderBy) {
		return nil, fmt.Errorf("invalid order column %q", orderBy)
	}
	sb.WriteString(" ORDER BY " + quote(orderBy))
	if q.Descending {
		sb.WriteString(" DESC")
	}
	if q.Limit > 0 {
		sb.WriteString(" LIMIT ?")
		args = append(args, q.Limit)
	}

	rows, err := s.db.DB.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", table, err)
	}
	defer rows.Close()
	return scanRows(rows, pk)
}

// Insert adds row and returns it as stored. A row without a primary key
// gets one: integer keys are left to the database and read back through
// LastInsertId, other keys get a UUID.
func (s *SQLStore) Insert(ctx context.Context, table string, row Row) (Row, error) {
	pk, err := s.table(table)
	if err != nil {
		return Row{}, err
	}

	fields := make(map[string]any, len(row.Fields)+1)
	for k, v := range row.Fields {
		fields[k] = v
	}
	generated := false
	if KeyOf(fields[pk]) == "" {
		generated, err = s.integerKey(ctx, table, pk)
		if err != nil {
			return Row{}, err
		}
		if generated {
			fields[pk] = nil
		} else {
			fields[pk] = uuid.New().String()
		}
	}

	cols := sortedKeys(fields)
	if err := checkColumns(cols); err != nil {
		return Row{}, err
	}
	quoted := make([]string, len(cols))
	marks := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, c := range cols {
		quoted[i] = quote(c)
		marks[i] = "?"
		args[i] = fields[c]
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quote(table), strings.Join(quoted, ", "), strings.Join(marks, ", "))

	var created Row
	err = s.db.ExecTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("insert into %s: %w", table, err)
		}
		id := KeyOf(fields[pk])
		if generated {
			n, err := res.LastInsertId()
			if err != nil {
				return fmt.Errorf("insert into %s: generated key: %w", table, err)
			}
			id = strconv.FormatInt(n, 10)
		}
		created, err = getRow(ctx, tx, table, pk, id)
		return err
	})
	return created, err
}

var integerTypes = map[string]bool{
	"INT":       true,
	"INTEGER":   true,
	"TINYINT":   true,
	"SMALLINT":  true,
	"MEDIUMINT": true,
	"BIGINT":    true,
}

func (s *SQLStore) integerKey(ctx context.Context, table, pk string) (bool, error) {
	if v, ok := s.intKeys.Load(table); ok {
		return v.(bool), nil
	}

	rows, err := s.db.DB.QueryContext(ctx,
		fmt.Sprintf("SELECT %s FROM %s LIMIT 0", quote(pk), quote(table)))
	if err != nil {
		return false, fmt.Errorf("inspect %s: %w", table, err)
	}
	defer rows.Close()
	types, err := rows.ColumnTypes()
	if err != nil {
		return false, fmt.Errorf("inspect %s: %w", table, err)
	}

	integer := false
	if len(types) == 1 {
		name := strings.ToUpper(types[0].DatabaseTypeName())
		integer = integerTypes[strings.TrimPrefix(name, "UNSIGNED ")]
	}
	s.intKeys.Store(table, integer)
	return integer, nil
}

func (s *SQLStore) Update(ctx context.Context, table, id string, patch map[string]any) (Row, error) {
	pk, err := s.table(table)
	if err != nil {
		return Row{}, err
	}

	cols := make([]string, 0, len(patch))
	for _, c := range sortedKeys(patch) {
		if c != pk {
			cols = append(cols, c)
		}
	}
	if err := checkColumns(cols); err != nil {
		return Row{}, err
	}

	var updated Row
	err = s.db.ExecTx(ctx, func(tx *sql.Tx) error {
		if len(cols) > 0 {
			sets := make([]string, len(cols))
			args := make([]any, 0, len(cols)+1)
			for i, c := range cols {
				sets[i] = quote(c) + " = ?"
				args = append(args, patch[c])
			}
			args = append(args, id)
			query := fmt.Sprintf("UPDATE %s SET %s WHERE %s = ?",
				quote(table), strings.Join(sets, ", "), quote(pk))
			if _, err := tx.ExecContext(ctx, query, args...); err != nil {
				return fmt.Errorf("update %s: %w", table, err)
			}
		}
		// MySQL reports zero affected rows for no-op updates, so existence
		// is decided by the read-back.
		updated, err = getRow(ctx, tx, table, pk, id)
		return err
	})
	return updated, err
}

func (s *SQLStore) Delete(ctx context.Context, table, id string) error {
	pk, err := s.table(table)
	if err != nil {
		return err
	}

	res, err := s.db.DB.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE %s = ?", quote(table), quote(pk)), id)
	if err != nil {
		return fmt.Errorf("delete from %s: %w", table, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func getRow(ctx context.Context, q querier, table, pk, id string) (Row, error) {
	rows, err := q.QueryContext(ctx,
		fmt.Sprintf("SELECT * FROM %s WHERE %s = ?", quote(table), quote(pk)), id)
	if err != nil {
		return Row{}, fmt.Errorf("get %s/%s: %w", table, id, err)
	}
	defer rows.Close()

	found, err := scanRows(rows, pk)
	if err != nil {
		return Row{}, err
	}
	if len(found) == 0 {
		return Row{}, ErrNotFound
	}
	return found[0], nil
}

func scanRows(rows *sql.Rows, pk string) ([]Row, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out []Row
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		fields := make(map[string]any, len(cols))
		for i, c := range cols {
			fields[c] = normalize(vals[i])
		}
		out = append(out, NewRow(pk, fields))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if out == nil {
		out = []Row{}
	}
	return out, nil
}

var _ Store = (*SQLStore)(nil)
