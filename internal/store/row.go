package store

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Row is one record of a dynamically typed table.
type Row struct {
	ID     string
	Fields map[string]any
}

// NewRow builds a Row keyed by the pk column of fields.
func NewRow(pk string, fields map[string]any) Row {
	return Row{ID: KeyOf(fields[pk]), Fields: fields}
}

func (r Row) Key() string {
	return r.ID
}

func (r Row) Get(column string) any {
	return r.Fields[column]
}

// Fingerprint hashes the row content. encoding/json sorts map keys, so equal
// field sets hash the same regardless of construction order.
func (r Row) Fingerprint() string {
	b, _ := json.Marshal(r.Fields)
	sum := sha256.Sum256(b)
	return fmt.Sprintf("%x", sum)
}

func (r Row) MarshalJSON() ([]byte, error) {
	if r.Fields == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(r.Fields)
}

func (r *Row) UnmarshalJSON(b []byte) error {
	var fields map[string]any
	if err := json.Unmarshal(b, &fields); err != nil {
		return err
	}
	r.Fields = fields
	return nil
}

// KeyOf renders a primary key value as a string.
func KeyOf(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		// JSON numbers; integral ids must not render as 1e+06.
		if x == float64(int64(x)) {
			return strconv.FormatInt(int64(x), 10)
		}
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return fmt.Sprint(x)
	}
}

// normalize converts driver values into JSON friendly ones.
func normalize(v any) any {
	switch x := v.(type) {
	case []byte:
		return string(x)
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	default:
		return v
	}
}

// Normalize converts every value of fields in place and returns it.
func Normalize(fields map[string]any) map[string]any {
	for k, v := range fields {
		fields[k] = normalize(v)
	}
	return fields
}
