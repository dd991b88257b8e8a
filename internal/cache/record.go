package cache

import "fmt"

// Record is a cached row. Key must be unique within a table.
type Record interface {
	Key() string
}

// fingerprinter is implemented by records that can detect no-op changes.
type fingerprinter interface {
	Fingerprint() string
}

type Operation string

const (
	Insert Operation = "INSERT"
	Update Operation = "UPDATE"
	Delete Operation = "DELETE"
)

// Change is one row-level mutation, either pushed by an event source or
// produced by a confirmed write.
type Change[T Record] struct {
	Op     Operation
	Record T
}

func (c Change[T]) String() string {
	return fmt.Sprintf("[%s] %s", c.Op, c.Record.Key())
}

// State is the lifecycle position of a table's entry.
type State int

const (
	Unloaded State = iota
	Loading
	Fresh
	Stale
)

func (s State) String() string {
	switch s {
	case Unloaded:
		return "unloaded"
	case Loading:
		return "loading"
	case Fresh:
		return "fresh"
	case Stale:
		return "stale"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}
