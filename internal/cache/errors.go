package cache

import (
	"errors"
	"fmt"
)

// ErrChannelDisconnected is passed to listeners when an event source loses
// its upstream connection.
var ErrChannelDisconnected = errors.New("push channel disconnected")

// FetchError is a failed backing query. The cached rows are unchanged.
type FetchError struct {
	Table string
	Err   error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.Table, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// WriteError is a failed backing write. Nothing was cached or published.
type WriteError struct {
	Table string
	Op    Operation
	Err   error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Table, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
