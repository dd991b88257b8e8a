package realtime

import (
	"fmt"

	"registry-cache-service/internal/cache"
	"registry-cache-service/internal/store"
)

// rowEvent is one binlog rows event translated for the cache. A non-nil
// err marks the end of a stream: every listener registered at the time is
// told the channel is gone.
type rowEvent struct {
	Table   string
	Changes []cache.Change[store.Row]
	Pos     string

	err       error
	listeners []cache.Listener[store.Row]
}

func (e rowEvent) String() string {
	if e.err != nil {
		return fmt.Sprintf("[disconnect] %v", e.err)
	}
	return fmt.Sprintf("%s @%s (%d changes)", e.Table, e.Pos, len(e.Changes))
}
