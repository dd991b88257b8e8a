package realtime

import (
	"go.uber.org/zap"

	"registry-cache-service/internal/cache"
	"registry-cache-service/internal/logger"
	"registry-cache-service/internal/store"
)

// dispatch delivers queued events to listeners. A single goroutine keeps
// each table's changes in binlog order.
func (s *BinlogSource) dispatch() {
	defer close(s.done)

	for {
		select {
		case e := <-s.events:
			s.deliver(e)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *BinlogSource) deliver(e rowEvent) {
	if e.err != nil {
		logger.Log.Warn("Binlog stream lost", zap.Int("listeners", len(e.listeners)), zap.Error(e.err))
		for _, l := range e.listeners {
			l.OnDisconnect(e.err)
		}
		return
	}

	s.mu.Lock()
	ls := make([]cache.Listener[store.Row], 0, len(s.listeners[e.Table]))
	for _, l := range s.listeners[e.Table] {
		ls = append(ls, l)
	}
	s.mu.Unlock()

	if len(ls) == 0 {
		return
	}
	logger.Log.Debug("Dispatching binlog event", zap.Stringer("event", e))
	for _, c := range e.Changes {
		for _, l := range ls {
			l.OnChange(c)
		}
	}
}
