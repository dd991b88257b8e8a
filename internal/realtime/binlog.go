package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-mysql-org/go-mysql/canal"
	"github.com/go-mysql-org/go-mysql/mysql"
	"go.uber.org/zap"

	"registry-cache-service/internal/cache"
	"registry-cache-service/internal/config"
	"registry-cache-service/internal/logger"
	"registry-cache-service/internal/store"
)

// stream is the part of *canal.Canal the source drives.
type stream interface {
	SetEventHandler(h canal.EventHandler)
	GetMasterPos() (mysql.Position, error)
	RunFrom(pos mysql.Position) error
	Close()
}

// BinlogSource pushes row changes of the configured tables from the MySQL
// binlog. The binlog stream is opened by the first Subscribe and reopened
// by the first Subscribe after it died.
type BinlogSource struct {
	cfg       config.DatabaseConnection
	keys      map[string]string // table -> primary key column
	newStream func() (stream, error)

	events chan rowEvent
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	stream    stream
	listeners map[string]map[uint64]cache.Listener[store.Row]
	nextID    uint64
	closed    bool
}

func NewBinlogSource(cfg config.DatabaseConnection, tables []config.TableConfig) *BinlogSource {
	s := newSource(cfg, tables)
	s.newStream = func() (stream, error) {
		return newCanal(cfg, tables)
	}
	return s
}

func newSource(cfg config.DatabaseConnection, tables []config.TableConfig) *BinlogSource {
	keys := make(map[string]string, len(tables))
	for _, t := range tables {
		keys[t.Name] = t.PrimaryKey
		if keys[t.Name] == "" {
			keys[t.Name] = "id"
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &BinlogSource{
		cfg:       cfg,
		keys:      keys,
		events:    make(chan rowEvent, 10000), // Buffered queue 10K
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		listeners: make(map[string]map[uint64]cache.Listener[store.Row]),
	}
	go s.dispatch()
	return s
}

func newCanal(cfg config.DatabaseConnection, tables []config.TableConfig) (*canal.Canal, error) {
	var tableRegex []string
	for _, t := range tables {
		tableRegex = append(tableRegex, fmt.Sprintf("^%s\\.%s$", cfg.Database, t.Name))
	}

	user, password := cfg.ReplicationUser, cfg.ReplicationPassword
	if user == "" {
		user, password = cfg.User, cfg.Password
	}

	c, err := canal.NewCanal(&canal.Config{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		User:     user,
		Password: password,
		Flavor:   "mysql",
		ServerID: cfg.ServerID,
		Dump: canal.DumpConfig{
			ExecutionPath: "", // Rows come from the cache's own fetches
		},
		IncludeTableRegex: tableRegex,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create canal: %w", err)
	}
	return c, nil
}

// Subscribe registers l for the changes of table.
func (s *BinlogSource) Subscribe(ctx context.Context, table string, l cache.Listener[store.Row]) (func(), error) {
	if _, ok := s.keys[table]; !ok {
		return nil, fmt.Errorf("table %q is not replicated", table)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errors.New("binlog source closed")
	}
	s.nextID++
	id := s.nextID
	if s.listeners[table] == nil {
		s.listeners[table] = make(map[uint64]cache.Listener[store.Row])
	}
	s.listeners[table][id] = l
	s.mu.Unlock()

	if err := s.ensureRunning(); err != nil {
		s.remove(table, id)
		return nil, err
	}
	return func() { s.remove(table, id) }, nil
}

func (s *BinlogSource) remove(table string, id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.listeners[table], id)
	if len(s.listeners[table]) == 0 {
		delete(s.listeners, table)
	}
}

// ensureRunning opens the binlog stream at the current master position
// unless one is already running.
func (s *BinlogSource) ensureRunning() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream != nil {
		return nil
	}

	st, err := s.newStream()
	if err != nil {
		return err
	}
	pos, err := st.GetMasterPos()
	if err != nil {
		st.Close()
		return fmt.Errorf("failed to read master position: %w", err)
	}
	st.SetEventHandler(&eventHandler{source: s, stream: st})
	s.stream = st

	logger.Log.Info("Starting binlog stream",
		zap.String("host", s.cfg.Host),
		zap.String("file", pos.Name),
		zap.Uint32("pos", pos.Pos),
	)
	go s.run(st, pos)
	return nil
}

func (s *BinlogSource) run(st stream, pos mysql.Position) {
	err := st.RunFrom(pos)

	s.mu.Lock()
	if s.stream != st {
		s.mu.Unlock()
		return
	}
	s.stream = nil
	var all []cache.Listener[store.Row]
	for table, ls := range s.listeners {
		for _, l := range ls {
			all = append(all, l)
		}
		delete(s.listeners, table)
	}
	s.mu.Unlock()

	if err == nil {
		err = errors.New("binlog stream ended")
	}
	logger.Log.Error("Canal run error", zap.Error(err))
	st.Close()

	s.enqueue(rowEvent{
		err:       fmt.Errorf("%w: %v", cache.ErrChannelDisconnected, err),
		listeners: all,
	})
}

func (s *BinlogSource) enqueue(e rowEvent) error {
	select {
	case s.events <- e:
		return nil
	case <-s.ctx.Done():
		return s.ctx.Err()
	}
}

// Close stops the stream and the dispatcher. Listeners are not told; their
// owners are shutting down too.
func (s *BinlogSource) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	st := s.stream
	s.stream = nil
	s.mu.Unlock()

	if st != nil {
		st.Close()
	}
	s.cancel()
	<-s.done
	logger.Log.Info("Stopped binlog source")
	return nil
}

// Running reports whether a binlog stream is open.
func (s *BinlogSource) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stream != nil
}

type eventHandler struct {
	canal.DummyEventHandler
	source *BinlogSource
	stream stream
}

func (h *eventHandler) OnRow(e *canal.RowsEvent) error {
	pk, ok := h.source.keys[e.Table.Name]
	if !ok {
		return nil
	}

	changes := changesFromRows(e, pk)
	if len(changes) == 0 {
		return nil
	}

	pos := ""
	if c, ok := h.stream.(*canal.Canal); ok {
		pos = c.SyncedPosition().String()
	}

	// Block when the queue is full; the binlog reader waits for us.
	return h.source.enqueue(rowEvent{Table: e.Table.Name, Changes: changes, Pos: pos})
}

func (h *eventHandler) String() string {
	return "BinlogEventHandler"
}

// changesFromRows turns one rows event into cache changes keyed by pk.
// Update events carry before/after image pairs; the after image is the
// row the cache should hold.
func changesFromRows(e *canal.RowsEvent, pk string) []cache.Change[store.Row] {
	var op cache.Operation
	rows := e.Rows
	switch e.Action {
	case canal.InsertAction:
		op = cache.Insert
	case canal.UpdateAction:
		op = cache.Update
		after := make([][]interface{}, 0, len(rows)/2)
		for i := 1; i < len(rows); i += 2 {
			after = append(after, rows[i])
		}
		rows = after
	case canal.DeleteAction:
		op = cache.Delete
	default:
		return nil
	}

	out := make([]cache.Change[store.Row], 0, len(rows))
	for _, values := range rows {
		fields := make(map[string]any, len(e.Table.Columns))
		for i, col := range e.Table.Columns {
			if i >= len(values) {
				break
			}
			fields[col.Name] = values[i]
		}
		row := store.NewRow(pk, store.Normalize(fields))
		if row.ID == "" {
			logger.Log.Warn("Skipping binlog row without primary key",
				zap.String("table", e.Table.Name),
				zap.String("pk", pk),
			)
			continue
		}
		out = append(out, cache.Change[store.Row]{Op: op, Record: row})
	}
	return out
}
