package realtime

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"registry-cache-service/internal/cache"
	"registry-cache-service/internal/config"
	"registry-cache-service/internal/logger"
	"registry-cache-service/internal/store"
)

const (
	StatusIdle    = "idle"
	StatusRunning = "running"
)

// warmLimit bounds concurrent warm-up fetches.
const warmLimit = 4

// TableStatus describes one configured table for status reporting.
type TableStatus struct {
	Name          string    `json:"name"`
	State         string    `json:"state"`
	Rows          int       `json:"rows"`
	Subscribers   int       `json:"subscribers"`
	LastFetchedAt time.Time `json:"last_fetched_at"`
	Realtime      bool      `json:"realtime"`
	Connected     bool      `json:"connected"`
}

// Manager owns the table cache of the service and everything that keeps it
// current: warm-up, push channels and scheduled revalidation.
type Manager struct {
	cfg     *config.Config
	backend store.Store
	source  cache.EventSource[store.Row]

	cache     *cache.Cache[store.Row]
	push      *cache.PushAdapter[store.Row]
	scheduler *Scheduler

	mu     sync.Mutex
	status string
	detach []func()
	counts map[string]*cache.Aggregation[int]
}

// NewManager builds the cache over backend. source may be nil, in which case
// tables are kept current by fetches alone.
func NewManager(cfg *config.Config, backend store.Store, source cache.EventSource[store.Row]) *Manager {
	opts := []cache.Option{cache.WithFetchTimeout(cfg.Cache.GetFetchTimeout())}
	for _, t := range cfg.Cache.Tables {
		opts = append(opts, cache.WithTableQuery(t.Name, store.Query{
			OrderBy:    t.OrderBy,
			Descending: t.Descending,
			Limit:      t.Limit,
		}))
	}

	m := &Manager{
		cfg:     cfg,
		backend: backend,
		source:  source,
		cache:   cache.New[store.Row](backend, opts...),
		status:  StatusIdle,
		counts:  make(map[string]*cache.Aggregation[int]),
	}

	if source != nil {
		var pushOpts []cache.PushOption
		if r := cfg.Cache.Reconnect; r.Enabled {
			pushOpts = append(pushOpts, cache.WithReconnect(cache.ReconnectPolicy{
				InitialInterval: r.GetInitialInterval(),
				MaxInterval:     r.GetMaxInterval(),
				MaxElapsed:      r.GetMaxElapsed(),
			}))
		}
		m.push = cache.NewPushAdapter(m.cache, source, pushOpts...)
	}

	m.scheduler = NewScheduler(cfg.Scheduler, m)
	return m
}

func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.status == StatusRunning {
		return fmt.Errorf("manager is already running")
	}

	logger.Log.Info("Starting cache manager", zap.Int("tables", len(m.cfg.Cache.Tables)))

	for _, t := range m.cfg.Cache.Tables {
		m.counts[t.Name] = cache.Aggregate(m.cache, t.Name, cache.Count[store.Row])
	}

	if m.push != nil {
		for _, t := range m.cfg.Cache.Tables {
			detach, err := m.push.Attach(ctx, t.Name)
			if err != nil {
				// Reads still work; the table is revalidated by the scheduler
				// and every fetch.
				logger.Log.Warn("Push channel unavailable", zap.String("table", t.Name), zap.Error(err))
				continue
			}
			m.detach = append(m.detach, detach)
		}
	}

	if m.cfg.Cache.WarmOnStart {
		m.warm(ctx)
	}

	m.scheduler.Start()
	m.status = StatusRunning
	return nil
}

// warm loads every configured table concurrently. Failures are logged and
// left for the first reader to retry.
func (m *Manager) warm(ctx context.Context) {
	start := time.Now()
	var g errgroup.Group
	g.SetLimit(warmLimit)
	for _, t := range m.cfg.Cache.Tables {
		table := t.Name
		g.Go(func() error {
			if _, err := m.cache.Load(ctx, table, cache.LoadOptions{}); err != nil {
				logger.Log.Warn("Warm-up failed", zap.String("table", table), zap.Error(err))
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		logger.Log.Warn("Cache warm-up incomplete", zap.Duration("took", time.Since(start)))
		return
	}
	logger.Log.Info("Cache warmed", zap.Duration("took", time.Since(start)))
}

func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.status != StatusRunning {
		return
	}

	logger.Log.Info("Stopping cache manager")

	m.scheduler.Stop()
	for _, detach := range m.detach {
		detach()
	}
	m.detach = nil
	for name, agg := range m.counts {
		agg.Close()
		delete(m.counts, name)
	}

	m.status = StatusIdle
}

// Close stops the manager, drops every cached row and closes the push
// source and the backing store.
func (m *Manager) Close() error {
	m.Stop()
	m.cache.ClearAll()

	if c, ok := m.source.(io.Closer); ok {
		if err := c.Close(); err != nil {
			logger.Log.Warn("Failed to close push source", zap.Error(err))
		}
	}
	return m.backend.Close()
}

func (m *Manager) Status() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *Manager) Cache() *cache.Cache[store.Row] {
	return m.cache
}

// Push returns the push adapter, nil when the manager has no source.
func (m *Manager) Push() *cache.PushAdapter[store.Row] {
	return m.push
}

// Tables lists the configured table names in configuration order.
func (m *Manager) Tables() []string {
	out := make([]string, 0, len(m.cfg.Cache.Tables))
	for _, t := range m.cfg.Cache.Tables {
		out = append(out, t.Name)
	}
	return out
}

// Has reports whether table is configured.
func (m *Manager) Has(table string) bool {
	_, ok := m.cfg.Cache.Table(table)
	return ok
}

// Count returns the derived row count of table. It is only maintained
// while the manager runs.
func (m *Manager) Count(table string) (int, bool) {
	m.mu.Lock()
	agg, ok := m.counts[table]
	m.mu.Unlock()
	if !ok {
		return 0, false
	}
	return agg.Value(), true
}

func (m *Manager) TableStatuses() []TableStatus {
	out := make([]TableStatus, 0, len(m.cfg.Cache.Tables))
	for _, t := range m.cfg.Cache.Tables {
		e := m.cache.Entry(t.Name)
		st := TableStatus{
			Name:          t.Name,
			State:         e.State.String(),
			Rows:          len(e.Rows),
			Subscribers:   m.cache.Subscribers(t.Name),
			LastFetchedAt: e.LastFetchedAt,
		}
		if m.push != nil {
			st.Realtime, st.Connected = m.push.Attached(t.Name)
		}
		out = append(out, st)
	}
	return out
}
