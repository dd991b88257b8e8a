package cache

import (
	"sort"
	"sync"
	"time"
)

// Entry is a point-in-time copy of one table's cache metadata and rows.
type Entry[T Record] struct {
	Table         string
	Rows          []T
	Loaded        bool
	LastFetchedAt time.Time
	InFlight      bool
	State         State
}

type entry[T Record] struct {
	rows          []T
	loaded        bool
	lastFetchedAt time.Time
	inFlight      bool
	version       uint64
	fetch         uint64
}

func (e *entry[T]) state() State {
	switch {
	case e.inFlight:
		return Loading
	case !e.loaded:
		return Unloaded
	case e.lastFetchedAt.IsZero():
		return Stale
	default:
		return Fresh
	}
}

// EntryStore holds the last known rows per table. It never performs I/O and
// never notifies anyone.
//
// Row slices are copy-on-write: a slice handed out by Get is never modified
// afterwards, and callers must not modify it either.
type EntryStore[T Record] struct {
	now func() time.Time

	mu      sync.RWMutex
	entries map[string]*entry[T]
	// version is shared by all tables so a token taken before Clear can
	// never match an entry created after it.
	version uint64
}

func NewEntryStore[T Record]() *EntryStore[T] {
	return &EntryStore[T]{
		now:     time.Now,
		entries: make(map[string]*entry[T]),
	}
}

// lookup returns the entry for table, creating it when create is set.
// Callers hold mu.
func (s *EntryStore[T]) lookup(table string, create bool) *entry[T] {
	e, ok := s.entries[table]
	if !ok && create {
		e = &entry[T]{}
		s.version++
		e.version = s.version
		s.entries[table] = e
	}
	return e
}

func (s *EntryStore[T]) bump(e *entry[T]) {
	s.version++
	e.version = s.version
}

// Get returns the cached rows and whether the table was ever loaded.
func (s *EntryStore[T]) Get(table string) ([]T, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e := s.lookup(table, false)
	if e == nil || !e.loaded {
		return nil, false
	}
	return e.rows, true
}

func (s *EntryStore[T]) Entry(table string) Entry[T] {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := Entry[T]{Table: table}
	e := s.lookup(table, false)
	if e == nil {
		return out
	}
	out.Rows = e.rows
	out.Loaded = e.loaded
	out.LastFetchedAt = e.lastFetchedAt
	out.InFlight = e.inFlight
	out.State = e.state()
	return out
}

// Tables lists every table that has an entry, sorted.
func (s *EntryStore[T]) Tables() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.entries))
	for t := range s.entries {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Set replaces the rows of table wholesale and marks it fresh.
func (s *EntryStore[T]) Set(table string, rows []T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.lookup(table, true)
	s.setLocked(e, rows)
	e.lastFetchedAt = s.now()
}

func (s *EntryStore[T]) setLocked(e *entry[T], rows []T) {
	e.rows = dedupe(rows)
	e.loaded = true
	s.bump(e)
}

// dedupe copies rows, keeping the last occurrence of each key in the
// position of its first one.
func dedupe[T Record](rows []T) []T {
	out := make([]T, 0, len(rows))
	pos := make(map[string]int, len(rows))
	for _, r := range rows {
		if i, ok := pos[r.Key()]; ok {
			out[i] = r
			continue
		}
		pos[r.Key()] = len(out)
		out = append(out, r)
	}
	return out
}

// Patch applies one row change by key. It reports whether the rows changed.
// Tables that were never loaded are left alone: a partial row set would be
// served as if it were complete. The entry version still moves so that a
// fetch started before the change is recognised as obsolete.
func (s *EntryStore[T]) Patch(table string, c Change[T]) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.lookup(table, true)
	if !e.loaded {
		s.bump(e)
		return false
	}

	rows, changed := patchRows(e.rows, c)
	if !changed {
		return false
	}
	e.rows = rows
	s.bump(e)
	return true
}

func patchRows[T Record](rows []T, c Change[T]) ([]T, bool) {
	key := c.Record.Key()
	idx := -1
	for i, r := range rows {
		if r.Key() == key {
			idx = i
			break
		}
	}

	switch c.Op {
	case Insert, Update:
		if idx < 0 {
			out := make([]T, len(rows), len(rows)+1)
			copy(out, rows)
			return append(out, c.Record), true
		}
		if sameContent(rows[idx], c.Record) {
			return rows, false
		}
		out := make([]T, len(rows))
		copy(out, rows)
		out[idx] = c.Record
		return out, true
	case Delete:
		if idx < 0 {
			return rows, false
		}
		out := make([]T, 0, len(rows)-1)
		out = append(out, rows[:idx]...)
		return append(out, rows[idx+1:]...), true
	default:
		return rows, false
	}
}

func sameContent(a, b any) bool {
	fa, ok := a.(fingerprinter)
	if !ok {
		return false
	}
	fb, ok := b.(fingerprinter)
	if !ok {
		return false
	}
	return fa.Fingerprint() == fb.Fingerprint()
}

// Invalidate marks table stale. Rows stay servable until the next load.
func (s *EntryStore[T]) Invalidate(table string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.lookup(table, true)
	e.lastFetchedAt = time.Time{}
	s.bump(e)
}

// Clear drops the entry of table; the next access starts from Unloaded.
func (s *EntryStore[T]) Clear(table string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, table)
	s.version++
}

func (s *EntryStore[T]) ClearAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]*entry[T])
	s.version++
}

// versionOf returns the current version of table, zero if it has no entry.
func (s *EntryStore[T]) versionOf(table string) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if e := s.lookup(table, false); e != nil {
		return e.version
	}
	return 0
}

// fetchToken identifies one fetch and the entry version it observed.
type fetchToken struct {
	id      uint64
	version uint64
}

// beginFetch marks table in flight.
func (s *EntryStore[T]) beginFetch(table string) fetchToken {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.lookup(table, true)
	s.version++
	e.fetch = s.version
	e.inFlight = true
	return fetchToken{id: e.fetch, version: e.version}
}

type fetchOutcome int

const (
	fetchDiscarded fetchOutcome = iota
	fetchApplied
	// fetchOvertaken is a first load that lost a race with a change. Its
	// rows are served but the entry is left stale.
	fetchOvertaken
)

// completeFetch stores the result of a fetch that began at token.
//
// A fetch overtaken by a change is only applied to a table that was never
// loaded, and then left stale so it gets revalidated.
func (s *EntryStore[T]) completeFetch(table string, token fetchToken, rows []T) fetchOutcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.lookup(table, false)
	if e == nil || !e.inFlight || e.fetch != token.id {
		// Cleared while loading.
		return fetchDiscarded
	}
	e.inFlight = false

	switch {
	case e.version == token.version:
		s.setLocked(e, rows)
		e.lastFetchedAt = s.now()
		return fetchApplied
	case !e.loaded:
		s.setLocked(e, rows)
		e.lastFetchedAt = time.Time{}
		return fetchOvertaken
	default:
		return fetchDiscarded
	}
}

func (s *EntryStore[T]) abortFetch(table string, token fetchToken) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e := s.lookup(table, false); e != nil && e.fetch == token.id {
		e.inFlight = false
	}
}
