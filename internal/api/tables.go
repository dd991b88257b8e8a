package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"registry-cache-service/internal/cache"
	"registry-cache-service/internal/store"
)

// reserved query parameters; every other one is an equality filter.
var reserved = map[string]bool{
	"refresh":      true,
	"access_token": true,
}

type rowsResponse struct {
	Table string      `json:"table"`
	Count int         `json:"count"`
	Rows  []store.Row `json:"rows"`
}

func (h *Handler) ListRows(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")

	var opts []cache.ReadOption
	q := r.URL.Query()
	if q.Get("refresh") == "true" {
		opts = append(opts, cache.ForceRefresh())
	}
	filters := make(map[string]string)
	for k := range q {
		if !reserved[k] {
			filters[k] = q.Get(k)
		}
	}
	if len(filters) > 0 {
		opts = append(opts, cache.Where(func(row store.Row) bool {
			for col, want := range filters {
				if store.KeyOf(row.Get(col)) != want {
					return false
				}
			}
			return true
		}))
	}

	rows, err := h.manager.Cache().ReadAll(r.Context(), table, opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rowsResponse{Table: table, Count: len(rows), Rows: rows})
}

func (h *Handler) GetRow(w http.ResponseWriter, r *http.Request) {
	table, id := chi.URLParam(r, "table"), chi.URLParam(r, "id")

	row, ok, err := h.manager.Cache().ReadOne(r.Context(), table, id)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeError(w, fmt.Errorf("%s/%s: %w", table, id, store.ErrNotFound))
		return
	}
	writeJSON(w, http.StatusOK, row)
}

func decodeFields(r *http.Request) (map[string]any, error) {
	var fields map[string]any
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
		return nil, fmt.Errorf("invalid body: %w", err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("invalid body: no fields")
	}
	return fields, nil
}

func (h *Handler) CreateRow(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")

	fields, err := decodeFields(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	created, err := h.manager.Cache().Create(r.Context(), table, store.Row{Fields: fields})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *Handler) UpdateRow(w http.ResponseWriter, r *http.Request) {
	table, id := chi.URLParam(r, "table"), chi.URLParam(r, "id")

	patch, err := decodeFields(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	updated, err := h.manager.Cache().Update(r.Context(), table, id, patch)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *Handler) DeleteRow(w http.ResponseWriter, r *http.Request) {
	table, id := chi.URLParam(r, "table"), chi.URLParam(r, "id")

	if err := h.manager.Cache().Remove(r.Context(), table, id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type statsResponse struct {
	Table       string `json:"table"`
	Rows        int    `json:"rows"`
	State       string `json:"state"`
	Subscribers int    `json:"subscribers"`
}

// GetStats reports the derived row count without touching the backing
// store.
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")
	c := h.manager.Cache()

	e := c.Entry(table)
	n, ok := h.manager.Count(table)
	if !ok {
		n = len(e.Rows)
	}
	writeJSON(w, http.StatusOK, statsResponse{
		Table:       table,
		Rows:        n,
		State:       e.State.String(),
		Subscribers: c.Subscribers(table),
	})
}
