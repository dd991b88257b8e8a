package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"registry-cache-service/internal/bind"
	"registry-cache-service/internal/logger"
	"registry-cache-service/internal/store"
)

const heartbeatInterval = 15 * time.Second

// Watch streams the table as Server-Sent Events: a rows event for every
// row set the binding receives and an error event when a fetch fails.
func (h *Handler) Watch(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
		return
	}

	var opts []bind.Option[store.Row]
	if push := h.manager.Push(); push != nil {
		opts = append(opts, bind.WithPush(push))
	}
	b := bind.Bind(r.Context(), h.manager.Cache(), table, opts...)
	defer b.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	logger.Log.Debug("Watch started", zap.String("table", table))
	defer logger.Log.Debug("Watch ended", zap.String("table", table))

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	send := func() error {
		st := b.State()
		if st.IsLoading {
			return nil
		}
		if st.Err != nil {
			if err := writeEvent(w, "error", map[string]string{"error": st.Err.Error()}); err != nil {
				return err
			}
		}
		if err := writeEvent(w, "rows", rowsResponse{Table: table, Count: len(st.Rows), Rows: st.Rows}); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	if err := send(); err != nil {
		return
	}
	for {
		select {
		case <-b.Done():
			return
		case <-b.Updates():
			if err := send(); err != nil {
				return
			}
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
