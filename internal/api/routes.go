package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"registry-cache-service/internal/config"
	"registry-cache-service/internal/realtime"
)

type Handler struct {
	manager *realtime.Manager
	cfg     config.ServerConfig
	limiter *rate.Limiter
}

func NewHandler(manager *realtime.Manager, cfg config.ServerConfig) *Handler {
	h := &Handler{
		manager: manager,
		cfg:     cfg,
	}
	if cfg.WriteRateLimit > 0 {
		burst := cfg.WriteBurst
		if burst < 1 {
			burst = 1
		}
		h.limiter = rate.NewLimiter(rate.Limit(cfg.WriteRateLimit), burst)
	}
	return h
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(h.CorsMiddleware)

	r.Get("/health", h.HealthCheck)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(h.AuthMiddleware)

		r.Get("/status", h.GetStatus)

		r.Route("/tables/{table}", func(r chi.Router) {
			r.Use(h.tableMiddleware)

			r.Get("/", h.ListRows)
			r.With(h.ThrottleMiddleware).Post("/", h.CreateRow)
			r.Get("/stats", h.GetStats)
			r.Get("/watch", h.Watch)

			r.Get("/rows/{id}", h.GetRow)
			r.With(h.ThrottleMiddleware).Patch("/rows/{id}", h.UpdateRow)
			r.With(h.ThrottleMiddleware).Delete("/rows/{id}", h.DeleteRow)
		})
	})

	return r
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": h.manager.Status(),
		"tables": h.manager.TableStatuses(),
	})
}

// CorsMiddleware allows the configured origins, or any origin when none
// are configured.
func (h *Handler) CorsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := "*"
		if len(h.cfg.CorsOrigins) > 0 {
			origin = ""
			for _, o := range h.cfg.CorsOrigins {
				if o == r.Header.Get("Origin") {
					origin = o
					break
				}
			}
		}
		if origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-CSRF-Token")
		}

		if r.Method == "OPTIONS" {
			return
		}

		next.ServeHTTP(w, r)
	})
}

// AuthMiddleware checks the shared bearer token when one is configured.
// Browsers cannot set headers on an EventSource, so the token is also
// accepted as the access_token query parameter.
func (h *Handler) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.cfg.AuthToken == "" {
			next.ServeHTTP(w, r)
			return
		}

		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" {
			token = r.URL.Query().Get("access_token")
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(h.cfg.AuthToken)) != 1 {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ThrottleMiddleware rejects writes over the configured rate.
func (h *Handler) ThrottleMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.limiter != nil && !h.limiter.Allow() {
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "write rate exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) tableMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		table := chi.URLParam(r, "table")
		if !h.manager.Has(table) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown table " + table})
			return
		}
		next.ServeHTTP(w, r)
	})
}
