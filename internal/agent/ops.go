package agent

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coman3/YetAnotherProxyManager/internal/logger"
	"github.com/coman3/YetAnotherProxyManager/internal/store"
)

func (a *Agent) opsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", a.metrics.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok\n"))
	})
	mux.HandleFunc("GET /status", a.handleStatus)
	mux.HandleFunc("GET /routes", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, a.store.Routes())
	})
	mux.HandleFunc("POST /reload", a.handleReload)
	mux.HandleFunc("GET /probe/{route}", a.handleProbe)
	return mux
}

func (a *Agent) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := a.lastStatus.Load()
	if st == nil || r.URL.Query().Has("fresh") {
		st = a.reportStatus(r.Context())
	}
	if st == nil {
		http.Error(w, "status unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *Agent) handleReload(w http.ResponseWriter, r *http.Request) {
	if err := a.store.Reload(); err != nil {
		logger.Error("reload routes failed", "error", err)
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"routes": len(a.store.Routes())})
}

func (a *Agent) handleProbe(w http.ResponseWriter, r *http.Request) {
	var timeout time.Duration
	if v := r.URL.Query().Get("timeout"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			http.Error(w, "invalid timeout", http.StatusBadRequest)
			return
		}
		timeout = d
	}

	result, err := a.Probe(r.Context(), r.PathValue("route"), timeout)
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case err != nil:
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		writeJSON(w, http.StatusOK, result)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("write response failed", "error", err)
	}
}
