package main

import (
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"

	"github.com/jmadden91/tablesync/go/internal/engine"
	"github.com/jmadden91/tablesync/go/internal/metrics"
	"github.com/jmadden91/tablesync/go/internal/store"
)

// newDebugServer exposes connection status, recent sync issues and metrics
// for local inspection.
func newDebugServer(addr string, orch *engine.Orchestrator, st *store.Store, collector *metrics.PrometheusCollector) *http.Server {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"connection":   orch.Connection().Status(),
			"queue_depth":  orch.Queue().Len(),
			"sync_issues":  orch.Issues().Issues(),
			"pending_sync": orch.Updates().PendingIDs(),
		})
	})

	mux.HandleFunc("/state", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, st.State())
	})

	mux.Handle("/metrics", promhttp.HandlerFor(collector.Registry(), promhttp.HandlerOpts{}))

	handler := cors.Default().Handler(mux)
	return &http.Server{Addr: addr, Handler: handler}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}
