// Package adminhttp is the dispatcher's minimal HTTP surface: a Prometheus
// scrape endpoint, a liveness probe, and a read-only view of the node
// registry. The notification REST API the teacher exposes under /api/v1 is
// out of scope here — this dispatcher's only external interfaces beyond
// this are its broker channels and the control protocol, per spec.md §1/§6.
package adminhttp

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ricirt/dispatch/internal/nodestate"
)

// NewRouter wires the chi router. It is the single source of truth for the
// admin HTTP surface area, mirroring the teacher's internal/api.NewRouter.
// nodes may be nil, in which case /nodes is not registered (used by tests
// and any embedder that runs without the node registry).
func NewRouter(reg prometheus.Gatherer, nodes *nodestate.Registry, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	r.Get("/healthz", health)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	if nodes != nil {
		h := &nodesHandler{nodes: nodes, logger: logger}
		r.Get("/nodes", h.list)
		r.Get("/nodes/{nodeID}", h.get)
	}

	return r
}

func health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// nodesHandler exposes the observability-only node registry described in
// internal/nodestate — dashboards and operators read it, the dispatch path
// never does.
type nodesHandler struct {
	nodes  *nodestate.Registry
	logger *zap.Logger
}

func (h *nodesHandler) list(w http.ResponseWriter, r *http.Request) {
	list, err := h.nodes.List(r.Context())
	if err != nil {
		h.logger.Error("failed to list nodes", zap.Error(err))
		http.Error(w, "failed to list nodes", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *nodesHandler) get(w http.ResponseWriter, r *http.Request) {
	nodeID := chi.URLParam(r, "nodeID")
	node, err := h.nodes.Get(r.Context(), nodeID)
	if err != nil {
		if errors.Is(err, nodestate.ErrNotFound) {
			http.Error(w, "node not found", http.StatusNotFound)
			return
		}
		h.logger.Error("failed to get node", zap.String("node_id", nodeID), zap.Error(err))
		http.Error(w, "failed to get node", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, node)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
