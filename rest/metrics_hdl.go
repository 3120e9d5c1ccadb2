package rest

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics godoc
// @Summary Prometheus metrics
// @Description Watcher and store metrics in the Prometheus exposition format.
// @Tags System
// @Produce plain
// @Success 200 {string} string
// @Router /metrics [get]
func (h *Handler) Metrics(w http.ResponseWriter, r *http.Request) {
	promhttp.HandlerFor(h.Gatherer, promhttp.HandlerOpts{}).ServeHTTP(w, r)
}
