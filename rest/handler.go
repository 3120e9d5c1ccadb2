package rest

import (
	"context"
	"net/http"
	"time"

	"github.com/Gthulhu/mmcontainers/config"
	"github.com/Gthulhu/mmcontainers/domain"
	"github.com/Gthulhu/mmcontainers/pkg/logger"
	"github.com/Gthulhu/mmcontainers/watcher"
	"github.com/bytedance/sonic"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
)

const serviceName = "mmcontainers"

// BuildVersion is set at link time.
var BuildVersion = "dev"

// ErrorResponse represents error response structure
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

type Params struct {
	fx.In
	Store      domain.Store
	Gatherer   prometheus.Gatherer
	Supervisor *watcher.Supervisor `optional:"true"`
	Server     config.ServerConfig `optional:"true"`
}

func NewHandler(params Params) (*Handler, error) {
	authMiddleware, err := GetJwtAuthMiddleware(params.Server.Auth)
	if err != nil {
		return nil, err
	}
	return &Handler{
		Store:          params.Store,
		Gatherer:       params.Gatherer,
		Supervisor:     params.Supervisor,
		authMiddleware: authMiddleware,
	}, nil
}

type Handler struct {
	Store      domain.Store
	Gatherer   prometheus.Gatherer
	Supervisor *watcher.Supervisor

	authMiddleware func(next http.Handler) http.Handler
}

func (h *Handler) JSONResponse(ctx context.Context, w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	err := sonic.ConfigDefault.NewEncoder(w).Encode(data)
	if err != nil {
		logger.Logger(ctx).Error().Err(err).Msg("Failed to encode JSON response")
		http.Error(w, "Failed to encode JSON response", http.StatusInternalServerError)
	}
}

func (h *Handler) ErrorResponse(ctx context.Context, w http.ResponseWriter, status int, errMsg string) {
	resp := ErrorResponse{
		Success: false,
		Error:   errMsg,
	}
	h.JSONResponse(ctx, w, status, resp)
}

// Version godoc
// @Summary Service version
// @Tags System
// @Produce json
// @Success 200 {object} map[string]string
// @Router /version [get]
func (h *Handler) Version(w http.ResponseWriter, r *http.Request) {
	response := map[string]string{
		"service":   serviceName,
		"version":   BuildVersion,
		"endpoints": "/health (GET), /metrics (GET), /swagger/index.html (GET), /api/v1/entries (GET), /api/v1/entries/{key} (GET)",
	}
	h.JSONResponse(r.Context(), w, http.StatusOK, response)
}

// HealthCheck godoc
// @Summary Health check
// @Description Reports the store size and the state of every watcher stream.
// @Tags System
// @Produce json
// @Success 200 {object} map[string]any
// @Failure 503 {object} ErrorResponse
// @Router /health [get]
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	entries, err := h.Store.Len(ctx)
	if err != nil {
		logger.Logger(ctx).Warn().Err(err).Msg("store is not readable")
		h.ErrorResponse(ctx, w, http.StatusServiceUnavailable, "store unavailable: "+err.Error())
		return
	}
	response := map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"service":   serviceName,
		"entries":   entries,
	}
	if h.Supervisor != nil {
		response["watchers"] = h.Supervisor.States()
	}
	h.JSONResponse(ctx, w, http.StatusOK, response)
}
