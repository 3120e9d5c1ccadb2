package rest

import (
	"errors"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/Gthulhu/mmcontainers/domain"
	"github.com/Gthulhu/mmcontainers/pkg/logger"
)

const (
	defaultEntriesLimit = 100
	maxEntriesLimit     = 10000
)

type Entry struct {
	Key    string                 `json:"key"`
	Record *domain.MetadataRecord `json:"record"`
}

type ListEntriesResponse struct {
	Success bool    `json:"success"`
	Total   int     `json:"total"`
	Entries []Entry `json:"entries"`
}

type GetEntryResponse struct {
	Success bool  `json:"success"`
	Entry   Entry `json:"entry"`
}

// ListEntries godoc
// @Summary List store entries
// @Description Entries whose key starts with prefix, sorted by key. Total counts every match; at most limit entries are returned.
// @Tags Entries
// @Produce json
// @Security BearerAuth
// @Param prefix query string false "Key prefix, e.g. kube/default/"
// @Param limit query int false "Maximum number of entries returned" default(100)
// @Success 200 {object} ListEntriesResponse
// @Failure 400 {object} ErrorResponse
// @Failure 401 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /api/v1/entries [get]
func (h *Handler) ListEntries(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	prefix := r.URL.Query().Get("prefix")
	limit := defaultEntriesLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 || n > maxEntriesLimit {
			h.ErrorResponse(ctx, w, http.StatusBadRequest, "limit must be between 1 and "+strconv.Itoa(maxEntriesLimit))
			return
		}
		limit = n
	}

	entries := []Entry{}
	err := h.Store.Range(ctx, func(key string, record *domain.MetadataRecord) bool {
		if strings.HasPrefix(key, prefix) {
			entries = append(entries, Entry{Key: key, Record: record})
		}
		return true
	})
	if err != nil {
		logger.Logger(ctx).Error().Err(err).Msg("failed to read store")
		h.ErrorResponse(ctx, w, http.StatusInternalServerError, "failed to read store")
		return
	}
	slices.SortFunc(entries, func(a, b Entry) int { return strings.Compare(a.Key, b.Key) })

	resp := ListEntriesResponse{Success: true, Total: len(entries), Entries: entries}
	if len(entries) > limit {
		resp.Entries = entries[:limit]
	}
	h.JSONResponse(ctx, w, http.StatusOK, resp)
}

// GetEntry godoc
// @Summary Get one store entry
// @Tags Entries
// @Produce json
// @Security BearerAuth
// @Param key path string true "Full store key, e.g. docker/<container id>"
// @Success 200 {object} GetEntryResponse
// @Failure 401 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /api/v1/entries/{key} [get]
func (h *Handler) GetEntry(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	key := h.GetPathParam(r, "*")
	if key == "" {
		h.ErrorResponse(ctx, w, http.StatusBadRequest, "key is required")
		return
	}
	record, err := h.Store.Get(ctx, key)
	if errors.Is(err, domain.ErrNotFound) {
		h.ErrorResponse(ctx, w, http.StatusNotFound, "no entry for key "+key)
		return
	}
	if err != nil {
		logger.Logger(ctx).Error().Err(err).Str("key", key).Msg("failed to read store")
		h.ErrorResponse(ctx, w, http.StatusInternalServerError, "failed to read store")
		return
	}
	h.JSONResponse(ctx, w, http.StatusOK, GetEntryResponse{Success: true, Entry: Entry{Key: key, Record: record}})
}
